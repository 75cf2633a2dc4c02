package templates

import (
	"embed"
	"html/template"
)

//go:embed *.html
var FS embed.FS

// LoadTemplates parses the server and device setup pages. Shared blocks
// live in base.html.
func LoadTemplates() (*template.Template, error) {
	return template.ParseFS(FS, "*.html")
}
