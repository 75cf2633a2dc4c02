// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

package alpaca

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Server is an Alpaca server that provides information about the server
// and routes the device API to the devices it manages.
type Server struct {
	devices []Device

	store  *Store
	tmpl   *template.Template
	logger log.FieldLogger

	// onConfig is called after the server setup page saved a new config.
	onConfig func(Config)
}

func NewServer(devices []Device, store *Store, tmpl *template.Template, logger log.FieldLogger) *Server {
	return &Server{
		devices: devices,
		store:   store,
		tmpl:    tmpl,
		logger:  logger,
	}
}

// OnConfig registers fn to be called with every saved server config.
func (s *Server) OnConfig(fn func(Config)) {
	s.onConfig = fn
}

type DeviceHTTPHandler interface {
	RegisterRoutes(mux *http.ServeMux)
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	// Add management routes
	r.Handle("GET /management/apiversions", handleMgm(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", handleMgm(s.handleDescription))
	r.Handle("GET /management/v1/configureddevices", handleMgm(s.handleConfiguredDevices))
	r.HandleFunc("/setup", s.handleSetup)

	// Create handlers for each device
	for _, dev := range s.devices {
		var handler DeviceHTTPHandler

		switch d := dev.(type) {
		case Focuser:
			handler = NewFocuserHandler(d)
		case Camera:
			handler = NewCameraHandler(d)
		case Switch:
			handler = NewSwitchHandler(d)
		default:
			s.logger.Errorf("Unknown device type: %T", dev)
			handler = NewDeviceHandler(dev)
		}
		s.logger.Infof("Serving %s %q", dev.DeviceInfo().Type, dev.DeviceInfo().Name)

		mux := http.NewServeMux()
		handler.RegisterRoutes(mux)

		info := dev.DeviceInfo()
		apiPrefix := fmt.Sprintf("/api/v1/%s/%d", strings.ToLower(info.Type.String()), info.Number)
		r.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, mux))

		if setup, ok := dev.(Setupper); ok {
			r.HandleFunc(setupPath(info), setup.HandleSetup)
		}
	}

	return r
}

func (s *Server) handleAPIVersions(r *http.Request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *http.Request) (any, error) {
	cfg, err := s.store.GetConfig()
	if err != nil {
		return nil, err
	}
	return cfg.Description, nil
}

func (s *Server) handleConfiguredDevices(r *http.Request) (any, error) {
	deviceInfo := make([]DeviceInfo, 0, len(s.devices))
	for _, device := range s.devices {
		deviceInfo = append(deviceInfo, device.DeviceInfo())
	}

	return deviceInfo, nil
}

// handleSetup returns a user interface for setting up the server.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.store.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		if err := s.store.SetConfig(cfg); err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		s.logger.Infof("Server config saved: %s, MQTT enabled %v", cfg.Description.Name, cfg.MQTT.Enabled)
		if s.onConfig != nil {
			s.onConfig(cfg)
		}
		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	type deviceLink struct {
		DeviceInfo
		SetupPath string
	}
	data := struct {
		Config
		Devices []deviceLink
		Success bool
		Error   string
	}{cfg, nil, success, err}

	for _, dev := range s.devices {
		link := deviceLink{DeviceInfo: dev.DeviceInfo()}
		if _, ok := dev.(Setupper); ok {
			link.SetupPath = setupPath(link.DeviceInfo)
		}
		data.Devices = append(data.Devices, link)
	}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func setupPath(info DeviceInfo) string {
	return fmt.Sprintf("/setup/v1/%s/%d/setup", strings.ToLower(info.Type.String()), info.Number)
}

func parseSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := defaultConfig
	cfg.Description.Name = r.FormValue("server-name")
	cfg.Description.Location = r.FormValue("location")

	cfg.MQTT.Enabled = r.FormValue("mqtt-enabled") == "true"
	cfg.MQTT.Host = r.FormValue("mqtt-host")
	cfg.MQTT.Username = r.FormValue("mqtt-username")
	cfg.MQTT.Password = r.FormValue("mqtt-password")
	cfg.MQTT.TopicRoot = r.FormValue("mqtt-topic-root")

	port, err := strconv.Atoi(r.FormValue("mqtt-port"))
	if err != nil {
		return cfg, fmt.Errorf("invalid MQTT port %q", r.FormValue("mqtt-port"))
	}
	cfg.MQTT.Port = port

	return cfg, cfg.Validate()
}
