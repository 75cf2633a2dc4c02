// Package bracket implements the bracketed ASCII protocol of the Deep Sky Dad
// AF focuser family: requests look like "[SPOS000123]" and replies like
// "(OK)", "(1234)" or "(Board=DeepSkyDad.AF3, Version=2.1.0)". A rejected
// command replies "!<code>)".
package bracket

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownVerb = errors.New("unknown verb")
	ErrRejected    = errors.New("command rejected")
)

// DecodeError reports a reply that does not have any of the known shapes.
type DecodeError struct {
	Raw    string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed reply %q: %s", e.Raw, e.Reason)
}

// DeviceError is a failure reply. Code is kept verbatim for logging.
type DeviceError struct {
	Code string
	Raw  string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %s", e.Code)
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrRejected
}

type verbFormat struct {
	format  string
	suffix  string
	noReply bool
}

var verbs = map[string]verbFormat{
	"GPOS": {},
	"GMOV": {},
	"GMXP": {},
	"GMXM": {},
	"GSPD": {},
	"GSTP": {},
	"GBUF": {},
	"GIDC": {},
	"GCLM": {},
	"GMMM": {},
	"GMHM": {},
	"GTMC": {},
	"GFRM": {},
	"GCMV": {suffix: "%"},
	"GCHD": {suffix: "%"},

	"STOP": {noReply: true},
	"SMOV": {noReply: true},

	"SPOS": {format: "%06d"},
	"STRG": {format: "%06d"},
	"SBUF": {format: "%06d"},
	"SIDC": {format: "%06d"},
	"SREV": {format: "%01d"},
	"SSTP": {format: "%d"},
	"SMXM": {format: "%d"},
	"SMXP": {format: "%d"},
	"SCLM": {format: "%d"},
	"SSPD": {format: "%d"},
	"SMMM": {format: "%d"},
	"SMHM": {format: "%d"},
	"SCMV": {format: "%d", suffix: "%"},
	"SCHD": {format: "%d", suffix: "%"},
}

// ExpectsReply reports whether the firmware answer to verb is read back.
func ExpectsReply(verb string) bool {
	s, ok := verbs[verb]
	return ok && !s.noReply
}

// Encode formats a request. Setter verbs take exactly one non-negative
// argument; getters and actions take none.
func Encode(verb string, args ...int) ([]byte, error) {
	vf, ok := verbs[verb]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(verb)

	switch {
	case vf.format == "" && len(args) != 0:
		return nil, fmt.Errorf("%s takes no argument", verb)
	case vf.format != "" && len(args) != 1:
		return nil, fmt.Errorf("%s takes one argument, got %d", verb, len(args))
	case vf.format != "":
		if args[0] < 0 {
			return nil, fmt.Errorf("%s: negative argument %d", verb, args[0])
		}
		fmt.Fprintf(&b, vf.format, args[0])
	}

	b.WriteString(vf.suffix)
	b.WriteString("]")
	return []byte(b.String()), nil
}

// DecodeRequest parses a request frame back into its verb and arguments.
func DecodeRequest(b []byte) (string, []int, error) {
	s := string(b)
	if len(s) < 6 || s[0] != '[' || s[len(s)-1] != ']' {
		return "", nil, fmt.Errorf("malformed request %q", s)
	}

	body := s[1 : len(s)-1]
	verb := body[:4]
	vf, ok := verbs[verb]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
	}

	rest := strings.TrimSuffix(body[4:], vf.suffix)
	if vf.format == "" {
		if rest != "" {
			return "", nil, fmt.Errorf("%s takes no argument, got %q", verb, rest)
		}
		return verb, nil, nil
	}

	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return "", nil, fmt.Errorf("%s: invalid argument %q", verb, rest)
	}
	return verb, []int{n}, nil
}

// Response is a successfully parsed reply.
type Response struct {
	Raw  string
	Body string
}

func (r Response) OK() bool {
	return r.Body == "OK"
}

func (r Response) Uint() (uint32, error) {
	v, err := strconv.ParseUint(r.Body, 10, 32)
	if err != nil {
		return 0, &DecodeError{Raw: r.Raw, Reason: "not an unsigned integer"}
	}
	return uint32(v), nil
}

func (r Response) Float() (float64, error) {
	v, err := strconv.ParseFloat(r.Body, 64)
	if err != nil {
		return 0, &DecodeError{Raw: r.Raw, Reason: "not a number"}
	}
	return v, nil
}

// Fields parses a "Key=Value, Key=Value" body.
func (r Response) Fields() (map[string]string, error) {
	fields, ok := parseFields(r.Body)
	if !ok {
		return nil, &DecodeError{Raw: r.Raw, Reason: "not a field list"}
	}
	return fields, nil
}

// ParseResponse parses one reply. A failure reply returns a *DeviceError.
func ParseResponse(b []byte) (Response, error) {
	raw := string(b)
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "(!") {
		s = s[1:]
	}
	if strings.HasPrefix(s, "!") {
		if !strings.HasSuffix(s, ")") {
			return Response{}, &DecodeError{Raw: raw, Reason: "unterminated failure"}
		}
		return Response{}, &DeviceError{Code: s[1 : len(s)-1], Raw: raw}
	}

	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return Response{}, &DecodeError{Raw: raw, Reason: "missing parentheses"}
	}

	body := s[1 : len(s)-1]
	if body == "OK" {
		return Response{Raw: raw, Body: body}, nil
	}
	if _, err := strconv.ParseFloat(body, 64); err == nil {
		return Response{Raw: raw, Body: body}, nil
	}
	if _, ok := parseFields(body); ok {
		return Response{Raw: raw, Body: body}, nil
	}
	return Response{}, &DecodeError{Raw: raw, Reason: "unexpected body"}
}

func parseFields(body string) (map[string]string, bool) {
	fields := make(map[string]string)
	for _, part := range strings.Split(body, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || key == "" {
			return nil, false
		}
		fields[key] = value
	}
	return fields, true
}
