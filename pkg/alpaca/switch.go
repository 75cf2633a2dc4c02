package alpaca

import (
	"net/http"
)

// SwitchInfo is the static description of one switch device.
type SwitchInfo struct {
	Name        string
	Description string
	CanWrite    bool
	Min         float64
	Max         float64
	Step        float64
}

type Switch interface {
	Device

	Switches() []SwitchInfo
	GetSwitchValue(id int) (float64, error)
	SetSwitchValue(id int, value float64) error
}

type SwitchHandler struct {
	DeviceHandler
	dev Switch
}

func NewSwitchHandler(dev Switch) *SwitchHandler {
	return &SwitchHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (sh *SwitchHandler) RegisterRoutes(mux *http.ServeMux) {
	sh.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /maxswitch", sh.handleMaxSwitch)
	mux.HandleFunc("GET /getswitchname", sh.handleInfo)
	mux.HandleFunc("GET /getswitchdescription", sh.handleInfo)
	mux.HandleFunc("GET /canwrite", sh.handleInfo)
	mux.HandleFunc("GET /minswitchvalue", sh.handleInfo)
	mux.HandleFunc("GET /maxswitchvalue", sh.handleInfo)
	mux.HandleFunc("GET /switchstep", sh.handleInfo)

	mux.HandleFunc("GET /getswitchvalue", sh.handleGetSwitchValue)
	mux.HandleFunc("GET /getswitch", sh.handleGetSwitch)
	mux.HandleFunc("PUT /setswitchvalue", sh.handleSetSwitchValue)
	mux.HandleFunc("PUT /setswitch", sh.handleSetSwitch)
	mux.HandleFunc("PUT /setswitchname", sh.handleSetSwitchName)
}

func (sh *SwitchHandler) handleMaxSwitch(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, len(sh.dev.Switches()))
}

// switchID parses and validates the Id parameter.
func (sh *SwitchHandler) switchID(r *http.Request) (SwitchInfo, int, error) {
	id, err := parseIntRequest(r, "Id")
	if err != nil {
		return SwitchInfo{}, 0, err
	}
	switches := sh.dev.Switches()
	if id < 0 || id >= len(switches) {
		return SwitchInfo{}, 0, InvalidValue("switch %d out of range 0..%d", id, len(switches)-1)
	}
	return switches[id], id, nil
}

func (sh *SwitchHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, _, err := sh.switchID(r)
	if err != nil {
		handleError(w, r, err)
		return
	}

	switch r.URL.Path[1:] {
	case "getswitchname":
		handleResponse(w, r, info.Name)
	case "getswitchdescription":
		handleResponse(w, r, info.Description)
	case "canwrite":
		handleResponse(w, r, info.CanWrite)
	case "minswitchvalue":
		handleResponse(w, r, info.Min)
	case "maxswitchvalue":
		handleResponse(w, r, info.Max)
	case "switchstep":
		handleResponse(w, r, info.Step)
	}
}

func (sh *SwitchHandler) handleGetSwitchValue(w http.ResponseWriter, r *http.Request) {
	_, id, err := sh.switchID(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	value, err := sh.dev.GetSwitchValue(id)
	handleValue(w, r, value, err)
}

func (sh *SwitchHandler) handleGetSwitch(w http.ResponseWriter, r *http.Request) {
	info, id, err := sh.switchID(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	value, err := sh.dev.GetSwitchValue(id)
	handleValue(w, r, value > info.Min, err)
}

func (sh *SwitchHandler) handleSetSwitchValue(w http.ResponseWriter, r *http.Request) {
	info, id, err := sh.switchID(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !info.CanWrite {
		handleError(w, r, InvalidOperation("switch %d is read only", id))
		return
	}

	value, err := parseFloatRequest(r, "Value")
	if err != nil {
		handleError(w, r, err)
		return
	}
	if value < info.Min || value > info.Max {
		handleError(w, r, InvalidValue("value %g out of range %g..%g", value, info.Min, info.Max))
		return
	}
	handleAction(w, r, sh.dev.SetSwitchValue(id, value))
}

func (sh *SwitchHandler) handleSetSwitch(w http.ResponseWriter, r *http.Request) {
	info, id, err := sh.switchID(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if !info.CanWrite {
		handleError(w, r, InvalidOperation("switch %d is read only", id))
		return
	}

	state, err := parseBoolRequest(r, "State")
	if err != nil {
		handleError(w, r, err)
		return
	}
	value := info.Min
	if state {
		value = info.Max
	}
	handleAction(w, r, sh.dev.SetSwitchValue(id, value))
}

func (sh *SwitchHandler) handleSetSwitchName(w http.ResponseWriter, r *http.Request) {
	handleError(w, r, ErrNotImplemented)
}
