package alpaca

import (
	"net/http"
)

type FocuserCapabilities struct {
	Absolute          bool `json:"Absolute"`
	MaxIncrement      int  `json:"MaxIncrement"`
	MaxStep           int  `json:"MaxStep"`
	TempCompAvailable bool `json:"TempCompAvailable"`
}

type FocuserStatus struct {
	IsMoving    bool    `json:"IsMoving"`
	Position    int     `json:"Position"`
	TempComp    bool    `json:"TempComp"`
	Temperature float64 `json:"Temperature"`
}

func (fs FocuserStatus) ToProperties() []StateProperty {
	return []StateProperty{
		{"IsMoving", fs.IsMoving},
		{"Position", fs.Position},
		{"TempComp", fs.TempComp},
		{"Temperature", fs.Temperature},
	}
}

type Focuser interface {
	Device

	Capabilities() FocuserCapabilities
	Status() FocuserStatus

	SetTempComp(bool) error
	Move(position int) error
	Halt() error
}

type FocuserHandler struct {
	DeviceHandler
	dev Focuser
}

func NewFocuserHandler(dev Focuser) *FocuserHandler {
	return &FocuserHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (fh *FocuserHandler) RegisterRoutes(mux *http.ServeMux) {
	fh.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /ismoving", fh.handleStatus)
	mux.HandleFunc("GET /position", fh.handleStatus)
	mux.HandleFunc("GET /tempcomp", fh.handleStatus)
	mux.HandleFunc("GET /temperature", fh.handleStatus)

	mux.HandleFunc("GET /absolute", fh.handleCapabilities)
	mux.HandleFunc("GET /maxincrement", fh.handleCapabilities)
	mux.HandleFunc("GET /maxstep", fh.handleCapabilities)
	mux.HandleFunc("GET /tempcompavailable", fh.handleCapabilities)
	mux.HandleFunc("GET /stepsize", fh.handleStepSize)

	mux.HandleFunc("PUT /tempcomp", fh.handleSetTempComp)
	mux.HandleFunc("PUT /move", fh.handleMove)
	mux.HandleFunc("PUT /halt", fh.handleHalt)
}

func (fh *FocuserHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !fh.dev.Connected() {
		handleError(w, r, ErrNotConnected)
		return
	}

	status := fh.dev.Status()

	switch r.URL.Path[1:] {
	case "ismoving":
		handleResponse(w, r, status.IsMoving)
	case "position":
		handleResponse(w, r, status.Position)
	case "tempcomp":
		handleResponse(w, r, status.TempComp)
	case "temperature":
		handleResponse(w, r, status.Temperature)
	}
}

func (fh *FocuserHandler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := fh.dev.Capabilities()

	switch r.URL.Path[1:] {
	case "absolute":
		handleResponse(w, r, caps.Absolute)
	case "maxincrement":
		handleResponse(w, r, caps.MaxIncrement)
	case "maxstep":
		handleResponse(w, r, caps.MaxStep)
	case "tempcompavailable":
		handleResponse(w, r, caps.TempCompAvailable)
	}
}

func (fh *FocuserHandler) handleStepSize(w http.ResponseWriter, r *http.Request) {
	handleError(w, r, ErrPropertyNotImplemented)
}

func (fh *FocuserHandler) handleSetTempComp(w http.ResponseWriter, r *http.Request) {
	on, err := parseBoolRequest(r, "TempComp")
	if err != nil {
		handleError(w, r, err)
		return
	}
	handleAction(w, r, fh.dev.SetTempComp(on))
}

func (fh *FocuserHandler) handleMove(w http.ResponseWriter, r *http.Request) {
	position, err := parseIntRequest(r, "Position")
	if err != nil {
		handleError(w, r, err)
		return
	}
	handleAction(w, r, fh.dev.Move(position))
}

func (fh *FocuserHandler) handleHalt(w http.ResponseWriter, r *http.Request) {
	handleAction(w, r, fh.dev.Halt())
}
