package alpaca

import (
	"net/http"
)

// DeviceHandler serves the methods common to every device type.
type DeviceHandler struct {
	dev Device
}

func NewDeviceHandler(dev Device) *DeviceHandler {
	return &DeviceHandler{dev}
}

func (h *DeviceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /name", h.handleName)
	mux.HandleFunc("GET /description", h.handleDescription)
	mux.HandleFunc("GET /driverinfo", h.handleDriverInfo)
	mux.HandleFunc("GET /driverversion", h.handleDriverVersion)
	mux.HandleFunc("GET /interfaceversion", h.handleInterfaceVersion)
	mux.HandleFunc("GET /devicestate", h.handleState)
	mux.HandleFunc("GET /supportedactions", h.handleSupportedActions)

	mux.HandleFunc("GET /connected", h.handleConnected)
	mux.HandleFunc("PUT /connected", h.handleSetConnected)
	mux.HandleFunc("GET /connecting", h.handleConnecting)
	mux.HandleFunc("PUT /connect", h.handleConnect)
	mux.HandleFunc("PUT /disconnect", h.handleDisconnect)
}

func (h *DeviceHandler) handleName(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DeviceInfo().Name)
}

func (h *DeviceHandler) handleDescription(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DeviceInfo().Description)
}

func (h *DeviceHandler) handleDriverInfo(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DriverInfo().Name)
}

func (h *DeviceHandler) handleDriverVersion(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DriverInfo().Version)
}

func (h *DeviceHandler) handleInterfaceVersion(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.DriverInfo().InterfaceVersion)
}

func (h *DeviceHandler) handleState(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.GetState())
}

func (h *DeviceHandler) handleSupportedActions(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, []string{})
}

func (h *DeviceHandler) handleConnected(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.Connected())
}

func (h *DeviceHandler) handleSetConnected(w http.ResponseWriter, r *http.Request) {
	connected, err := parseBoolRequest(r, "Connected")
	if err != nil {
		handleError(w, r, err)
		return
	}

	switch {
	case connected && !h.dev.Connected():
		err = h.dev.Connect()
	case !connected && h.dev.Connected():
		err = h.dev.Disconnect()
	}
	handleAction(w, r, err)
}

func (h *DeviceHandler) handleConnecting(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, h.dev.Connecting())
}

func (h *DeviceHandler) handleConnect(w http.ResponseWriter, r *http.Request) {
	handleAction(w, r, h.dev.Connect())
}

func (h *DeviceHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	handleAction(w, r, h.dev.Disconnect())
}
