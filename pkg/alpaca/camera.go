package alpaca

import (
	"net/http"
)

type CameraState int

const (
	CameraIdle CameraState = iota
	CameraWaiting
	CameraExposing
	CameraReading
	CameraDownload
	CameraError
)

type CameraCapabilities struct {
	CameraXSize          int     `json:"CameraXSize"`
	CameraYSize          int     `json:"CameraYSize"`
	PixelSizeX           float64 `json:"PixelSizeX"`
	PixelSizeY           float64 `json:"PixelSizeY"`
	MaxADU               int     `json:"MaxADU"`
	ExposureMin          float64 `json:"ExposureMin"`
	ExposureMax          float64 `json:"ExposureMax"`
	CanAbortExposure     bool    `json:"CanAbortExposure"`
	CanSetCCDTemperature bool    `json:"CanSetCCDTemperature"`
	SensorName           string  `json:"SensorName"`
}

type CameraStatus struct {
	State             CameraState `json:"CameraState"`
	CCDTemperature    float64     `json:"CCDTemperature"`
	CoolerOn          bool        `json:"CoolerOn"`
	SetCCDTemperature float64     `json:"SetCCDTemperature"`
	ImageReady        bool        `json:"ImageReady"`
	PercentCompleted  int         `json:"PercentCompleted"`
}

func (cs CameraStatus) ToProperties() []StateProperty {
	return []StateProperty{
		{"CameraState", cs.State},
		{"CCDTemperature", cs.CCDTemperature},
		{"CoolerOn", cs.CoolerOn},
		{"ImageReady", cs.ImageReady},
		{"PercentCompleted", cs.PercentCompleted},
	}
}

type Camera interface {
	Device

	Capabilities() CameraCapabilities
	Status() CameraStatus

	StartExposure(duration float64, light bool) error
	AbortExposure() error
	SetCoolerOn(bool) error
	SetCCDTemperature(float64) error
	// ImageArray returns the last frame indexed [x][y].
	ImageArray() ([][]int32, error)
}

// imageArrayResponse is the JSON form of an image. Type 2 is Int32.
type imageArrayResponse struct {
	baseResponse
	Type int `json:"Type"`
	Rank int `json:"Rank"`
}

type CameraHandler struct {
	DeviceHandler
	dev Camera
}

func NewCameraHandler(dev Camera) *CameraHandler {
	return &CameraHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (ch *CameraHandler) RegisterRoutes(mux *http.ServeMux) {
	ch.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /camerastate", ch.handleStatus)
	mux.HandleFunc("GET /ccdtemperature", ch.handleStatus)
	mux.HandleFunc("GET /cooleron", ch.handleStatus)
	mux.HandleFunc("GET /setccdtemperature", ch.handleStatus)
	mux.HandleFunc("GET /imageready", ch.handleStatus)
	mux.HandleFunc("GET /percentcompleted", ch.handleStatus)

	mux.HandleFunc("GET /cameraxsize", ch.handleCapabilities)
	mux.HandleFunc("GET /cameraysize", ch.handleCapabilities)
	mux.HandleFunc("GET /pixelsizex", ch.handleCapabilities)
	mux.HandleFunc("GET /pixelsizey", ch.handleCapabilities)
	mux.HandleFunc("GET /maxadu", ch.handleCapabilities)
	mux.HandleFunc("GET /exposuremin", ch.handleCapabilities)
	mux.HandleFunc("GET /exposuremax", ch.handleCapabilities)
	mux.HandleFunc("GET /canabortexposure", ch.handleCapabilities)
	mux.HandleFunc("GET /cansetccdtemperature", ch.handleCapabilities)
	mux.HandleFunc("GET /sensorname", ch.handleCapabilities)
	mux.HandleFunc("GET /canstopexposure", ch.handleFalse)
	mux.HandleFunc("GET /canpulseguide", ch.handleFalse)
	mux.HandleFunc("GET /hasshutter", ch.handleFalse)

	mux.HandleFunc("PUT /startexposure", ch.handleStartExposure)
	mux.HandleFunc("PUT /abortexposure", ch.handleAbortExposure)
	mux.HandleFunc("PUT /stopexposure", ch.handleNotImplemented)
	mux.HandleFunc("PUT /cooleron", ch.handleSetCoolerOn)
	mux.HandleFunc("PUT /setccdtemperature", ch.handleSetCCDTemperature)
	mux.HandleFunc("GET /imagearray", ch.handleImageArray)
}

func (ch *CameraHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !ch.dev.Connected() {
		handleError(w, r, ErrNotConnected)
		return
	}

	status := ch.dev.Status()

	switch r.URL.Path[1:] {
	case "camerastate":
		handleResponse(w, r, status.State)
	case "ccdtemperature":
		handleResponse(w, r, status.CCDTemperature)
	case "cooleron":
		handleResponse(w, r, status.CoolerOn)
	case "setccdtemperature":
		handleResponse(w, r, status.SetCCDTemperature)
	case "imageready":
		handleResponse(w, r, status.ImageReady)
	case "percentcompleted":
		handleResponse(w, r, status.PercentCompleted)
	}
}

func (ch *CameraHandler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := ch.dev.Capabilities()

	switch r.URL.Path[1:] {
	case "cameraxsize":
		handleResponse(w, r, caps.CameraXSize)
	case "cameraysize":
		handleResponse(w, r, caps.CameraYSize)
	case "pixelsizex":
		handleResponse(w, r, caps.PixelSizeX)
	case "pixelsizey":
		handleResponse(w, r, caps.PixelSizeY)
	case "maxadu":
		handleResponse(w, r, caps.MaxADU)
	case "exposuremin":
		handleResponse(w, r, caps.ExposureMin)
	case "exposuremax":
		handleResponse(w, r, caps.ExposureMax)
	case "canabortexposure":
		handleResponse(w, r, caps.CanAbortExposure)
	case "cansetccdtemperature":
		handleResponse(w, r, caps.CanSetCCDTemperature)
	case "sensorname":
		handleResponse(w, r, caps.SensorName)
	}
}

func (ch *CameraHandler) handleFalse(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, r, false)
}

func (ch *CameraHandler) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	handleError(w, r, ErrNotImplemented)
}

func (ch *CameraHandler) handleStartExposure(w http.ResponseWriter, r *http.Request) {
	duration, err := parseFloatRequest(r, "Duration")
	if err != nil {
		handleError(w, r, err)
		return
	}
	light, err := parseBoolRequest(r, "Light")
	if err != nil {
		handleError(w, r, err)
		return
	}
	handleAction(w, r, ch.dev.StartExposure(duration, light))
}

func (ch *CameraHandler) handleAbortExposure(w http.ResponseWriter, r *http.Request) {
	handleAction(w, r, ch.dev.AbortExposure())
}

func (ch *CameraHandler) handleSetCoolerOn(w http.ResponseWriter, r *http.Request) {
	on, err := parseBoolRequest(r, "CoolerOn")
	if err != nil {
		handleError(w, r, err)
		return
	}
	handleAction(w, r, ch.dev.SetCoolerOn(on))
}

func (ch *CameraHandler) handleSetCCDTemperature(w http.ResponseWriter, r *http.Request) {
	temp, err := parseFloatRequest(r, "SetCCDTemperature")
	if err != nil {
		handleError(w, r, err)
		return
	}
	handleAction(w, r, ch.dev.SetCCDTemperature(temp))
}

func (ch *CameraHandler) handleImageArray(w http.ResponseWriter, r *http.Request) {
	img, err := ch.dev.ImageArray()
	if err != nil {
		handleError(w, r, err)
		return
	}

	response := imageArrayResponse{
		baseResponse: baseResponse{
			ServerTransactionID: txCounter.Add(1),
			Value:               img,
		},
		Type: 2,
		Rank: 2,
	}
	writeResponse(w, r, &response, &response.ClientTransactionID)
}
