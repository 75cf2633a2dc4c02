package alpaca

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"net/http"
)

type DeviceType int

const (
	DeviceTypeFocuser DeviceType = iota
	DeviceTypeCamera
	DeviceTypeSwitch
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeFocuser:
		return "Focuser"
	case DeviceTypeCamera:
		return "Camera"
	case DeviceTypeSwitch:
		return "Switch"
	}
	return "Unknown"
}

func (t DeviceType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

type DeviceInfo struct {
	Name        string     `json:"DeviceName"`
	Description string     `json:"-"`
	Type        DeviceType `json:"DeviceType"`
	Number      int        `json:"DeviceNumber"`
	UniqueID    string     `json:"UniqueID"`
}

// UniqueID returns a stable UUID-shaped identifier derived from name, so
// that a device keeps its ID across restarts.
func UniqueID(name string) string {
	h := sha1.Sum([]byte("astrodev/" + name))
	h[6] = (h[6] & 0x0f) | 0x50
	h[8] = (h[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}

type DriverInfo struct {
	Name             string
	Version          string
	InterfaceVersion int
}

type StateProperty struct {
	Name  string
	Value any
}

type Device interface {
	DeviceInfo() DeviceInfo
	DriverInfo() DriverInfo
	GetState() []StateProperty

	Connected() bool
	Connecting() bool
	Connect() error
	Disconnect() error
}

// Setupper is a device with its own setup page.
type Setupper interface {
	HandleSetup(w http.ResponseWriter, r *http.Request)
}
