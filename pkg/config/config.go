// Package config loads the device layout served by the Alpaca server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"astrodev/pkg/drivers/dsd"

	"gopkg.in/yaml.v3"
)

// Kind selects the driver of a device.
type Kind string

const (
	KindFocuser Kind = "dsd"
	KindAO      Kind = "abox"
	KindCamera  Kind = "andor"
)

// SimScheme is the endpoint scheme of the built-in simulators.
const SimScheme = "sim"

// Device is one entry of the layout.
type Device struct {
	Kind Kind   `yaml:"kind"`
	Name string `yaml:"name"`

	// Endpoint is the default link of focusers and AO units. The setup
	// page may change it later.
	Endpoint string `yaml:"endpoint,omitempty"`
	// Model is the focuser controller hint.
	Model dsd.Model `yaml:"model,omitempty"`
	// Handle is the SDK index of a camera.
	Handle int `yaml:"handle,omitempty"`
}

// Simulated reports whether the device talks to a built-in simulator.
func (d Device) Simulated() bool {
	return d.Kind == KindCamera || strings.HasPrefix(d.Endpoint, SimScheme+"://")
}

type Layout struct {
	Devices []Device `yaml:"devices"`
}

// Default is the layout used without a layout file: one simulated device
// of every kind.
func Default() Layout {
	return Layout{Devices: []Device{
		{Kind: KindFocuser, Name: "DSD", Endpoint: "sim://dsd", Model: dsd.ModelArmadillo},
		{Kind: KindAO, Name: "A-Box", Endpoint: "sim://abox"},
		{Kind: KindCamera, Name: "Andor", Handle: 0},
	}}
}

// Load reads and validates the layout file at path.
func Load(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to read layout: %w", err)
	}
	l, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Layout{}, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

// Parse decodes and validates a layout. Unknown keys are errors.
func Parse(r io.Reader) (Layout, error) {
	var l Layout
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&l); err != nil && !errors.Is(err, io.EOF) {
		return Layout{}, fmt.Errorf("invalid layout: %w", err)
	}

	for i := range l.Devices {
		if l.Devices[i].Kind == KindFocuser && l.Devices[i].Model == "" {
			l.Devices[i].Model = dsd.ModelAuto
		}
	}
	return l, l.Validate()
}

func (l Layout) Validate() error {
	if len(l.Devices) == 0 {
		return errors.New("no devices configured")
	}

	names := make(map[string]bool)
	for i, d := range l.Devices {
		if d.Name == "" {
			return fmt.Errorf("device %d has no name", i)
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		names[d.Name] = true

		switch d.Kind {
		case KindFocuser:
			if !d.Model.Valid() {
				return fmt.Errorf("%s: unknown model %q", d.Name, d.Model)
			}
			fallthrough
		case KindAO:
			if d.Endpoint == "" {
				return fmt.Errorf("%s: endpoint cannot be empty", d.Name)
			}
		case KindCamera:
			if d.Handle < 0 {
				return fmt.Errorf("%s: invalid camera handle %d", d.Name, d.Handle)
			}
		default:
			return fmt.Errorf("%s: unknown kind %q", d.Name, d.Kind)
		}
	}
	return nil
}

// Cameras returns the number of camera entries, the size of the simulated
// SDK.
func (l Layout) Cameras() int {
	n := 0
	for _, d := range l.Devices {
		if d.Kind == KindCamera {
			n = max(n, d.Handle+1)
		}
	}
	return n
}
