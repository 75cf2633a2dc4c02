package dsd

import (
	"fmt"

	"astrodev/pkg/link"

	log "github.com/sirupsen/logrus"
)

// Model is the controller hint that decides how many ports are exposed.
type Model string

const (
	ModelAuto      Model = "auto"
	ModelArmadillo Model = "armadillo"
	ModelPlatipus  Model = "platipus"
)

// Port names, in device order.
var portNames = []string{"Main", "Ext", "Third"}

// Ports returns the number of focuser ports of a model.
func (m Model) Ports() int {
	if m == ModelPlatipus {
		return 3
	}
	return 2
}

func (m Model) Valid() bool {
	switch m {
	case ModelAuto, ModelArmadillo, ModelPlatipus:
		return true
	}
	return false
}

// Controller is one physical controller. Its ports are separate focusers
// sharing a single link; the first port to connect opens it and the last to
// disconnect closes it.
type Controller struct {
	name  string
	base  Settings
	ports []*Focuser
}

func NewController(name string, model Model, mgr *link.Manager, settings Settings, logger log.FieldLogger) *Controller {
	c := &Controller{name: name, base: settings}
	for i := 0; i < model.Ports(); i++ {
		portName := fmt.Sprintf("%s %s", name, portNames[i])
		c.ports = append(c.ports, NewFocuser(portName, mgr, settings, logger.WithField("port", portNames[i])))
	}
	return c
}

func (c *Controller) Name() string {
	return c.name
}

func (c *Controller) Ports() []*Focuser {
	return c.ports
}

// Settings returns cfg applied to the settings the controller was created
// with.
func (c *Controller) Settings(cfg Config) Settings {
	return cfg.Apply(c.base)
}

// Configure applies settings to every disconnected port.
func (c *Controller) Configure(s Settings) error {
	for _, p := range c.ports {
		if p.Connected() {
			continue
		}
		if err := p.Configure(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) Close() {
	for _, p := range c.ports {
		p.Close()
	}
}
