// Package devices builds the Alpaca devices of a layout.
package devices

import (
	"context"
	"fmt"
	"html/template"

	"astrodev/pkg/alpaca"
	"astrodev/pkg/config"
	"astrodev/pkg/drivers/abox"
	"astrodev/pkg/drivers/andor"
	"astrodev/pkg/drivers/dsd"
	"astrodev/pkg/link"
	"astrodev/pkg/poll"
	"astrodev/pkg/transport"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Simulated firmware of the DSD simulator.
const (
	simBoard   = "DeepSkyDad.AF3"
	simVersion = "1.3.0"
)

type observable interface {
	Observe(o poll.Observer)
}

// Set is the devices of a layout with the link manager and simulators
// behind them.
type Set struct {
	Devices []alpaca.Device

	mgr      *link.Manager
	focusers map[string]*dsd.Firmware
	aos      map[string]*abox.Maestro
	cameras  *andor.Simulator
	observed []observable
	closers  []func()
	numbers  map[alpaca.DeviceType]int
	logger   log.FieldLogger
}

// Build creates the drivers of layout. Settings are kept in db, one key per
// device. Endpoints with the sim scheme are served by in-process
// simulators keyed by host.
func Build(layout config.Layout, db *bolt.DB, lockDir string, tmpl *template.Template, logger log.FieldLogger) (*Set, error) {
	s := &Set{
		mgr:      link.NewManager(lockDir, logger.WithField("component", "link")),
		focusers: make(map[string]*dsd.Firmware),
		aos:      make(map[string]*abox.Maestro),
		numbers:  make(map[alpaca.DeviceType]int),
		logger:   logger,
	}
	s.mgr.Register(config.SimScheme, s.dialSim)

	if n := layout.Cameras(); n > 0 {
		sims := make([]andor.SimCamera, n)
		for i := range sims {
			sims[i] = andor.DefaultSimCamera
			sims[i].Detector.Serial += i
		}
		s.cameras = andor.NewSimulator(sims...)
	}
	var (
		lib    *andor.Library
		images = andor.NewImageBuffer()
	)
	if s.cameras != nil {
		lib = andor.NewLibrary(s.cameras)
	}

	for _, dev := range layout.Devices {
		var err error
		devLogger := logger.WithField("device", dev.Name)
		switch dev.Kind {
		case config.KindFocuser:
			err = s.addFocuser(dev, db, tmpl, devLogger)
		case config.KindAO:
			err = s.addAO(dev, db, tmpl, devLogger)
		case config.KindCamera:
			err = s.addCamera(dev, lib, images, db, tmpl, devLogger)
		default:
			err = fmt.Errorf("unknown kind %q", dev.Kind)
		}
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to create %s: %w", dev.Name, err)
		}
	}
	return s, nil
}

func (s *Set) number(t alpaca.DeviceType) int {
	n := s.numbers[t]
	s.numbers[t]++
	return n
}

func (s *Set) simHost(dev config.Device) (string, bool) {
	ep, err := link.ParseEndpoint(dev.Endpoint)
	if err != nil || ep.Scheme != config.SimScheme {
		return "", false
	}
	return ep.Host, true
}

func (s *Set) addFocuser(dev config.Device, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger) error {
	defaults := dsd.DefaultConfig(dev.Endpoint)
	defaults.Model = dev.Model
	settings := dsd.DefaultSettings
	if host, ok := s.simHost(dev); ok {
		s.focusers[host] = dsd.NewFirmware(simBoard, simVersion)
		defaults.SettleMS = 0
		settings.Settle = 0
	}

	st, err := dsd.NewStore(db, "dsd/"+dev.Name, defaults, logger)
	if err != nil {
		return err
	}

	c := dsd.NewController(dev.Name, dev.Model, s.mgr, settings, logger)
	s.closers = append(s.closers, c.Close)
	for port := range c.Ports() {
		d, err := dsd.NewDriver(s.number(alpaca.DeviceTypeFocuser), c, port, st, tmpl, logger)
		if err != nil {
			return err
		}
		s.add(d, d.Focuser(), d.Close)
	}
	return nil
}

func (s *Set) addAO(dev config.Device, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger) error {
	if host, ok := s.simHost(dev); ok {
		s.aos[host] = abox.NewMaestro(abox.DefaultSettings.Servos)
	}

	st, err := abox.NewStore(db, "abox/"+dev.Name, abox.DefaultConfig(dev.Endpoint), logger)
	if err != nil {
		return err
	}

	settings := abox.DefaultSettings
	settings.Endpoint = dev.Endpoint
	ao := abox.New(dev.Name, s.mgr, settings, logger)
	d := abox.NewDriver(s.number(alpaca.DeviceTypeSwitch), ao, st, tmpl, logger)
	s.add(d, ao, d.Close)
	return nil
}

func (s *Set) addCamera(dev config.Device, lib *andor.Library, images *andor.ImageBuffer, db *bolt.DB, tmpl *template.Template, logger log.FieldLogger) error {
	st, err := andor.NewStore(db, "andor/"+dev.Name, andor.DefaultConfig(dev.Handle), logger)
	if err != nil {
		return err
	}

	settings := andor.DefaultSettings
	settings.Handle = dev.Handle
	camera := andor.New(dev.Name, lib, images, settings, logger)
	d := andor.NewDriver(s.number(alpaca.DeviceTypeCamera), camera, images, st, tmpl, logger)
	s.add(d, camera, d.Close)
	return nil
}

func (s *Set) add(d alpaca.Device, o observable, closer func()) {
	s.Devices = append(s.Devices, d)
	s.observed = append(s.observed, o)
	s.closers = append(s.closers, closer)
}

func (s *Set) dialSim(ctx context.Context, ep link.Endpoint, opts link.Options) (transport.Stream, error) {
	if fw, ok := s.focusers[ep.Host]; ok {
		return fw.Dial(ctx, ep, opts)
	}
	if m, ok := s.aos[ep.Host]; ok {
		return m.Dial(ctx, ep, opts)
	}
	return nil, fmt.Errorf("no simulator %q", ep.Host)
}

// Observe registers o on every device.
func (s *Set) Observe(o poll.Observer) {
	for _, dev := range s.observed {
		dev.Observe(o)
	}
}

// Close closes the drivers in reverse order, then every link.
func (s *Set) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	s.mgr.Close()
}
