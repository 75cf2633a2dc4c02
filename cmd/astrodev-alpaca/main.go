package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"astrodev/pkg/alpaca"
	"astrodev/pkg/config"
	"astrodev/pkg/devices"
	"astrodev/pkg/telemetry"
	"astrodev/templates"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
)

func loadLayout(path string) (config.Layout, error) {
	if path == "" {
		log.Info("No device layout given, serving simulators")
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("Astrodev Alpaca Server")

	layout, err := loadLayout(c.String("devices"))
	if err != nil {
		return err
	}

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(c.String("db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := alpaca.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	set, err := devices.Build(layout, db, c.String("lock-dir"), tmpl, log.WithField("component", "devices"))
	if err != nil {
		return err
	}
	defer set.Close()

	publisher := telemetry.NewPublisher(log.StandardLogger())
	defer publisher.Close()
	set.Observe(publisher)

	cfg, err := store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to read server config: %v", err)
	}
	if err := publisher.Apply(cfg.MQTT); err != nil {
		// Saving the setup page retries.
		log.Warnf("Telemetry unavailable: %v", err)
	}

	server := alpaca.NewServer(set.Devices, store, tmpl, log.WithField("component", "server"))
	server.OnConfig(func(cfg alpaca.Config) {
		if err := publisher.Apply(cfg.MQTT); err != nil {
			log.Warnf("Telemetry unavailable: %v", err)
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int("port")),
		Handler: server.AddRoutes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", srv.Addr, err)
			stop()
		}
	}()

	dr := alpaca.NewDiscoveryResponder("0.0.0.0", c.Int("port"), log.WithField("component", "discovery"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dr.Run(ctx); err != nil {
			log.Errorf("Discovery responder failed: %v", err)
		}
		log.Debug("Discovery responder stopped")
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "astrodev-alpaca",
		Usage: "Alpaca server for focusers, AO units and CCD cameras",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   8090,
				EnvVars: []string{"ALPACA_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Settings database",
				Value:   "alpaca.db",
				EnvVars: []string{"ALPACA_DB"},
			},
			&cli.StringFlag{
				Name:    "devices",
				Usage:   "Device layout file, simulators when empty",
				EnvVars: []string{"ALPACA_DEVICES"},
			},
			&cli.StringFlag{
				Name:    "lock-dir",
				Usage:   "Directory of serial port lock files",
				Value:   os.TempDir(),
				EnvVars: []string{"ALPACA_LOCK_DIR"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
