package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"modbus-relay/internal/config"
	"modbus-relay/internal/controller"
	"modbus-relay/internal/metrics"
	"modbus-relay/internal/relay"
	"modbus-relay/internal/worker"
)

func main() {
	var cfgPath string
	var listen string
	flag.StringVar(&cfgPath, "config", "", "path to YAML config (optional)")
	flag.StringVar(&listen, "listen", "", "override relay.listen")
	flag.Parse()

	if err := run(cfgPath, listen); err != nil {
		log.Fatal(err)
	}
}

func run(cfgPath, listen string) error {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.LoadYAML(cfgPath); err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.Relay.Listen = listen
	}
	metrics.Init()

	store, err := cfg.OpenHistorian()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []relay.Option{
		relay.WithStore(store),
		relay.WithPersistInterval(cfg.Relay.PersistInterval),
		relay.WithFanoutBuffer(cfg.Relay.FanoutBuffer),
		relay.WithOriginPatterns(cfg.Relay.OriginPatterns...),
	}
	var ctrl *controller.Controller
	if cfg.Relay.ServeDevices && len(cfg.Devices) > 0 {
		ctrl, err = controller.New(cfg.Devices, controller.WithWorkerOptions(
			worker.WithRetry(cfg.Controller.Retry.Policy()),
			worker.WithWritesPerCycle(cfg.Controller.WritesPerCycle),
		))
		if err != nil {
			store.Close()
			return err
		}
		opts = append(opts, relay.WithWriter(ctrl))
	}
	hub := relay.NewHub(opts...)
	defer hub.Close()

	if ctrl != nil {
		go func() {
			if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("controller exited with error: %v", err)
			}
		}()
		go hub.Pump(ctx, "controller", cfg.Controller.PublishInterval, ctrl.Snapshot)
	}

	srv := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           relay.NewMux(hub, cfg.Relay.HMIDir),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("relay: listening on %s", cfg.Relay.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("relay: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
