package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"modbus-relay/internal/config"
	"modbus-relay/internal/controller"
	"modbus-relay/internal/datalog"
	"modbus-relay/internal/historian"
	"modbus-relay/internal/metrics"
	"modbus-relay/internal/model"
	"modbus-relay/internal/worker"
)

func main() {
	var cfgPath string
	var metricsAddr string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config")
	flag.StringVar(&metricsAddr, "metrics", "", "address to serve /metrics on (optional)")
	flag.Parse()

	cfg, err := config.LoadYAML(cfgPath)
	if err != nil {
		log.Fatalf("load yaml config: %v", err)
	}
	metrics.Init()

	ctrl, err := controller.New(cfg.Devices, controller.WithWorkerOptions(
		worker.WithRetry(cfg.Controller.Retry.Policy()),
		worker.WithWritesPerCycle(cfg.Controller.WritesPerCycle),
	))
	if err != nil {
		log.Fatalf("controller: %v", err)
	}

	var store historian.Store
	if needsStore(cfg) {
		if store, err = cfg.OpenHistorian(); err != nil {
			log.Fatalf("open historian: %v", err)
		}
		defer store.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("received signal: %v, shutting down...", s)
		cancel()
	}()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s exited with error: %v", name, err)
			}
		}()
	}

	run("controller", ctrl.Run)
	if cfg.Controller.UplinkURL != "" {
		up := &controller.Uplink{
			URL:      cfg.Controller.UplinkURL,
			Source:   ctrl,
			Interval: cfg.Controller.PublishInterval,
			Retry:    cfg.Controller.Retry.Policy(),
		}
		run("uplink", up.Run)
	}
	run("loggers", func(ctx context.Context) error {
		return datalog.RunAll(ctx, cfg.Loggers, ctrl, store)
	})
	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	wg.Wait()
}

// needsStore reports whether a database logger falls back to the shared store.
func needsStore(cfg config.Config) bool {
	for _, l := range cfg.Loggers {
		if l.Active && l.Kind == model.LoggerDatabase && l.Path == "" {
			return true
		}
	}
	return false
}
