package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"modbus-relay/internal/config"
	"modbus-relay/internal/servermgr"
)

func main() {
	var cfgPath string
	var list bool
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "path to YAML config listing the devices to simulate")
	flag.BoolVar(&list, "list", false, "print the simulated endpoints and exit")
	flag.Parse()

	cfg, err := config.LoadYAML(cfgPath)
	if err != nil {
		log.Fatalf("load yaml config %s: %v", cfgPath, err)
	}
	if list {
		fmt.Print(servermgr.Describe(cfg.Devices))
		return
	}

	mgr := servermgr.NewManager(cfg.Devices)
	mgr.ListenRetries = 3

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Printf("shutting down simulators...")
		cancel()
	}()

	if err := mgr.Run(ctx); err != nil {
		log.Printf("simulator manager exited with error: %v", err)
	}
}
