package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"time"

	"modbus-relay/internal/config"
	"modbus-relay/internal/historian"
)

func main() {
	var cfgPath, driver, dsn, out, from, to string
	var device, limit int
	flag.StringVar(&cfgPath, "config", "", "path to YAML config providing the historian (optional)")
	flag.StringVar(&driver, "driver", "", "historian driver: sqlite | postgres (overrides config)")
	flag.StringVar(&dsn, "dsn", "", "historian dsn or sqlite path (overrides config)")
	flag.StringVar(&out, "out", "export.csv", "output file; extension selects json, csv, xlsx or pdf")
	flag.StringVar(&from, "from", "", "start time, RFC3339 or unix seconds (optional)")
	flag.StringVar(&to, "to", "", "end time, RFC3339 or unix seconds (optional)")
	flag.IntVar(&device, "device", -2, "only values of this device id; -1 selects calculations")
	flag.IntVar(&limit, "limit", 0, "maximum number of records (0 = default cap)")
	flag.Parse()

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.LoadYAML(cfgPath); err != nil {
			log.Fatalf("load yaml config: %v", err)
		}
	}
	if driver != "" {
		cfg.Historian.Driver = driver
	}
	if dsn != "" {
		cfg.Historian.DSN = dsn
	}

	q := historian.Query{Limit: limit}
	var err error
	if q.From, err = parseTime(from); err != nil {
		log.Fatalf("from: %v", err)
	}
	if q.To, err = parseTime(to); err != nil {
		log.Fatalf("to: %v", err)
	}
	if device >= -1 {
		q.DeviceID = &device
	}

	store, err := cfg.OpenHistorian()
	if err != nil {
		log.Fatalf("open historian: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	batches, err := store.Query(ctx, q)
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	if err := historian.ExportFile(out, batches); err != nil {
		log.Fatalf("export: %v", err)
	}
	log.Printf("exported %d records to %s", len(batches), out)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", s)
	}
	return t, nil
}
