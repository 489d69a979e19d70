/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Command tracevault runs the log ingestion service: an HTTP API that
// validates, filters, redacts and classifies inbound log events, admits them
// through a persisted fixed-window rate limiter and stores them in a
// TTL-bounded key-value backend, grouped by trace.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tracevault/tracevault/internal/api"
	"github.com/tracevault/tracevault/internal/config"
	"github.com/tracevault/tracevault/internal/kvstore"
	"github.com/tracevault/tracevault/internal/limiter"
	"github.com/tracevault/tracevault/internal/logging"
	"github.com/tracevault/tracevault/internal/logstore"
	"github.com/tracevault/tracevault/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "tracevault: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLogger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer closeLogger()

	kvClient, err := kvstore.NewWithOpts(cfg.Store.BaseURL, cfg.Store.AuthToken, logger,
		kvstore.Opts{Timeout: cfg.Store.RequestTimeout})
	if err != nil {
		return fmt.Errorf("create kv client: %w", err)
	}

	limiterCfg, err := cfg.LimiterConfig()
	if err != nil {
		return fmt.Errorf("build rate limiter config: %w", err)
	}
	stateStore := limiter.NewKVStateStore(kvClient, cfg.RateLimit.Handle)
	actor, err := limiter.NewActor(limiterCfg, stateStore, logger)
	if err != nil {
		return fmt.Errorf("start rate limiter: %w", err)
	}
	defer actor.Stop()

	store := logstore.New(kvClient, logger)

	metrics := api.NewHTTPRequestMetrics()
	handler := api.NewHandler(logger, store, actor, limiterCfg)
	router := api.NewRouter(logger, handler, limiter.NewHandler(actor, logger),
		metrics, uint64(cfg.Server.MaxRequestBodySize))
	server := api.NewServer(cfg.Server, logger, router, metrics)

	return service.New(logger, service.NewCompositeUnit(server)).Start()
}
