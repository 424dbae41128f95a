package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	config, err := loadConfig(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	configureLogging(config.Proxy.LogLevel)

	if err := run(config); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

func run(config *Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy := newProxy(config)
	defer proxy.Close()

	overrides, err := loadToolOverrides(config.ToolOverridesPath)
	if err != nil {
		return err
	}
	proxy.overrides = overrides
	proxy.snapshots = newSnapshotWriter(config.Monitoring.CatalogSnapshotPath, config.Monitoring.SnapshotHistory)

	if err := proxy.connectAll(ctx); err != nil {
		return err
	}

	if config.Monitoring.Enabled.OrElse(true) {
		proxy.monitor.Start(ctx)
		proxy.metrics.StartSweeper(ctx)
	}

	// the observability API is always served; the MCP surface additionally
	// runs on stdio when configured that way
	httpErr := make(chan error, 1)
	go func() { httpErr <- proxy.startHTTPServer(ctx) }()

	stdioErr := make(chan error, 1)
	if config.Proxy.Type == transportStdio {
		go func() { stdioErr <- proxy.serveStdio(ctx, os.Stdin, os.Stdout) }()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info().Msg("shutdown signal received")
		cancel()
		<-httpErr
		return nil
	case err := <-httpErr:
		return err
	case err := <-stdioErr:
		cancel()
		<-httpErr
		return err
	}
}
