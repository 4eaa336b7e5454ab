// Package main runs a standalone wormhole node: it loads its config the
// same way every node in this codebase does (flag, env var, config file,
// built-in default), connects to the broker, registers a couple of demo
// handlers, and serves until told to stop.
//
// Called by: operators, container entrypoints, local development.
// Calls: config, redisbroker, wormhole.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/debox-dev/wormhole/config"
	"github.com/debox-dev/wormhole/redisbroker"
	"github.com/debox-dev/wormhole/wormhole"
)

type sumRequest struct {
	Numbers []int64
}

func main() {
	nodeName := flag.String("name", "wormholenode", "node name, used to resolve its config file")
	configPath := flag.String("config", "", "explicit path to a node config YAML file")
	debug := flag.Bool("debug", false, "enable debug logging regardless of WORMHOLE_DEBUG")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug || config.GetDebugFromEnv() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	resolver := &config.StandardConfigResolver{NodeName: *nodeName, ConfigFlag: configPath}
	cfg := config.Defaults()
	if path := resolver.Resolve(); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logger.Error("failed to load config, falling back to defaults", "path", path, "error", err)
		} else {
			cfg = loaded
			logger.Info("loaded config", "path", path)
		}
	} else {
		logger.Info("no config file found, using built-in defaults")
	}

	channel, err := redisbroker.NewChannel(cfg.BrokerURI, cfg.MaxConnections, redisbroker.WithLogger(logger))
	if err != nil {
		logger.Error("failed to construct broker channel", "error", err)
		os.Exit(1)
	}
	defer channel.Close()

	node := wormhole.NewNode(channel, cfg, wormhole.WithLogger(logger))
	if err := wormhole.SetPrimaryNode(node); err != nil {
		logger.Warn("could not set primary node", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registerDemoHandlers(ctx, node, logger)

	logger.Info("node starting", "id", node.ID(), "broker_uri", cfg.BrokerURI, "async_mode", cfg.AsyncMode)
	done := make(chan error, 1)
	go func() { done <- node.ProcessBlocking(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-done:
		if err != nil {
			logger.Error("node loop exited", "error", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := node.Stop(stopCtx, true); err != nil {
		logger.Warn("stop did not complete cleanly", "error", err)
	}
	cancel()
	logger.Info("node stopped")
}

func registerDemoHandlers(ctx context.Context, node *wormhole.Node, logger *slog.Logger) {
	err := node.RegisterHandler(ctx, "sum", "", func(ctx context.Context, data any) (any, error) {
		items, ok := data.([]any)
		if !ok {
			return nil, fmt.Errorf("sum: expected a list of numbers, got %T", data)
		}
		var total int64
		for _, v := range items {
			n, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("sum: non-integer element %v", v)
			}
			total += n
		}
		return total, nil
	})
	if err != nil {
		logger.Error("failed to register sum handler", "error", err)
	}

	err = wormhole.RegisterTypedHandler(ctx, node, "", func(ctx context.Context, req sumRequest) (any, error) {
		var total int64
		for _, n := range req.Numbers {
			total += n
		}
		return total, nil
	})
	if err != nil {
		logger.Error("failed to register typed sum handler", "error", err)
	}
}
