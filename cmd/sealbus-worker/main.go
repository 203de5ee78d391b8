// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// sealbus-worker consumes signed command envelopes from the broker and
// executes registered scripts through the integrity gate.
//
// Scripts come from the configuration file. A script with a pinned
// sha256 must match it before every execution; a script without one is
// trusted on first use, and the observed hash is persisted to the
// manifest file so later restarts verify against the same baseline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sealbus-foundation/sealbus/lib/clock"
	"github.com/sealbus-foundation/sealbus/lib/config"
	"github.com/sealbus-foundation/sealbus/lib/handler"
	"github.com/sealbus-foundation/sealbus/lib/process"
	"github.com/sealbus-foundation/sealbus/lib/scriptgate"
	"github.com/sealbus-foundation/sealbus/lib/scripthash"
	"github.com/sealbus-foundation/sealbus/lib/service"
	"github.com/sealbus-foundation/sealbus/lib/version"
	"github.com/sealbus-foundation/sealbus/messaging"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var blocking bool
	var showVersion bool

	flagSet := pflag.NewFlagSet("sealbus-worker", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration (default: $SEALBUS_CONFIG)")
	flagSet.BoolVar(&blocking, "blocking", false, "run broker delivery on the main goroutine")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		version.Print("sealbus-worker")
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	gate := scriptgate.New(scriptgate.Config{
		Timeout: cfg.Execution.Timeout.Std(),
		Clock:   clock.Real(),
		Logger:  logger,
	})
	if err := registerScripts(gate, cfg, logger); err != nil {
		return err
	}

	bus, err := dialBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	registry := service.NewRegistry(service.RegistryConfig{Logger: logger})
	defer registry.Shutdown()

	worker, err := handler.New(handler.Config{
		Name:            cfg.ServiceName,
		Bus:             bus,
		Gate:            gate,
		Queue:           cfg.Queues.Queue,
		Pattern:         cfg.Queues.Pattern,
		ResultKey:       cfg.Queues.ResultKey,
		ErrorKey:        cfg.Queues.ErrorKey,
		Events:          registry,
		BlockingConsume: blocking,
		Clock:           clock.Real(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	if err := registry.Register(worker); err != nil {
		return err
	}
	err = registry.RegisterListener("state_change", "audit-log", service.Sync(
		func(ctx context.Context, event service.Event) {
			logger.Debug("service state change",
				"service", event.Data["service"],
				"old_state", event.Data["old_state"],
				"new_state", event.Data["new_state"])
		}))
	if err != nil {
		return err
	}

	logger.Info("worker starting",
		"service", cfg.ServiceName,
		"queue", cfg.Queues.Queue,
		"pattern", cfg.Queues.Pattern,
		"scripts", len(cfg.Scripts),
		"blocking", blocking)

	// In blocking mode the handler's Start runs the delivery loop on
	// this goroutine and returns when the context is cancelled.
	started := registry.StartAll(ctx)
	for name, ok := range started {
		if !ok {
			registry.StopAll(context.Background())
			return fmt.Errorf("service %s failed to start", name)
		}
	}
	if !blocking {
		<-ctx.Done()
	}
	logger.Info("shutting down")

	// Shutdown gets a fresh deadline so an in-flight script can finish
	// and publish its response.
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stopped := registry.StopAll(stopCtx)
	for name, ok := range stopped {
		if !ok {
			logger.Error("service failed to stop cleanly", "service", name)
		}
	}
	return nil
}

// registerScripts binds every configured script into the gate. A
// pinned digest from the config wins over the persisted manifest; a
// script in neither is trusted on first use. The resulting baseline is
// written back to the manifest when one is configured.
func registerScripts(gate *scriptgate.Gate, cfg config.Config, logger *slog.Logger) error {
	manifest := scripthash.Manifest{}
	if cfg.ManifestPath != "" {
		loaded, err := scripthash.LoadManifest(cfg.ManifestPath)
		if err != nil {
			return fmt.Errorf("loading script manifest: %w", err)
		}
		manifest = loaded
	}

	names := make([]string, 0, len(cfg.Scripts))
	for name := range cfg.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		script := cfg.Scripts[name]
		persisted, inManifest := manifest[name]
		switch {
		case script.SHA256 != "":
			digest, err := scripthash.ParseDigest(script.SHA256)
			if err != nil {
				return fmt.Errorf("script %q: %w", name, err)
			}
			if err := gate.RegisterPinned(name, script.Path, digest); err != nil {
				return fmt.Errorf("registering %q: %w", name, err)
			}
			logger.Info("registered script", "script", name, "pin", "config")
		case inManifest:
			if err := gate.RegisterPinned(name, script.Path, persisted); err != nil {
				return fmt.Errorf("registering %q: %w", name, err)
			}
			logger.Info("registered script", "script", name, "pin", "manifest")
		default:
			if err := gate.Register(name, script.Path); err != nil {
				return fmt.Errorf("registering %q: %w", name, err)
			}
			logger.Info("registered script", "script", name, "pin", "first-use")
		}
	}

	if cfg.ManifestPath != "" {
		if err := gate.Snapshot().Save(cfg.ManifestPath); err != nil {
			return fmt.Errorf("saving script manifest: %w", err)
		}
	}
	return nil
}

// dialBroker connects to the first reachable configured host. Unlike a
// client that can retry lazily, the worker fails its start when no
// broker is reachable.
func dialBroker(cfg config.Config, logger *slog.Logger) (*messaging.AMQPBus, error) {
	endpoints := make([]messaging.Endpoint, 0, len(cfg.Broker.Hosts))
	for _, host := range cfg.Broker.Hosts {
		endpoints = append(endpoints, messaging.Endpoint{
			Host:     host,
			Port:     cfg.Broker.Port,
			Username: cfg.Broker.Username,
			Password: cfg.Broker.Password,
			VHost:    cfg.Broker.VHost,
		})
	}
	bus, err := messaging.DialAMQP(messaging.AMQPConfig{
		Endpoints:   endpoints,
		Exchange:    cfg.Broker.Exchange,
		Secret:      []byte(cfg.Broker.Secret),
		DialTimeout: cfg.Broker.DialTimeout.Std(),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return bus, nil
}
