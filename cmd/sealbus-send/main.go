// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// sealbus-send publishes one signed command envelope and waits for the
// matching response.
//
//	sealbus-send --config sealbus.yaml --key tpm.command.keys generate_key rsa 2048
//
// The response is matched on correlation ID, so several senders can
// share the response queue. Exit status is 0 when the command
// succeeded, 1 when it failed or the wait timed out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sealbus-foundation/sealbus/lib/clock"
	"github.com/sealbus-foundation/sealbus/lib/config"
	"github.com/sealbus-foundation/sealbus/lib/envelope"
	"github.com/sealbus-foundation/sealbus/lib/process"
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
	var routingKey string
	var target string
	var wait time.Duration
	var showVersion bool

	flagSet := pflag.NewFlagSet("sealbus-send", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration (default: $SEALBUS_CONFIG)")
	flagSet.StringVar(&routingKey, "key", "tpm.command.send", "routing key for the command")
	flagSet.StringVar(&target, "target", "", "only this worker should execute the command")
	flagSet.DurationVar(&wait, "wait", 60*time.Second, "how long to wait for the response")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		version.Print("sealbus-send")
		return nil
	}
	args := flagSet.Args()
	if len(args) == 0 {
		return fmt.Errorf("usage: sealbus-send [flags] <command> [args...]")
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

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

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
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer bus.Close()

	command := &envelope.Command{
		Header:  envelope.NewHeader(envelope.KindCommand, "sealbus-send", clock.Real()),
		Command: args[0],
		Args:    args[1:],
		Target:  target,
	}
	command.CorrelationID = command.ID

	// Subscribe before publishing so the response cannot slip past.
	responses := make(chan *envelope.Response, 1)
	err = bus.Subscribe("tpm_responses", func(ctx context.Context, body []byte) error {
		message, err := envelope.Decode(body)
		if err != nil {
			return err
		}
		response, ok := message.(*envelope.Response)
		if !ok || response.CorrelationID != command.CorrelationID {
			// Some other sender's response; leave it acknowledged and
			// keep waiting for ours.
			return nil
		}
		select {
		case responses <- response:
		default:
		}
		return nil
	}, cfg.Queues.ResultKey, cfg.Queues.ErrorKey)
	if err != nil {
		return fmt.Errorf("subscribing for responses: %w", err)
	}
	bus.Start(ctx)
	defer bus.Stop()

	if err := bus.Publish(ctx, routingKey, command); err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}
	logger.Info("command published",
		"command", command.Command,
		"routing_key", routingKey,
		"correlation_id", command.CorrelationID)

	select {
	case response := <-responses:
		return report(response)
	case <-time.After(wait):
		return fmt.Errorf("no response within %v", wait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report prints the response and maps it to the process exit status.
func report(response *envelope.Response) error {
	if output, ok := response.Result["output"].(string); ok && output != "" {
		fmt.Print(output)
	}
	if response.Success {
		return nil
	}
	return fmt.Errorf("command failed: %s", response.Error)
}
