// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it parses from "30s" style strings
// in both YAML and environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler, used by the
// environment parser.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML accepts the same string form from the config file.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// Broker describes the AMQP connection. Hosts are tried in order
// until one accepts the connection.
type Broker struct {
	Hosts    []string `yaml:"hosts" env:"HOSTS"`
	Port     int      `yaml:"port" env:"PORT"`
	Username string   `yaml:"username" env:"USERNAME"`
	Password string   `yaml:"password" env:"PASSWORD"`
	VHost    string   `yaml:"vhost" env:"VHOST"`
	Exchange string   `yaml:"exchange" env:"EXCHANGE"`

	// Secret keys the HMAC signature on every message body. Required;
	// there is no unsigned mode.
	Secret string `yaml:"secret" env:"SECRET"`

	DialTimeout Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// Queues names the broker-side routing surface. The defaults match
// the worker's wire contract; override them only when running several
// isolated worker fleets on one broker.
type Queues struct {
	Queue     string `yaml:"queue" env:"QUEUE"`
	Pattern   string `yaml:"pattern" env:"PATTERN"`
	ResultKey string `yaml:"result_key" env:"RESULT_KEY"`
	ErrorKey  string `yaml:"error_key" env:"ERROR_KEY"`
}

// Script is one registered script: where it lives and, optionally,
// the hex SHA-256 digest it must match. Without a digest the hash
// observed at registration becomes the baseline.
type Script struct {
	Path   string `yaml:"path"`
	SHA256 string `yaml:"sha256"`
}

// Execution bounds script runs.
type Execution struct {
	Timeout Duration `yaml:"timeout" env:"TIMEOUT"`
}

// Config is the full worker configuration.
type Config struct {
	ServiceName string            `yaml:"service_name" env:"SERVICE_NAME"`
	Broker      Broker            `yaml:"broker" envPrefix:"BROKER_"`
	Queues      Queues            `yaml:"queues" envPrefix:"QUEUES_"`
	Scripts     map[string]Script `yaml:"scripts"`
	Execution   Execution         `yaml:"execution" envPrefix:"EXECUTION_"`

	// ManifestPath is where the script hash manifest persists across
	// restarts. Empty disables persistence.
	ManifestPath string `yaml:"manifest_path" env:"MANIFEST_PATH"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Default returns the built-in configuration before file and
// environment resolution.
func Default() Config {
	return Config{
		ServiceName: "tpm_worker",
		Broker: Broker{
			Hosts:       []string{"localhost"},
			Port:        5672,
			Username:    "guest",
			Password:    "guest",
			VHost:       "/",
			Exchange:    "sealbus",
			DialTimeout: Duration(5 * time.Second),
		},
		Queues: Queues{
			Queue:     "tpm_worker",
			Pattern:   "tpm.command.#",
			ResultKey: "tpm.result",
			ErrorKey:  "tpm.error",
		},
		Execution: Execution{
			Timeout: Duration(30 * time.Second),
		},
		LogLevel: "info",
	}
}

// Load resolves the configuration. path may be empty, in which case
// SEALBUS_CONFIG is consulted; if that is also empty only defaults
// and environment overrides apply.
func Load(path string) (Config, error) {
	config := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("SEALBUS_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &config); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		case os.IsNotExist(err) && !explicit:
			// SEALBUS_CONFIG pointing nowhere is tolerated.
		default:
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&config, env.Options{Prefix: "SEALBUS_"}); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks the invariants Load cannot default away.
func (c *Config) Validate() error {
	if c.Broker.Secret == "" {
		return errors.New("broker.secret is required")
	}
	if len(c.Broker.Hosts) == 0 {
		return errors.New("broker.hosts must name at least one host")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", c.Broker.Port)
	}
	if c.Execution.Timeout <= 0 {
		return errors.New("execution.timeout must be positive")
	}
	for name, script := range c.Scripts {
		if script.Path == "" {
			return fmt.Errorf("script %q has no path", name)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured log level string to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
