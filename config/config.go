// Package config loads the server configuration from a YAML file and
// environment-independent defaults. Every field has a working default so a
// zero config file starts a single-process server with in-memory stores and
// the in-process engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the top-level server configuration.
	Config struct {
		HTTP      HTTP      `yaml:"http"`
		Auth      Auth      `yaml:"auth"`
		RateLimit RateLimit `yaml:"rate_limit"`
		Broker    Broker    `yaml:"broker"`
		Runs      Runs      `yaml:"runs"`
		Store     Store     `yaml:"store"`
		Engine    Engine    `yaml:"engine"`
		Redis     Redis     `yaml:"redis"`
	}

	// HTTP configures the listener.
	HTTP struct {
		// Addr is the listen address, host:port.
		Addr string `yaml:"addr"`
	}

	// Auth selects and configures the authenticator.
	Auth struct {
		// Mode is "jwt" or "static".
		Mode string `yaml:"mode"`
		JWT  JWT    `yaml:"jwt"`
		// Tokens maps bearer tokens to identities in static mode.
		Tokens map[string]StaticToken `yaml:"tokens"`
	}

	// JWT configures HMAC token verification.
	JWT struct {
		Secret   string `yaml:"secret"`
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	}

	// StaticToken is one entry of the static token table.
	StaticToken struct {
		Subject string   `yaml:"subject"`
		Owner   string   `yaml:"owner"`
		Scopes  []string `yaml:"scopes"`
	}

	// RateLimit caps request rates per caller. Zero disables limiting.
	RateLimit struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	}

	// Broker bounds per-run event retention.
	Broker struct {
		MaxEvents     int           `yaml:"max_events"`
		RetainFor     time.Duration `yaml:"retain_for"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	}

	// Runs configures run lifecycle behavior.
	Runs struct {
		// CancelGrace is how long cancellation waits for the engine before
		// force-marking the run cancelled.
		CancelGrace time.Duration `yaml:"cancel_grace"`
	}

	// Store selects the persistence backend.
	Store struct {
		// Backend is "memory" or "mongo".
		Backend string `yaml:"backend"`
		Mongo   Mongo  `yaml:"mongo"`
	}

	// Mongo configures the MongoDB connection.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Engine selects the execution backend.
	Engine struct {
		// Backend is "inproc" or "temporal".
		Backend  string   `yaml:"backend"`
		Temporal Temporal `yaml:"temporal"`
	}

	// Temporal configures the Temporal client.
	Temporal struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// Redis configures the optional stream mirror. Leaving Addr empty
	// disables mirroring.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// StreamMaxLen bounds mirrored stream length. Zero uses Pulse
		// defaults.
		StreamMaxLen int `yaml:"stream_max_len"`
	}
)

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		HTTP: HTTP{Addr: ":8080"},
		Auth: Auth{Mode: "static"},
		Broker: Broker{
			MaxEvents:     1024,
			RetainFor:     time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Runs:   Runs{CancelGrace: 5 * time.Second},
		Store:  Store{Backend: "memory"},
		Engine: Engine{Backend: "inproc", Temporal: Temporal{TaskQueue: "relay-runs"}},
	}
}

// Load reads the YAML file at path, overlays it on the defaults and
// validates the result. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Auth.Mode {
	case "jwt":
		if c.Auth.JWT.Secret == "" {
			return fmt.Errorf("auth.jwt.secret is required in jwt mode")
		}
	case "static":
	default:
		return fmt.Errorf("auth.mode must be jwt or static, got %q", c.Auth.Mode)
	}
	switch c.Store.Backend {
	case "memory":
	case "mongo":
		if c.Store.Mongo.URI == "" || c.Store.Mongo.Database == "" {
			return fmt.Errorf("store.mongo.uri and store.mongo.database are required with the mongo backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory or mongo, got %q", c.Store.Backend)
	}
	switch c.Engine.Backend {
	case "inproc":
	case "temporal":
		if c.Engine.Temporal.HostPort == "" {
			return fmt.Errorf("engine.temporal.host_port is required with the temporal backend")
		}
		if c.Engine.Temporal.TaskQueue == "" {
			return fmt.Errorf("engine.temporal.task_queue is required with the temporal backend")
		}
	default:
		return fmt.Errorf("engine.backend must be inproc or temporal, got %q", c.Engine.Backend)
	}
	if c.Broker.MaxEvents <= 0 {
		return fmt.Errorf("broker.max_events must be positive")
	}
	return nil
}
