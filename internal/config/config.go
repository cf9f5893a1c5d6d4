// Package config handles loading, validating, and writing the arenabridge
// configuration from ~/.arenabridge/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Agent Link path and timing (ping interval, grace window, backpressure
//     queue size, chunk coalescing thresholds)
//   - Admission concurrency cap
//   - Telemetry toggle
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level arenabridge configuration. Loaded from
// ~/.arenabridge/config.yaml, with sensible defaults for fields that are
// not explicitly set.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	AgentLink   AgentLinkConfig   `yaml:"agentLink"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig defines where the south-side HTTP API listens.
// Default: 127.0.0.1:9080 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AgentLinkConfig controls the north-side duplex socket to the browser
// agent: the path it is served on, and the timing constants that govern
// heartbeat, disconnect survival, and streaming chunk coalescing.
type AgentLinkConfig struct {
	Path                string `yaml:"path"`
	PingIntervalSeconds int    `yaml:"pingIntervalSeconds"`
	MissedPongThreshold int    `yaml:"missedPongThreshold"`
	GraceWindowSeconds  int    `yaml:"graceWindowSeconds"`
	QueueSize           int    `yaml:"queueSize"`
	MinChunkChars       int    `yaml:"minChunkChars"`
	MaxBufferMs         int    `yaml:"maxBufferMs"`
}

// ConcurrencyConfig bounds how many requests may be live at once.
type ConcurrencyConfig struct {
	MaxActiveRequests int `yaml:"maxActiveRequests"`
}

// TelemetryConfig controls whether Prometheus metrics and the lifecycle
// event feed are exposed.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path. If the file
// doesn't exist, returns defaults (not an error). Invalid YAML or
// validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by first-run setup when no config file
// exists yet.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# arenabridge configuration
#
# server:
#   host/port: where the OpenAI-compatible API listens
#
# agentLink:
#   path: URL path the browser agent connects to
#   pingIntervalSeconds / missedPongThreshold: heartbeat tuning
#   graceWindowSeconds: how long a request survives a dead link
#   queueSize: per-request delivery queue capacity (backpressure)
#   minChunkChars / maxBufferMs: streaming chunk coalescing thresholds
#
# concurrency:
#   maxActiveRequests: admission cap
#
# telemetry:
#   enabled: expose Prometheus metrics and the lifecycle event feed

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default
// values, matching the constants the system was designed around.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9080,
		},
		AgentLink: AgentLinkConfig{
			Path:                "/ws",
			PingIntervalSeconds: 30,
			MissedPongThreshold: 3,
			GraceWindowSeconds:  180,
			QueueSize:           5,
			MinChunkChars:       40,
			MaxBufferMs:         500,
		},
		Concurrency: ConcurrencyConfig{
			MaxActiveRequests: 20,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.AgentLink.Path == "" {
		return fmt.Errorf("agentLink.path must not be empty")
	}
	if cfg.AgentLink.PingIntervalSeconds < 1 {
		return fmt.Errorf("agentLink.pingIntervalSeconds must be positive")
	}
	if cfg.AgentLink.MissedPongThreshold < 1 {
		return fmt.Errorf("agentLink.missedPongThreshold must be positive")
	}
	if cfg.AgentLink.GraceWindowSeconds < 1 {
		return fmt.Errorf("agentLink.graceWindowSeconds must be positive")
	}
	if cfg.AgentLink.QueueSize < 1 {
		return fmt.Errorf("agentLink.queueSize must be positive")
	}
	if cfg.AgentLink.MinChunkChars < 1 {
		return fmt.Errorf("agentLink.minChunkChars must be positive")
	}
	if cfg.AgentLink.MaxBufferMs < 1 {
		return fmt.Errorf("agentLink.maxBufferMs must be positive")
	}
	if cfg.Concurrency.MaxActiveRequests < 1 {
		return fmt.Errorf("concurrency.maxActiveRequests must be positive")
	}
	return nil
}
