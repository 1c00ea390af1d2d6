package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a protocol endpoint.
type Config struct {
	// ReplayWindow is how long a nonce is remembered and how old an
	// issued_at may be.
	ReplayWindow time.Duration `yaml:"replay_window"`
	// ClockSkew is how far in the future an issued_at may be.
	ClockSkew        time.Duration `yaml:"clock_skew"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// InvokeTimeout applies to Invoke bodies without their own deadline.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Algorithms restricts the accepted signing schemes. Empty means all
	// built-in schemes.
	Algorithms []string `yaml:"algorithms,omitempty"`
	// AuditLog is an optional path for the append-only envelope log.
	AuditLog string `yaml:"audit_log,omitempty"`
}

// DefaultConfig returns the defaults used when no file is given.
func DefaultConfig() Config {
	return Config{
		ReplayWindow:     DefaultReplayWindow,
		ClockSkew:        DefaultClockSkew,
		HandshakeTimeout: DefaultHandshakeTimeout,
		InvokeTimeout:    30 * time.Second,
		SweepInterval:    time.Second,
	}
}

// LoadConfig reads a YAML file over DefaultConfig, then applies PAP_*
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	for _, o := range []struct {
		name string
		dst  *time.Duration
	}{
		{"PAP_REPLAY_WINDOW", &c.ReplayWindow},
		{"PAP_CLOCK_SKEW", &c.ClockSkew},
		{"PAP_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout},
		{"PAP_INVOKE_TIMEOUT", &c.InvokeTimeout},
	} {
		raw := os.Getenv(o.name)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", o.name, err)
		}
		*o.dst = d
	}
	if raw := os.Getenv("PAP_AUDIT_LOG"); raw != "" {
		c.AuditLog = raw
	}
	return nil
}

// Validate rejects settings the protocol cannot run with.
func (c Config) Validate() error {
	switch {
	case c.ReplayWindow <= 0:
		return fmt.Errorf("config: replay_window must be positive")
	case c.ClockSkew < 0:
		return fmt.Errorf("config: clock_skew must not be negative")
	case c.ClockSkew >= c.ReplayWindow:
		return fmt.Errorf("config: clock_skew must be smaller than replay_window")
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("config: handshake_timeout must be positive")
	case c.InvokeTimeout <= 0:
		return fmt.Errorf("config: invoke_timeout must be positive")
	case c.SweepInterval <= 0:
		return fmt.Errorf("config: sweep_interval must be positive")
	}
	known := make(map[string]struct{})
	for _, s := range DefaultSchemes() {
		known[s.Name()] = struct{}{}
	}
	for _, a := range c.Algorithms {
		if _, ok := known[a]; !ok {
			return fmt.Errorf("config: %w %q", ErrUnknownAlgorithm, a)
		}
	}
	return nil
}
