package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mtx/config.toml.
type Config struct {
	DefaultSession string                   `toml:"default_session"`
	LogLevel       string                   `toml:"log_level"`
	Outbox         Outbox                   `toml:"outbox"`
	Verification   Verification             `toml:"verification"`
	Sessions       map[string]SessionConfig `toml:"sessions"`
}

// Outbox tunes send retries.
type Outbox struct {
	BaseBackoff  Duration `toml:"base_backoff"`
	MaxBackoff   Duration `toml:"max_backoff"`
	Multiplier   float64  `toml:"multiplier"`
	MaxAttempts  int      `toml:"max_attempts"`
	PollInterval Duration `toml:"poll_interval"`
}

// Verification tunes readiness polling.
type Verification struct {
	ReadyDeadline      Duration `toml:"ready_deadline"`
	ReadyPollInterval  Duration `toml:"ready_poll_interval"`
	AcceptPollAttempts int      `toml:"accept_poll_attempts"`
	AcceptPollInterval Duration `toml:"accept_poll_interval"`
}

// SessionConfig holds the homeserver credentials of one session.
type SessionConfig struct {
	Homeserver  string `toml:"homeserver"`
	UserID      string `toml:"user_id"`
	DeviceID    string `toml:"device_id"`
	AccessToken string `toml:"access_token"`
	// PickleKey encrypts the stored Olm account. Empty derives one from
	// the user and device ids.
	PickleKey string `toml:"pickle_key,omitempty"`
}

// Duration is a time.Duration written as a string such as "1s" or "500ms".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		LogLevel:       "info",
		Outbox: Outbox{
			BaseBackoff:  D(time.Second),
			MaxBackoff:   D(60 * time.Second),
			Multiplier:   2,
			MaxAttempts:  10,
			PollInterval: D(500 * time.Millisecond),
		},
		Verification: Verification{
			ReadyDeadline:      D(120 * time.Second),
			ReadyPollInterval:  D(800 * time.Millisecond),
			AcceptPollAttempts: 5,
			AcceptPollInterval: D(150 * time.Millisecond),
		},
	}
}

// Load reads config from the given path on top of Default. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, but a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects settings the outbox and verification cannot run with.
func (c *Config) Validate() error {
	durations := []struct {
		name string
		d    Duration
	}{
		{"outbox.base_backoff", c.Outbox.BaseBackoff},
		{"outbox.max_backoff", c.Outbox.MaxBackoff},
		{"outbox.poll_interval", c.Outbox.PollInterval},
		{"verification.ready_deadline", c.Verification.ReadyDeadline},
		{"verification.ready_poll_interval", c.Verification.ReadyPollInterval},
		{"verification.accept_poll_interval", c.Verification.AcceptPollInterval},
	}
	for _, d := range durations {
		if d.d.Duration <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.Outbox.MaxBackoff.Duration < c.Outbox.BaseBackoff.Duration {
		return fmt.Errorf("outbox.max_backoff (%s) is below outbox.base_backoff (%s)", c.Outbox.MaxBackoff, c.Outbox.BaseBackoff)
	}
	if c.Outbox.Multiplier < 1 {
		return fmt.Errorf("outbox.multiplier must be >= 1, got %g", c.Outbox.Multiplier)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be >= 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Verification.AcceptPollAttempts < 1 {
		return fmt.Errorf("verification.accept_poll_attempts must be >= 1, got %d", c.Verification.AcceptPollAttempts)
	}
	return nil
}

// Session returns the credentials configured for name.
func (c *Config) Session(name string) (SessionConfig, bool) {
	s, ok := c.Sessions[name]
	return s, ok
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
