package config

import (
	"fmt"
	"time"
)

// Config is the top-level copilot-mcp configuration.
type Config struct {
	// LockPath overrides the instance descriptor location. Empty means paths.LockPath().
	LockPath string `toml:"lock_path"`

	ListenHost string `toml:"listen_host" validate:"required,ip"`
	Port       int    `toml:"port" validate:"gte=0,lte=65535"`

	// MaxDepth bounds nested tool calls. A top-level call has depth 1.
	MaxDepth int `toml:"max_depth" validate:"gte=1,lte=64"`

	StartTimeout Duration `toml:"start_timeout" validate:"gt=0"`
	StopTimeout  Duration `toml:"stop_timeout" validate:"gt=0"`

	LogLevel    string `toml:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr string `toml:"metrics_addr" validate:"omitempty,hostname_port"`

	Suggest SuggestConfig `toml:"suggest"`
}

// SuggestConfig configures the model behind copilot_suggest.
type SuggestConfig struct {
	BaseURL       string   `toml:"base_url" validate:"omitempty,url"`
	Model         string   `toml:"model" validate:"required"`
	TokenEnv      string   `toml:"token_env" validate:"required"`
	Timeout       Duration `toml:"timeout" validate:"gt=0"`
	MaxRetries    int      `toml:"max_retries" validate:"gte=0,lte=10"`
	RatePerSecond float64  `toml:"rate_per_second" validate:"gte=0"`
	CacheTTL      Duration `toml:"cache_ttl" validate:"gte=0"`
}

// Duration is a time.Duration that reads and writes Go duration strings ("5s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		ListenHost:   "127.0.0.1",
		MaxDepth:     8,
		StartTimeout: Duration(5 * time.Second),
		StopTimeout:  Duration(10 * time.Second),
		LogLevel:     "info",
		Suggest: SuggestConfig{
			BaseURL:       "https://models.inference.ai.azure.com",
			Model:         "gpt-4o-mini",
			TokenEnv:      "GITHUB_TOKEN",
			Timeout:       Duration(30 * time.Second),
			MaxRetries:    2,
			RatePerSecond: 2,
			CacheTTL:      Duration(5 * time.Minute),
		},
	}
}
