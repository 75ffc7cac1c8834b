package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/lydakis/copilot-mcp/internal/paths"
)

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the default config file and returns the parsed Config.
// If the config file does not exist, it returns Default() (no error).
func Load() (*Config, error) {
	return LoadFrom(paths.ConfigFile())
}

// LoadFrom reads and parses a config file at the given path.
// Keys missing from the file keep their default values.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	expandConfigEnvVars(cfg)
	return cfg, nil
}

// ResolvedLockPath returns the lock path, falling back to the well-known default.
func (c *Config) ResolvedLockPath() string {
	if c == nil || c.LockPath == "" {
		return paths.LockPath()
	}
	return c.LockPath
}

func expandConfigEnvVars(cfg *Config) {
	cfg.LockPath = expandEnvVars(cfg.LockPath)
	cfg.ListenHost = expandEnvVars(cfg.ListenHost)
	cfg.MetricsAddr = expandEnvVars(cfg.MetricsAddr)
	cfg.Suggest.BaseURL = expandEnvVars(cfg.Suggest.BaseURL)
	cfg.Suggest.Model = expandEnvVars(cfg.Suggest.Model)
}

// expandEnvVars replaces ${VAR_NAME} with the value of the environment variable.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // leave unresolved vars as-is
	})
}
