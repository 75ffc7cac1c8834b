package paths

import (
	"os"
	"path/filepath"
)

const appName = "copilot-mcp"

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return h
}

func xdgDir(envVar, fallbackSuffix string) string {
	if v := os.Getenv(envVar); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(homeDir(), fallbackSuffix, appName)
}

// ConfigDir returns the config directory ($XDG_CONFIG_HOME/copilot-mcp).
func ConfigDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// ConfigFile returns the path to config.toml.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// LockPath returns the default instance descriptor path.
// It lives in the system temp directory so other local tools (the web GUI,
// ad-hoc scripts) can find it without reading our config.
func LockPath() string {
	return filepath.Join(os.TempDir(), "copilot_mcp_tool.lock")
}

// StdoutLogPath returns where the detached server's stdout is appended.
func StdoutLogPath() string {
	return filepath.Join(os.TempDir(), "copilot_mcp_server.stdout.log")
}

// StderrLogPath returns where the detached server's stderr (its slog output) is appended.
func StderrLogPath() string {
	return filepath.Join(os.TempDir(), "copilot_mcp_server.stderr.log")
}

// EnsureDir creates a directory and parents if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
