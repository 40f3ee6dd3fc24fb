// ABOUTME: Configuration loading and parsing for the iMCP daemon.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tokens   []TokenConfig  `yaml:"tokens"`
	Services ServicesConfig `yaml:"services"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener and session tuning.
type ServerConfig struct {
	PortFile string `yaml:"port_file"`
	Enabled  *bool  `yaml:"enabled"`

	SetupTimeout    time.Duration `yaml:"-"`
	SetupTimeoutRaw string        `yaml:"setup_timeout"`
}

// TokenConfig describes one client token and its per-service permissions.
// Secrets are usually supplied via ${ENV_VAR} expansion so they never live
// in the file itself.
type TokenConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Secret      string            `yaml:"secret"`
	Permissions map[string]string `yaml:"permissions"`
}

// ServicesConfig holds the per-service enabled map. Services absent from
// the map default to enabled.
type ServicesConfig struct {
	Enabled map[string]bool `yaml:"enabled"`
}

// WatcherConfig holds the optional message-watcher settings.
type WatcherConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
	Script       string `yaml:"script"`

	Debounce         time.Duration `yaml:"-"`
	DebounceRaw      string        `yaml:"debounce"`
	PollEvery        time.Duration `yaml:"-"`
	PollEveryRaw     string        `yaml:"poll_every"`
	ScriptTimeout    time.Duration `yaml:"-"`
	ScriptTimeoutRaw string        `yaml:"script_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Path returns the config file path.
// Priority: IMCP_CONFIG env var > XDG_CONFIG_HOME/imcp/imcp.yaml > ~/.config/imcp/imcp.yaml
func Path() string {
	if envPath := os.Getenv("IMCP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "imcp.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "imcp", "imcp.yaml")
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values. A missing file is
// not an error: defaults are returned.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued fields.
func (c *Config) applyDefaults() {
	if c.Server.SetupTimeout == 0 {
		c.Server.SetupTimeout = 10 * time.Second
	}
	if c.Watcher.Debounce == 0 {
		c.Watcher.Debounce = 5 * time.Second
	}
	if c.Watcher.PollEvery == 0 {
		c.Watcher.PollEvery = 60 * time.Second
	}
	if c.Watcher.ScriptTimeout == 0 {
		c.Watcher.ScriptTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// IsEnabled reports whether the server starts enabled. Defaults to true
// when the field is absent from the file.
func (c *ServerConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// Validate checks that all present configuration fields are usable.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	for i, tok := range c.Tokens {
		if tok.Name == "" {
			return fmt.Errorf("tokens[%d]: name is required", i)
		}
		if len(tok.Secret) != 64 {
			return fmt.Errorf("tokens[%d] (%s): secret must be 64 hex characters", i, tok.Name)
		}
		for svc, level := range tok.Permissions {
			switch level {
			case "off", "readOnly", "full":
			default:
				return fmt.Errorf("tokens[%d] (%s): unknown permission %q for service %q", i, tok.Name, level, svc)
			}
		}
	}

	if c.Watcher.Enabled {
		if c.Watcher.DatabasePath == "" {
			return fmt.Errorf("watcher.database_path is required when watcher is enabled")
		}
		if c.Watcher.Script == "" {
			return fmt.Errorf("watcher.script is required when watcher is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	parse := func(raw, name string, dst *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", name, raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.Server.SetupTimeoutRaw, "setup_timeout", &cfg.Server.SetupTimeout); err != nil {
		return err
	}
	if err := parse(cfg.Watcher.DebounceRaw, "debounce", &cfg.Watcher.Debounce); err != nil {
		return err
	}
	if err := parse(cfg.Watcher.PollEveryRaw, "poll_every", &cfg.Watcher.PollEvery); err != nil {
		return err
	}
	if err := parse(cfg.Watcher.ScriptTimeoutRaw, "script_timeout", &cfg.Watcher.ScriptTimeout); err != nil {
		return err
	}
	return nil
}
