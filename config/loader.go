package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat is chosen from the file extension.
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes environment overrides, e.g. NODEROUTE_LOG_LEVEL.
const DefaultEnvPrefix = "NODEROUTE"

// Loader reads a configuration file over the defaults, then applies
// environment overrides and validates the result.
type Loader struct {
	searchPaths   []string
	envPrefix     string
	defaultConfig *Config
	lookupEnv     func(string) (string, bool) // os.LookupEnv outside tests
}

// NewLoader searches ./, ./config, /etc/noderoute and ~/.noderoute.
func NewLoader() *Loader {
	paths := []string{".", "./config", "/etc/noderoute"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".noderoute"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     DefaultEnvPrefix,
		defaultConfig: DefaultConfig(),
		lookupEnv:     os.LookupEnv,
	}
}

func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the values missing keys fall back to.
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load reads filename, or runs AutoLoad when it is empty.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile reads filename. A missing file is ErrConfigFileNotFound.
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader is LoadFromFile for data that is not in a file.
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad loads the first file FindConfigFile finds, or the defaults
// when there is none.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.FindConfigFile()
	if err != nil {
		if errors.Is(err, ErrConfigFileNotFound) {
			return l.finish(l.defaults())
		}
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

var configNames = []string{
	"noderoute.yaml", "noderoute.yml",
	"config.yaml", "config.yml",
	"noderoute.json", "config.json",
}

// FindConfigFile returns the first existing file, trying every name in
// one directory before moving to the next.
func (l *Loader) FindConfigFile() (string, error) {
	for _, dir := range l.searchPaths {
		for _, name := range configNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", ErrConfigFileNotFound
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateError, err)
	}
	return config, nil
}

// parseConfig decodes data over a copy of the defaults.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrConfigParseError, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	return config, nil
}

func formatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// envOverride maps PREFIX_key onto one field.
type envOverride struct {
	key   string
	apply func(c *Config, val string) error
}

var envOverrides = []envOverride{
	{"APP_NAME", func(c *Config, v string) error { c.App.Name = v; return nil }},
	{"APP_VERSION", func(c *Config, v string) error { c.App.Version = v; return nil }},
	{"APP_ENVIRONMENT", func(c *Config, v string) error { c.App.Environment = Environment(v); return nil }},
	{"APP_DEBUG", func(c *Config, v string) error { return setBool(&c.App.Debug, v) }},

	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = LogLevel(strings.ToLower(v)); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"LOG_OUTPUT", func(c *Config, v string) error { c.Log.Output = v; return nil }},

	{"NODE_NAME", func(c *Config, v string) error { c.Node.Name = v; return nil }},
	{"NODE_STATE_DIR", func(c *Config, v string) error { c.Node.StateDir = v; return nil }},
	{"NODE_PERSIST", func(c *Config, v string) error { return setBool(&c.Node.Persist, v) }},

	{"NETWORK_API", func(c *Config, v string) error { c.Network.API = v; return nil }},
	{"NETWORK_TCP_ENABLED", func(c *Config, v string) error { return setBool(&c.Network.TCP.Enabled, v) }},
	{"NETWORK_TCP_ADDRESS", func(c *Config, v string) error { c.Network.TCP.Address = v; return nil }},
	{"NETWORK_TCP_PORT", func(c *Config, v string) error { return setPort(&c.Network.TCP.Port, v) }},
	{"NETWORK_WS_ENABLED", func(c *Config, v string) error { return setBool(&c.Network.WebSocket.Enabled, v) }},
	{"NETWORK_WS_ADDRESS", func(c *Config, v string) error { c.Network.WebSocket.Address = v; return nil }},
	{"NETWORK_WS_PORT", func(c *Config, v string) error { return setPort(&c.Network.WebSocket.Port, v) }},

	{"CLIENT_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Client.Timeout, v) }},

	{"MONITOR_ENABLED", func(c *Config, v string) error { return setBool(&c.Monitor.Enabled, v) }},
	{"MONITOR_HTTP_ENABLED", func(c *Config, v string) error { return setBool(&c.Monitor.HTTP.Enabled, v) }},
	{"MONITOR_PORT", func(c *Config, v string) error { return setPort(&c.Monitor.HTTP.Port, v) }},
}

func (l *Loader) loadFromEnv(config *Config) error {
	lookup := l.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	for _, o := range envOverrides {
		name := l.envPrefix + "_" + o.key
		val, ok := lookup(name)
		if !ok || val == "" {
			continue
		}
		if err := o.apply(config, val); err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrEnvironmentVarError, name, val, err)
		}
	}
	return nil
}

func setBool(dst *bool, val string) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, val string) error {
	d, err := time.ParseDuration(val)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func setPort(dst *int, val string) error {
	port, err := strconv.Atoi(val)
	if err != nil {
		return err
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	*dst = port
	return nil
}
