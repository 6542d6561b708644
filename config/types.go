// Package config loads, validates and watches node configuration.
package config

import (
	"time"
)

// Environment names the deployment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

func (e Environment) String() string {
	return string(e)
}

// IsValid reports whether e is a known environment.
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel is a zap level name.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

func (l LogLevel) String() string {
	return string(l)
}

// IsValid reports whether l is a known level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Log formats
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Transport names accepted by NetworkConfig.API
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// Config is the whole configuration of a node process. Every section has
// defaults in DefaultConfig, so a file only needs the keys it changes.
type Config struct {
	App     AppConfig     `yaml:"app" json:"app"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Node    NodeConfig    `yaml:"node" json:"node"`
	Network NetworkConfig `yaml:"network" json:"network"`
	Router  RouterConfig  `yaml:"router" json:"router"`
	Client  ClientConfig  `yaml:"client" json:"client"`
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`
}

// AppConfig describes the deployment.
type AppConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Environment Environment       `yaml:"environment" json:"environment"`
	Debug       bool              `yaml:"debug" json:"debug"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// LogConfig selects the zap encoder and sink.
type LogConfig struct {
	Level  LogLevel `yaml:"level" json:"level"`
	Format string   `yaml:"format" json:"format"` // json or console
	Output string   `yaml:"output" json:"output"` // stdout, stderr or a file path
	Color  bool     `yaml:"color" json:"color"`   // console only

	// Fields are added to every entry.
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// NodeConfig names the local node and where its descriptor lives.
type NodeConfig struct {
	Name string `yaml:"name" json:"name"`

	// StateDir defaults to $NODEROUTE_HOME, then ~/.noderoute.
	StateDir string `yaml:"state_dir" json:"state_dir"`

	// Persist writes the node descriptor that nodectl reads.
	Persist bool `yaml:"persist" json:"persist"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// NetworkConfig holds the listeners and the settings shared by every
// transport.
type NetworkConfig struct {
	TCP       ListenerConfig `yaml:"tcp" json:"tcp"`
	WebSocket ListenerConfig `yaml:"websocket" json:"websocket"`

	// API is the transport recorded in the descriptor, tcp or ws. It must
	// be enabled.
	API string `yaml:"api" json:"api"`

	KeepAlive         bool          `yaml:"keep_alive" json:"keep_alive"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval"`

	Limits   ConnectionLimits `yaml:"limits" json:"limits"`
	Timeouts TimeoutConfig    `yaml:"timeouts" json:"timeouts"`
}

// ListenerConfig is one listening socket. Port 0 binds a free port.
type ListenerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// ConnectionLimits bound each transport.
type ConnectionLimits struct {
	MaxConnections int `yaml:"max_connections" json:"max_connections"` // inbound, per transport
	MaxFrameSize   int `yaml:"max_frame_size" json:"max_frame_size"`   // bytes
	SendQueueSize  int `yaml:"send_queue_size" json:"send_queue_size"` // frames, per connection
}

// TimeoutConfig holds socket deadlines. A zero Read never expires.
type TimeoutConfig struct {
	Dial  time.Duration `yaml:"dial" json:"dial"`
	Read  time.Duration `yaml:"read" json:"read"`
	Write time.Duration `yaml:"write" json:"write"`
}

// RouterConfig holds router and worker defaults.
type RouterConfig struct {
	CommandQueueSize   int           `yaml:"command_queue_size" json:"command_queue_size"`
	DefaultMailboxSize int           `yaml:"default_mailbox_size" json:"default_mailbox_size"`
	ProcessTimeout     time.Duration `yaml:"process_timeout" json:"process_timeout"` // per handler call
}

// ClientConfig holds request defaults. Timeout can change on reload.
type ClientConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// MonitorConfig enables metrics. HTTP serves them along with the health
// report.
type MonitorConfig struct {
	Enabled   bool              `yaml:"enabled" json:"enabled"`
	Namespace string            `yaml:"namespace" json:"namespace"`
	HTTP      HTTPMonitorConfig `yaml:"http" json:"http"`
}

type HTTPMonitorConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Address     string `yaml:"address" json:"address"`
	Port        int    `yaml:"port" json:"port"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
	HealthPath  string `yaml:"health_path" json:"health_path"`
}

// DefaultConfig returns the settings of a development node listening on
// a free loopback TCP port.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "noderoute",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: LogFormatConsole,
			Output: "stderr",
			Color:  true,
		},
		Node: NodeConfig{
			Name:            "default",
			Persist:         true,
			ShutdownTimeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			TCP: ListenerConfig{
				Enabled: true,
				Address: "127.0.0.1",
				Port:    0,
			},
			WebSocket: ListenerConfig{
				Enabled: false,
				Address: "127.0.0.1",
				Port:    0,
			},
			API:               TransportTCP,
			KeepAlive:         true,
			KeepAliveInterval: 60 * time.Second,
			Limits: ConnectionLimits{
				MaxConnections: 1000,
				MaxFrameSize:   16 << 20,
				SendQueueSize:  256,
			},
			Timeouts: TimeoutConfig{
				Dial:  10 * time.Second,
				Write: 30 * time.Second,
			},
		},
		Router: RouterConfig{
			CommandQueueSize:   1024,
			DefaultMailboxSize: 256,
			ProcessTimeout:     30 * time.Second,
		},
		Client: ClientConfig{
			Timeout: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			Enabled:   true,
			Namespace: "noderoute",
			HTTP: HTTPMonitorConfig{
				Enabled:     false,
				Address:     "127.0.0.1",
				Port:        9090,
				MetricsPath: "/metrics",
				HealthPath:  "/health",
			},
		},
	}
}

// Clone copies c, maps included.
func (c *Config) Clone() *Config {
	out := *c
	if c.App.Metadata != nil {
		out.App.Metadata = make(map[string]string, len(c.App.Metadata))
		for k, v := range c.App.Metadata {
			out.App.Metadata[k] = v
		}
	}
	if c.Log.Fields != nil {
		out.Log.Fields = make(map[string]string, len(c.Log.Fields))
		for k, v := range c.Log.Fields {
			out.Log.Fields[k] = v
		}
	}
	return &out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	if c.Log.Format != LogFormatJSON && c.Log.Format != LogFormatConsole {
		return ErrInvalidLogFormat
	}

	if c.Node.Name == "" {
		return ErrInvalidNodeName
	}
	if c.Node.ShutdownTimeout <= 0 {
		return ErrInvalidTimeout
	}

	for _, l := range []ListenerConfig{c.Network.TCP, c.Network.WebSocket} {
		if l.Port < 0 || l.Port > 65535 {
			return ErrInvalidPort
		}
	}
	switch c.Network.API {
	case TransportTCP:
		if !c.Network.TCP.Enabled {
			return ErrInvalidAPITransport
		}
	case TransportWebSocket:
		if !c.Network.WebSocket.Enabled {
			return ErrInvalidAPITransport
		}
	default:
		return ErrInvalidAPITransport
	}
	if c.Network.Limits.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if c.Network.Limits.MaxFrameSize <= 0 {
		return ErrInvalidFrameSize
	}
	if c.Network.Timeouts.Dial <= 0 {
		return ErrInvalidTimeout
	}

	if c.Router.DefaultMailboxSize <= 0 {
		return ErrInvalidMailboxSize
	}
	if c.Router.CommandQueueSize < 0 {
		return ErrInvalidQueueSize
	}

	if c.Client.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.Monitor.HTTP.Enabled && (c.Monitor.HTTP.Port < 0 || c.Monitor.HTTP.Port > 65535) {
		return ErrInvalidPort
	}

	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}
