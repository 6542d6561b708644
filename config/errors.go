package config

import "errors"

// Validation errors, returned by Config.Validate.
var (
	ErrInvalidAppName        = errors.New("config: app.name is empty")
	ErrInvalidEnvironment    = errors.New("config: unknown app.environment")
	ErrInvalidLogLevel       = errors.New("config: unknown log.level")
	ErrInvalidLogFormat      = errors.New("config: unknown log.format")
	ErrInvalidNodeName       = errors.New("config: node.name is empty")
	ErrInvalidPort           = errors.New("config: port out of range")
	ErrInvalidAPITransport   = errors.New("config: network.api must name an enabled listener")
	ErrInvalidMaxConnections = errors.New("config: network.limits.max_connections must be positive")
	ErrInvalidFrameSize      = errors.New("config: network.limits.max_frame_size must be positive")
	ErrInvalidMailboxSize    = errors.New("config: router.default_mailbox_size must be positive")
	ErrInvalidQueueSize      = errors.New("config: router.command_queue_size is negative")
	ErrInvalidTimeout        = errors.New("config: timeout must be positive")
)

// Loading errors. Validation failures are wrapped in ErrConfigValidateError
// together with the specific validation error.
var (
	ErrConfigFileNotFound  = errors.New("config: file not found")
	ErrConfigParseError    = errors.New("config: cannot parse")
	ErrConfigValidateError = errors.New("config: invalid")
	ErrEnvironmentVarError = errors.New("config: bad environment override")
	ErrConfigWatchError    = errors.New("config: cannot watch")
	ErrUnsupportedFormat   = errors.New("config: unsupported format")
)
