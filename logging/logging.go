// Package logging builds zap loggers from configuration.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/najoast/noderoute/config"
)

// Logger is a zap logger whose level can be changed after construction.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New builds a logger writing cfg.Format entries to cfg.Output.
func New(cfg config.LogConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	atom := zap.NewAtomicLevelAt(level)

	var encoder zapcore.EncoderConfig
	encoding := cfg.Format
	switch encoding {
	case config.LogFormatJSON:
		encoder = zap.NewProductionEncoderConfig()
		encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	case config.LogFormatConsole, "":
		encoding = config.LogFormatConsole
		encoder = zap.NewDevelopmentEncoderConfig()
		if cfg.Color {
			encoder.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLogFormat, cfg.Format)
	}

	output := cfg.Output
	if output == "" {
		output = "stderr"
	}

	fields := make(map[string]interface{}, len(cfg.Fields))
	for k, v := range cfg.Fields {
		fields[k] = v
	}

	zcfg := zap.Config{
		Level:             atom,
		Encoding:          encoding,
		EncoderConfig:     encoder,
		OutputPaths:       []string{output},
		ErrorOutputPaths:  []string{"stderr"},
		InitialFields:     fields,
		DisableStacktrace: level > zapcore.DebugLevel,
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return &Logger{Logger: logger, level: atom}, nil
}

// Level returns the current level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// SetLevel changes the level of this logger and every logger derived
// from it.
func (l *Logger) SetLevel(level config.LogLevel) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// ParseLevel maps a configured level to a zap level.
func ParseLevel(level config.LogLevel) (zapcore.Level, error) {
	switch level {
	case config.LogLevelDebug:
		return zapcore.DebugLevel, nil
	case config.LogLevelInfo, "":
		return zapcore.InfoLevel, nil
	case config.LogLevelWarn:
		return zapcore.WarnLevel, nil
	case config.LogLevelError:
		return zapcore.ErrorLevel, nil
	case config.LogLevelFatal:
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, level)
	}
}
