package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLogLevel parses log_level: err, info or debug; empty means info
func ParseLogLevel(s string) (zapcore.Level, error) {
	switch s {
	case "err", "error":
		return zapcore.ErrorLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	}
	return zapcore.ErrorLevel, fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, s)
}

// NewLogger returns a console logger writing to stdout at lvl,
// entries look like "2006-01-02/15:04:05 INFO local.<link id>.IPCP ipcp/ipcp.go:100 msg"
func NewLogger(lvl zapcore.Level) (*zap.Logger, error) {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.MessageKey = "message"
	enc.StacktraceKey = ""
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02/15:04:05")
	enc.ConsoleSeparator = " "
	cfg := zap.Config{
		Encoding:         "console",
		Level:            zap.NewAtomicLevelAt(lvl),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    enc,
	}
	return cfg.Build()
}

// Logger returns the logger configured by log_level of c
func (c *Config) Logger() (*zap.Logger, error) {
	lvl, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return NewLogger(lvl)
}
