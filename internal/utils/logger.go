package utils

import (
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is an alias for logr.Logger to centralize logging imports.
// All packages should use utils.Logger instead of importing logr directly.
type Logger = logr.Logger

// LogLevel represents a log level.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents a log format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level       LogLevel
	Format      LogFormat
	Development bool
}

// DefaultLoggerConfig returns the default logger configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:       LogLevelInfo,
		Format:      LogFormatJSON,
		Development: false,
	}
}

// LoadLoggerConfigFromEnv loads logger configuration from environment variables.
func LoadLoggerConfigFromEnv() *LoggerConfig {
	config := DefaultLoggerConfig()

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = LogLevel(strings.ToLower(level))
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = LogFormat(strings.ToLower(format))
	}

	if dev := os.Getenv("LOG_DEVELOPMENT"); dev != "" {
		config.Development = strings.EqualFold(dev, "true")
	}

	return config
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger creates a new Logger with the given configuration, backed by
// zap and bridged to the logr.Logger interface via zapr.
func NewLogger(config *LoggerConfig) Logger {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.Format == LogFormatText {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zapLevel(config.Level))

	var zapOpts []zap.Option
	if config.Development {
		zapOpts = append(zapOpts, zap.Development(), zap.AddStacktrace(zapcore.ErrorLevel))
	}
	zapOpts = append(zapOpts, zap.AddCaller())

	zl := zap.New(core, zapOpts...)
	return zapr.NewLogger(zl)
}

// NewLoggerFromEnv creates a new logger using environment variable configuration.
func NewLoggerFromEnv() Logger {
	return NewLogger(LoadLoggerConfigFromEnv())
}

// LoggerHelper provides convenience methods for working with Logger.
type LoggerHelper struct {
	Logger
}

// NewLoggerHelper wraps a Logger with convenience methods.
func NewLoggerHelper(logger Logger) *LoggerHelper {
	return &LoggerHelper{Logger: logger}
}

// WithComponent adds a component name to the logger.
func (h *LoggerHelper) WithComponent(name string) *LoggerHelper {
	return &LoggerHelper{Logger: h.WithName(name)}
}

// WithValues adds key-value pairs to the logger.
func (h *LoggerHelper) WithValues(keysAndValues ...interface{}) *LoggerHelper {
	return &LoggerHelper{Logger: h.Logger.WithValues(keysAndValues...)}
}

// Debug logs at debug level (V(1)).
func (h *LoggerHelper) Debug(msg string, keysAndValues ...interface{}) {
	h.Logger.V(1).Info(msg, keysAndValues...)
}

// Warn logs at info level; logr has no separate warn level.
func (h *LoggerHelper) Warn(msg string, keysAndValues ...interface{}) {
	h.Logger.Info(msg, keysAndValues...)
}

// Error logs an error.
func (h *LoggerHelper) Error(err error, msg string, keysAndValues ...interface{}) {
	h.Logger.Error(err, msg, keysAndValues...)
}

// Info logs at info level.
func (h *LoggerHelper) Info(msg string, keysAndValues ...interface{}) {
	h.Logger.Info(msg, keysAndValues...)
}
