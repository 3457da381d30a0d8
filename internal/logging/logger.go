// Package logging provides structured logging for the sync core.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel maps a config string ("debug", "INFO", ...) to a LogLevel.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures the global logger. When File is set, output goes to a
// size-rotated file instead of Out.
type Options struct {
	Level      LogLevel
	Out        io.Writer
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides structured JSON logging on top of zap.
type Logger struct {
	z      *zap.Logger
	closer io.Closer
}

var (
	// global logger instance
	global *Logger
	mu     sync.RWMutex
	once   sync.Once
)

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// New builds a Logger from options.
func New(opts Options) *Logger {
	var (
		ws     zapcore.WriteSyncer
		closer io.Closer
	)
	switch {
	case opts.File != "":
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		ws, closer = zapcore.AddSync(rotator), rotator
	case opts.Out != nil:
		ws = zapcore.AddSync(opts.Out)
	default:
		ws = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, opts.Level.zapLevel())
	return &Logger{z: zap.New(core), closer: closer}
}

// NewWithCore wraps an existing zap core. Used by tests with zaptest/observer.
func NewWithCore(core zapcore.Core) *Logger {
	return &Logger{z: zap.New(core)}
}

// Init initializes the global logger once, writing JSON lines to out.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		SetGlobal(New(Options{Out: out, Level: minLevel}))
	})
}

// SetGlobal replaces the global logger.
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	global = l
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l == nil {
		Init(os.Stderr, LevelInfo)
		mu.RLock()
		l = global
		mu.RUnlock()
	}
	return l
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Close flushes buffered entries and closes the rotated file, if any.
func (l *Logger) Close() error {
	_ = l.z.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// fields converts context maps into zap fields, merging multiple maps.
func fields(context ...map[string]interface{}) []zap.Field {
	var out []zap.Field
	for _, c := range context {
		for k, v := range c {
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.z.Debug(message, fields(context...)...)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.z.Info(message, fields(context...)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.z.Warn(message, fields(context...)...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	fs := fields(context...)
	if err != nil {
		fs = append(fs, zap.Error(err))
	}
	l.z.Error(message, fs...)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	fs := append(fields(context...), zap.String("code", code))
	if err != nil {
		fs = append(fs, zap.Error(err))
	}
	l.z.Error(message, fs...)
}

// Printf satisfies printf-style logger interfaces of third-party packages.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.z.Sugar().Infof(strings.TrimSuffix(format, "\n"), v...)
}

// Fatalf logs and exits.
func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.z.Sugar().Fatalf(strings.TrimSuffix(format, "\n"), v...)
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
