// Package logging provides a structured logging system based on zap.
// Output goes to stderr by default because stdout may belong to the guest.
package logging

import (
	"io"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

var logger *zap.Logger

// Config holds logging configuration.
type Config struct {
	Level  string    // debug, info, warn, error
	Format string    // json, text
	Output io.Writer // defaults to os.Stderr
}

func init() {
	// Usable before Init is called
	logger, _ = zap.NewDevelopment(zap.AddCallerSkip(1))
}

// Init replaces the package logger and routes the standard library logger
// through it. It should be called early in the application startup.
func Init(cfg *Config) error {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(out), parseLevel(cfg.Level))
	logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))

	// go-fuse reports through the standard library logger
	log.SetFlags(0)
	log.SetOutput(stdLogWriter{})
	return nil
}

// stdLogWriter forwards standard library log lines at WARN.
type stdLogWriter struct{}

func (stdLogWriter) Write(p []byte) (int, error) {
	logger.Warn(strings.TrimRight(string(p), "\n"), zap.String("source", "stdlib"))
	return len(p), nil
}

// parseLevel falls back to info for unknown names. "warning" is accepted.
func parseLevel(level string) zapcore.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil || level == "" {
		return zapcore.InfoLevel
	}
	return lvl
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	return zapcore.NewConsoleEncoder(cfg)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return logger.Sync()
}

// Debug logs a message at DebugLevel with structured fields.
func Debug(msg string, fields ...zap.Field) {
	logger.Debug(msg, fields...)
}

// Info logs a message at InfoLevel with structured fields.
func Info(msg string, fields ...zap.Field) {
	logger.Info(msg, fields...)
}

// Warn logs a message at WarnLevel with structured fields.
func Warn(msg string, fields ...zap.Field) {
	logger.Warn(msg, fields...)
}

// Error logs a message at ErrorLevel with structured fields.
func Error(msg string, fields ...zap.Field) {
	logger.Error(msg, fields...)
}

// Fatal logs a message at FatalLevel, then calls os.Exit(1).
func Fatal(msg string, fields ...zap.Field) {
	logger.Fatal(msg, fields...)
}

// =============================================================================
// Field helpers
// =============================================================================

func String(key, value string) zap.Field {
	return zap.String(key, value)
}

func Int(key string, value int) zap.Field {
	return zap.Int(key, value)
}

func Int64(key string, value int64) zap.Field {
	return zap.Int64(key, value)
}

// Err creates an error field with key "error".
func Err(err error) zap.Field {
	return zap.Error(err)
}

func Any(key string, value interface{}) zap.Field {
	return zap.Any(key, value)
}

// Volume creates a "volume" field.
func Volume(id types.VolumeID) zap.Field {
	return zap.Uint32("volume", uint32(id))
}

// Tag creates a "tag" field. The volume root is logged as "/".
func Tag(tag string) zap.Field {
	if tag == "" {
		tag = "/"
	}
	return zap.String("tag", tag)
}

// Fd creates an "fd" field for a host descriptor.
func Fd(fd types.Descriptor) zap.Field {
	return zap.Int("fd", int(fd))
}
