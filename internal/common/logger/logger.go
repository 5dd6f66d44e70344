// Package logger builds the service's zap logger from config: console
// and/or rotating file outputs, each with its own level and format.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log levels and formats accepted in config.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"

	FormatJSON    = "json"
	FormatText    = "text"
	FormatConsole = "console"
)

// RotationConfig controls file rotation via lumberjack.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxAge     int  `yaml:"max_age"`  // days
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// OutputConfig is one log sink.
type OutputConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"` // empty falls back to the global level
	Format  string `yaml:"format"`
	Path    string `yaml:"path"` // file output only

	Rotation RotationConfig `yaml:"rotation"`
}

// Config is the logging section of the service config.
type Config struct {
	Level   string       `yaml:"level"`
	Console OutputConfig `yaml:"console"`
	File    OutputConfig `yaml:"file"`
}

// DefaultConfig logs info-and-up to the console.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Console: OutputConfig{Enabled: true, Format: FormatConsole},
	}
}

// New creates a zap logger per the config. At least one output must be
// enabled.
func New(config Config) (*zap.Logger, error) {
	globalLevel := parseLevel(config.Level)

	var cores []zapcore.Core

	if config.Console.Enabled {
		level := resolveLevel(config.Console.Level, globalLevel)
		cores = append(cores, zapcore.NewCore(
			newEncoder(config.Console.Format),
			zapcore.Lock(os.Stdout),
			zap.NewAtomicLevelAt(level),
		))
	}

	if config.File.Enabled {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file.path must be set when file logging is enabled")
		}
		level := resolveLevel(config.File.Level, globalLevel)
		cores = append(cores, zapcore.NewCore(
			newEncoder(config.File.Format),
			newFileWriter(config.File.Path, config.File.Rotation),
			zap.NewAtomicLevelAt(level),
		))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one log output (console or file) must be enabled")
	}

	if len(cores) == 1 {
		return zap.New(cores[0]), nil
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case LevelDebug:
		return zap.DebugLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func resolveLevel(outputLevel string, globalLevel zapcore.Level) zapcore.Level {
	if outputLevel != "" {
		return parseLevel(outputLevel)
	}
	return globalLevel
}

func newEncoder(format string) zapcore.Encoder {
	if format == FormatJSON {
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	if format == FormatText {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func newFileWriter(path string, rotation RotationConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxAge:     rotation.MaxAge,
		MaxBackups: rotation.MaxBackups,
		Compress:   rotation.Compress,
	})
}
