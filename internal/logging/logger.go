/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logging provides structured logging for the service. It is a thin
// facade over logf with text and JSON encoders and optional file output with
// rotation.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/ssgreg/logf"
	"github.com/ssgreg/logftext"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field hold data of a specific field.
type Field = logf.Field

// Error returns a new Field with the given error. Key is 'error'.
var Error = logf.Error

// String returns a new Field with the given key and string.
var String = logf.String

// Strings returns a new Field with the given key and slice of strings.
var Strings = logf.Strings

// Int returns a new Field with the given key and int.
var Int = logf.Int

// Int64 returns a new Field with the given key and int64.
var Int64 = logf.Int64

// Bool returns a new Field with the given key and bool.
var Bool = logf.Bool

// Duration returns a new Field with the given key and time.Duration.
var Duration = logf.Duration

// Any returns a new Field with the given key and value of any type.
var Any = logf.Any

// FieldLogger is an interface for loggers which write logs in structured format.
type FieldLogger interface {
	With(...Field) FieldLogger

	Debug(string, ...Field)
	Info(string, ...Field)
	Warn(string, ...Field)
	Error(string, ...Field)
}

// Level defines a verbosity of the logging.
type Level string

// Logging levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format defines a format of the log records.
type Format string

// Logging formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Output defines a destination for the log records.
type Output string

// Logging outputs.
const (
	OutputStdout Output = "stdout"
	OutputStderr Output = "stderr"
	OutputFile   Output = "file"
)

// FileRotationConfig defines rotation parameters for file output.
type FileRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"maxSizeMb" yaml:"maxSizeMb"`
	MaxBackups int  `mapstructure:"maxBackups" yaml:"maxBackups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// Config represents a set of configuration parameters for logging.
type Config struct {
	Level    Level              `mapstructure:"level" yaml:"level"`
	Format   Format             `mapstructure:"format" yaml:"format"`
	Output   Output             `mapstructure:"output" yaml:"output"`
	FilePath string             `mapstructure:"filePath" yaml:"filePath"`
	Rotation FileRotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() Config {
	return Config{
		Level:    LevelInfo,
		Format:   FormatJSON,
		Output:   OutputStdout,
		Rotation: FileRotationConfig{MaxSizeMB: 250, MaxBackups: 10},
	}
}

// NewLogger creates a new FieldLogger and a closing function for it
// based on the passed configuration.
func NewLogger(cfg Config) (FieldLogger, func(), error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer
	switch cfg.Output {
	case OutputStdout, "":
		out = os.Stdout
	case OutputStderr:
		out = os.Stderr
	case OutputFile:
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log file path is required for file output")
		}
		out = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			Compress:   cfg.Rotation.Compress,
		}
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}

	var appender logf.Appender
	switch cfg.Format {
	case FormatJSON, "":
		appender = logf.NewWriteAppender(out, logf.NewJSONEncoder(logf.JSONEncoderConfig{
			EncodeTime:   logf.RFC3339NanoTimeEncoder,
			FieldKeyTime: "time",
		}))
	case FormatText:
		appender = logftext.NewAppender(out, logftext.EncoderConfig{
			EncodeTime: logf.RFC3339NanoTimeEncoder,
		})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	channel, closeWriter := logf.NewChannelWriter(logf.ChannelWriterConfig{
		Appender:          appender,
		EnableSyncOnError: true,
	})
	logger := logf.NewLogger(level, channel).With(logf.Int("pid", os.Getpid()))

	return &logfAdapter{logger}, func() { closeWriter() }, nil
}

// NewDisabledLogger creates a new logger that produces no output.
// It is intended for tests.
func NewDisabledLogger() FieldLogger {
	return &logfAdapter{logf.NewDisabledLogger()}
}

func parseLevel(lvl Level) (logf.Level, error) {
	switch lvl {
	case LevelDebug:
		return logf.LevelDebug, nil
	case LevelInfo, "":
		return logf.LevelInfo, nil
	case LevelWarn:
		return logf.LevelWarn, nil
	case LevelError:
		return logf.LevelError, nil
	}
	return logf.LevelInfo, fmt.Errorf("unknown log level %q", lvl)
}

// logfAdapter adapts logf.Logger to the FieldLogger interface.
type logfAdapter struct {
	logger *logf.Logger
}

func (a *logfAdapter) With(fs ...Field) FieldLogger {
	return &logfAdapter{a.logger.With(fs...)}
}

func (a *logfAdapter) Debug(text string, fs ...Field) {
	a.logger.Debug(text, fs...)
}

func (a *logfAdapter) Info(text string, fs ...Field) {
	a.logger.Info(text, fs...)
}

func (a *logfAdapter) Warn(text string, fs ...Field) {
	a.logger.Warn(text, fs...)
}

func (a *logfAdapter) Error(text string, fs ...Field) {
	a.logger.Error(text, fs...)
}
