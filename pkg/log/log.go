package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/drover/pkg/guardrail"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
	// Redact scrubs api keys, bearer tokens, password assignments and
	// IPv4 addresses from every emitted line. Redaction can only narrow
	// output, never widen it.
	Redact bool
}

// redactWriter rewrites sensitive patterns before the line reaches the sink.
type redactWriter struct {
	out io.Writer
}

func (w redactWriter) Write(p []byte) (int, error) {
	scrubbed := guardrail.Redact(string(p))
	if _, err := w.out.Write([]byte(scrubbed)); err != nil {
		return 0, err
	}
	// Report the original length so zerolog never sees a short write.
	return len(p), nil
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Redact {
		output = redactWriter{out: output}
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithInstance creates a child logger with instance field (claimant id)
func WithInstance(instance string) zerolog.Logger {
	return Logger.With().Str("instance", instance).Logger()
}

// WithRunID creates a child logger with run_id field
func WithRunID(runID string) zerolog.Logger {
	return Logger.With().Str("run_id", runID).Logger()
}

// WithJobID creates a child logger with job_id field
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithHostID creates a child logger with host_id field
func WithHostID(hostID string) zerolog.Logger {
	return Logger.With().Str("host_id", hostID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
