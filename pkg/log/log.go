// Package log builds the process logger of ktable binaries.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/lmittmann/tint"
	"github.com/rs/zerolog"
)

const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatTint    = "tint"
)

// New returns a zerolog logger writing JSON to stderr inside Kubernetes
// and a console format otherwise.
func New(level zerolog.Level) *zerolog.Logger {
	var output io.Writer
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		output = os.Stderr
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
	}
	return newZerolog(output, level)
}

func newZerolog(output io.Writer, level zerolog.Level) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return &logger
}

// Slog exposes a zerolog logger as a *slog.Logger.
func Slog(z *zerolog.Logger) *slog.Logger {
	return slog.New(logr.ToSlogHandler(zerologr.New(z)))
}

// NewSlog returns the *slog.Logger for format and level, e.g. "info".
func NewSlog(format, level string) (*slog.Logger, error) {
	zlevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	switch format {
	case FormatAuto, "":
		return Slog(New(zlevel)), nil
	case FormatConsole:
		return Slog(newZerolog(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}, zlevel)), nil
	case FormatJSON:
		return Slog(newZerolog(os.Stderr, zlevel)), nil
	case FormatTint:
		var slevel slog.Level
		if err := slevel.UnmarshalText([]byte(level)); err != nil {
			slevel = slog.LevelInfo
		}
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slevel, TimeFormat: time.TimeOnly})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
