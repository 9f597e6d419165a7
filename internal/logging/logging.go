package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level      string
	Format     string
	WithCaller bool
	Out        io.Writer
}

// Init configures the global zerolog logger.
func Init(cfg Config) error {
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "text":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	case "json":
		w = out
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.WithCaller {
		logger = logger.With().Caller().Logger()
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return nil
}

func parseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}
