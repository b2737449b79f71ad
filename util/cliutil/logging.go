package cliutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogOptions struct {
	// info|debug|warn|error
	LogLevel string

	// text|json
	LogFormat string
}

func firstenv(env_var_names ...string) string {
	for _, env_var_name := range env_var_names {
		val := os.Getenv(env_var_name)
		if val != "" {
			return val
		}
	}
	return ""
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %#v", s)
	}
}

// SetupSlog builds the default logger, falling back to CIRRUS_LOG_LEVEL / GOLOG_LOG_LEVEL
// and CIRRUS_LOG_FMT / GOLOG_LOG_FMT, and points the ipfs libraries at the same writer.
func SetupSlog(out io.Writer, options LogOptions) (*slog.Logger, error) {
	if options.LogLevel == "" {
		options.LogLevel = firstenv("CIRRUS_LOG_LEVEL", "GOLOG_LOG_LEVEL")
	}
	level, err := ParseLevel(options.LogLevel)
	if err != nil {
		return nil, err
	}

	if options.LogFormat == "" {
		options.LogFormat = firstenv("CIRRUS_LOG_FMT", "GOLOG_LOG_FMT")
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(options.LogFormat) {
	case "", "json":
		options.LogFormat = "json"
		handler = slog.NewJSONHandler(out, hopts)
	case "text":
		handler = slog.NewTextHandler(out, hopts)
	default:
		return nil, fmt.Errorf("invalid log format: %#v", options.LogFormat)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	SetIpfsWriter(out, options.LogFormat, strings.ToLower(level.String()))
	return logger, nil
}
