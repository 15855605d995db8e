package logging

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "DATAPLICITY_LOG_LEVEL"
	EnvLogNoColor = "DATAPLICITY_LOG_NOCOLOR"
)

// New builds the console logger shared by the daemon components. The level
// defaults to info and may be overridden by the environment or the debug flag.
func New(app string, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		level = lvl
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
		NoColor:    noColor(),
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
}

func noColor() bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor)))
	if err != nil {
		return false
	}
	return v
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	default:
		return zerolog.NoLevel, false
	}
}
