package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// logger is the shared logger for the whole process. Per-upstream call sites
// attach context with logger.With().Str("server", name).
var logger = zlog.Logger

func configureLogging(level string) {
	zerolog.SetGlobalLevel(parseLogLevel(level))
	logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// parseLogLevel is tolerant of case and common synonyms; unknown values
// default to info.
func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "all", "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "none", "off", "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
