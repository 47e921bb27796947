package logger

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components should derive their own
// logger from it (`logger.Logger.With().Str("component", ...)`) or accept an
// injected zerolog.Logger; only the composition root reads this variable.
var Logger zerolog.Logger

// Init configures the root logger. format "console" renders for humans,
// anything else emits structured JSON.
func Init(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.TrimSpace(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if format == "console" {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
			Timestamp().
			Logger().
			Level(lvl)
	} else {
		Logger = zerolog.New(os.Stdout).With().
			Timestamp().
			Logger().
			Level(lvl)
	}
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
