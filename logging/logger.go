package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger. Human readable console output is used
// unless json is set.
func Init(debug, json bool) {
	InitWithOutput(os.Stderr, debug, json)
}

func InitWithOutput(w io.Writer, debug, json bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if json {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// Component returns a child of the global logger tagged with the component name
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
