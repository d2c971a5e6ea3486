package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Development gets a human console
// writer at debug level; everything else emits JSON at info.
func NewLogger(appEnv string) zerolog.Logger {
	var out io.Writer = os.Stdout
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Logger aliases zerolog.Logger so callers outside infra depend on the
// logging contract without importing the third-party module directly.
type Logger = zerolog.Logger
