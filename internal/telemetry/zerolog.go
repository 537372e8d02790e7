package telemetry

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewConsoleLogger builds the human-readable zerolog logger used by the
// binaries.
func NewConsoleLogger(w io.Writer, app string, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", app).Logger()
}

// WrapZerolog adapts a zerolog logger to the Logger interface. Messages
// tagged [warn] or [error] are logged at that level, everything else at info.
func WrapZerolog(logger zerolog.Logger) Logger {
	return &zerologAdapter{logger: logger}
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (z *zerologAdapter) Printf(format string, args ...any) {
	if z == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case strings.Contains(msg, "[error]"):
		z.logger.Error().Msg(msg)
	case strings.Contains(msg, "[warn]"):
		z.logger.Warn().Msg(msg)
	default:
		z.logger.Info().Msg(msg)
	}
}

// ParseLevel maps a configured level name onto zerolog. Unknown values
// report false.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
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
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
