package kored

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type zeroLogger struct {
	zl zerolog.Logger
}

func newZeroLogForName(name, id, level string) zeroLogger {
	zLevel := zerolog.InfoLevel
	if len(level) > 0 {
		newLevel, err := zerolog.ParseLevel(normalizeLevel(level))
		if err == nil {
			zLevel = newLevel
		}
	}
	return zeroLogger{zerolog.New(os.Stdout).
		Level(zLevel).With().Timestamp().
		Caller().Str(name, id).Logger(),
	}
}

// Operator-facing level names follow the API deployment convention,
// "warning" and "critical" are not zerolog names and need mapping
func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "warning":
		return "warn"
	case "critical":
		return "fatal"
	}
	return strings.ToLower(level)
}

func (z zeroLogger) Info(s string) {
	z.zl.Info().Msg(s)
}

func (z zeroLogger) Warn(s string) {
	z.zl.Warn().Msg(s)
}

func (z zeroLogger) Error(s string) {
	z.zl.Error().Msg(s)
}

func (z zeroLogger) Debug(s string) {
	z.zl.Debug().Msg(s)
}
