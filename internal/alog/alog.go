// Package alog centralizes zerolog field-name configuration.
package alog

import (
	"io"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerFieldName = "C"
	zerolog.MessageFieldName = "M"
	zerolog.LevelFieldName = "L"
	zerolog.ErrorFieldName = "E"
	zerolog.TimestampFieldName = "T"
	zerolog.ErrorStackFieldName = "S"
}

// New builds the process logger at the given level, writing JSON lines to
// w (os.Stderr in production, an in-memory buffer in tests).
func New(level zerolog.Level, w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
