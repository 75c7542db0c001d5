package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/percy-io/percy-core/internal/interfaces"
)

// ZerologLogger adapts a zerolog.Logger to interfaces.Logger. It is the
// only Logger implementation percy-core ships; every component receives
// one through constructor injection rather than reaching for a package
// singleton.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewLogger builds a ZerologLogger writing JSON lines to stdout at the
// given level (debug|info|warn|error). Unknown levels fall back to info.
// When pretty is true, output goes through zerolog.ConsoleWriter instead
// (useful for a developer running percyd from a terminal).
func NewLogger(level string, pretty bool) *ZerologLogger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var w zerolog.Logger
	if pretty {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		w = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	w = w.Level(parseLevel(level))
	return &ZerologLogger{log: w}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func apply(ev *zerolog.Event, fields []interfaces.Field) *zerolog.Event {
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	return ev
}

func (l *ZerologLogger) Debug(msg string, fields ...interfaces.Field) {
	apply(l.log.Debug(), fields).Msg(msg)
}

func (l *ZerologLogger) Info(msg string, fields ...interfaces.Field) {
	apply(l.log.Info(), fields).Msg(msg)
}

func (l *ZerologLogger) Warn(msg string, fields ...interfaces.Field) {
	apply(l.log.Warn(), fields).Msg(msg)
}

func (l *ZerologLogger) Error(msg string, fields ...interfaces.Field) {
	apply(l.log.Error(), fields).Msg(msg)
}

// With returns a child logger carrying fields on every subsequent line.
func (l *ZerologLogger) With(fields ...interfaces.Field) interfaces.Logger {
	ctx := l.log.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{log: ctx.Logger()}
}

// SetLevel updates the logger's level in place; used by PercyCore.loglevel.
func (l *ZerologLogger) SetLevel(level string) {
	l.log = l.log.Level(parseLevel(level))
}
