// Package logging builds the zerolog loggers used for diagnostics and the
// access log.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New returns a timestamped logger writing to w. Level "" means info.
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		var err error
		lvl, err = zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("log level: %w", err)
		}
	}
	switch format {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	default:
		return zerolog.Nop(), fmt.Errorf("log format: unknown %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// FileRotation configures a rotated log file.
type FileRotation struct {
	Path       string
	MaxSizeMB  int // default 100
	MaxBackups int // default 3
	MaxAgeDays int // default 28
	Compress   bool
}

// Tee returns a writer that copies to base and, when rot names a file, to a
// rotated file. The closer must be closed on shutdown; it is a no-op
// without a file.
func Tee(base io.Writer, rot *FileRotation) (io.Writer, io.Closer) {
	if rot == nil || rot.Path == "" {
		return base, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   rot.Path,
		MaxSize:    withDefault(rot.MaxSizeMB, 100),
		MaxBackups: withDefault(rot.MaxBackups, 3),
		MaxAge:     withDefault(rot.MaxAgeDays, 28),
		Compress:   rot.Compress,
	}
	if base == nil {
		return lj, lj
	}
	return io.MultiWriter(base, lj), lj
}

func withDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
