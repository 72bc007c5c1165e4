package txlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// sink is where Zero currently writes. file is set when the sink owns an
// opened log file.
type sink struct {
	w    io.Writer
	file *os.File
}

// switchWriter lets ReloadLogger redirect Zero while other goroutines log.
type switchWriter struct {
	cur *atomic.Pointer[sink]
}

func (s *switchWriter) Write(p []byte) (int, error) {
	return s.cur.Load().w.Write(p)
}

var out = &switchWriter{cur: atomic.NewPointer(&sink{w: os.Stdout})}

// Zero is the process logger. The pointer never changes; ReloadLogger and
// UpdateZeroLogLevel reconfigure it in place.
var Zero = newProcessLogger()

func newProcessLogger() *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(out).With().Timestamp().Logger()
	return &logger
}

// NewZeroLogger builds a standalone logger. Output goes to filepath when set,
// otherwise to stdout; pretty switches from JSON lines to console output.
// The process-wide level set by UpdateZeroLogLevel still applies.
func NewZeroLogger(filepath string, level string, pretty bool) *zerolog.Logger {
	s := newSink(filepath, pretty)
	logger := zerolog.New(s.w).With().Timestamp().Logger().Level(parseLevel(level))
	return &logger
}

// ReloadLogger redirects Zero according to the given settings. It is safe to
// call while other goroutines log.
func ReloadLogger(filepath string, level string, pretty bool) {
	prev := out.cur.Swap(newSink(filepath, pretty))
	UpdateZeroLogLevel(level)
	if prev.file != nil {
		_ = prev.file.Close()
	}
}

func UpdateZeroLogLevel(logLevel string) {
	zerolog.SetGlobalLevel(parseLevel(logLevel))
}

func newSink(filepath string, pretty bool) *sink {
	s := &sink{w: os.Stdout}
	if filepath != "" {
		if f, err := newWriter(filepath); err == nil {
			s.w, s.file = f, f
		}
	}
	if pretty {
		s.w = zerolog.ConsoleWriter{Out: s.w, TimeFormat: time.RFC3339}
	}
	return s
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func newWriter(filepath string) (*os.File, error) {
	return os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}
