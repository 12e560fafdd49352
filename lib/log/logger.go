package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type LogLevel int

const (
	TRACE LogLevel = 5
	DEBUG LogLevel = 10
	INFO  LogLevel = 20
	WARN  LogLevel = 30
	ERROR LogLevel = 40
)

func (l LogLevel) zerolog() zerolog.Level {
	switch {
	case l <= TRACE:
		return zerolog.TraceLevel
	case l <= DEBUG:
		return zerolog.DebugLevel
	case l <= INFO:
		return zerolog.InfoLevel
	case l <= WARN:
		return zerolog.WarnLevel
	}
	return zerolog.ErrorLevel
}

var (
	backend  = zerolog.Nop()
	minLevel = TRACE
	// output stores the log writer when it was opened by Init
	output io.Closer
)

// Init redirects all loggers to w. A nil writer disables logging. When w is
// a terminal, the output is colored.
func Init(w io.Writer, level LogLevel) error {
	if output != nil {
		if err := output.Close(); err != nil {
			return err
		}
		output = nil
	}
	minLevel = level
	if w == nil {
		backend = zerolog.Nop()
		return nil
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		if f != os.Stdout && f != os.Stderr {
			output = f
		}
	}
	console := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    noColor,
		TimeFormat: "2006/01/02 15:04:05.000000",
	}
	backend = zerolog.New(console).Level(level.zerolog()).
		With().Timestamp().Logger()
	return nil
}

func ParseLevel(value string) (LogLevel, error) {
	switch strings.ToLower(value) {
	case "trace":
		return TRACE, nil
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "err", "error":
		return ERROR, nil
	}
	return 0, fmt.Errorf("%s: invalid log level", value)
}

type Logger interface {
	Tracef(string, ...any)
	Debugf(string, ...any)
	Infof(string, ...any)
	Warnf(string, ...any)
	Errorf(string, ...any)
}

type logger struct {
	name      string
	calldepth int
}

// NewLogger returns a Logger which tags every message with the given
// component name. calldepth is the number of stack frames between the
// logging call site and the Logger method.
func NewLogger(name string, calldepth int) Logger {
	return &logger{name: name, calldepth: calldepth}
}

func (l *logger) emit(level LogLevel, message string, args ...any) {
	if minLevel > level {
		return
	}
	e := backend.WithLevel(level.zerolog())
	if e == nil {
		return
	}
	if l.name != "" {
		e = e.Str("component", l.name)
	}
	e.Caller(l.calldepth).Msgf(message, args...)
}

func (l *logger) Tracef(message string, args ...any) {
	l.emit(TRACE, message, args...)
}

func (l *logger) Debugf(message string, args ...any) {
	l.emit(DEBUG, message, args...)
}

func (l *logger) Infof(message string, args ...any) {
	l.emit(INFO, message, args...)
}

func (l *logger) Warnf(message string, args ...any) {
	l.emit(WARN, message, args...)
}

func (l *logger) Errorf(message string, args ...any) {
	l.emit(ERROR, message, args...)
}

var root = logger{calldepth: 3}

func Tracef(message string, args ...any) {
	root.Tracef(message, args...)
}

func Debugf(message string, args ...any) {
	root.Debugf(message, args...)
}

func Infof(message string, args ...any) {
	root.Infof(message, args...)
}

func Warnf(message string, args ...any) {
	root.Warnf(message, args...)
}

func Errorf(message string, args ...any) {
	root.Errorf(message, args...)
}
