package syslog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// L is the process-wide logger. It writes to stdout until Configure is called.
var L = newLogger(os.Stdout)

type Logger struct {
	mu   sync.RWMutex
	zlog *zerolog.Logger
	file io.Closer
}

// LogEntry is built with the With* helpers and emitted by Write.
type LogEntry struct {
	Level   string
	Message string
	Err     error
	Fields  map[string]any

	logger *Logger
}

// Options controls where log output goes.
type Options struct {
	File   string
	Level  string
	Syslog bool
}

func newLogger(w io.Writer) *Logger {
	zlog := zerolog.New(consoleWriter(w, false)).With().Timestamp().CallerWithSkipFrameCount(3).Logger()
	return &Logger{zlog: &zlog}
}

func consoleWriter(w io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
		cw.Out = w
		cw.NoColor = noColor
		cw.TimeFormat = "2006-01-02 15:04:05"
	})
}

// ParseLevel maps the operator facing level names onto zerolog levels.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("ParseLevel: unknown log level %q", level)
	}
}

// Configure replaces the writers of L: console, rotating logfile and optionally the system syslog.
func (l *Logger) Configure(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	writers := []io.Writer{consoleWriter(os.Stdout, false)}

	var file *lumberjack.Logger
	if opts.File != "" {
		file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    5,
			MaxBackups: 5,
		}
		writers = append(writers, consoleWriter(file, true))
	}

	if opts.Syslog {
		sysWriter, err := newSystemWriter()
		if err != nil {
			return fmt.Errorf("Configure: unable to connect to syslog: %w", err)
		}
		writers = append(writers, consoleWriter(sysWriter, true))
	}

	zlog := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().Timestamp().CallerWithSkipFrameCount(3).Logger()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if file != nil {
		l.file = file
	}
	l.zlog = &zlog

	return nil
}

// SetOutput sends all output to w without colors. Used by tests.
func (l *Logger) SetOutput(w io.Writer, level zerolog.Level) {
	zlog := zerolog.New(consoleWriter(w, true)).Level(level).With().Timestamp().Logger()

	l.mu.Lock()
	l.zlog = &zlog
	l.mu.Unlock()
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) entry(level string, err error) *LogEntry {
	return &LogEntry{
		Level:  level,
		Err:    err,
		Fields: make(map[string]any),
		logger: l,
	}
}

func (l *Logger) Debug() *LogEntry { return l.entry("debug", nil) }

func (l *Logger) Info() *LogEntry { return l.entry("info", nil) }

func (l *Logger) Warn() *LogEntry { return l.entry("warn", nil) }

func (l *Logger) Error(err error) *LogEntry { return l.entry("error", err) }

func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// Write emits the entry through the current zerolog logger.
func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	defer e.logger.mu.RUnlock()

	switch e.Level {
	case "debug":
		e.logger.zlog.Debug().Fields(e.Fields).Msg(e.Message)
	case "warn":
		e.logger.zlog.Warn().Fields(e.Fields).Msg(e.Message)
	case "error":
		e.logger.zlog.Error().Err(e.Err).Fields(e.Fields).Msg(e.Message)
	default:
		e.logger.zlog.Info().Fields(e.Fields).Msg(e.Message)
	}
}
