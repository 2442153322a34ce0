//go:build linux

package syslog

import (
	"io"
	"log/syslog"
)

// LogWriter forwards pre-formatted console lines to the system syslog.
type LogWriter struct {
	logger *syslog.Writer
}

func newSystemWriter() (io.Writer, error) {
	sysWriter, err := syslog.New(syslog.LOG_INFO|syslog.LOG_LOCAL7, "cloudplow")
	if err != nil {
		return nil, err
	}
	return &LogWriter{logger: sysWriter}, nil
}

func (w *LogWriter) Write(p []byte) (int, error) {
	if err := w.logger.Info(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
