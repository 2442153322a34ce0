//go:build !linux

package syslog

import (
	"errors"
	"io"
)

func newSystemWriter() (io.Writer, error) {
	return nil, errors.New("system syslog is only supported on linux")
}
