package scheduler

import (
	"fmt"

	"github.com/l3uddz/cloudplow/internal/syslog"
)

// cronLogger routes robfig/cron messages through syslog.
type cronLogger struct{}

func fields(keysAndValues []any) map[string]any {
	out := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	syslog.L.Debug().WithMessage("cron: " + msg).WithFields(fields(keysAndValues)).Write()
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	syslog.L.Error(err).WithMessage("cron: " + msg).WithFields(fields(keysAndValues)).Write()
}
