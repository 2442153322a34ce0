package rclone

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

type track struct {
	count   int
	expires time.Time
}

// Tracker counts sleep trigger occurrences for one transfer.
type Tracker struct {
	clock    clockwork.Clock
	sleeps   map[string]types.Sleep
	patterns []string
	tracks   map[string]*track

	delay   time.Duration
	trigger string
}

// NewTracker merges the given sleep maps, later maps overriding earlier ones.
func NewTracker(clock clockwork.Clock, sleeps ...map[string]types.Sleep) *Tracker {
	merged := make(map[string]types.Sleep)
	for _, s := range sleeps {
		maps.Copy(merged, s)
	}

	return &Tracker{
		clock:    clock,
		sleeps:   merged,
		patterns: slices.Sorted(maps.Keys(merged)),
		tracks:   make(map[string]*track),
	}
}

// Observe feeds one output line and returns true once the transfer should be aborted.
func (t *Tracker) Observe(line string) bool {
	if t.trigger != "" {
		return true
	}

	now := t.clock.Now()
	lower := strings.ToLower(line)

	for _, pattern := range t.patterns {
		rule := t.sleeps[pattern]

		tr, ok := t.tracks[pattern]
		if ok && tr.count > 0 && !now.Before(tr.expires) {
			syslog.L.Warn().
				WithMessage("tracking of trigger has expired, resetting occurrence count and timeout").
				WithField("trigger", pattern).
				Write()
			tr.count = 0
		}

		if !strings.Contains(lower, strings.ToLower(pattern)) {
			continue
		}

		if !ok || tr.count == 0 {
			tr = &track{count: 1, expires: now.Add(rule.Window())}
			t.tracks[pattern] = tr
			syslog.L.Warn().
				WithMessage(fmt.Sprintf("tracked first occurrence of trigger, expiring in %d seconds", rule.Timeout)).
				WithField("trigger", pattern).
				WithField("expires", tr.expires.Format(time.DateTime)).
				Write()
		} else {
			tr.count++
			syslog.L.Warn().
				WithMessage(fmt.Sprintf("tracked trigger has occurred %d/%d times within %d seconds", tr.count, rule.Count, rule.Timeout)).
				WithField("trigger", pattern).
				Write()
		}

		if tr.count >= rule.Count {
			syslog.L.Warn().
				WithMessage(fmt.Sprintf("tracked trigger has reached the maximum limit of %d occurrences within %d seconds, aborting...", rule.Count, rule.Timeout)).
				WithField("trigger", pattern).
				Write()
			t.delay = rule.Delay()
			t.trigger = pattern
			return true
		}
	}

	return false
}

// Result classifies the finished transfer.
func (t *Tracker) Result(exitCode int) Result {
	res := Result{ExitCode: exitCode, Delay: t.delay, Trigger: t.trigger}
	if res.Trigger == "" && exitCode == constants.MaxTransferExitCode {
		res.Delay = constants.MaxTransferDelay
		res.Trigger = constants.MaxTransferTrigger
	}
	return res
}
