package suspension

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/notify"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// Store is the subset of the suspension database used here.
type Store interface {
	Bans(namespace string) (map[string]time.Time, error)
	SetBan(namespace, subject string, expiry time.Time) error
	ClearBan(namespace, subject string) (bool, error)
}

// Checker answers "is this target suspended" for one namespace, evicting expired entries
// as it goes.
type Checker struct {
	namespace string
	kind      string
	store     Store
	clock     clockwork.Clock
	notifier  notify.Notifier
}

func NewUploaders(store Store, clock clockwork.Clock, notifier notify.Notifier) *Checker {
	return &Checker{namespace: constants.UploaderBansNamespace, kind: "upload", store: store, clock: clock, notifier: notifier}
}

func NewSyncers(store Store, clock clockwork.Clock, notifier notify.Notifier) *Checker {
	return &Checker{namespace: constants.SyncerBansNamespace, kind: "sync", store: store, clock: clock, notifier: notifier}
}

// Suspended reports whether subject is still suspended. Every expired entry in the
// namespace is removed and announced.
func (c *Checker) Suspended(ctx context.Context, subject string) (bool, error) {
	bans, err := c.store.Bans(c.namespace)
	if err != nil {
		return false, err
	}

	now := c.clock.Now()
	suspended := false
	for name, expiry := range bans {
		if now.Before(expiry) {
			entry := syslog.L.Debug()
			if name == subject {
				entry = syslog.L.Info()
				suspended = true
			}
			entry.WithMessage(fmt.Sprintf("%s is still suspended due to a previously aborted %s. Normal operation in %s at %s",
				name, c.kind, Humanize(expiry.Sub(now)), expiry.Format(time.DateTime))).Write()
			continue
		}

		cleared, err := c.store.ClearBan(c.namespace, name)
		if err != nil {
			return suspended, err
		}
		if !cleared {
			// already evicted by a concurrent check
			continue
		}
		syslog.L.Warn().WithMessage(fmt.Sprintf("%s is no longer suspended due to a previous aborted %s!", name, c.kind)).Write()
		c.notifier.Send(ctx, c.expiredMessage(name))
	}

	return suspended, nil
}

func (c *Checker) expiredMessage(name string) string {
	if c.namespace == constants.SyncerBansNamespace {
		return "Sync suspension has expired for syncer: " + name
	}
	return "Upload suspension has expired for remote: " + name
}

func (c *Checker) Suspend(subject string, until time.Time) error {
	return c.store.SetBan(c.namespace, subject, until)
}

// SuspendFor suspends subject for d from now and returns the expiry.
func (c *Checker) SuspendFor(subject string, d time.Duration) (time.Time, error) {
	until := c.clock.Now().Add(d)
	return until, c.Suspend(subject, until)
}

// Lift clears a suspension and reports whether one was present.
func (c *Checker) Lift(subject string) (bool, error) {
	lifted, err := c.store.ClearBan(c.namespace, subject)
	if err != nil {
		return false, err
	}
	if lifted {
		syslog.L.Info().WithMessage(fmt.Sprintf("%s is no longer suspended due to a previous aborted %s!", subject, c.kind)).Write()
	}
	return lifted, nil
}

// Humanize renders a duration as "1 days, 2 hours, 3 minutes and 4 seconds".
func Humanize(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	days, rem := total/86400, total%86400
	hours, rem := rem/3600, rem%3600
	minutes, seconds := rem/60, rem%60

	out := ""
	appendPart := func(sep, part string) {
		if out != "" {
			out += sep
		}
		out += part
	}
	if days > 0 {
		appendPart(", ", fmt.Sprintf("%d days", days))
	}
	if hours > 0 {
		appendPart(", ", fmt.Sprintf("%d hours", hours))
	}
	if minutes > 0 {
		appendPart(", ", fmt.Sprintf("%d minutes", minutes))
	}
	if seconds > 0 {
		appendPart(" and ", fmt.Sprintf("%d seconds", seconds))
	}
	if out == "" {
		out = "0 seconds"
	}
	return out
}
