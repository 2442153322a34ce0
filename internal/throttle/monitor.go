package throttle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/notify"
	"github.com/l3uddz/cloudplow/internal/plex"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// Sessions lists the playback sessions of a media server.
type Sessions interface {
	Validate(ctx context.Context) bool
	Streams(ctx context.Context) ([]plex.Stream, error)
}

// Limiter changes the bandwidth limit of a running transfer.
type Limiter interface {
	Validate(ctx context.Context) bool
	Throttle(ctx context.Context, speed string) bool
	NoThrottle(ctx context.Context) bool
	ThrottleActive(ctx context.Context, speed string) bool
}

// Marker is held for as long as an upload is in progress.
type Marker interface {
	Held() bool
}

type Action int

const (
	None Action = iota
	Throttle
	Unthrottle
	Adjust
)

func (a Action) String() string {
	switch a {
	case Throttle:
		return "throttle"
	case Unthrottle:
		return "unthrottle"
	case Adjust:
		return "adjust"
	default:
		return "none"
	}
}

// Monitor slows uploads down while enough streams are playing.
type Monitor struct {
	cfg      types.Plex
	sessions Sessions
	limiter  Limiter
	marker   Marker
	notifier notify.Notifier
	clock    clockwork.Clock

	running atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	throttled bool
	speed     string
}

func New(cfg types.Plex, sessions Sessions, limiter Limiter, marker Marker, notifier notify.Notifier, clock clockwork.Clock) *Monitor {
	return &Monitor{
		cfg:      cfg,
		sessions: sessions,
		limiter:  limiter,
		marker:   marker,
		notifier: notifier,
		clock:    clock,
	}
}

// Start launches the monitor loop unless one is already running. It reports whether a loop was started.
func (m *Monitor) Start(ctx context.Context) bool {
	if !m.running.CompareAndSwap(false, true) {
		syslog.L.Debug().WithMessage("stream monitor is already running").Write()
		return false
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		defer m.running.Store(false)
		m.Run(ctx)
	}()
	return true
}

// Wait blocks until the current loop, if any, has exited.
func (m *Monitor) Wait() {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (m *Monitor) Running() bool { return m.running.Load() }

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(d):
		return true
	}
}

func (m *Monitor) pollInterval() time.Duration {
	if m.cfg.PollInterval <= 0 {
		return constants.DefaultPlexPollEvery
	}
	return time.Duration(m.cfg.PollInterval) * time.Second
}

// Run validates both endpoints and polls until the upload marker is released.
func (m *Monitor) Run(ctx context.Context) {
	if !m.sessions.Validate(ctx) {
		syslog.L.Error(nil).WithMessage("aborting stream monitor due to failure to validate supplied server url and/or token").Write()
		return
	}

	syslog.L.Info().WithMessage(fmt.Sprintf("media server was validated, sleeping for %s before checking rclone rc url", constants.RCStartupDelay)).Write()
	if !m.sleep(ctx, constants.RCStartupDelay) {
		return
	}

	if !m.limiter.Validate(ctx) {
		syslog.L.Error(nil).WithMessage("aborting stream monitor due to failure to validate supplied rclone rc url").Write()
		return
	}
	syslog.L.Info().WithMessage("rclone rc url was validated, stream monitoring will now begin").Write()

	m.mu.Lock()
	m.throttled, m.speed = false, ""
	m.mu.Unlock()

	for m.marker.Held() {
		m.Poll(ctx)
		if !m.sleep(ctx, m.pollInterval()) {
			return
		}
	}

	syslog.L.Info().WithMessage("finished monitoring stream(s)").Write()
}

// Poll performs one iteration: count streams, decide and apply.
func (m *Monitor) Poll(ctx context.Context) Action {
	streams, err := m.sessions.Streams(ctx)
	if err != nil {
		syslog.L.Error(err).WithMessage(fmt.Sprintf("failed to check stream(s), trying again in %s", m.pollInterval())).Write()
		return None
	}

	count := plex.CountActive(streams, m.cfg.IgnoreLocalStreams)
	action, speed := m.Decide(ctx, count)

	switch action {
	case Throttle:
		syslog.L.Info().WithMessage(fmt.Sprintf("there was %d playing stream(s) while un-throttled, upload throttling will now commence", count)).Write()
		for _, s := range streams {
			syslog.L.Info().WithMessage(s.String()).Write()
		}
		if m.apply(ctx, speed) {
			m.notify(ctx, fmt.Sprintf("Throttled current upload to %s because there was %d playing stream(s) on Plex", speed, count))
		}
	case Adjust:
		syslog.L.Info().WithMessage(fmt.Sprintf("adjusting throttle speed for current upload to %s because there was now %d playing stream(s)", speed, count)).Write()
		if m.apply(ctx, speed) {
			m.notify(ctx, fmt.Sprintf("Throttle for current upload was adjusted to %s due to %d playing stream(s) on Plex Media Server", speed, count))
		}
	case Unthrottle:
		syslog.L.Info().WithMessage(fmt.Sprintf("there was less than %d playing stream(s) while throttled, removing throttle", m.cfg.MaxStreamsBeforeThrottle)).Write()
		ok := m.limiter.NoThrottle(ctx)
		m.mu.Lock()
		if ok {
			m.throttled, m.speed = false, ""
		}
		m.mu.Unlock()
		if ok {
			m.notify(ctx, fmt.Sprintf("Un-throttled current upload because there was less than %d playing stream(s) on Plex Media Server", m.cfg.MaxStreamsBeforeThrottle))
		}
	default:
		m.mu.Lock()
		throttled, current := m.throttled, m.speed
		m.mu.Unlock()
		if throttled {
			syslog.L.Info().WithMessage(fmt.Sprintf("there was %d playing stream(s), already throttled to %s, throttling will continue", count, current)).Write()
		}
	}
	return action
}

// Decide picks the transition for count without side effects on the throttle state.
func (m *Monitor) Decide(ctx context.Context, count int) (Action, string) {
	m.mu.Lock()
	throttled, current := m.throttled, m.speed
	m.mu.Unlock()

	limit := m.cfg.MaxStreamsBeforeThrottle
	nearest := NearestSpeed(m.cfg.Rclone.ThrottleSpeeds, count)

	switch {
	case count >= limit && (!throttled || !m.limiter.ThrottleActive(ctx, current)):
		return Throttle, nearest
	case throttled && count < limit:
		return Unthrottle, ""
	case throttled && nearest != current:
		return Adjust, nearest
	default:
		return None, current
	}
}

func (m *Monitor) apply(ctx context.Context, speed string) bool {
	ok := m.limiter.Throttle(ctx, speed)
	m.mu.Lock()
	m.throttled = ok
	if ok {
		m.speed = speed
	} else {
		m.speed = ""
	}
	m.mu.Unlock()
	return ok
}

func (m *Monitor) notify(ctx context.Context, message string) {
	if m.cfg.Notifications {
		m.notifier.Send(ctx, message)
	}
}

// Throttled returns the active throttle speed, if any.
func (m *Monitor) Throttled() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speed, m.throttled
}

// NearestSpeed returns the speed of the largest step key not above count. Below the lowest
// key the lowest step is used. Keys that are not integers are ignored.
func NearestSpeed(steps map[string]string, count int) string {
	keys := make([]int, 0, len(steps))
	speeds := make(map[int]string, len(steps))
	for k, v := range steps {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		keys = append(keys, n)
		speeds[n] = v
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Ints(keys)

	i := sort.Search(len(keys), func(i int) bool { return keys[i] > count })
	if i == 0 {
		return speeds[keys[0]]
	}
	return speeds[keys[i-1]]
}
