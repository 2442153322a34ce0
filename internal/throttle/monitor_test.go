package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/plex"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	valid  bool
	mu     sync.Mutex
	counts []int
}

func (f *fakeSessions) Validate(context.Context) bool { return f.valid }

func (f *fakeSessions) Streams(context.Context) ([]plex.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if len(f.counts) > 0 {
		n, f.counts = f.counts[0], f.counts[1:]
	}
	streams := make([]plex.Stream, n)
	for i := range streams {
		streams[i] = plex.Stream{User: "user", State: "playing"}
	}
	return streams, nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	valid  bool
	active bool
	calls  []string
}

func (f *fakeLimiter) Validate(context.Context) bool { return f.valid }

func (f *fakeLimiter) Throttle(_ context.Context, speed string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, speed)
	return true
}

func (f *fakeLimiter) NoThrottle(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "off")
	return true
}

func (f *fakeLimiter) ThrottleActive(context.Context, string) bool { return f.active }

type marker struct{ held atomic.Bool }

func (m *marker) Held() bool { return m.held.Load() }

type messages struct {
	mu   sync.Mutex
	sent []string
}

func (m *messages) Send(_ context.Context, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, message)
}

func plexConfig() types.Plex {
	return types.Plex{
		Enabled:                  true,
		PollInterval:             30,
		MaxStreamsBeforeThrottle: 1,
		Notifications:            true,
		Rclone: types.PlexRclone{
			URL:            "http://localhost:7949",
			ThrottleSpeeds: map[string]string{"1": "50M", "2": "40M"},
		},
	}
}

func TestNearestSpeed(t *testing.T) {
	steps := map[string]string{"1": "50M", "2": "40M", "3": "30M"}

	assert.Equal(t, "30M", NearestSpeed(steps, 5))
	assert.Equal(t, "40M", NearestSpeed(steps, 2))
	assert.Equal(t, "50M", NearestSpeed(steps, 0))
	assert.Equal(t, "", NearestSpeed(nil, 3))
	assert.Equal(t, "50M", NearestSpeed(map[string]string{"1": "50M", "x": "1M"}, 4))
}

func TestPollRiseAndFall(t *testing.T) {
	sessions := &fakeSessions{valid: true, counts: []int{0, 2, 0}}
	limiter := &fakeLimiter{valid: true}
	sent := &messages{}
	m := New(plexConfig(), sessions, limiter, &marker{}, sent, clockwork.NewFakeClock())

	assert.Equal(t, None, m.Poll(t.Context()))
	assert.Empty(t, limiter.calls)

	assert.Equal(t, Throttle, m.Poll(t.Context()))
	speed, throttled := m.Throttled()
	assert.True(t, throttled)
	assert.Equal(t, "40M", speed)

	assert.Equal(t, Unthrottle, m.Poll(t.Context()))
	_, throttled = m.Throttled()
	assert.False(t, throttled)

	assert.Equal(t, []string{"40M", "off"}, limiter.calls)
	assert.Len(t, sent.sent, 2)
}

func TestDecide(t *testing.T) {
	limiter := &fakeLimiter{valid: true, active: true}
	cfg := plexConfig()
	cfg.Rclone.ThrottleSpeeds["3"] = "30M"
	m := New(cfg, &fakeSessions{}, limiter, &marker{}, &messages{}, clockwork.NewFakeClock())

	action, speed := m.Decide(t.Context(), 2)
	assert.Equal(t, Throttle, action)
	assert.Equal(t, "40M", speed)
	require.True(t, m.apply(t.Context(), speed))

	action, _ = m.Decide(t.Context(), 2)
	assert.Equal(t, None, action)

	action, speed = m.Decide(t.Context(), 3)
	assert.Equal(t, Adjust, action)
	assert.Equal(t, "30M", speed)

	limiter.active = false
	action, speed = m.Decide(t.Context(), 3)
	assert.Equal(t, Throttle, action)
	assert.Equal(t, "30M", speed)

	action, _ = m.Decide(t.Context(), 0)
	assert.Equal(t, Unthrottle, action)
}

func TestDecideAdjustsBelowLimit(t *testing.T) {
	cfg := plexConfig()
	cfg.MaxStreamsBeforeThrottle = 2
	cfg.Rclone.ThrottleSpeeds = map[string]string{"2": "40M", "4": "20M"}
	limiter := &fakeLimiter{valid: true, active: true}
	m := New(cfg, &fakeSessions{}, limiter, &marker{}, &messages{}, clockwork.NewFakeClock())

	require.True(t, m.apply(t.Context(), "20M"))
	action, _ := m.Decide(t.Context(), 1)
	assert.Equal(t, Unthrottle, action)
}

func TestRunStopsWhenMarkerReleased(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mk := &marker{}
	mk.held.Store(true)
	sessions := &fakeSessions{valid: true, counts: []int{2}}
	limiter := &fakeLimiter{valid: true}
	m := New(plexConfig(), sessions, limiter, mk, &messages{}, clock)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	require.True(t, m.Start(ctx))
	assert.False(t, m.Start(ctx), "second start is a no-op")

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(constants.RCStartupDelay)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	mk.held.Store(false)
	clock.Advance(30 * time.Second)

	m.Wait()
	assert.False(t, m.Running())
	assert.Equal(t, []string{"40M"}, limiter.calls)
}

func TestRunAbortsOnInvalidServer(t *testing.T) {
	limiter := &fakeLimiter{valid: true}
	m := New(plexConfig(), &fakeSessions{valid: false}, limiter, &marker{}, &messages{}, clockwork.NewFakeClock())

	m.Run(t.Context())
	assert.Empty(t, limiter.calls)
}
