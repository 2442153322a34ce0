package rclone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/stretchr/testify/assert"
)

const rateLimited = "Error 403: User rate limit exceeded"

func rateSleeps() map[string]types.Sleep {
	return map[string]types.Sleep{rateLimited: {Count: 3, Timeout: 60, Sleep: 25}}
}

func TestTrackerAbortsAtThreshold(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := NewTracker(clock, rateSleeps())

	line := "ERROR : file.mkv: error 403: user RATE LIMIT exceeded"
	assert.False(t, tracker.Observe(line))
	assert.False(t, tracker.Observe("Transferred: 1 GiB"))
	assert.False(t, tracker.Observe(line))
	assert.True(t, tracker.Observe(line))

	res := tracker.Result(-1)
	assert.True(t, res.Aborted())
	assert.False(t, res.Failed())
	assert.Equal(t, 25*time.Hour, res.Delay)
	assert.Equal(t, rateLimited, res.Trigger)
}

func TestTrackerWindowResets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tracker := NewTracker(clock, rateSleeps())

	assert.False(t, tracker.Observe(rateLimited))
	assert.False(t, tracker.Observe(rateLimited))

	clock.Advance(61 * time.Second)
	assert.False(t, tracker.Observe(rateLimited), "expired window must restart at one")
	assert.False(t, tracker.Observe(rateLimited))
	assert.True(t, tracker.Observe(rateLimited))
}

func TestTrackerThresholdOne(t *testing.T) {
	tracker := NewTracker(clockwork.NewFakeClock(), map[string]types.Sleep{
		"quota exceeded": {Count: 1, Timeout: 10, Sleep: 0.5},
	})
	assert.True(t, tracker.Observe("upload quota exceeded"))
	assert.Equal(t, 30*time.Minute, tracker.Result(0).Delay)
}

func TestTrackerMergesSleeps(t *testing.T) {
	tracker := NewTracker(clockwork.NewFakeClock(),
		map[string]types.Sleep{"a": {Count: 5, Timeout: 10, Sleep: 1}},
		map[string]types.Sleep{"a": {Count: 1, Timeout: 10, Sleep: 2}, "b": {Count: 1, Timeout: 10, Sleep: 3}},
	)
	assert.True(t, tracker.Observe("a"))
	assert.Equal(t, 2*time.Hour, tracker.Result(0).Delay)
}

func TestTrackerExitCodes(t *testing.T) {
	tracker := NewTracker(clockwork.NewFakeClock(), rateSleeps())

	res := tracker.Result(constants.MaxTransferExitCode)
	assert.True(t, res.Aborted())
	assert.Equal(t, constants.MaxTransferDelay, res.Delay)
	assert.Equal(t, constants.MaxTransferTrigger, res.Trigger)

	assert.True(t, tracker.Result(0).Clean())
	assert.True(t, tracker.Result(1).Failed())
}

func TestTransfer(t *testing.T) {
	lines := []string{"starting", rateLimited, rateLimited, rateLimited, "never seen"}

	var seen []string
	run := func(ctx context.Context, argv []string, onLine func(string) bool) (int, error) {
		for _, l := range lines {
			seen = append(seen, l)
			if onLine(l) {
				return -1, nil
			}
		}
		return 0, nil
	}

	res := Transfer(t.Context(), run, []string{"rclone"}, NewTracker(clockwork.NewFakeClock(), rateSleeps()))
	assert.True(t, res.Aborted())
	assert.NotContains(t, seen, "never seen")

	failing := func(ctx context.Context, argv []string, onLine func(string) bool) (int, error) {
		return -1, errors.New("exec: not found")
	}
	res = Transfer(t.Context(), failing, []string{"rclone"}, NewTracker(clockwork.NewFakeClock()))
	assert.True(t, res.Failed())
	assert.Error(t, res.Err)
}
