package suspension

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/notify"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type messages []string

func (m *messages) Send(_ context.Context, message string) { *m = append(*m, message) }

func newStore(t *testing.T) *sqlite.Database {
	t.Helper()
	db, err := sqlite.Initialize(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSuspendedLifecycle(t *testing.T) {
	db := newStore(t)
	clock := clockwork.NewFakeClock()
	var sent messages
	checker := NewUploaders(db, clock, &sent)

	suspended, err := checker.Suspended(t.Context(), "google")
	require.NoError(t, err)
	assert.False(t, suspended)

	_, err = checker.SuspendFor("google", 25*time.Hour)
	require.NoError(t, err)
	_, err = checker.SuspendFor("other", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	suspended, err = checker.Suspended(t.Context(), "google")
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, messages{"Upload suspension has expired for remote: other"}, sent)

	bans, err := db.Bans(constants.UploaderBansNamespace)
	require.NoError(t, err)
	assert.NotContains(t, bans, "other")

	clock.Advance(24 * time.Hour)
	suspended, err = checker.Suspended(t.Context(), "google")
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.Len(t, sent, 2)
}

func TestSyncersAreIndependent(t *testing.T) {
	db := newStore(t)
	clock := clockwork.NewFakeClock()
	var sent messages

	uploaders := NewUploaders(db, clock, &sent)
	syncers := NewSyncers(db, clock, &sent)

	require.NoError(t, syncers.Suspend("google", clock.Now().Add(time.Hour)))

	suspended, err := uploaders.Suspended(t.Context(), "google")
	require.NoError(t, err)
	assert.False(t, suspended)

	lifted, err := syncers.Lift("google")
	require.NoError(t, err)
	assert.True(t, lifted)

	lifted, err = syncers.Lift("google")
	require.NoError(t, err)
	assert.False(t, lifted)
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "1 days, 2 hours, 3 minutes and 4 seconds", Humanize(26*time.Hour+3*time.Minute+4*time.Second))
	assert.Equal(t, "1 days, 1 hours", Humanize(25*time.Hour))
	assert.Equal(t, "5 minutes", Humanize(5*time.Minute))
	assert.Equal(t, "0 seconds", Humanize(-time.Second))
}

// staleStore serves a snapshot of the bans taken before any checker evicted them.
type staleStore struct {
	*sqlite.Database
	snapshot map[string]time.Time
}

func (s staleStore) Bans(string) (map[string]time.Time, error) { return s.snapshot, nil }

func TestExpiryAnnouncedOnceAcrossCheckers(t *testing.T) {
	db := newStore(t)
	clock := clockwork.NewFakeClock()

	_, err := NewUploaders(db, clock, notify.Nop{}).SuspendFor("google", time.Hour)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	snapshot, err := db.Bans(constants.UploaderBansNamespace)
	require.NoError(t, err)
	store := staleStore{Database: db, snapshot: snapshot}

	var sent messages
	first := NewUploaders(store, clock, &sent)
	second := NewUploaders(store, clock, &sent)

	for _, checker := range []*Checker{first, second} {
		suspended, err := checker.Suspended(t.Context(), "google")
		require.NoError(t, err)
		assert.False(t, suspended)
	}
	assert.Equal(t, messages{"Upload suspension has expired for remote: google"}, sent)
}
