package hidden

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/l3uddz/cloudplow/internal/lock"
	"github.com/l3uddz/cloudplow/internal/notify"
	"github.com/l3uddz/cloudplow/internal/rclone"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recorder struct {
	mu       sync.Mutex
	commands [][]string
	messages []string
}

func (r *recorder) exec(ctx context.Context, argv []string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, argv)
	if strings.Contains(argv[2], "broken") {
		return "ERROR : Failed to delete: permission denied", true
	}
	return "", true
}

func (r *recorder) Send(ctx context.Context, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

var _ notify.Notifier = (*recorder)(nil)

func setup(t *testing.T, dryRun bool) (*Cleaner, *recorder, string) {
	t.Helper()
	folder := filepath.Join(t.TempDir(), ".unionfs-fuse")

	for _, f := range []string{"Media/Movies/a.mkv_HIDDEN~", "Media/Movies/broken.mkv_HIDDEN~", "Media/Movies/keep.txt"} {
		path := filepath.Join(folder, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(folder, "Media", "TV", "Old Show_HIDDEN~"), 0o755))

	l, err := lock.New(t.TempDir(), "hidden")
	require.NoError(t, err)

	rec := &recorder{}
	c := &Cleaner{
		Folders:  map[string]types.Hidden{folder: {HiddenRemotes: []string{"google"}}},
		Remotes:  map[string]types.Remote{"google": {HiddenRemote: "google:"}},
		Builder:  rclone.Builder{Binary: "rclone", ConfigPath: "/cfg"},
		DryRun:   dryRun,
		Lock:     l,
		Notifier: rec,
		Exec:     rec.exec,
		Rate:     rate.Inf,
	}
	return c, rec, folder
}

func TestRemotePath(t *testing.T) {
	remote := types.Remote{HiddenRemote: "google:"}

	got, ok := RemotePath("/mnt/local/.unionfs-fuse", remote, "/mnt/local/.unionfs-fuse/Media/x_HIDDEN~.mkv_HIDDEN~")
	assert.True(t, ok)
	assert.Equal(t, "google:/Media/x_HIDDEN~.mkv", got)

	_, ok = RemotePath("/mnt/local/.unionfs-fuse", remote, "/elsewhere/x_HIDDEN~")
	assert.False(t, ok)
}

func TestRun(t *testing.T) {
	c, rec, folder := setup(t, false)

	require.NoError(t, c.Run(t.Context()))

	var targets []string
	for _, argv := range rec.commands {
		targets = append(targets, argv[1]+" "+argv[2])
	}
	slices.Sort(targets)
	assert.Equal(t, []string{
		"delete google:/Media/Movies/a.mkv",
		"delete google:/Media/Movies/broken.mkv",
		"rmdir google:/Media/TV/Old Show",
	}, targets)

	assert.Equal(t, []string{"Cleaned 2 hidden(s) with 1 failure(s) from remote: google"}, rec.messages)

	assert.NoFileExists(t, filepath.Join(folder, "Media", "Movies", "a.mkv_HIDDEN~"))
	assert.FileExists(t, filepath.Join(folder, "Media", "Movies", "keep.txt"))
	assert.NoDirExists(t, filepath.Join(folder, "Media", "TV"), "emptied directories are pruned")
}

func TestRunDryRunKeepsLocalFiles(t *testing.T) {
	c, rec, folder := setup(t, true)
	c.Builder.DryRun = true

	require.NoError(t, c.Run(t.Context()))

	for _, argv := range rec.commands {
		assert.Equal(t, "--dry-run", argv[len(argv)-1])
	}
	assert.FileExists(t, filepath.Join(folder, "Media", "Movies", "a.mkv_HIDDEN~"))
	assert.DirExists(t, filepath.Join(folder, "Media", "TV", "Old Show_HIDDEN~"))
}
