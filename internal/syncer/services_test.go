package syncer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type commands struct {
	calls   [][]string
	replies func(argv []string) (string, bool)
}

func (c *commands) popen(_ context.Context, argv []string) (string, bool) {
	c.calls = append(c.calls, argv)
	if c.replies != nil {
		return c.replies(argv)
	}
	return "", true
}

func (c *commands) run(_ context.Context, argv []string, onLine func(string) bool) (int, error) {
	c.calls = append(c.calls, argv)
	if c.replies == nil {
		return 0, nil
	}
	out, ok := c.replies(argv)
	if onLine != nil {
		for _, line := range strings.Split(out, "\n") {
			if line = strings.TrimSpace(line); line != "" && onLine(line) {
				break
			}
		}
	}
	if !ok {
		return 1, nil
	}
	return 0, nil
}

func (c *commands) joined() []string {
	out := make([]string, len(c.calls))
	for i, argv := range c.calls {
		out[i] = strings.Join(argv, " ")
	}
	return out
}

func TestLocalLifecycle(t *testing.T) {
	cmds := &commands{}
	svc, err := NewService("local", types.Syncer{Service: "local"}, Deps{
		Core:   types.Core{RcloneBinaryPath: "/usr/bin/rclone"},
		Runner: cmds.run,
	})
	require.NoError(t, err)

	_, err = svc.Sync(t.Context(), []string{"sync", "a:", "b:"}, nil)
	assert.ErrorIs(t, err, ErrNoInstance)

	id, err := svc.Startup(t.Context())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, svc.Setup(t.Context(), "/config/rclone.conf"))

	code, err := svc.Sync(t.Context(), []string{"sync", "a:", "b:"}, nil)
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, []string{"/usr/bin/rclone sync a: b: --config=/config/rclone.conf"}, cmds.joined())

	require.NoError(t, svc.Destroy(t.Context()))
	assert.ErrorIs(t, svc.Destroy(t.Context()), ErrNoInstance)
}

func newTestScaleway(t *testing.T, cfg types.Syncer, cmds *commands, clock clockwork.Clock) *scaleway {
	t.Helper()
	svc, err := NewService("google2amzn", cfg, Deps{Popen: cmds.popen, Runner: cmds.run, Clock: clock})
	require.NoError(t, err)
	return svc.(*scaleway)
}

func TestScalewayCreateAndDestroy(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "rclone.conf")
	require.NoError(t, os.WriteFile(configPath, []byte("[google]\ntype = drive\n"), 0o600))

	cmds := &commands{replies: func(argv []string) (string, bool) {
		switch {
		case argv[2] == "run":
			return "Pulling image\n0f1e2d3c", true
		case strings.Contains(strings.Join(argv, " "), "uname"):
			return "Linux scw 5.15", true
		case strings.Contains(strings.Join(argv, " "), "cat "+constants.RemoteRcloneConfig):
			return "[google]\ntype = drive\ntoken = fresh\n", true
		}
		return "", true
	}}

	s := newTestScaleway(t, types.Syncer{Service: "scaleway", InstanceDestroy: true, Region: "ams1", InstanceType: "DEV1-S"}, cmds, clockwork.NewFakeClock())

	id, err := s.Startup(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "0f1e2d3c", id)
	require.NoError(t, s.Setup(t.Context(), configPath))

	_, err = s.Sync(t.Context(), []string{"copy", "google:/Media", "amzn:/Media"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Destroy(t.Context()))

	calls := cmds.joined()
	assert.Equal(t, "scw --region=ams1 run -d --ipv6 --commercial-type=DEV1-S --name=google2amzn ubuntu-jammy", calls[0])
	assert.Contains(t, calls, "scw --region=ams1 cp "+configPath+" 0f1e2d3c:"+constants.RemoteRcloneConfig)
	assert.Contains(t, calls, "scw --region=ams1 exec 0f1e2d3c rclone copy google:/Media amzn:/Media --config="+constants.RemoteRcloneConfig)
	assert.Equal(t, "scw --region=ams1 rm -f 0f1e2d3c", calls[len(calls)-1])

	refreshed, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(refreshed), "token = fresh")
}

func TestScalewayReuseStops(t *testing.T) {
	cmds := &commands{replies: func(argv []string) (string, bool) {
		if strings.Contains(strings.Join(argv, " "), "uname") {
			return "Linux", true
		}
		return "", true
	}}
	s := newTestScaleway(t, types.Syncer{Service: "scaleway", InstanceName: "syncbox"}, cmds, clockwork.NewFakeClock())

	id, err := s.Startup(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "syncbox", id)
	require.NoError(t, s.Destroy(t.Context()))

	calls := cmds.joined()
	assert.Equal(t, "scw --region=par1 start syncbox", calls[0])
	assert.Equal(t, "scw --region=par1 stop syncbox", calls[len(calls)-1])
}

func TestScalewayStartupFailure(t *testing.T) {
	cmds := &commands{replies: func([]string) (string, bool) { return "Error: quota exceeded", false }}
	s := newTestScaleway(t, types.Syncer{Service: "scaleway", InstanceDestroy: true}, cmds, clockwork.NewFakeClock())

	_, err := s.Startup(t.Context())
	assert.Error(t, err)
}

func TestScalewayToleratesErrorWordsInOutput(t *testing.T) {
	cmds := &commands{replies: func(argv []string) (string, bool) {
		joined := strings.Join(argv, " ")
		switch {
		case argv[2] == "run":
			return "abc", true
		case strings.Contains(joined, "uname"):
			return "Linux", true
		case strings.Contains(joined, "apt-get"):
			return "Setting up libgpg-error0:amd64 (1.43-3) ...", true
		}
		return "", true
	}}
	s := newTestScaleway(t, types.Syncer{Service: "scaleway", InstanceDestroy: true}, cmds, clockwork.NewFakeClock())

	_, err := s.Startup(t.Context())
	require.NoError(t, err)
	require.NoError(t, s.Setup(t.Context(), filepath.Join(t.TempDir(), "rclone.conf")))
}

func TestScalewaySetupFailsOnExitStatus(t *testing.T) {
	cmds := &commands{replies: func(argv []string) (string, bool) {
		joined := strings.Join(argv, " ")
		switch {
		case argv[2] == "run":
			return "abc", true
		case strings.Contains(joined, "uname"):
			return "Linux", true
		case strings.Contains(joined, "install.sh"):
			return "curl: (6) Could not resolve host", false
		}
		return "", true
	}}
	s := newTestScaleway(t, types.Syncer{Service: "scaleway", InstanceDestroy: true}, cmds, clockwork.NewFakeClock())

	_, err := s.Startup(t.Context())
	require.NoError(t, err)
	assert.ErrorContains(t, s.Setup(t.Context(), filepath.Join(t.TempDir(), "rclone.conf")), "exited with status 1")
}

func TestScalewaySyncQuotesRemoteCommand(t *testing.T) {
	cmds := &commands{replies: func(argv []string) (string, bool) {
		if argv[2] == "run" {
			return "abc", true
		}
		if strings.Contains(strings.Join(argv, " "), "uname") {
			return "Linux", true
		}
		return "", true
	}}
	s := newTestScaleway(t, types.Syncer{Service: "scaleway", InstanceDestroy: true}, cmds, clockwork.NewFakeClock())

	_, err := s.Startup(t.Context())
	require.NoError(t, err)
	_, err = s.Sync(t.Context(), []string{"copy", "google:/My Media", "amzn:/Media"}, nil)
	require.NoError(t, err)

	var execArgv []string
	for _, argv := range cmds.calls {
		if len(argv) > 4 && argv[2] == "exec" && strings.HasPrefix(argv[4], "rclone ") {
			execArgv = argv
		}
	}
	require.Len(t, execArgv, 5, "the remote command is passed as a single word")
	assert.Equal(t, "rclone copy 'google:/My Media' amzn:/Media --config="+constants.RemoteRcloneConfig, execArgv[4])
}

func TestScalewayNeverReady(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cmds := &commands{replies: func(argv []string) (string, bool) {
		if argv[2] == "run" {
			return "abc", true
		}
		return "", false
	}}
	s := newTestScaleway(t, types.Syncer{Service: "scaleway", InstanceDestroy: true}, cmds, clock)
	s.attempts = 2

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Startup(ctx)
		errCh <- err
	}()

	for range s.attempts {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(constants.InstanceReadyDelay)
	}
	assert.ErrorContains(t, <-errCh, "not ready")
}

func TestSSHAuthMethods(t *testing.T) {
	_, err := authMethods(types.Syncer{})
	assert.Error(t, err)

	auth, err := authMethods(types.Syncer{Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, auth, 2)

	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "cloudplow")
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))

	auth, err = authMethods(types.Syncer{KeyFile: keyFile})
	require.NoError(t, err)
	assert.Len(t, auth, 1)

	_, err = authMethods(types.Syncer{KeyFile: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestSSHRemoteCommand(t *testing.T) {
	svc, err := NewService("box", types.Syncer{Service: "ssh", Host: "sync.example.com", Port: 2222}, Deps{})
	require.NoError(t, err)
	h := svc.(*sshHost)

	assert.Equal(t, "sync.example.com:2222", h.addr())
	assert.Equal(t,
		"rclone copy 'google:/My Media' amzn:/Media --config=.config/rclone/rclone.conf",
		h.remoteCommand([]string{"copy", "google:/My Media", "amzn:/Media"}))

	_, err = h.Sync(t.Context(), nil, nil)
	assert.ErrorIs(t, err, ErrNoInstance)
}
