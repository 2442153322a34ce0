package syncer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kballard/go-shellquote"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
	"golang.org/x/crypto/ssh"
)

// Relative to the login directory of the ssh user.
const sshRcloneConfig = ".config/rclone/rclone.conf"

const sshDialTimeout = 30 * time.Second

// sshHost runs the sync on a long-lived host reached over ssh. Startup connects and
// Destroy disconnects.
type sshHost struct {
	name   string
	cfg    types.Syncer
	tool   string
	clock  clockwork.Clock
	dial   func(addr string, config *ssh.ClientConfig) (*ssh.Client, error)
	client *ssh.Client

	attempts int
	delay    time.Duration

	configPath string
}

func newSSH(name string, cfg types.Syncer, deps Deps) (Service, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh syncer %s: no host configured", name)
	}
	tool := cfg.ToolPath
	if tool == "" {
		tool = "rclone"
	}

	syslog.L.Info().WithMessage("initialized ssh syncer agent").WithField("syncer", name).WithField("host", cfg.Host).Write()
	return &sshHost{
		name:     name,
		cfg:      cfg,
		tool:     tool,
		clock:    deps.Clock,
		dial:     func(addr string, config *ssh.ClientConfig) (*ssh.Client, error) { return ssh.Dial("tcp", addr, config) },
		attempts: 3,
		delay:    10 * time.Second,
	}, nil
}

func (h *sshHost) addr() string {
	port := h.cfg.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.cfg.Host, strconv.Itoa(port))
}

func authMethods(cfg types.Syncer) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod

	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}

		var signer ssh.Signer
		if cfg.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
		auth = append(auth, ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = cfg.Password
			}
			return answers, nil
		}))
	}

	if len(auth) == 0 {
		return nil, errors.New("no authentication methods configured")
	}
	return auth, nil
}

func (h *sshHost) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := authMethods(h.cfg)
	if err != nil {
		return nil, err
	}
	user := h.cfg.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}, nil
}

func (h *sshHost) Startup(ctx context.Context) (string, error) {
	config, err := h.clientConfig()
	if err != nil {
		return "", fmt.Errorf("Startup: %w", err)
	}

	for attempt := 1; ; attempt++ {
		h.client, err = h.dial(h.addr(), config)
		if err == nil {
			break
		}
		if attempt >= h.attempts {
			return "", fmt.Errorf("Startup: failed to dial %s: %w", h.addr(), err)
		}
		syslog.L.Warn().WithMessage("failed to connect, retrying").WithField("host", h.addr()).WithField("attempt", attempt).Write()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-h.clock.After(h.delay):
		}
	}

	id := config.User + "@" + h.addr()
	syslog.L.Info().WithMessage("connected to sync host").WithField("instance", id).Write()
	return id, nil
}

// execute runs cmd with stdin and returns its combined output.
func (h *sshHost) execute(cmd string, stdin io.Reader) (string, error) {
	if h.client == nil {
		return "", ErrNoInstance
	}

	session, err := h.client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	session.Stdin = stdin
	output, err := session.CombinedOutput(cmd)
	return string(output), err
}

func (h *sshHost) Setup(_ context.Context, rcloneConfig string) error {
	if h.client == nil {
		return fmt.Errorf("Setup: %w", ErrNoInstance)
	}
	h.configPath = rcloneConfig

	check := "command -v " + shellquote.Join(h.tool) + " || (curl -fsSL https://rclone.org/install.sh | sudo bash)"
	if out, err := h.execute(check, nil); err != nil {
		return fmt.Errorf("Setup: failed installing rclone: %w: %s", err, strings.TrimSpace(out))
	}

	f, err := os.Open(rcloneConfig)
	if err != nil {
		return fmt.Errorf("Setup: %w", err)
	}
	defer f.Close()

	upload := "mkdir -p .config/rclone && cat > " + sshRcloneConfig
	if out, err := h.execute(upload, f); err != nil {
		return fmt.Errorf("Setup: failed copying rclone config: %w: %s", err, strings.TrimSpace(out))
	}

	syslog.L.Info().WithMessage("installed rclone and copied rclone.conf to host").WithField("host", h.addr()).Write()
	return nil
}

// remoteCommand renders the rclone command line run on the host.
func (h *sshHost) remoteCommand(args []string) string {
	argv := append([]string{h.tool}, args...)
	argv = append(argv, "--config="+sshRcloneConfig)
	return shellquote.Join(argv...)
}

func (h *sshHost) Sync(ctx context.Context, args []string, onLine func(string) bool) (int, error) {
	if h.client == nil {
		return -1, fmt.Errorf("Sync: %w", ErrNoInstance)
	}

	session, err := h.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("Sync: %w", err)
	}
	defer session.Close()

	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	cmd := h.remoteCommand(args)
	syslog.L.Info().WithMessage("starting sync on host").WithField("host", h.addr()).WithField("command", cmd).Write()
	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("Sync: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := session.Wait()
		_ = pw.Close()
		waitErr <- err
	}()

	var killOnce sync.Once
	kill := func() {
		killOnce.Do(func() {
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		})
	}

	stop := context.AfterFunc(ctx, kill)
	defer stop()

	killed := false
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		syslog.L.Info().WithMessage(line).Write()
		if onLine != nil && onLine(line) {
			killed = true
			kill()
			break
		}
	}
	_ = pr.Close()

	err = <-waitErr
	syslog.L.Info().WithMessage("finished syncing on host").WithField("host", h.addr()).Write()
	h.copyConfigBack()

	if killed {
		return -1, nil
	}
	return exitCode(err)
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, err
}

func (h *sshHost) copyConfigBack() {
	if h.configPath == "" {
		return
	}
	out, err := h.execute("cat "+sshRcloneConfig, nil)
	if err := writeConfig(h.configPath, out, err == nil); err != nil {
		syslog.L.Error(err).WithMessage("unexpected response while copying rclone config from host").WithField("host", h.addr()).Write()
		return
	}
	syslog.L.Info().WithMessage("copied rclone.conf from host").WithField("host", h.addr()).Write()
}

func (h *sshHost) Destroy(context.Context) error {
	if h.client == nil {
		return fmt.Errorf("Destroy: %w", ErrNoInstance)
	}
	err := h.client.Close()
	h.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("Destroy: %w", err)
	}
	return nil
}
