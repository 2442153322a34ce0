package syncer

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kballard/go-shellquote"
	"github.com/l3uddz/cloudplow/internal/process"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

const (
	defaultScalewayRegion = "par1"
	defaultScalewayType   = "X64-2GB"
	defaultScalewayImage  = "ubuntu-jammy"
)

// scaleway drives a Scaleway instance through the scw cli.
type scaleway struct {
	name     string
	tool     string
	region   string
	kind     string
	image    string
	instance string
	destroy  bool

	popen func(ctx context.Context, argv []string) (string, bool)
	run   func(ctx context.Context, argv []string, onLine func(string) bool) (int, error)
	clock clockwork.Clock

	attempts int
	delay    time.Duration

	instanceID string
	configPath string
}

func newScaleway(name string, cfg types.Syncer, deps Deps) (Service, error) {
	s := &scaleway{
		name:     name,
		tool:     cfg.ToolPath,
		region:   cfg.Region,
		kind:     cfg.InstanceType,
		image:    cfg.Image,
		instance: cfg.InstanceName,
		destroy:  cfg.InstanceDestroy,
		popen:    deps.Popen,
		run:      deps.Runner,
		clock:    deps.Clock,
		attempts: constants.InstanceReadyAttempts,
		delay:    constants.InstanceReadyDelay,
	}
	if s.tool == "" {
		s.tool = "scw"
	}
	if s.region == "" {
		s.region = defaultScalewayRegion
	}
	if s.kind == "" {
		s.kind = defaultScalewayType
	}
	if s.image == "" {
		s.image = defaultScalewayImage
	}
	if s.instance == "" {
		s.instance = name
	}
	if !s.destroy && cfg.InstanceName == "" {
		syslog.L.Warn().WithMessage("no instance_name set for a reusable instance, using the syncer name").WithField("syncer", name).Write()
	}

	syslog.L.Info().
		WithMessage("initialized scaleway syncer agent").
		WithFields(map[string]any{"syncer": name, "region": s.region, "type": s.kind, "image": s.image}).
		Write()
	return s, nil
}

func (s *scaleway) scw(args ...string) []string {
	return append([]string{s.tool, "--region=" + s.region}, args...)
}

// call runs a scw command to completion and fails on a non-zero exit status.
func (s *scaleway) call(ctx context.Context, args ...string) (string, error) {
	argv := s.scw(args...)
	syslog.L.Debug().WithMessage("using: " + process.Quote(argv)).Write()

	var lines []string
	code, err := s.run(ctx, argv, func(line string) bool {
		lines = append(lines, line)
		return false
	})
	out := strings.Join(lines, "\n")
	if err != nil {
		return out, fmt.Errorf("unable to run %s: %w", args[0], err)
	}
	if code != 0 {
		return out, fmt.Errorf("%s exited with status %d: %s", args[0], code, lastLine(out))
	}
	return out, nil
}

func (s *scaleway) Startup(ctx context.Context) (string, error) {
	if s.destroy {
		out, err := s.call(ctx, "run", "-d", "--ipv6", "--commercial-type="+s.kind, "--name="+s.instance, s.image)
		if err != nil {
			return "", fmt.Errorf("Startup: error creating instance: %w", err)
		}
		id := lastLine(out)
		if id == "" {
			return "", fmt.Errorf("Startup: no instance id returned")
		}
		s.instanceID = id
		syslog.L.Info().WithMessage("created new instance").WithField("instance", id).Write()
	} else {
		if _, err := s.call(ctx, "start", s.instance); err != nil {
			return "", fmt.Errorf("Startup: error starting instance %s: %w", s.instance, err)
		}
		s.instanceID = s.instance
		syslog.L.Info().WithMessage("started existing instance").WithField("instance", s.instance).Write()
	}

	if err := s.waitReady(ctx); err != nil {
		return "", err
	}
	return s.instanceID, nil
}

func (s *scaleway) waitReady(ctx context.Context) error {
	syslog.L.Info().WithMessage("waiting for instance to finish booting").WithField("instance", s.instanceID).Write()

	for attempt := 1; attempt <= s.attempts; attempt++ {
		out, ok := s.popen(ctx, s.scw("exec", s.instanceID, "uname -a"))
		if ok && strings.Contains(strings.ToLower(out), "linux") {
			syslog.L.Info().WithMessage("instance is ready").WithField("instance", s.instanceID).WithField("attempts", attempt).Write()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.delay):
		}
	}
	return fmt.Errorf("waitReady: instance %s was not ready after %d attempts", s.instanceID, s.attempts)
}

func (s *scaleway) Setup(ctx context.Context, rcloneConfig string) error {
	if s.instanceID == "" {
		return fmt.Errorf("Setup: %w", ErrNoInstance)
	}
	s.configPath = rcloneConfig

	steps := [][]string{
		{"exec", s.instanceID, "apt-get -qq update && apt-get -y -qq install unzip curl"},
		{"exec", s.instanceID, "curl -fsSL https://rclone.org/install.sh | bash"},
		{"exec", s.instanceID, "mkdir -p " + path.Dir(constants.RemoteRcloneConfig)},
		{"cp", rcloneConfig, s.instanceID + ":" + constants.RemoteRcloneConfig},
	}
	for _, step := range steps {
		if _, err := s.call(ctx, step...); err != nil {
			return fmt.Errorf("Setup: %w", err)
		}
	}

	syslog.L.Info().WithMessage("installed rclone and copied rclone.conf to instance").WithField("instance", s.instanceID).Write()
	return nil
}

func (s *scaleway) Sync(ctx context.Context, args []string, onLine func(string) bool) (int, error) {
	if s.instanceID == "" {
		return -1, fmt.Errorf("Sync: %w", ErrNoInstance)
	}

	// scw exec hands the trailing words to a remote shell as one line.
	remote := append([]string{"rclone"}, args...)
	remote = append(remote, "--config="+constants.RemoteRcloneConfig)
	argv := s.scw("exec", s.instanceID, shellquote.Join(remote...))

	syslog.L.Info().WithMessage("starting sync for instance").WithField("instance", s.instanceID).Write()
	code, err := s.run(ctx, argv, onLine)
	syslog.L.Info().WithMessage("finished syncing for instance").WithField("instance", s.instanceID).Write()

	s.copyConfigBack(ctx)
	return code, err
}

// copyConfigBack keeps tokens refreshed on the instance.
func (s *scaleway) copyConfigBack(ctx context.Context) {
	if s.configPath == "" {
		return
	}
	out, ok := s.popen(ctx, s.scw("exec", s.instanceID, "cat", constants.RemoteRcloneConfig))
	if err := writeConfig(s.configPath, out, ok); err != nil {
		syslog.L.Error(err).WithMessage("unexpected response while copying rclone config from instance").WithField("instance", s.instanceID).Write()
		return
	}
	syslog.L.Info().WithMessage("copied rclone.conf from instance").WithField("instance", s.instanceID).Write()
}

func writeConfig(dst, content string, ok bool) error {
	content = strings.TrimSpace(content)
	if !ok || !strings.HasPrefix(content, "[") {
		return fmt.Errorf("not an rclone config: %.80q", content)
	}
	return os.WriteFile(dst, []byte(content+"\n"), 0o600)
}

func (s *scaleway) Destroy(ctx context.Context) error {
	if s.instanceID == "" {
		return fmt.Errorf("Destroy: %w", ErrNoInstance)
	}

	var err error
	if s.destroy {
		_, err = s.call(ctx, "rm", "-f", s.instanceID)
	} else {
		_, err = s.call(ctx, "stop", s.instanceID)
	}
	if err != nil {
		return fmt.Errorf("Destroy: %w", err)
	}

	syslog.L.Info().WithMessage("instance torn down").WithField("instance", s.instanceID).WithField("destroyed", s.destroy).Write()
	s.instanceID = ""
	return nil
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
