package syncer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// local runs rclone on this host. The instance id only tracks the lifecycle.
type local struct {
	name       string
	binary     string
	run        func(ctx context.Context, argv []string, onLine func(string) bool) (int, error)
	instanceID string
	configPath string
}

func newLocal(name string, cfg types.Syncer, deps Deps) (Service, error) {
	binary := cfg.ToolPath
	if binary == "" {
		binary = deps.Core.RcloneBinaryPath
	}
	if binary == "" {
		binary = "rclone"
	}

	syslog.L.Info().WithMessage("initialized local syncer agent").WithField("syncer", name).WithField("tool", binary).Write()
	return &local{name: name, binary: binary, run: deps.Runner}, nil
}

func (l *local) Startup(context.Context) (string, error) {
	l.instanceID = uuid.NewString()
	return l.instanceID, nil
}

func (l *local) Setup(_ context.Context, rcloneConfig string) error {
	if l.instanceID == "" {
		return fmt.Errorf("Setup: %w", ErrNoInstance)
	}
	if rcloneConfig == "" {
		return fmt.Errorf("Setup: no rclone config for %s", l.name)
	}
	l.configPath = rcloneConfig
	return nil
}

func (l *local) Sync(ctx context.Context, args []string, onLine func(string) bool) (int, error) {
	if l.instanceID == "" {
		return -1, fmt.Errorf("Sync: %w", ErrNoInstance)
	}

	argv := append([]string{l.binary}, args...)
	argv = append(argv, "--config="+l.configPath)

	syslog.L.Info().WithMessage("starting sync for instance").WithField("instance", l.instanceID).Write()
	code, err := l.run(ctx, argv, onLine)
	syslog.L.Info().WithMessage("finished syncing for instance").WithField("instance", l.instanceID).Write()
	return code, err
}

func (l *local) Destroy(context.Context) error {
	if l.instanceID == "" {
		return fmt.Errorf("Destroy: %w", ErrNoInstance)
	}
	l.instanceID = ""
	return nil
}
