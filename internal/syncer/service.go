package syncer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/process"
	"github.com/l3uddz/cloudplow/internal/rclone"
	"github.com/l3uddz/cloudplow/internal/store/types"
)

var (
	ErrUnknownService = errors.New("unknown sync service")
	ErrNoInstance     = errors.New("no instance has been started")
)

// Service provisions the place a sync runs and runs rclone there.
type Service interface {
	// Startup creates or starts an instance and returns its id once it is ready.
	Startup(ctx context.Context) (string, error)
	// Setup installs rclone on the instance and copies rcloneConfig onto it.
	Setup(ctx context.Context, rcloneConfig string) error
	// Sync runs rclone with args on the instance, streaming output to onLine.
	Sync(ctx context.Context, args []string, onLine func(string) bool) (int, error)
	// Destroy removes or stops the instance.
	Destroy(ctx context.Context) error
}

// Deps are the process helpers shared by the services.
type Deps struct {
	Core   types.Core
	Runner rclone.Runner
	Popen  func(ctx context.Context, argv []string) (string, bool)
	Clock  clockwork.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Runner == nil {
		d.Runner = rclone.ExecRunner
	}
	if d.Popen == nil {
		d.Popen = process.Popen
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return d
}

type factory func(name string, cfg types.Syncer, deps Deps) (Service, error)

var factories = map[string]factory{
	"local":    newLocal,
	"scaleway": newScaleway,
	"ssh":      newSSH,
}

// Services lists the registered service tags.
func Services() []string {
	return slices.Sorted(maps.Keys(factories))
}

// IsLocal reports whether the service runs on this host.
func IsLocal(cfg types.Syncer) bool {
	return strings.EqualFold(cfg.Service, "local")
}

// NewService builds the service selected by cfg.Service.
func NewService(name string, cfg types.Syncer, deps Deps) (Service, error) {
	f, ok := factories[strings.ToLower(cfg.Service)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, cfg.Service)
	}
	return f(name, cfg, deps.withDefaults())
}
