package syncer

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/notify"
	"github.com/l3uddz/cloudplow/internal/rclone"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

type Suspensions interface {
	Suspended(ctx context.Context, subject string) (bool, error)
	SuspendFor(subject string, d time.Duration) (time.Time, error)
	Lift(subject string) (bool, error)
}

type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Orchestrator provisions an instance per syncer, syncs through it and tears it down.
type Orchestrator struct {
	cfg         *types.Config
	deps        Deps
	suspensions Suspensions
	lock        Locker
	notifier    notify.Notifier
	clock       clockwork.Clock

	// NewService is swapped in tests.
	NewService func(name string, cfg types.Syncer, deps Deps) (Service, error)
}

func New(cfg *types.Config, deps Deps, suspensions Suspensions, lock Locker, notifier notify.Notifier) *Orchestrator {
	deps.Core = cfg.Core
	deps = deps.withDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Orchestrator{
		cfg:         cfg,
		deps:        deps,
		suspensions: suspensions,
		lock:        lock,
		notifier:    notifier,
		clock:       deps.Clock,
		NewService:  NewService,
	}
}

func (o *Orchestrator) Names() []string {
	names := make([]string, 0, len(o.cfg.Syncer))
	for name := range o.cfg.Syncer {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Tick is the scheduled run of one syncer.
func (o *Orchestrator) Tick(ctx context.Context, name string) error {
	syslog.L.Info().WithMessage("scheduled sync triggered").WithField("syncer", name).Write()

	suspended, err := o.suspensions.Suspended(ctx, name)
	if err != nil {
		return fmt.Errorf("Tick: error checking suspension of %s: %w", name, err)
	}
	if suspended {
		return nil
	}
	return o.Sync(ctx, name)
}

// Sync runs every syncer, or only the named one, under the sync lock.
func (o *Orchestrator) Sync(ctx context.Context, only string) error {
	if err := o.lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := o.lock.Release(); err != nil {
			syslog.L.Error(err).WithMessage("failed to release sync lock").Write()
		}
	}()

	start := o.clock.Now()
	syslog.L.Info().WithMessage("starting sync").Write()

	for _, name := range o.Names() {
		if only != "" && name != only {
			continue
		}
		if err := o.syncOne(ctx, name, o.cfg.Syncer[name]); err != nil {
			syslog.L.Error(err).WithMessage("exception occurred while syncing").WithField("syncer", name).Write()
		}
	}

	syslog.L.Info().WithMessage("finished sync").WithField("took", o.clock.Since(start).Round(time.Millisecond).String()).Write()
	return nil
}

func lifecycle(cfg types.Syncer) (created, verb, past string) {
	if cfg.InstanceDestroy {
		return "new", "destroy", "destroyed"
	}
	return "existing", "stop", "stopped"
}

func (o *Orchestrator) syncOne(ctx context.Context, name string, cfg types.Syncer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			syslog.L.Error(err).WithField("stack", string(debug.Stack())).Write()
		}
	}()

	from, ok := o.cfg.Remotes[cfg.SyncFrom]
	if !ok {
		return fmt.Errorf("unknown sync_from remote %s", cfg.SyncFrom)
	}
	to, ok := o.cfg.Remotes[cfg.SyncTo]
	if !ok {
		return fmt.Errorf("unknown sync_to remote %s", cfg.SyncTo)
	}

	svc, err := o.NewService(name, cfg, o.deps)
	if err != nil {
		return err
	}

	remote := !IsLocal(cfg)
	created, verb, _ := lifecycle(cfg)

	if remote {
		action := "Starting"
		if cfg.InstanceDestroy {
			action = "Creating"
		}
		o.notifier.Send(ctx, fmt.Sprintf("Sync initiated for syncer: %s. %s %s instance...", name, action, cfg.Service))
	}

	instanceID, err := svc.Startup(ctx)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to startup instance").WithField("syncer", name).Write()
		o.notifier.Send(ctx, fmt.Sprintf("Syncer: %s failed to startup a %s instance. Manually check no instances are still running!", name, created))
		return nil
	}

	if err := svc.Setup(ctx, o.cfg.Core.RcloneConfigPath); err != nil {
		syslog.L.Error(err).WithMessage("failed to setup instance").WithField("syncer", name).WithField("instance", instanceID).Write()
		o.notifier.Send(ctx, fmt.Sprintf("Syncer: %s failed to setup a %s instance. Manually check no instances are still running!", name, created))
		if err := svc.Destroy(ctx); err != nil {
			syslog.L.Error(err).WithMessage("failed to " + verb + " instance after setup failure").WithField("instance", instanceID).Write()
		}
		return nil
	}

	defer o.teardown(context.WithoutCancel(ctx), name, cfg, svc, instanceID)

	o.notifier.Send(ctx, "Sync has begun for syncer: "+name)

	tracker := rclone.NewTracker(o.clock, from.RcloneSleeps, to.RcloneSleeps)
	args := rclone.SyncArgs(from, to, cfg.RcloneExtras, cfg.UseCopy, o.cfg.Core.DryRun)
	res := rclone.Transfer(ctx, svc.Sync, args, tracker)
	o.classify(ctx, name, res)
	return nil
}

// teardown destroys or stops the instance once setup succeeded, even when the sync panicked.
func (o *Orchestrator) teardown(ctx context.Context, name string, cfg types.Syncer, svc Service, instanceID string) {
	remote := !IsLocal(cfg)
	_, verb, past := lifecycle(cfg)

	if err := svc.Destroy(ctx); err != nil {
		syslog.L.Error(err).WithMessage("failed to " + verb + " instance").WithField("instance", instanceID).Write()
		if remote {
			o.notifier.Send(ctx, fmt.Sprintf("Syncer: %s failed to %s its instance: %s. Manually check no instances are still running!", name, verb, instanceID))
		}
	} else if remote {
		o.notifier.Send(ctx, fmt.Sprintf("Syncer: %s has %s its %s instance", name, past, cfg.Service))
	}
}

func (o *Orchestrator) classify(ctx context.Context, name string, res rclone.Result) {
	switch {
	case res.Aborted():
		hours := fmt.Sprintf("%g", res.Delay.Hours())
		syslog.L.Info().
			WithMessage(fmt.Sprintf("sync aborted due to trigger: %s being met, %s will continue automatic syncing normally in %s hours", res.Trigger, name, hours)).
			Write()
		if _, err := o.suspensions.SuspendFor(name, res.Delay); err != nil {
			syslog.L.Error(err).WithMessage("failed to suspend syncer").WithField("syncer", name).Write()
		}
		o.notifier.Send(ctx, fmt.Sprintf("Sync was aborted for syncer: %s due to trigger %s. Syncs suspended for %s hours", name, res.Trigger, hours))

	case res.Clean():
		syslog.L.Info().WithMessage("syncing completed successfully for syncer: " + name).Write()
		o.notifier.Send(ctx, "Sync was completed successfully for syncer: "+name)
		if _, err := o.suspensions.Lift(name); err != nil {
			syslog.L.Error(err).WithMessage("failed to lift syncer suspension").WithField("syncer", name).Write()
		}

	default:
		syslog.L.Error(res.Err).WithMessage("sync unexpectedly failed for syncer: "+name).WithField("exit_code", res.ExitCode).Write()
		o.notifier.Send(ctx, fmt.Sprintf("Sync failed unexpectedly for syncer: %s. Manually check no instances are still running!", name))
	}
}
