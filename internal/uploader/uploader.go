package uploader

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/config"
	"github.com/l3uddz/cloudplow/internal/diskutil"
	"github.com/l3uddz/cloudplow/internal/downloader"
	"github.com/l3uddz/cloudplow/internal/notify"
	"github.com/l3uddz/cloudplow/internal/rclone"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// Suspensions is the uploader namespace of the suspension store.
type Suspensions interface {
	Suspended(ctx context.Context, subject string) (bool, error)
	Suspend(subject string, until time.Time) error
	SuspendFor(subject string, d time.Duration) (time.Time, error)
	Lift(subject string) (bool, error)
}

// Accounts is the service-account pool of every uploader.
type Accounts interface {
	Discover(uploader, dir string) (bool, error)
	HasPool(uploader string) (bool, error)
	Available(uploader string) ([]string, error)
	MarkBanned(uploader, account string, until time.Time) error
	MarkAvailable(uploader, account string) error
	ExpireStale(uploader string) error
	LowestRemaining(uploader string) (time.Time, bool, error)
}

type Locker interface {
	Acquire(ctx context.Context) error
	Release() error
}

type Cleaner interface {
	Run(ctx context.Context) error
}

// Throttler is started before each throttle-eligible upload.
type Throttler interface {
	Start(ctx context.Context) bool
}

// Options carries the collaborators of an Orchestrator. Unset filesystem helpers default
// to the diskutil implementations.
type Options struct {
	Builder     rclone.Builder
	Runner      rclone.Runner
	Suspensions Suspensions
	Accounts    Accounts
	Lock        Locker
	Hidden      Cleaner
	Throttle    Throttler
	Pausers     []downloader.Pauser
	Notifier    notify.Notifier
	Clock       clockwork.Clock

	SizeOf         func(root string, excludes []string) (int, error)
	OpenFiles      func(ctx context.Context, root string) ([]string, error)
	PruneEmptyDirs func(root string, minDepth int) error
}

// Orchestrator decides when each uploader runs and drives its account rotation.
type Orchestrator struct {
	cfg *types.Config
	Options
}

func New(cfg *types.Config, opts Options) *Orchestrator {
	if opts.Runner == nil {
		opts.Runner = rclone.ExecRunner
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SizeOf == nil {
		opts.SizeOf = diskutil.SizeOf
	}
	if opts.OpenFiles == nil {
		opts.OpenFiles = diskutil.OpenFiles
	}
	if opts.PruneEmptyDirs == nil {
		opts.PruneEmptyDirs = diskutil.PruneEmptyDirs
	}
	return &Orchestrator{cfg: cfg, Options: opts}
}

// Names returns the configured uploaders in a stable order.
func (o *Orchestrator) Names() []string {
	names := make([]string, 0, len(o.cfg.Uploader))
	for name := range o.cfg.Uploader {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DiscoverAccounts rescans the service-account folder of every uploader. Growth of a pool
// lifts that uploader's suspension.
func (o *Orchestrator) DiscoverAccounts() {
	syslog.L.Debug().WithMessage("start initializing of service accounts").Write()
	for _, name := range o.Names() {
		o.Discover(name)
	}
	syslog.L.Debug().WithMessage("finished initializing of service accounts").Write()
}

// Discover rescans the service-account folder of one uploader.
func (o *Orchestrator) Discover(name string) {
	dir := o.cfg.Uploader[name].ServiceAccountPath
	if dir == "" {
		return
	}
	grew, err := o.Accounts.Discover(name, dir)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to discover service accounts").WithField("uploader", name).Write()
		return
	}
	if !grew {
		return
	}
	syslog.L.Debug().WithMessage("additional service accounts were added, lifting any current bans").WithField("uploader", name).Write()
	if _, err := o.Suspensions.Lift(name); err != nil {
		syslog.L.Error(err).WithMessage("failed to lift suspension").WithField("uploader", name).Write()
	}
}

// Tick is the scheduled check of one uploader.
func (o *Orchestrator) Tick(ctx context.Context, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing uploader %s: %v", name, r)
			syslog.L.Error(err).WithField("stack", string(debug.Stack())).Write()
		}
	}()

	syslog.L.Debug().WithMessage("scheduled disk check triggered").WithField("uploader", name).Write()

	u, ok := o.cfg.Uploader[name]
	if !ok {
		return fmt.Errorf("Tick: unknown uploader %s", name)
	}
	remote := o.cfg.Remotes[name]

	suspended, err := o.Suspensions.Suspended(ctx, name)
	if err != nil {
		return fmt.Errorf("Tick: error checking suspension of %s: %w", name, err)
	}
	if suspended {
		return nil
	}

	if err := o.Accounts.ExpireStale(name); err != nil {
		syslog.L.Error(err).WithMessage("exception checking suspended service accounts").WithField("uploader", name).Write()
	}

	used, err := o.SizeOf(remote.UploadFolder, u.SizeExcludes)
	if err != nil {
		return fmt.Errorf("Tick: error sizing %s: %w", remote.UploadFolder, err)
	}

	if used < u.MaxSizeGB {
		syslog.L.Info().
			WithMessage(fmt.Sprintf("Uploader: %s. Local folder size is currently %d GB. Still have %d GB remaining before its eligible to begin uploading...", name, used, u.MaxSizeGB-used)).
			Write()
		return nil
	}

	syslog.L.Info().
		WithMessage(fmt.Sprintf("Uploader: %s. Local folder size is currently %d GB over the maximum limit of %d GB", name, used-u.MaxSizeGB, u.MaxSizeGB)).
		Write()

	if !o.allowedNow(name, u.Schedule) {
		return nil
	}

	if o.Hidden != nil {
		if err := o.Hidden.Run(ctx); err != nil {
			syslog.L.Error(err).WithMessage("hidden cleaning failed").Write()
		}
	}

	return o.Upload(ctx, name)
}

func (o *Orchestrator) allowedNow(name string, schedule types.Schedule) bool {
	if !schedule.Enabled {
		return true
	}
	from, err := config.ParseClock(schedule.AllowedFrom)
	if err != nil {
		syslog.L.Error(err).WithMessage("invalid schedule").WithField("uploader", name).Write()
		return false
	}
	until, err := config.ParseClock(schedule.AllowedUntil)
	if err != nil {
		syslog.L.Error(err).WithMessage("invalid schedule").WithField("uploader", name).Write()
		return false
	}

	now := o.Clock.Now()
	if config.Within(config.ClockOf(now), from, until) {
		return true
	}
	syslog.L.Info().
		WithMessage(fmt.Sprintf("Uploader: %s. The current time %s is not within the allowed upload time periods %s -> %s",
			name, now.Format("15:04"), schedule.AllowedFrom, schedule.AllowedUntil)).
		Write()
	return false
}

// Upload runs every uploader, or only the named one, under the upload lock.
func (o *Orchestrator) Upload(ctx context.Context, only string) error {
	if err := o.Lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := o.Lock.Release(); err != nil {
			syslog.L.Error(err).WithMessage("failed to release upload lock").Write()
		}
	}()

	start := o.Clock.Now()
	syslog.L.Info().WithMessage("starting upload").Write()

	for _, name := range o.Names() {
		if only != "" && name != only {
			continue
		}
		o.Discover(name)
		if err := o.uploadOne(ctx, name); err != nil {
			syslog.L.Error(err).WithMessage("exception occurred while uploading").WithField("uploader", name).Write()
			o.Notifier.Send(ctx, "Exception occurred while uploading: "+err.Error())
		}
	}

	syslog.L.Info().WithMessage("finished upload").WithField("took", o.Clock.Since(start).Round(time.Millisecond).String()).Write()
	return nil
}

func (o *Orchestrator) uploadOne(ctx context.Context, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			syslog.L.Error(err).WithField("stack", string(debug.Stack())).Write()
		}
	}()

	u := o.cfg.Uploader[name]
	remote, ok := o.cfg.Remotes[name]
	if !ok {
		return fmt.Errorf("no remote configured for uploader %s", name)
	}

	used, err := o.SizeOf(remote.UploadFolder, u.SizeExcludes)
	if err != nil {
		syslog.L.Warn().WithMessage("failed to size upload folder").WithField("folder", remote.UploadFolder).Write()
	}
	o.Notifier.Send(ctx, fmt.Sprintf("Upload of %d GB has begun for remote: %s", used, name))

	if o.Throttle != nil {
		if u.Throttleable() {
			o.Throttle.Start(ctx)
		} else {
			syslog.L.Debug().WithMessage("skipping check for plex streams due to throttling disabled").WithField("uploader", name).Write()
		}
	}

	paused := downloader.PauseAll(ctx, o.Pausers)
	resume := sync.OnceFunc(func() { downloader.ResumeAll(ctx, paused) })
	defer resume()

	excludes := o.openExcludes(ctx, name, u, remote)
	if err := o.transfer(ctx, name, remote, excludes); err != nil {
		syslog.L.Error(err).WithMessage("upload transfer loop failed").WithField("uploader", name).Write()
	}

	if !o.cfg.Core.DryRun {
		if err := o.PruneEmptyDirs(remote.UploadFolder, remote.RemoveEmptyDirDepth); err != nil {
			syslog.L.Error(err).WithMessage("failed removing empty directories").WithField("folder", remote.UploadFolder).Write()
		} else {
			syslog.L.Info().
				WithMessage(fmt.Sprintf("removed empty directories from '%s' with mindepth: %d", remote.UploadFolder, remote.RemoveEmptyDirDepth)).
				Write()
		}
	}

	resume()
	o.move(ctx, name, u.Mover)
	return nil
}

// openExcludes lists files currently open inside the upload folder, relative to it, so
// rclone leaves them alone. Paths matching opened_excludes are not excluded.
func (o *Orchestrator) openExcludes(ctx context.Context, name string, u types.Uploader, remote types.Remote) []string {
	if !u.ExcludeOpenFiles {
		return nil
	}

	files, err := o.OpenFiles(ctx, remote.UploadFolder)
	if err != nil {
		syslog.L.Warn().WithMessage("failed to list open files, uploading without excluding them").WithField("uploader", name).Write()
		return nil
	}

	root := filepath.Clean(remote.UploadFolder)
	var excludes []string
	for _, file := range files {
		if openedExcluded(file, u.OpenedExcludes) {
			continue
		}
		rel := strings.TrimPrefix(file, root)
		if !strings.HasPrefix(rel, "/") {
			rel = "/" + rel
		}
		excludes = append(excludes, rel)
	}

	if len(excludes) > 0 {
		syslog.L.Info().WithMessage(fmt.Sprintf("excluding %d open file(s) from upload", len(excludes))).WithField("uploader", name).Write()
	}
	return excludes
}

func openedExcluded(file string, patterns []string) bool {
	lower := strings.ToLower(file)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) attempt(ctx context.Context, name string, remote types.Remote, account string, excludes []string) rclone.Result {
	argv := o.Builder.Upload(remote, account, excludes)

	entry := syslog.L.Info().WithMessage(fmt.Sprintf("uploading '%s' to remote: %s", remote.UploadFolder, name))
	if account != "" {
		entry = entry.WithField("service_account", account)
	}
	entry.Write()

	tracker := rclone.NewTracker(o.Clock, remote.RcloneSleeps)
	res := rclone.Transfer(ctx, o.Runner, argv, tracker)

	syslog.L.Info().WithMessage("finished uploading to remote: " + name).WithField("exit_code", res.ExitCode).Write()
	return res
}

func hours(d time.Duration) string {
	return fmt.Sprintf("%g", d.Hours())
}

func (o *Orchestrator) transfer(ctx context.Context, name string, remote types.Remote, excludes []string) error {
	hasPool, err := o.Accounts.HasPool(name)
	if err != nil {
		return err
	}
	if !hasPool {
		return o.transferSingle(ctx, name, remote, excludes)
	}

	available, err := o.Accounts.Available(name)
	if err != nil {
		return err
	}
	syslog.L.Info().WithMessage(fmt.Sprintf("there is %d available service accounts", len(available))).WithField("uploader", name).Write()

	if len(available) == 0 {
		syslog.L.Info().WithMessage("upload aborted due to the fact that no service accounts are currently unbanned and available to use for remote " + name).Write()
		_, err := o.suspendToLowest(name)
		return err
	}

	for i, account := range available {
		res := o.attempt(ctx, name, remote, account, excludes)

		switch {
		case res.Aborted():
			until := o.Clock.Now().Add(res.Delay)
			if err := o.Accounts.MarkBanned(name, account, until); err != nil {
				return err
			}
			if i < len(available)-1 {
				syslog.L.Info().
					WithMessage(fmt.Sprintf("upload aborted due to trigger: %s being met, %s is cycling to service_account file: %s", res.Trigger, name, available[i+1])).
					Write()
				continue
			}

			if err := o.Accounts.ExpireStale(name); err != nil {
				return err
			}
			suspended, err := o.suspendToLowest(name)
			if err != nil || !suspended {
				return err
			}
			syslog.L.Info().
				WithMessage(fmt.Sprintf("upload aborted due to trigger: %s being met, %s will continue automatic uploading normally in %s hours", res.Trigger, name, hours(res.Delay))).
				Write()
			o.Notifier.Send(ctx, fmt.Sprintf("Upload was aborted for remote: %s due to trigger %s. Uploads suspended for %s hours", name, res.Trigger, hours(res.Delay)))
			return nil

		case res.Clean():
			o.Notifier.Send(ctx, "Upload was completed successfully for remote: "+name)
			return o.Accounts.MarkAvailable(name, account)

		default:
			o.unexpected(ctx, name, res)
			return nil
		}
	}
	return nil
}

// suspendToLowest suspends the uploader until its first account ban runs out.
func (o *Orchestrator) suspendToLowest(name string) (bool, error) {
	lowest, found, err := o.Accounts.LowestRemaining(name)
	if err != nil || !found {
		return false, err
	}
	syslog.L.Info().WithMessage("lowest remaining time till unban is " + lowest.Format(time.DateTime)).WithField("uploader", name).Write()
	return true, o.Suspensions.Suspend(name, lowest)
}

func (o *Orchestrator) transferSingle(ctx context.Context, name string, remote types.Remote, excludes []string) error {
	res := o.attempt(ctx, name, remote, "", excludes)

	switch {
	case res.Aborted():
		syslog.L.Info().
			WithMessage(fmt.Sprintf("upload aborted due to trigger: %s being met, %s will continue automatic uploading normally in %s hours", res.Trigger, name, hours(res.Delay))).
			Write()
		if _, err := o.Suspensions.SuspendFor(name, res.Delay); err != nil {
			return err
		}
		o.Notifier.Send(ctx, fmt.Sprintf("Upload was aborted for remote: %s due to trigger %s. Uploads suspended for %s hours", name, res.Trigger, hours(res.Delay)))

	case res.Clean():
		syslog.L.Info().WithMessage("upload completed successfully for uploader: " + name).Write()
		o.Notifier.Send(ctx, "Upload was completed successfully for remote: "+name)
		if _, err := o.Suspensions.Lift(name); err != nil {
			return err
		}

	default:
		o.unexpected(ctx, name, res)
	}
	return nil
}

func (o *Orchestrator) unexpected(ctx context.Context, name string, res rclone.Result) {
	syslog.L.Error(res.Err).
		WithMessage("upload failed unexpectedly, manually check no rclone process is still running").
		WithFields(map[string]any{"uploader": name, "exit_code": res.ExitCode}).
		Write()
	o.Notifier.Send(ctx, fmt.Sprintf("Upload failed unexpectedly for remote: %s. Manually check no rclone process is still running!", name))
}

func (o *Orchestrator) move(ctx context.Context, name string, mover *types.Mover) {
	if mover == nil || !mover.Enabled {
		return
	}

	required := map[string]string{
		"move_from_remote": mover.MoveFromRemote,
		"move_to_remote":   mover.MoveToRemote,
	}
	for _, setting := range []string{"move_from_remote", "move_to_remote"} {
		if required[setting] == "" {
			syslog.L.Error(nil).
				WithMessage(fmt.Sprintf("unable to act on '%s' mover because there was no '%s' setting in the mover configuration", name, setting)).
				Write()
			return
		}
	}

	route := mover.MoveFromRemote + " -> " + mover.MoveToRemote
	syslog.L.Info().WithMessage("move starting from " + route).Write()
	o.Notifier.Send(ctx, "Move has started for "+route)

	code, err := o.Runner(ctx, o.Builder.Move(*mover), nil)
	if err != nil || code != 0 {
		syslog.L.Error(err).WithMessage("move failed from " + route).WithField("exit_code", code).Write()
		o.Notifier.Send(ctx, "Move failed for "+route)
		return
	}

	syslog.L.Info().WithMessage("move completed successfully from " + route).Write()
	o.Notifier.Send(ctx, "Move finished successfully for "+route)
}
