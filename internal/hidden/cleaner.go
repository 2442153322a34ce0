package hidden

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/l3uddz/cloudplow/internal/diskutil"
	"github.com/l3uddz/cloudplow/internal/lock"
	"github.com/l3uddz/cloudplow/internal/notify"
	"github.com/l3uddz/cloudplow/internal/process"
	"github.com/l3uddz/cloudplow/internal/rclone"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syslog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Exec runs a command to completion and returns its combined output.
type Exec func(ctx context.Context, argv []string) (string, bool)

// Cleaner mirrors union-fs whiteout markers (*_HIDDEN~) to the remotes by deleting the
// hidden paths there, then removes the markers locally.
type Cleaner struct {
	Folders map[string]types.Hidden
	Remotes map[string]types.Remote
	Builder rclone.Builder
	DryRun  bool

	Lock     *lock.Lock
	Notifier notify.Notifier
	Exec     Exec

	// deletes per second across all workers
	Rate rate.Limit
}

func New(cfg *types.Config, builder rclone.Builder, l *lock.Lock, notifier notify.Notifier) *Cleaner {
	return &Cleaner{
		Folders:  cfg.Hidden,
		Remotes:  cfg.Remotes,
		Builder:  builder,
		DryRun:   cfg.Core.DryRun,
		Lock:     l,
		Notifier: notifier,
		Exec:     process.Popen,
		Rate:     rate.Limit(8),
	}
}

// Report counts the outcome of cleaning one remote.
type Report struct {
	Remote  string
	Deleted int
	Failed  int
}

// Run cleans every configured hidden folder under the hidden lock.
func (c *Cleaner) Run(ctx context.Context) error {
	if err := c.Lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Lock.Release() }()

	start := time.Now()
	syslog.L.Info().WithMessage("starting hidden cleaning").Write()

	folders := make([]string, 0, len(c.Folders))
	for folder := range c.Folders {
		folders = append(folders, folder)
	}
	slices.Sort(folders)

	for _, folder := range folders {
		if err := c.cleanFolder(ctx, folder, c.Folders[folder]); err != nil {
			syslog.L.Error(err).WithMessage("exception occurred while cleaning hiddens").WithField("folder", folder).Write()
		}
	}

	syslog.L.Info().WithMessage("finished hidden cleaning").WithField("took", time.Since(start).Round(time.Millisecond).String()).Write()
	return nil
}

func (c *Cleaner) cleanFolder(ctx context.Context, folder string, cfg types.Hidden) error {
	files, dirs, err := diskutil.FindItems(folder, constants.HiddenSuffix)
	if err != nil {
		return err
	}
	syslog.L.Info().
		WithMessage(fmt.Sprintf("found %d hidden files and %d hidden folders", len(files), len(dirs))).
		WithField("folder", folder).
		Write()

	for _, name := range cfg.HiddenRemotes {
		remote, ok := c.Remotes[name]
		if !ok {
			syslog.L.Error(nil).WithMessage("hidden remote is not configured").WithField("remote", name).Write()
			continue
		}

		report := c.CleanRemote(ctx, folder, name, remote, files, dirs)
		if report.Deleted > 0 || report.Failed > 0 {
			c.Notifier.Send(ctx, fmt.Sprintf("Cleaned %d hidden(s) with %d failure(s) from remote: %s", report.Deleted, report.Failed, name))
		}
	}

	if c.DryRun {
		return nil
	}

	if removed := diskutil.Delete(files); removed > 0 {
		syslog.L.Info().WithMessage(fmt.Sprintf("removed %d local hidden file(s) from disk", removed)).Write()
	}
	if removed := diskutil.Delete(dirs); removed > 0 {
		syslog.L.Info().WithMessage(fmt.Sprintf("removed %d local hidden folder(s) from disk", removed)).Write()
	}
	if err := diskutil.PruneEmptyDirs(folder, 1); err != nil {
		return err
	}
	syslog.L.Info().WithMessage("removed empty directories").WithField("folder", folder).Write()
	return nil
}

// RemotePath maps a local hidden marker to the path it hides on the remote.
func RemotePath(folder string, remote types.Remote, hiddenPath string) (string, bool) {
	if !strings.HasPrefix(hiddenPath, folder) || remote.HiddenRemote == "" {
		return "", false
	}
	rel := strings.TrimPrefix(hiddenPath, folder)
	return remote.HiddenRemote + strings.TrimSuffix(rel, constants.HiddenSuffix), true
}

// CleanRemote deletes hidden files through a bounded worker pool, then hidden folders one
// at a time.
func (c *Cleaner) CleanRemote(ctx context.Context, folder, name string, remote types.Remote, files, dirs []string) Report {
	report := Report{Remote: name}
	var deleted, failed atomic.Int64

	if len(files) > 0 {
		syslog.L.Info().WithMessage(fmt.Sprintf("cleaning %d hidden file(s) from remote", len(files))).WithField("remote", name).Write()

		limiter := rate.NewLimiter(c.Rate, constants.HiddenDeleteWorkers)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(constants.HiddenDeleteWorkers)

		for _, file := range files {
			remoteFile, ok := RemotePath(folder, remote, file)
			if !ok {
				syslog.L.Error(nil).WithMessage("failed mapping file to a remote file").WithField("path", file).Write()
				failed.Add(1)
				continue
			}

			g.Go(func() error {
				if err := limiter.Wait(gctx); err != nil {
					failed.Add(1)
					return nil
				}
				out, ok := c.Exec(gctx, c.Builder.Delete(remoteFile))
				if !ok || strings.Contains(out, "Failed to delete") {
					syslog.L.Error(nil).WithMessage("failed removing file").WithField("path", remoteFile).Write()
					failed.Add(1)
					return nil
				}
				syslog.L.Info().WithMessage("removed file").WithField("path", remoteFile).Write()
				deleted.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}

	if len(dirs) > 0 {
		syslog.L.Info().WithMessage(fmt.Sprintf("cleaning %d hidden folder(s) from remote", len(dirs))).WithField("remote", name).Write()
	}
	for _, dir := range dirs {
		remoteDir, ok := RemotePath(folder, remote, dir)
		if ok {
			out, ran := c.Exec(ctx, c.Builder.Rmdir(remoteDir))
			ok = ran && !strings.Contains(out, "Failed to rmdir")
		}
		if !ok {
			syslog.L.Error(nil).WithMessage("failed removing folder").WithField("path", dir).Write()
			failed.Add(1)
			continue
		}
		syslog.L.Info().WithMessage("removed folder").WithField("path", remoteDir).Write()
		deleted.Add(1)
	}

	report.Deleted = int(deleted.Load())
	report.Failed = int(failed.Load())
	if len(files) > 0 || len(dirs) > 0 {
		syslog.L.Info().
			WithMessage(fmt.Sprintf("%d items were deleted, %d items failed to delete", report.Deleted, report.Failed)).
			WithField("remote", name).
			Write()
	}
	return report
}
