package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/accounts"
	"github.com/l3uddz/cloudplow/internal/config"
	"github.com/l3uddz/cloudplow/internal/downloader"
	"github.com/l3uddz/cloudplow/internal/hidden"
	"github.com/l3uddz/cloudplow/internal/lock"
	"github.com/l3uddz/cloudplow/internal/notify"
	"github.com/l3uddz/cloudplow/internal/plex"
	"github.com/l3uddz/cloudplow/internal/rclone"
	"github.com/l3uddz/cloudplow/internal/scheduler"
	"github.com/l3uddz/cloudplow/internal/store/constants"
	"github.com/l3uddz/cloudplow/internal/store/sqlite"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/suspension"
	"github.com/l3uddz/cloudplow/internal/syncer"
	"github.com/l3uddz/cloudplow/internal/syslog"
	"github.com/l3uddz/cloudplow/internal/throttle"
	"github.com/l3uddz/cloudplow/internal/uploader"
	"github.com/spf13/cobra"
)

// errReview stops the process with exit code 0 after the config was created or upgraded.
var errReview = errors.New("config needs review")

type app struct {
	settings config.Settings
	cfg      *types.Config
	db       *sqlite.Database

	uploadLock *lock.Lock
	syncLock   *lock.Lock
	hiddenLock *lock.Lock

	notifier *notify.Manager
	hidden   *hidden.Cleaner
	uploads  *uploader.Orchestrator
	syncs    *syncer.Orchestrator
}

// setup loads settings and config, opens the suspension database and builds every
// orchestrator. The caller must call close.
func setup(cmd *cobra.Command) (*app, error) {
	settings, err := config.LoadSettings(cmd.Flags())
	if err != nil {
		return nil, err
	}

	if err := syslog.L.Configure(syslog.Options{
		File:   settings.LogFile,
		Level:  settings.LogLevel,
		Syslog: settings.Syslog,
	}); err != nil {
		return nil, err
	}

	cfg, err := config.Load(settings.Config)
	if err != nil {
		if errors.Is(err, config.ErrCreated) || errors.Is(err, config.ErrUpgraded) {
			syslog.L.Warn().WithMessage(err.Error()).WithField("path", settings.Config).Write()
			return nil, errReview
		}
		return nil, err
	}

	a := &app{settings: settings, cfg: cfg}

	a.db, err = sqlite.Initialize(settings.CacheFile)
	if err != nil {
		return nil, err
	}

	for _, l := range []struct {
		dst  **lock.Lock
		name string
	}{
		{&a.uploadLock, constants.UploadLock},
		{&a.syncLock, constants.SyncLock},
		{&a.hiddenLock, constants.HiddenLock},
	} {
		if *l.dst, err = lock.New(settings.LocksDir, l.name); err != nil {
			_ = a.close()
			return nil, err
		}
	}

	a.notifier, err = notify.New(cfg.Notifications)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	clock := clockwork.NewRealClock()
	builder := rclone.NewBuilder(cfg.Core, cfg.Plex)

	a.hidden = hidden.New(cfg, builder, a.hiddenLock, a.notifier)

	opts := uploader.Options{
		Builder:     builder,
		Suspensions: suspension.NewUploaders(a.db, clock, a.notifier),
		Accounts:    accounts.NewRotator(a.db, clock),
		Lock:        a.uploadLock,
		Hidden:      a.hidden,
		Pausers:     downloader.FromConfig(cfg.Nzbget, cfg.Sabnzbd),
		Notifier:    a.notifier,
		Clock:       clock,
	}
	if cfg.Plex.Enabled {
		opts.Throttle = throttle.New(
			cfg.Plex,
			plex.New(cfg.Plex.URL, cfg.Plex.Token),
			rclone.NewRC(cfg.Plex.Rclone.URL),
			a.uploadLock,
			a.notifier,
			clock,
		)
	}
	a.uploads = uploader.New(cfg, opts)

	a.syncs = syncer.New(
		cfg,
		syncer.Deps{Core: cfg.Core, Clock: clock},
		suspension.NewSyncers(a.db, clock, a.notifier),
		a.syncLock,
		a.notifier,
	)

	return a, nil
}

func (a *app) close() error {
	var err error
	if a.db != nil {
		err = a.db.Close()
	}
	return errors.Join(err, syslog.L.Close())
}

func (a *app) clean(ctx context.Context) error {
	return a.hidden.Run(ctx)
}

func (a *app) upload(ctx context.Context, only string) error {
	if only != "" {
		if _, ok := a.cfg.Uploader[only]; !ok {
			return fmt.Errorf("upload: no uploader named %q", only)
		}
	}

	a.uploads.DiscoverAccounts()
	if err := a.hidden.Run(ctx); err != nil {
		syslog.L.Error(err).WithMessage("hidden cleaning failed, continuing with upload").Write()
	}
	return a.uploads.Upload(ctx, only)
}

func (a *app) sync(ctx context.Context, only string) error {
	if only != "" {
		if _, ok := a.cfg.Syncer[only]; !ok {
			return fmt.Errorf("sync: no syncer named %q", only)
		}
	}
	return a.syncs.Sync(ctx, only)
}

// run starts the scheduler. Non-local syncers are spawned as `sync --syncer` children of
// this executable with the same settings flags.
func (a *app) run(ctx context.Context, cmd *cobra.Command) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("run: unable to locate executable: %w", err)
	}

	a.uploads.DiscoverAccounts()

	sched := scheduler.New(a.cfg, a.uploads, a.syncs, a.uploadLock, scheduler.ChildCommand(exe, settingArgs(cmd)))
	return sched.Run(ctx)
}
