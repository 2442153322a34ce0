package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/l3uddz/cloudplow/internal/process"
	"github.com/l3uddz/cloudplow/internal/store/types"
	"github.com/l3uddz/cloudplow/internal/syncer"
	"github.com/l3uddz/cloudplow/internal/syslog"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/robfig/cron/v3"
)

type Ticker interface {
	Tick(ctx context.Context, name string) error
}

type Uploads interface {
	Ticker
	Discover(name string)
}

type TryLocker interface {
	TryAcquire() (bool, error)
	Release() error
}

// Spawner starts `cloudplow sync --syncer name` in a child process.
type Spawner func(ctx context.Context, name string) (*process.Process, error)

// Scheduler runs uploader and syncer ticks on their configured intervals.
type Scheduler struct {
	cfg        *types.Config
	uploads    Uploads
	syncs      Ticker
	uploadLock TryLocker
	spawn      Spawner

	cron     *cron.Cron
	children *xsync.MapOf[string, *process.Process]
}

func New(cfg *types.Config, uploads Uploads, syncs Ticker, uploadLock TryLocker, spawn Spawner) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cfg:        cfg,
		uploads:    uploads,
		syncs:      syncs,
		uploadLock: uploadLock,
		spawn:      spawn,
		cron:       cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		children:   xsync.NewMapOf[string, *process.Process](),
	}
}

// ChildCommand returns a Spawner that re-runs exe with args plus the sync subcommand.
func ChildCommand(exe string, args []string) Spawner {
	return func(ctx context.Context, name string) (*process.Process, error) {
		return process.Start(ctx, childArgv(exe, args, name))
	}
}

func childArgv(exe string, args []string, name string) []string {
	argv := append([]string{exe}, args...)
	return append(argv, "sync", "--syncer", name)
}

// Register adds one cron entry per uploader and syncer.
func (s *Scheduler) Register(ctx context.Context) error {
	for name, u := range s.cfg.Uploader {
		spec := fmt.Sprintf("@every %dm", u.CheckInterval)
		if _, err := s.cron.AddFunc(spec, func() { s.runUploader(ctx, name) }); err != nil {
			return fmt.Errorf("Register: uploader %s: %w", name, err)
		}
		syslog.L.Info().
			WithMessage(fmt.Sprintf("added %s uploader to schedule, checking available disk space every %d minutes", name, u.CheckInterval)).
			Write()
	}

	for name, sc := range s.cfg.Syncer {
		spec := fmt.Sprintf("@every %dh", sc.SyncInterval)
		job := func() { s.runSyncerChild(ctx, name) }
		if syncer.IsLocal(sc) {
			job = func() { s.runSyncer(ctx, name) }
		}
		if _, err := s.cron.AddFunc(spec, job); err != nil {
			return fmt.Errorf("Register: syncer %s: %w", name, err)
		}
		syslog.L.Info().
			WithMessage(fmt.Sprintf("added %s syncer to schedule, syncing every %d hours", name, sc.SyncInterval)).
			Write()
	}
	return nil
}

func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

func (s *Scheduler) runUploader(ctx context.Context, name string) {
	if err := s.uploads.Tick(ctx, name); err != nil {
		syslog.L.Error(err).WithMessage("unexpected exception occurred while processing uploader").WithField("uploader", name).Write()
	}
}

func (s *Scheduler) runSyncer(ctx context.Context, name string) {
	if err := s.syncs.Tick(ctx, name); err != nil {
		syslog.L.Error(err).WithMessage("unexpected exception occurred while processing syncer").WithField("syncer", name).Write()
	}
}

// runSyncerChild syncs in a separate process so a remote instance cannot stall uploads.
func (s *Scheduler) runSyncerChild(ctx context.Context, name string) {
	if _, running := s.children.Load(name); running {
		syslog.L.Info().WithMessage("previous sync process is still running, skipping").WithField("syncer", name).Write()
		return
	}

	p, err := s.spawn(ctx, name)
	if err != nil {
		syslog.L.Error(err).WithMessage("failed to start sync process").WithField("syncer", name).Write()
		return
	}
	s.children.Store(name, p)
	defer s.children.Delete(name)

	for line := range p.Lines() {
		syslog.L.Debug().WithMessage(line).WithField("syncer", name).Write()
	}
	code, err := p.Wait()
	if err != nil || code != 0 {
		syslog.L.Error(err).WithMessage("sync process exited unexpectedly").WithField("syncer", name).WithField("exit_code", code).Write()
	}
}

// Running lists syncers with a live child process.
func (s *Scheduler) Running() []string {
	var names []string
	s.children.Range(func(name string, _ *process.Process) bool {
		names = append(names, name)
		return true
	})
	return names
}

func (s *Scheduler) killChildren() {
	s.children.Range(func(name string, p *process.Process) bool {
		syslog.L.Warn().WithMessage("killing sync process").WithField("syncer", name).Write()
		if err := p.Kill(); err != nil {
			syslog.L.Error(err).WithMessage("failed to kill sync process").WithField("syncer", name).Write()
		}
		return true
	})
}

// watchDirs maps each service-account folder to its uploader.
func (s *Scheduler) watchDirs() map[string]string {
	dirs := make(map[string]string)
	for name, u := range s.cfg.Uploader {
		if u.ServiceAccountPath != "" {
			dirs[filepath.Clean(u.ServiceAccountPath)] = name
		}
	}
	return dirs
}

// HandleEvent rediscovers accounts when a *.json file changes, unless an upload holds the lock.
func (s *Scheduler) HandleEvent(ev fsnotify.Event, dirs map[string]string) bool {
	if !strings.HasSuffix(ev.Name, ".json") || ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name, ok := dirs[filepath.Dir(ev.Name)]
	if !ok {
		return false
	}

	locked, err := s.uploadLock.TryAcquire()
	if err != nil || !locked {
		syslog.L.Debug().WithMessage("upload in progress, service accounts will be rescanned on the next upload").WithField("uploader", name).Write()
		return false
	}
	defer func() { _ = s.uploadLock.Release() }()

	syslog.L.Info().WithMessage("service accounts changed, rescanning").WithField("uploader", name).WithField("file", ev.Name).Write()
	s.uploads.Discover(name)
	return true
}

func (s *Scheduler) watch(ctx context.Context) (func(), error) {
	dirs := s.watchDirs()
	if len(dirs) == 0 {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			syslog.L.Warn().WithMessage("unable to watch service account folder").WithField("path", dir).WithField("error", err.Error()).Write()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.HandleEvent(ev, dirs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				syslog.L.Error(err).WithMessage("service account watcher error").Write()
			}
		}
	}()

	return func() {
		_ = watcher.Close()
		<-done
	}, nil
}

// Run blocks until ctx is cancelled, then stops the schedule and kills sync children.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Register(ctx); err != nil {
		return err
	}

	stopWatch, err := s.watch(ctx)
	if err != nil {
		return fmt.Errorf("Run: error watching service accounts: %w", err)
	}
	defer stopWatch()

	s.cron.Start()
	syslog.L.Info().WithMessage("scheduler started").WithField("jobs", s.Entries()).Write()

	<-ctx.Done()
	syslog.L.Info().WithMessage("cloudplow was interrupted, stopping scheduler").Write()

	stopped := s.cron.Stop()
	s.killChildren()

	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		syslog.L.Warn().WithMessage("timed out waiting for running jobs to finish").Write()
	}
	return nil
}
