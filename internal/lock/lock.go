package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

const retryDelay = 500 * time.Millisecond

// Lock is a named file lock shared between cloudplow processes. Goroutines of the same
// process are serialized as well, since a flock handle is reentrant.
type Lock struct {
	name string
	path string
	fl   *flock.Flock
	sem  chan struct{}
}

// New returns the lock called name inside dir, creating dir when needed.
func New(dir, name string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("New: error creating lock dir: %w", err)
	}

	path := filepath.Join(dir, name)
	return &Lock{
		name: name,
		path: path,
		fl:   flock.New(path),
		sem:  make(chan struct{}, 1),
	}, nil
}

func (l *Lock) Name() string { return l.name }

func (l *Lock) logWait() {
	syslog.L.Info().WithMessage(fmt.Sprintf("waiting for running %s to finish before proceeding...", l.name)).Write()
}

// Acquire blocks until the lock is held or ctx is done. Contention is logged once.
func (l *Lock) Acquire(ctx context.Context) error {
	waited := false
	select {
	case l.sem <- struct{}{}:
	default:
		l.logWait()
		waited = true
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("Acquire: unable to lock %s: %w", l.path, ctx.Err())
		}
	}

	locked, err := l.fl.TryLock()
	if err != nil {
		<-l.sem
		return fmt.Errorf("Acquire: error locking %s: %w", l.path, err)
	}
	if locked {
		return nil
	}

	if !waited {
		l.logWait()
	}

	locked, err = l.fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		<-l.sem
		return fmt.Errorf("Acquire: error locking %s: %w", l.path, err)
	}
	if !locked {
		<-l.sem
		return fmt.Errorf("Acquire: unable to lock %s", l.path)
	}
	return nil
}

// TryAcquire takes the lock only if it is free.
func (l *Lock) TryAcquire() (bool, error) {
	select {
	case l.sem <- struct{}{}:
	default:
		return false, nil
	}

	locked, err := l.fl.TryLock()
	if err != nil || !locked {
		<-l.sem
		return false, err
	}
	return true, nil
}

func (l *Lock) Release() error {
	err := l.fl.Unlock()
	select {
	case <-l.sem:
	default:
	}
	return err
}

// Held reports whether any process, this one included, currently holds the lock.
func (l *Lock) Held() bool {
	if l.fl.Locked() {
		return true
	}

	probe := flock.New(l.path)
	locked, err := probe.TryLock()
	if err != nil {
		return false
	}
	if locked {
		_ = probe.Unlock()
		return false
	}
	return true
}
