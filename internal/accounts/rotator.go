package accounts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/l3uddz/cloudplow/internal/store/sqlite"
	"github.com/l3uddz/cloudplow/internal/syslog"
)

// Store persists the per-uploader account pools.
type Store interface {
	Accounts(uploader string) (map[string]*time.Time, error)
	SetAccount(uploader, account string, expiry *time.Time) error
	ReplaceAccounts(uploader string, accounts map[string]*time.Time) error
}

// Rotator tracks which service-account files of an uploader are usable.
type Rotator struct {
	store Store
	clock clockwork.Clock
}

func NewRotator(store Store, clock clockwork.Clock) *Rotator {
	return &Rotator{store: store, clock: clock}
}

// Discover rescans dir for *.json account files. Known accounts keep their ban state,
// vanished ones are dropped. It reports whether the pool grew compared to the last scan.
func (r *Rotator) Discover(uploader, dir string) (bool, error) {
	if dir == "" {
		return false, nil
	}
	dir = filepath.Clean(dir)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		syslog.L.Warn().WithMessage("service account path does not exist").WithField("uploader", uploader).WithField("path", dir).Write()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Discover: error reading %s: %w", dir, err)
	}

	current, err := r.store.Accounts(uploader)
	if err != nil {
		return false, err
	}

	next := make(map[string]*time.Time)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		account := filepath.Join(dir, entry.Name())
		expiry, known := current[account]
		if !known {
			syslog.L.Debug().WithMessage("new service account has been added").WithField("uploader", uploader).WithField("account", account).Write()
		}
		next[account] = expiry
	}

	for account := range current {
		if _, ok := next[account]; !ok {
			syslog.L.Debug().WithMessage("cached service account is gone, removing from available accounts").WithField("uploader", uploader).WithField("account", account).Write()
		}
	}

	if err := r.store.ReplaceAccounts(uploader, next); err != nil {
		return false, err
	}
	return len(current) > 0 && len(next) > len(current), nil
}

// HasPool is true when the uploader has at least one account file.
func (r *Rotator) HasPool(uploader string) (bool, error) {
	accounts, err := r.store.Accounts(uploader)
	if err != nil {
		return false, err
	}
	return len(accounts) > 0, nil
}

// Available returns the unbanned accounts in natural order.
func (r *Rotator) Available(uploader string) ([]string, error) {
	accounts, err := r.store.Accounts(uploader)
	if err != nil {
		return nil, err
	}

	var available []string
	for account, expiry := range accounts {
		if expiry == nil {
			available = append(available, account)
		}
	}
	SortNatural(available)
	return available, nil
}

func (r *Rotator) MarkBanned(uploader, account string, until time.Time) error {
	syslog.L.Debug().WithMessage("setting service account as banned").
		WithFields(map[string]any{"uploader": uploader, "account": account, "until": until.Format(time.DateTime)}).
		Write()
	return r.store.SetAccount(uploader, account, &until)
}

func (r *Rotator) MarkAvailable(uploader, account string) error {
	return r.store.SetAccount(uploader, account, nil)
}

// ExpireStale makes every account whose ban has passed available again.
func (r *Rotator) ExpireStale(uploader string) error {
	accounts, err := r.store.Accounts(uploader)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	for account, expiry := range accounts {
		if expiry == nil || now.Before(*expiry) {
			continue
		}
		syslog.L.Debug().WithMessage("service account ban has passed").WithField("uploader", uploader).WithField("account", account).Write()
		if err := r.store.SetAccount(uploader, account, nil); err != nil {
			return err
		}
	}
	return nil
}

// LowestRemaining returns the earliest ban expiry across the uploader's pool.
func (r *Rotator) LowestRemaining(uploader string) (time.Time, bool, error) {
	accounts, err := r.store.Accounts(uploader)
	if err != nil {
		return time.Time{}, false, err
	}
	lowest, found := sqlite.LowestRemaining(accounts)
	return lowest, found, nil
}
