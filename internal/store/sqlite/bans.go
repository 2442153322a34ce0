package sqlite

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/l3uddz/cloudplow/internal/store/constants"
)

var ErrUnknownNamespace = errors.New("unknown suspension namespace")

func table(namespace string) (string, error) {
	switch namespace {
	case constants.UploaderBansNamespace, constants.SyncerBansNamespace:
		return namespace, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Bans returns every subject suspended in namespace with its expiry.
func (d *Database) Bans(namespace string) (map[string]time.Time, error) {
	tbl, err := table(namespace)
	if err != nil {
		return nil, err
	}

	rows, err := d.readDb.Query("SELECT subject, expiry FROM " + tbl)
	if err != nil {
		return nil, fmt.Errorf("Bans: error querying %s: %w", tbl, err)
	}
	defer rows.Close()

	bans := make(map[string]time.Time)
	for rows.Next() {
		var subject string
		var expiry float64
		if err := rows.Scan(&subject, &expiry); err != nil {
			return nil, fmt.Errorf("Bans: error scanning %s: %w", tbl, err)
		}
		bans[subject] = fromUnix(expiry)
	}

	return bans, rows.Err()
}

// Ban returns the expiry of subject if it is present.
func (d *Database) Ban(namespace, subject string) (time.Time, bool, error) {
	bans, err := d.Bans(namespace)
	if err != nil {
		return time.Time{}, false, err
	}
	expiry, ok := bans[subject]
	return expiry, ok, nil
}

// SetBan inserts or replaces the suspension of subject.
func (d *Database) SetBan(namespace, subject string, expiry time.Time) error {
	tbl, err := table(namespace)
	if err != nil {
		return err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err = d.writeDb.Exec(
		"INSERT INTO "+tbl+" (subject, expiry) VALUES (?, ?) ON CONFLICT(subject) DO UPDATE SET expiry = excluded.expiry",
		subject, toUnix(expiry),
	)
	if err != nil {
		return fmt.Errorf("SetBan: error writing %s/%s: %w", tbl, subject, err)
	}
	return nil
}

// ClearBan removes the suspension of subject and reports whether one existed.
func (d *Database) ClearBan(namespace, subject string) (bool, error) {
	tbl, err := table(namespace)
	if err != nil {
		return false, err
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	res, err := d.writeDb.Exec("DELETE FROM "+tbl+" WHERE subject = ?", subject)
	if err != nil {
		return false, fmt.Errorf("ClearBan: error deleting %s/%s: %w", tbl, subject, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ClearBan: %w", err)
	}
	return affected > 0, nil
}

// LowestRemaining returns the earliest non-nil expiry.
func LowestRemaining(expiries map[string]*time.Time) (time.Time, bool) {
	var lowest time.Time
	found := false
	for _, expiry := range expiries {
		if expiry == nil {
			continue
		}
		if !found || expiry.Before(lowest) {
			lowest = *expiry
			found = true
		}
	}
	return lowest, found
}
