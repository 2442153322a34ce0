package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/l3uddz/cloudplow/internal/syslog"
)

// Accounts returns the service-account pool of uploader. A nil expiry means available.
func (d *Database) Accounts(uploader string) (map[string]*time.Time, error) {
	rows, err := d.readDb.Query("SELECT account, expiry FROM sa_bans WHERE uploader = ?", uploader)
	if err != nil {
		return nil, fmt.Errorf("Accounts: error querying %s: %w", uploader, err)
	}
	defer rows.Close()

	accounts := make(map[string]*time.Time)
	for rows.Next() {
		var account string
		var expiry sql.NullFloat64
		if err := rows.Scan(&account, &expiry); err != nil {
			return nil, fmt.Errorf("Accounts: error scanning %s: %w", uploader, err)
		}
		if expiry.Valid {
			t := fromUnix(expiry.Float64)
			accounts[account] = &t
		} else {
			accounts[account] = nil
		}
	}

	return accounts, rows.Err()
}

// SetAccount upserts one account. A nil expiry marks it available.
func (d *Database) SetAccount(uploader, account string, expiry *time.Time) error {
	var value sql.NullFloat64
	if expiry != nil {
		value = sql.NullFloat64{Float64: toUnix(*expiry), Valid: true}
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	_, err := d.writeDb.Exec(
		"INSERT INTO sa_bans (uploader, account, expiry) VALUES (?, ?, ?) ON CONFLICT(uploader, account) DO UPDATE SET expiry = excluded.expiry",
		uploader, account, value,
	)
	if err != nil {
		return fmt.Errorf("SetAccount: error writing %s/%s: %w", uploader, account, err)
	}
	return nil
}

// ReplaceAccounts swaps the whole pool of uploader in one transaction.
func (d *Database) ReplaceAccounts(uploader string, accounts map[string]*time.Time) (err error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	tx, err := d.writeDb.Begin()
	if err != nil {
		return fmt.Errorf("ReplaceAccounts: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				syslog.L.Error(rbErr).WithMessage("ReplaceAccounts: failed to rollback transaction").Write()
			}
		}
	}()

	if _, err = tx.Exec("DELETE FROM sa_bans WHERE uploader = ?", uploader); err != nil {
		return fmt.Errorf("ReplaceAccounts: error clearing %s: %w", uploader, err)
	}

	for account, expiry := range accounts {
		var value sql.NullFloat64
		if expiry != nil {
			value = sql.NullFloat64{Float64: toUnix(*expiry), Valid: true}
		}
		if _, err = tx.Exec("INSERT INTO sa_bans (uploader, account, expiry) VALUES (?, ?, ?)", uploader, account, value); err != nil {
			return fmt.Errorf("ReplaceAccounts: error writing %s/%s: %w", uploader, account, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("ReplaceAccounts: failed to commit transaction: %w", err)
	}
	return nil
}
