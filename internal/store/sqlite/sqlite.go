package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Database is the sqlite-backed suspension store. Every write is committed before it returns.
type Database struct {
	readDb  *sql.DB
	writeDb *sql.DB
	writeMu sync.Mutex
	dbPath  string
}

// Initialize opens (or creates) the database at dbPath and migrates it.
func Initialize(dbPath string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("Initialize: error creating DB dir: %w", err)
	}

	writeDb, err := sql.Open("sqlite", "file:"+dbPath+"?mode=rwc&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}
	writeDb.SetMaxOpenConns(1)

	_, err = writeDb.Exec("PRAGMA journal_mode=WAL;")
	if err != nil {
		_ = writeDb.Close()
		return nil, fmt.Errorf("Initialize: error DB: %w", err)
	}

	database := &Database{
		dbPath:  dbPath,
		writeDb: writeDb,
	}

	if err := database.Migrate(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		_ = writeDb.Close()
		return nil, fmt.Errorf("Initialize: error migrating tables: %w", err)
	}

	readDb, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		_ = writeDb.Close()
		return nil, fmt.Errorf("Initialize: error opening DB: %w", err)
	}
	database.readDb = readDb

	return database, nil
}

// Migrate applies the embedded schema migrations.
func (d *Database) Migrate() error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("Migrate: error loading migrations: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(d.writeDb, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("Migrate: error creating driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("Migrate: error creating migrator: %w", err)
	}

	return m.Up()
}

func (d *Database) Close() error {
	return errors.Join(d.readDb.Close(), d.writeDb.Close())
}
