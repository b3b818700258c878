package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding verified key state, registries,
// credentials and escrowed messages.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign key enforcement (off by default in SQLite)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS key_states (
			prefix TEXT PRIMARY KEY,
			sn INTEGER NOT NULL,
			keys TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS registries (
			regk TEXT PRIMARY KEY,
			issuer TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (issuer) REFERENCES key_states(prefix)
		)`,
		`CREATE TABLE IF NOT EXISTS issuances (
			said TEXT PRIMARY KEY,
			regk TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (regk) REFERENCES registries(regk)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			said TEXT PRIMARY KEY,
			issuer TEXT NOT NULL,
			regk TEXT NOT NULL,
			schema TEXT NOT NULL DEFAULT '',
			attributes TEXT NOT NULL,
			raw BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (said) REFERENCES issuances(said)
		)`,
		`CREATE TABLE IF NOT EXISTS replies (
			route TEXT NOT NULL,
			signer TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (route, signer)
		)`,
		`CREATE TABLE IF NOT EXISTS escrows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			dig TEXT NOT NULL,
			msg BLOB NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			escrowed_at INTEGER NOT NULL,
			UNIQUE (kind, dig)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
