package db

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrRegistryDuplicate   = errors.New("registry already exists")
	ErrRegistryNotFound    = errors.New("registry not found")
	ErrIssuerNotFound      = errors.New("issuer key state not found")
	ErrIssuanceDuplicate   = errors.New("issuance already recorded")
	ErrCredentialDuplicate = errors.New("credential already stored")
	ErrIssuanceNotFound    = errors.New("issuance not recorded")
)

// CreateRegistry records a registry inception.
func (s *Store) CreateRegistry(r *Registry) error {
	_, err := s.db.Exec(
		`INSERT INTO registries (regk, issuer) VALUES (?, ?)`,
		r.RegK, r.Issuer,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return ErrRegistryDuplicate
			case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
				return ErrIssuerNotFound
			}
		}
		return fmt.Errorf("insert registry: %w", err)
	}
	return nil
}

// GetRegistry retrieves a registry by its identifier, or nil if unknown.
func (s *Store) GetRegistry(regk string) (*Registry, error) {
	r := &Registry{}
	err := s.db.QueryRow(
		`SELECT regk, issuer, created_at FROM registries WHERE regk = ?`, regk,
	).Scan(&r.RegK, &r.Issuer, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registry: %w", err)
	}
	return r, nil
}

// RecordIssuance marks credential said as issued in registry regk.
func (s *Store) RecordIssuance(said, regk string) error {
	_, err := s.db.Exec(
		`INSERT INTO issuances (said, regk) VALUES (?, ?)`,
		said, regk,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return ErrIssuanceDuplicate
			case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
				return ErrRegistryNotFound
			}
		}
		return fmt.Errorf("record issuance: %w", err)
	}
	return nil
}

// IssuanceRegistry returns the registry an issuance was recorded in, or ""
// when the credential has no issuance.
func (s *Store) IssuanceRegistry(said string) (string, error) {
	var regk string
	err := s.db.QueryRow(`SELECT regk FROM issuances WHERE said = ?`, said).Scan(&regk)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get issuance: %w", err)
	}
	return regk, nil
}
