package db

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SaveCredential stores a verified credential.
func (s *Store) SaveCredential(c *Credential) error {
	_, err := s.db.Exec(
		`INSERT INTO credentials (said, issuer, regk, schema, attributes, raw)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.SAID, c.Issuer, c.RegK, c.Schema, string(c.Attributes), c.Raw,
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() {
			case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
				return ErrCredentialDuplicate
			case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
				return ErrIssuanceNotFound
			}
		}
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential by SAID, or nil if not stored.
func (s *Store) GetCredential(said string) (*Credential, error) {
	c := &Credential{}
	var attrs string
	err := s.db.QueryRow(
		`SELECT said, issuer, regk, schema, attributes, raw, created_at
		 FROM credentials WHERE said = ?`, said,
	).Scan(&c.SAID, &c.Issuer, &c.RegK, &c.Schema, &attrs, &c.Raw, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.Attributes = []byte(attrs)
	return c, nil
}

// ListCredentials returns all stored credentials ordered by arrival.
func (s *Store) ListCredentials() ([]Credential, error) {
	rows, err := s.db.Query(
		`SELECT said, issuer, regk, schema, attributes, raw, created_at
		 FROM credentials ORDER BY created_at, said`,
	)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var attrs string
		if err := rows.Scan(&c.SAID, &c.Issuer, &c.RegK, &c.Schema, &attrs, &c.Raw, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Attributes = []byte(attrs)
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// UpsertReply stores the latest reply for its route and signer.
func (s *Store) UpsertReply(r *Reply) error {
	_, err := s.db.Exec(
		`INSERT INTO replies (route, signer, data) VALUES (?, ?, ?)
		 ON CONFLICT(route, signer) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		r.Route, r.Signer, string(r.Data),
	)
	if err != nil {
		return fmt.Errorf("upsert reply: %w", err)
	}
	return nil
}

// GetReply retrieves the latest reply for route and signer, or nil.
func (s *Store) GetReply(route, signer string) (*Reply, error) {
	r := &Reply{}
	var data string
	err := s.db.QueryRow(
		`SELECT route, signer, data, updated_at FROM replies WHERE route = ? AND signer = ?`,
		route, signer,
	).Scan(&r.Route, &r.Signer, &data, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reply: %w", err)
	}
	r.Data = []byte(data)
	return r, nil
}
