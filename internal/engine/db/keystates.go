package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrKeyStateDuplicate = errors.New("key state for this prefix already exists")
	ErrKeyStateStale     = errors.New("key state is not at the expected sequence number")
)

// InsertKeyState records the inception of an identifier.
func (s *Store) InsertKeyState(ks *KeyState) error {
	keys, err := json.Marshal(ks.Keys)
	if err != nil {
		return fmt.Errorf("encode keys: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO key_states (prefix, sn, keys) VALUES (?, ?, ?)`,
		ks.Prefix, ks.SN, string(keys),
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return ErrKeyStateDuplicate
		}
		return fmt.Errorf("insert key state: %w", err)
	}
	return nil
}

// RotateKeyState advances prefix from sn-1 to sn with new keys.
func (s *Store) RotateKeyState(prefix string, sn uint64, keys []string) error {
	if sn == 0 {
		return ErrKeyStateStale
	}
	enc, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode keys: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE key_states SET sn = ?, keys = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE prefix = ? AND sn = ?`,
		sn, string(enc), prefix, sn-1,
	)
	if err != nil {
		return fmt.Errorf("rotate key state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyStateStale
	}
	return nil
}

// GetKeyState retrieves the key state of prefix, or nil if unknown.
func (s *Store) GetKeyState(prefix string) (*KeyState, error) {
	ks := &KeyState{}
	var keys string
	err := s.db.QueryRow(
		`SELECT prefix, sn, keys, updated_at FROM key_states WHERE prefix = ?`, prefix,
	).Scan(&ks.Prefix, &ks.SN, &keys, &ks.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key state: %w", err)
	}
	if err := json.Unmarshal([]byte(keys), &ks.Keys); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	return ks, nil
}
