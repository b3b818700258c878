package db

import (
	"fmt"
	"time"
)

// Escrow parks msg in the kind queue. A message already escrowed under the
// same digest is left as is.
func (s *Store) Escrow(kind EscrowKind, dig string, msg []byte, reason string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO escrows (kind, dig, msg, reason, escrowed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind, dig) DO NOTHING`,
		string(kind), dig, msg, reason, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("escrow message: %w", err)
	}
	return nil
}

// Escrowed returns the messages in the kind queue, oldest first.
func (s *Store) Escrowed(kind EscrowKind) ([]Escrowed, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, dig, msg, reason, escrowed_at FROM escrows WHERE kind = ? ORDER BY id`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list escrow: %w", err)
	}
	defer rows.Close()

	var out []Escrowed
	for rows.Next() {
		var e Escrowed
		var k string
		var at int64
		if err := rows.Scan(&e.ID, &k, &e.Dig, &e.Msg, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		e.Kind = EscrowKind(k)
		e.EscrowedAt = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RemoveEscrow deletes one escrowed message.
func (s *Store) RemoveEscrow(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM escrows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove escrow: %w", err)
	}
	return nil
}

// EscrowCounts returns the number of messages per escrow kind.
func (s *Store) EscrowCounts() (map[EscrowKind]int, error) {
	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM escrows GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count escrows: %w", err)
	}
	defer rows.Close()

	counts := make(map[EscrowKind]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan escrow count: %w", err)
		}
		counts[EscrowKind(k)] = n
	}
	return counts, rows.Err()
}
