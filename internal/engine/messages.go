package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/engine/db"
)

// Message types accepted on the ingest stream.
const (
	TypeInception = "icp"
	TypeRotation  = "rot"
	TypeReply     = "rpy"
	TypeRegistry  = "vcp"
	TypeIssuance  = "iss"
	TypeACDC      = "acdc"
)

const sigField = "sig"

// missingError reports a message whose dependency has not arrived yet. The
// message is escrowed under kind and retried later.
type missingError struct {
	kind   db.EscrowKind
	reason string
}

func (e *missingError) Error() string {
	return fmt.Sprintf("escrowed (%s): %s", e.kind, e.reason)
}

func missing(kind db.EscrowKind, format string, args ...any) error {
	return &missingError{kind: kind, reason: fmt.Sprintf(format, args...)}
}

var ErrInvalidMessage = errors.New("invalid message")

type message map[string]any

func decodeMessage(raw []byte) (message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidMessage)
	}
	return m, nil
}

func (m message) str(key string) (string, error) {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s missing field %q", ErrInvalidMessage, m.typ(), key)
	}
	return s, nil
}

func (m message) typ() string {
	t, _ := m["t"].(string)
	return t
}

// describe names a message for error reports, e.g. "acdc EAbc...".
func (m message) describe() string {
	id, _ := m["i"].(string)
	if sad, ok := m["sad"].(map[string]any); ok {
		id, _ = sad["d"].(string)
	}
	if id == "" {
		return m.typ()
	}
	return m.typ() + " " + id
}

func (m message) strings(key string) ([]string, error) {
	list, ok := m[key].([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w: %s missing field %q", ErrInvalidMessage, m.typ(), key)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok || s == "" {
			return nil, fmt.Errorf("%w: %s field %q must hold strings", ErrInvalidMessage, m.typ(), key)
		}
		out = append(out, s)
	}
	return out, nil
}

func (m message) object(key string) (map[string]any, error) {
	o, ok := m[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s missing object %q", ErrInvalidMessage, m.typ(), key)
	}
	return o, nil
}

func (m message) sn() (uint64, error) {
	s, err := m.str("s")
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: sequence number %q", ErrInvalidMessage, s)
	}
	return n, nil
}

// signed returns the bytes covered by the message signature.
func (m message) signed() ([]byte, error) {
	body := make(map[string]any, len(m))
	for k, v := range m {
		if k != sigField {
			body[k] = v
		}
	}
	return crypto.Serialize(body)
}

func (m message) verify(keys []string) error {
	sig, err := m.str(sigField)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no signing keys", ErrInvalidMessage)
	}
	body, err := m.signed()
	if err != nil {
		return err
	}
	if err := crypto.VerifySignature(keys[0], sig, body); err != nil {
		return fmt.Errorf("%s signature: %w", m.typ(), err)
	}
	return nil
}

func formatSN(sn uint64) string {
	return strconv.FormatUint(sn, 16)
}
