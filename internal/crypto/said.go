package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SAIDLabel is the field holding a map's self-addressing identifier.
const SAIDLabel = "d"

var (
	ErrMissingSAID = errors.New("missing self-addressing identifier")
	ErrSAIDInvalid = errors.New("self-addressing identifier does not match content")
)

var dummy = strings.Repeat("#", DigestLen)

// Serialize renders m as compact JSON with keys sorted at every level.
// encoding/json already sorts map keys, which is the property the digest
// relies on.
func Serialize(m map[string]any) ([]byte, error) {
	return json.Marshal(m)
}

// Saidify fills m[label] with the digest of m taken while the label holds a
// placeholder of the final digest's length. m is modified in place and the
// identifier is returned.
func Saidify(m map[string]any, label string, alg Algorithm) (string, error) {
	m[label] = dummy
	raw, err := Serialize(m)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	said, err := Digest(alg, raw)
	if err != nil {
		return "", err
	}
	m[label] = said
	return said, nil
}

// VerifySAID recomputes the identifier of m and compares it with m[label].
// m is left untouched.
func VerifySAID(m map[string]any, label string) (string, error) {
	claimed, _ := m[label].(string)
	if claimed == "" {
		return "", ErrMissingSAID
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	cp[label] = dummy
	raw, err := Serialize(cp)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	ok, err := VerifyDigest(claimed, raw)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSAIDInvalid, claimed)
	}
	return claimed, nil
}
