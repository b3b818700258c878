package crypto

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a 256-bit digest function usable for content identifiers
// and self-addressing identifiers.
type Algorithm string

const (
	Blake3  Algorithm = "blake3"
	Blake2b Algorithm = "blake2b"
	SHA3    Algorithm = "sha3"
)

// Derivation codes prefixed to a qb64 digest. Same code table as CESR so
// identifiers produced elsewhere compare equal.
const (
	codeBlake3  = "E"
	codeBlake2b = "F"
	codeSHA3    = "H"
)

const digestSize = 32

// DigestLen is the length of every qb64 digest string produced by Digest.
const DigestLen = 44

var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

// ParseAlgorithm maps a configuration value onto an Algorithm.
func ParseAlgorithm(v string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(v))) {
	case "", Blake3:
		return Blake3, nil
	case Blake2b:
		return Blake2b, nil
	case SHA3:
		return SHA3, nil
	default:
		return "", fmt.Errorf("%w: %q (expected blake3|blake2b|sha3)", ErrUnknownAlgorithm, v)
	}
}

func (a Algorithm) code() (string, error) {
	switch a {
	case Blake3:
		return codeBlake3, nil
	case Blake2b:
		return codeBlake2b, nil
	case SHA3:
		return codeSHA3, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
}

func algorithmForCode(code string) (Algorithm, error) {
	switch code {
	case codeBlake3:
		return Blake3, nil
	case codeBlake2b:
		return Blake2b, nil
	case codeSHA3:
		return SHA3, nil
	}
	return "", fmt.Errorf("%w: derivation code %q", ErrUnknownAlgorithm, code)
}

// Sum returns the raw 32-byte digest of data.
func Sum(alg Algorithm, data []byte) ([digestSize]byte, error) {
	switch alg {
	case Blake3:
		return blake3.Sum256(data), nil
	case Blake2b:
		return blake2b.Sum256(data), nil
	case SHA3:
		return sha3.Sum256(data), nil
	}
	return [digestSize]byte{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(alg))
}

// Digest returns the qb64 encoded digest of data, e.g. "E" + 43 base64url
// characters for blake3.
func Digest(alg Algorithm, data []byte) (string, error) {
	code, err := alg.code()
	if err != nil {
		return "", err
	}
	raw, err := Sum(alg, data)
	if err != nil {
		return "", err
	}
	return EncodeQB64(code, raw[:])
}

// VerifyDigest recomputes the digest of data with the algorithm named by the
// derivation code of qb64 and compares in constant time.
func VerifyDigest(qb64 string, data []byte) (bool, error) {
	code, _, err := DecodeQB64(qb64, 1)
	if err != nil {
		return false, err
	}
	alg, err := algorithmForCode(code)
	if err != nil {
		return false, err
	}
	got, err := Digest(alg, data)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(qb64)) == 1, nil
}

func padSize(n int) int {
	return (3 - n%3) % 3
}

// EncodeQB64 renders raw as base64url with the derivation code replacing the
// lead pad characters. The code length must equal the pad size of raw.
func EncodeQB64(code string, raw []byte) (string, error) {
	ps := padSize(len(raw))
	if len(code) != ps {
		return "", fmt.Errorf("code %q does not fit %d byte raw (pad %d)", code, len(raw), ps)
	}
	padded := make([]byte, ps+len(raw))
	copy(padded[ps:], raw)
	b64 := base64.RawURLEncoding.EncodeToString(padded)
	return code + b64[ps:], nil
}

// DecodeQB64 splits a qb64 string into its derivation code and raw bytes.
func DecodeQB64(qb64 string, codeLen int) (string, []byte, error) {
	if len(qb64) <= codeLen || len(qb64)%4 != 0 {
		return "", nil, fmt.Errorf("invalid qb64 length %d", len(qb64))
	}
	code := qb64[:codeLen]
	padded, err := base64.RawURLEncoding.DecodeString(strings.Repeat("A", codeLen) + qb64[codeLen:])
	if err != nil {
		return "", nil, fmt.Errorf("decode qb64: %w", err)
	}
	for _, b := range padded[:codeLen] {
		if b != 0 {
			return "", nil, fmt.Errorf("invalid qb64 lead bytes")
		}
	}
	return code, padded[codeLen:], nil
}
