package engine

import (
	"fmt"

	"github.com/aspect-build/caxe/internal/crypto"
)

// Issuer produces signed messages an Engine accepts: an identifier's key
// events, a credential registry, and credentials issued in it.
type Issuer struct {
	origin *crypto.Signer
	signer *crypto.Signer
	prefix string
	sn     uint64
	alg    crypto.Algorithm
}

// NewIssuer creates an issuer whose identifier is derived from seed.
func NewIssuer(seed []byte, alg crypto.Algorithm) (*Issuer, error) {
	s, err := crypto.NewSigner(seed)
	if err != nil {
		return nil, err
	}
	return &Issuer{origin: s, signer: s, prefix: s.Verfer(), alg: alg}, nil
}

// Prefix is the issuer's identifier.
func (is *Issuer) Prefix() string { return is.prefix }

func (is *Issuer) sign(m map[string]any) ([]byte, error) {
	return signWith(is.signer, m)
}

func signWith(s *crypto.Signer, m map[string]any) ([]byte, error) {
	body, err := crypto.Serialize(m)
	if err != nil {
		return nil, err
	}
	m[sigField] = s.Sign(body)
	return crypto.Serialize(m)
}

// Inception returns the icp event establishing the identifier.
func (is *Issuer) Inception() ([]byte, error) {
	return signWith(is.origin, map[string]any{
		"t": TypeInception,
		"i": is.prefix,
		"s": formatSN(0),
		"k": []string{is.prefix},
	})
}

// Rotate moves the identifier to a key derived from seed and returns the rot
// event, signed by the outgoing key.
func (is *Issuer) Rotate(seed []byte) ([]byte, error) {
	next, err := crypto.NewSigner(seed)
	if err != nil {
		return nil, err
	}
	msg, err := is.sign(map[string]any{
		"t": TypeRotation,
		"i": is.prefix,
		"s": formatSN(is.sn + 1),
		"k": []string{next.Verfer()},
	})
	if err != nil {
		return nil, err
	}
	is.sn++
	is.signer = next
	return msg, nil
}

// Reply returns a signed rpy message.
func (is *Issuer) Reply(route string, data map[string]any) ([]byte, error) {
	return is.sign(map[string]any{
		"t": TypeReply,
		"r": route,
		"i": is.prefix,
		"a": data,
	})
}

// Registry returns the registry identifier and its vcp event.
func (is *Issuer) Registry(nonce string) (string, []byte, error) {
	m := map[string]any{
		"t":  TypeRegistry,
		"ii": is.prefix,
		"n":  nonce,
	}
	regk, err := crypto.Saidify(m, "i", is.alg)
	if err != nil {
		return "", nil, err
	}
	msg, err := is.sign(m)
	if err != nil {
		return "", nil, err
	}
	return regk, msg, nil
}

// Issue builds a credential over attrs in registry regk. It returns the
// credential SAID, its iss event and the signed acdc message.
func (is *Issuer) Issue(regk, schema string, attrs map[string]any) (string, []byte, []byte, error) {
	sad := map[string]any{
		"i":  is.prefix,
		"ri": regk,
		"s":  schema,
		"a":  attrs,
	}
	said, err := crypto.Saidify(sad, crypto.SAIDLabel, is.alg)
	if err != nil {
		return "", nil, nil, fmt.Errorf("saidify credential: %w", err)
	}
	iss, err := is.sign(map[string]any{
		"t":  TypeIssuance,
		"i":  said,
		"ri": regk,
	})
	if err != nil {
		return "", nil, nil, err
	}
	acdc, err := is.sign(map[string]any{
		"t":   TypeACDC,
		"sad": sad,
	})
	if err != nil {
		return "", nil, nil, err
	}
	return said, iss, acdc, nil
}

// Bundle returns a complete, self-contained stream for one credential: the
// issuer's inception, a fresh registry, the issuance and the credential.
func (is *Issuer) Bundle(nonce, schema string, attrs map[string]any) (string, []byte, error) {
	icp, err := is.Inception()
	if err != nil {
		return "", nil, err
	}
	regk, vcp, err := is.Registry(nonce)
	if err != nil {
		return "", nil, err
	}
	said, iss, acdc, err := is.Issue(regk, schema, attrs)
	if err != nil {
		return "", nil, err
	}
	var out []byte
	for _, part := range [][]byte{icp, vcp, iss, acdc} {
		out = append(out, part...)
	}
	return said, out, nil
}
