// Package engine is a local credential verification engine. It parses a
// stream of signed key events, registry events and credentials, escrows
// messages whose dependencies have not arrived, and exposes verified
// credentials by SAID.
package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aspect-build/caxe/internal/attestation"
	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/engine/db"
	"github.com/aspect-build/caxe/internal/logx"
)

const defaultEscrowTTL = time.Hour

// Engine implements attestation.Engine on top of a sqlite store.
type Engine struct {
	store *db.Store
	ttl   time.Duration
	now   func() time.Time
	log   *logx.Logger

	mu     sync.Mutex
	frames [][]byte
}

// ErrMalformedFrame marks an ingested frame that is not a sequence of
// complete JSON messages.
var ErrMalformedFrame = errors.New("malformed message frame")

var _ attestation.Engine = (*Engine)(nil)

type Option func(*Engine)

// WithEscrowTTL sets how long a message may wait in escrow.
func WithEscrowTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store *db.Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		ttl:   defaultEscrowTTL,
		now:   time.Now,
		log:   logx.With("component", "engine"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Ingest queues one frame, the complete body of one credential response.
// Frames are parsed independently: a malformed frame never affects another.
func (e *Engine) Ingest(msgs []byte) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, msgs)
}

// Pending returns the number of ingested bytes not yet parsed.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, f := range e.frames {
		n += len(f)
	}
	return n
}

// CheckFrame reports whether frame is a well-formed sequence of messages.
// It does not verify them.
func (e *Engine) CheckFrame(frame []byte) error {
	dec := json.NewDecoder(bytes.NewReader(frame))
	n := 0
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: offset %d: %v", ErrMalformedFrame, dec.InputOffset(), err)
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("%w: no messages", ErrMalformedFrame)
	}
	return nil
}

// ProcessStream parses every frame ingested so far. The unparseable tail of
// a frame, truncated or not, is discarded with that frame alone.
func (e *Engine) ProcessStream() error {
	e.mu.Lock()
	frames := e.frames
	e.frames = nil
	e.mu.Unlock()

	var errs []error
	for i, frame := range frames {
		if err := e.processFrame(frame); err != nil {
			errs = append(errs, fmt.Errorf("frame %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) processFrame(frame []byte) error {
	dec := json.NewDecoder(bytes.NewReader(frame))
	var errs []error
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			break
		}
		if err != nil {
			consumed := dec.InputOffset()
			e.log.Warnf("discarding %d unparseable bytes of a %d byte frame", len(frame)-int(consumed), len(frame))
			errs = append(errs, fmt.Errorf("%w: offset %d: %v", ErrMalformedFrame, consumed, err))
			break
		}
		if err := e.handle(raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handle(raw []byte) error {
	err := e.process(raw)
	var miss *missingError
	if !errors.As(err, &miss) {
		return err
	}
	dig, derr := crypto.Digest(crypto.Blake3, raw)
	if derr != nil {
		return derr
	}
	e.log.Debugf("message %s escrowed in %s: %s", dig, miss.kind, miss.reason)
	return e.store.Escrow(miss.kind, dig, append([]byte(nil), raw...), miss.reason, e.now())
}

func (e *Engine) process(raw []byte) error {
	m, err := decodeMessage(raw)
	if err != nil {
		return err
	}
	if err := e.dispatch(m, raw); err != nil {
		var miss *missingError
		if errors.As(err, &miss) {
			return err
		}
		return fmt.Errorf("%s: %w", m.describe(), err)
	}
	return nil
}

func (e *Engine) dispatch(m message, raw []byte) error {
	switch m.typ() {
	case TypeInception:
		return e.incept(m)
	case TypeRotation:
		return e.rotate(m)
	case TypeReply:
		return e.reply(m)
	case TypeRegistry:
		return e.registry(m)
	case TypeIssuance:
		return e.issuance(m)
	case TypeACDC:
		return e.credential(m, raw)
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.typ())
	}
}

func (e *Engine) incept(m message) error {
	prefix, err := m.str("i")
	if err != nil {
		return err
	}
	sn, err := m.sn()
	if err != nil {
		return err
	}
	if sn != 0 {
		return fmt.Errorf("%w: inception of %s at sn %d", ErrInvalidMessage, prefix, sn)
	}
	keys, err := m.strings("k")
	if err != nil {
		return err
	}
	if keys[0] != prefix {
		return fmt.Errorf("%w: prefix %s is not derived from its first key", ErrInvalidMessage, prefix)
	}
	if err := m.verify(keys); err != nil {
		return err
	}

	err = e.store.InsertKeyState(&db.KeyState{Prefix: prefix, Keys: keys})
	if errors.Is(err, db.ErrKeyStateDuplicate) {
		e.log.Debugf("inception of %s already accepted", prefix)
		return nil
	}
	return err
}

func (e *Engine) rotate(m message) error {
	prefix, err := m.str("i")
	if err != nil {
		return err
	}
	sn, err := m.sn()
	if err != nil {
		return err
	}
	keys, err := m.strings("k")
	if err != nil {
		return err
	}
	ks, err := e.store.GetKeyState(prefix)
	if err != nil {
		return err
	}
	switch {
	case ks == nil:
		return missing(db.EscrowKeyEvent, "no key state for %s", prefix)
	case sn <= ks.SN:
		e.log.Debugf("rotation %s:%d already accepted", prefix, sn)
		return nil
	case sn > ks.SN+1:
		return missing(db.EscrowKeyEvent, "rotation %s:%d out of order (at %d)", prefix, sn, ks.SN)
	}
	if err := m.verify(ks.Keys); err != nil {
		return err
	}
	return e.store.RotateKeyState(prefix, sn, keys)
}

func (e *Engine) reply(m message) error {
	route, err := m.str("r")
	if err != nil {
		return err
	}
	signer, err := m.str("i")
	if err != nil {
		return err
	}
	data, err := m.object("a")
	if err != nil {
		return err
	}
	ks, err := e.store.GetKeyState(signer)
	if err != nil {
		return err
	}
	if ks == nil {
		return missing(db.EscrowReply, "no key state for reply signer %s", signer)
	}
	if err := m.verify(ks.Keys); err != nil {
		return err
	}
	enc, err := crypto.Serialize(data)
	if err != nil {
		return err
	}
	return e.store.UpsertReply(&db.Reply{Route: route, Signer: signer, Data: enc})
}

func (e *Engine) registry(m message) error {
	issuer, err := m.str("ii")
	if err != nil {
		return err
	}
	body := make(map[string]any, len(m))
	for k, v := range m {
		if k != sigField {
			body[k] = v
		}
	}
	regk, err := crypto.VerifySAID(body, "i")
	if err != nil {
		return fmt.Errorf("%w: registry identifier: %v", ErrInvalidMessage, err)
	}
	ks, err := e.store.GetKeyState(issuer)
	if err != nil {
		return err
	}
	if ks == nil {
		return missing(db.EscrowRegistry, "no key state for registry issuer %s", issuer)
	}
	if err := m.verify(ks.Keys); err != nil {
		return err
	}
	err = e.store.CreateRegistry(&db.Registry{RegK: regk, Issuer: issuer})
	if errors.Is(err, db.ErrRegistryDuplicate) {
		return nil
	}
	return err
}

func (e *Engine) issuance(m message) error {
	said, err := m.str("i")
	if err != nil {
		return err
	}
	regk, err := m.str("ri")
	if err != nil {
		return err
	}
	reg, err := e.store.GetRegistry(regk)
	if err != nil {
		return err
	}
	if reg == nil {
		return missing(db.EscrowRegistry, "registry %s unknown for issuance of %s", regk, said)
	}
	ks, err := e.store.GetKeyState(reg.Issuer)
	if err != nil {
		return err
	}
	if ks == nil {
		return missing(db.EscrowRegistry, "no key state for registry issuer %s", reg.Issuer)
	}
	if err := m.verify(ks.Keys); err != nil {
		return err
	}
	err = e.store.RecordIssuance(said, regk)
	if errors.Is(err, db.ErrIssuanceDuplicate) {
		return nil
	}
	return err
}

func (e *Engine) credential(m message, raw []byte) error {
	sad, err := m.object("sad")
	if err != nil {
		return err
	}
	said, err := crypto.VerifySAID(sad, crypto.SAIDLabel)
	if err != nil {
		return fmt.Errorf("%w: credential: %v", ErrInvalidMessage, err)
	}
	inner := message(sad)
	issuer, err := inner.str("i")
	if err != nil {
		return err
	}
	regk, err := inner.str("ri")
	if err != nil {
		return err
	}
	attrs, err := inner.object("a")
	if err != nil {
		return err
	}
	if _, ok := attrs[crypto.SAIDLabel]; ok {
		if _, err := crypto.VerifySAID(attrs, crypto.SAIDLabel); err != nil {
			return fmt.Errorf("%w: attribute block of %s: %v", ErrInvalidMessage, said, err)
		}
	}
	schema, _ := sad["s"].(string)

	ks, err := e.store.GetKeyState(issuer)
	if err != nil {
		return err
	}
	if ks == nil {
		return missing(db.EscrowCredential, "no key state for issuer %s of %s", issuer, said)
	}
	if err := m.verify(ks.Keys); err != nil {
		return err
	}

	issued, err := e.store.IssuanceRegistry(said)
	if err != nil {
		return err
	}
	if issued == "" {
		return missing(db.EscrowCredential, "issuance of %s not yet recorded", said)
	}
	if issued != regk {
		return fmt.Errorf("%w: credential %s issued in %s, claims %s", ErrInvalidMessage, said, issued, regk)
	}
	reg, err := e.store.GetRegistry(regk)
	if err != nil {
		return err
	}
	if reg == nil || reg.Issuer != issuer {
		return fmt.Errorf("%w: registry %s does not belong to %s", ErrInvalidMessage, regk, issuer)
	}

	enc, err := crypto.Serialize(attrs)
	if err != nil {
		return err
	}
	err = e.store.SaveCredential(&db.Credential{
		SAID:       said,
		Issuer:     issuer,
		RegK:       regk,
		Schema:     schema,
		Attributes: enc,
		Raw:        append([]byte(nil), raw...),
	})
	if errors.Is(err, db.ErrCredentialDuplicate) {
		return nil
	}
	if err == nil {
		e.log.Infof("credential %s from %s verified", said, issuer)
	}
	return err
}

// Credential returns the attestation carried by a verified credential.
func (e *Engine) Credential(said string) (*attestation.Attestation, error) {
	c, err := e.store.GetCredential(said)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, attestation.ErrCredentialNotFound
	}
	dec := json.NewDecoder(bytes.NewReader(c.Attributes))
	dec.UseNumber()
	var attrs map[string]any
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("decode attributes of %s: %w", said, err)
	}
	a, err := attestation.FromAttributes(attrs)
	if err != nil {
		return nil, err
	}
	a.Credential = c.SAID
	a.Issuer = c.Issuer
	return a, nil
}

// Credentials lists every verified credential.
func (e *Engine) Credentials() ([]db.Credential, error) {
	return e.store.ListCredentials()
}

// EscrowCounts reports the depth of every escrow queue.
func (e *Engine) EscrowCounts() (map[db.EscrowKind]int, error) {
	return e.store.EscrowCounts()
}

// StoredCredential returns the stored record for said, or nil when unknown.
func (e *Engine) StoredCredential(said string) (*db.Credential, error) {
	return e.store.GetCredential(said)
}
