package engine

import (
	"errors"
	"fmt"

	"github.com/aspect-build/caxe/internal/engine/db"
)

func (e *Engine) ProcessKeyEventEscrow() error   { return e.processEscrow(db.EscrowKeyEvent) }
func (e *Engine) ProcessReplyEscrow() error      { return e.processEscrow(db.EscrowReply) }
func (e *Engine) ProcessRegistryEscrow() error   { return e.processEscrow(db.EscrowRegistry) }
func (e *Engine) ProcessCredentialEscrow() error { return e.processEscrow(db.EscrowCredential) }

// processEscrow retries every message parked in kind. Messages still missing a
// dependency stay put until they outlive the escrow TTL.
func (e *Engine) processEscrow(kind db.EscrowKind) error {
	items, err := e.store.Escrowed(kind)
	if err != nil {
		return err
	}
	now := e.now()
	var errs []error
	for _, it := range items {
		if now.Sub(it.EscrowedAt) > e.ttl {
			e.log.Warnf("escrowed message %s in %s expired: %s", it.Dig, kind, it.Reason)
			if err := e.store.RemoveEscrow(it.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		err := e.process(it.Msg)
		var miss *missingError
		if errors.As(err, &miss) {
			if miss.kind != kind {
				if err := e.store.Escrow(miss.kind, it.Dig, it.Msg, miss.reason, it.EscrowedAt); err != nil {
					errs = append(errs, err)
					continue
				}
				if err := e.store.RemoveEscrow(it.ID); err != nil {
					errs = append(errs, err)
				}
			}
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("escrowed message %s: %w", it.Dig, err))
		} else {
			e.log.Debugf("escrowed message %s in %s accepted", it.Dig, kind)
		}
		if err := e.store.RemoveEscrow(it.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
