package pipeline

import (
	"errors"
	"time"

	"github.com/aspect-build/caxe/internal/attestation"
)

// match checks every ready submission against the engine's credential store.
func (p *Pipeline) match(now time.Time) {
	queue := p.ready
	p.ready = nil

	for _, s := range queue {
		if now.Before(s.nextMatch) {
			p.ready = append(p.ready, s)
			continue
		}
		switch p.matchOne(s) {
		case matchComplete:
			p.complete = append(p.complete, s)
		case matchFailed:
			p.failed = append(p.failed, s)
		default:
			s.backoff = min(max(2*s.backoff, p.cfg.TickInterval), p.cfg.MatchBackoffMax)
			s.nextMatch = now.Add(s.backoff)
			p.ready = append(p.ready, s)
		}
	}
}

type matchOutcome int

const (
	matchPending matchOutcome = iota
	matchComplete
	matchFailed
)

// matchOne walks the references of s in order. The first mismatching
// reference fails s; the first unverified one leaves it pending.
func (p *Pipeline) matchOne(s *Submission) matchOutcome {
	atts := make(map[string]*attestation.Attestation, len(s.Refs))
	for _, r := range s.Refs {
		a, err := p.engine.Credential(r.SAID)
		switch {
		case errors.Is(err, attestation.ErrCredentialNotFound),
			errors.Is(err, attestation.ErrNoReportDigest):
			return matchPending
		case errors.Is(err, attestation.ErrInvalidAttributes):
			s.fail(&AttributeFailure{SAID: r.SAID, Err: err})
			return matchFailed
		case err != nil:
			s.log.Warnf("credential lookup %s: %v", r.SAID, err)
			return matchPending
		}
		if a.ReportDigest != s.ContentID {
			s.fail(&MismatchFailure{SAID: r.SAID, Attested: a.ReportDigest, Actual: s.ContentID})
			return matchFailed
		}
		r.Verified = true
		atts[r.SAID] = a
	}
	s.diag(SeverityInfo, "match", "%d credential(s) attest to %s", len(atts), s.ContentID)
	s.succeed(atts)
	return matchComplete
}
