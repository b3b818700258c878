package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aspect-build/caxe/internal/attestation"
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/refparser"
)

// Submission is one verification request travelling through the queues.
// Once enqueued it is owned by the scheduler goroutine.
type Submission struct {
	CorrelationID string
	Raw           []byte
	SourceURL     string
	ContentID     string
	Refs          []*CredentialRef
	StartTime     time.Time
	Result        *Result
	Diagnostics   []Diagnostic

	page      *fetchHandle
	backoff   time.Duration
	nextMatch time.Time
	log       *logx.Logger
}

// CredentialRef is one credential link embedded in a report.
type CredentialRef struct {
	Link     string
	SAID     string
	Verified bool

	target   refparser.CredentialLink
	pending  *fetchHandle
	consumed bool
}

type Status string

const (
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Result is the terminal outcome of a submission.
type Result struct {
	Status       Status
	Attestations map[string]*attestation.Attestation
	Msg          string
	Diagnostics  []Diagnostic
	Err          error
}

// MarshalJSON renders a success as {said: attributes} and a failure as
// {"msg": ..., "diagnostics": [...]}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Status == StatusComplete {
		return json.Marshal(r.Attestations)
	}
	diags := r.Diagnostics
	if diags == nil {
		diags = []Diagnostic{}
	}
	return json.Marshal(struct {
		Msg         string       `json:"msg"`
		Diagnostics []Diagnostic `json:"diagnostics"`
	}{r.Msg, diags})
}

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Diagnostic is a validation message scoped to one submission.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Msg      string   `json:"msg"`
}

func (s *Submission) diag(sev Severity, code, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.Diagnostics = append(s.Diagnostics, Diagnostic{Severity: sev, Code: code, Msg: msg})
	switch sev {
	case SeverityError:
		s.log.Warnf("%s: %s", code, msg)
	default:
		s.log.Debugf("%s: %s", code, msg)
	}
}

func (s *Submission) fail(err error) {
	s.diag(SeverityError, failureCode(err), "%v", err)
	s.Result = &Result{
		Status:      StatusFailed,
		Msg:         err.Error(),
		Diagnostics: s.Diagnostics,
		Err:         err,
	}
}

func (s *Submission) succeed(atts map[string]*attestation.Attestation) {
	s.Result = &Result{
		Status:       StatusComplete,
		Attestations: atts,
		Diagnostics:  s.Diagnostics,
	}
}

func (s *Submission) indirect() bool {
	return s.SourceURL != "" && s.Raw == nil
}

func (s *Submission) allConsumed() bool {
	for _, r := range s.Refs {
		if !r.consumed {
			return false
		}
	}
	return len(s.Refs) > 0
}
