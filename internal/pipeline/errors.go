package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentTooLarge = errors.New("report exceeds the maximum document size")
	ErrInvalidReportURL = errors.New("invalid report url")
	ErrInvalidLink      = errors.New("invalid credential link")
)

// FetchFailure is a non-2xx status, wrong content type or transport error
// from an outbound fetch.
type FetchFailure struct {
	Link        string
	Report      bool
	Status      int
	ContentType string
	Err         error
}

func (e *FetchFailure) Error() string {
	if e.Report {
		return fmt.Sprintf("invalid response from report url: %s", e.Link)
	}
	return fmt.Sprintf("invalid response from credential link: %s", e.Link)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

func (e *FetchFailure) detail() string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Status != 0:
		return fmt.Sprintf("status %d, content type %q", e.Status, e.ContentType)
	}
	return ""
}

// MismatchFailure is a verified credential attesting to a different report.
type MismatchFailure struct {
	SAID     string
	Attested string
	Actual   string
}

func (e *MismatchFailure) Error() string {
	return fmt.Sprintf("report digest %s in credential %s does not match actual digest %s", e.Attested, e.SAID, e.Actual)
}

// ReportFailure is an indirect submission whose fetched page cannot be
// verified.
type ReportFailure struct {
	URL string
	Err error
}

func (e *ReportFailure) Error() string {
	return fmt.Sprintf("report at %s: %v", e.URL, e.Err)
}

func (e *ReportFailure) Unwrap() error { return e.Err }

// AttributeFailure is a verified credential whose attribute block is
// malformed.
type AttributeFailure struct {
	SAID string
	Err  error
}

func (e *AttributeFailure) Error() string {
	return fmt.Sprintf("credential %s carries invalid attributes: %v", e.SAID, e.Err)
}

func (e *AttributeFailure) Unwrap() error { return e.Err }

func failureCode(err error) string {
	var (
		ff *FetchFailure
		mf *MismatchFailure
		rf *ReportFailure
		af *AttributeFailure
	)
	switch {
	case errors.As(err, &ff):
		return "fetch"
	case errors.As(err, &mf):
		return "mismatch"
	case errors.As(err, &rf):
		return "report"
	case errors.As(err, &af):
		return "attributes"
	}
	return "error"
}
