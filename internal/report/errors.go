package report

import (
	"errors"
	"fmt"
)

// ErrNoCredentialLinks is returned by callers that require a report to carry
// at least one credential reference.
var ErrNoCredentialLinks = errors.New("no credential links found in report")

// DocumentParseError reports bytes that are not a well-formed document.
type DocumentParseError struct {
	Err error
}

func (e *DocumentParseError) Error() string {
	return fmt.Sprintf("invalid report document: %v", e.Err)
}

func (e *DocumentParseError) Unwrap() error { return e.Err }
