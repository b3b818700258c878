package attestation

import "errors"

var ErrCredentialNotFound = errors.New("credential not found")

// Engine is the verification engine the pipeline feeds and polls. Ingest
// queues one frame, the complete body of one credential response; frames
// are parsed independently; the Process* calls drive parsing and escrow
// promotion; Credential looks up a verified credential by SAID.
//
// Credential returns ErrCredentialNotFound when no verified credential has
// that SAID yet and ErrNoReportDigest when its attributes carry no rd.
type Engine interface {
	Ingest(msgs []byte)
	ProcessStream() error
	ProcessKeyEventEscrow() error
	ProcessReplyEscrow() error
	ProcessRegistryEscrow() error
	ProcessCredentialEscrow() error
	Credential(said string) (*Attestation, error)
}

// FrameChecker is implemented by engines that can tell a malformed frame
// from a well-formed one before ingesting it.
type FrameChecker interface {
	CheckFrame(frame []byte) error
}
