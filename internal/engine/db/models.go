package db

import "time"

// KeyState is the latest accepted establishment event of an identifier.
type KeyState struct {
	Prefix    string    `json:"prefix"`
	SN        uint64    `json:"sn"`
	Keys      []string  `json:"keys"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry is a credential registry bound to its issuer.
type Registry struct {
	RegK      string    `json:"regk"`
	Issuer    string    `json:"issuer"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is a verified credential. Attributes holds the JSON attribute
// block; Raw holds the signed message as received.
type Credential struct {
	SAID       string    `json:"said"`
	Issuer     string    `json:"issuer"`
	RegK       string    `json:"regk"`
	Schema     string    `json:"schema"`
	Attributes []byte    `json:"-"`
	Raw        []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// Reply is the latest signed reply per route and signer.
type Reply struct {
	Route     string    `json:"route"`
	Signer    string    `json:"signer"`
	Data      []byte    `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EscrowKind names one of the escrow queues.
type EscrowKind string

const (
	EscrowKeyEvent   EscrowKind = "kel"
	EscrowReply      EscrowKind = "rpy"
	EscrowRegistry   EscrowKind = "tel"
	EscrowCredential EscrowKind = "vc"
)

// Escrowed is a message waiting for a dependency.
type Escrowed struct {
	ID         int64
	Kind       EscrowKind
	Dig        string
	Msg        []byte
	Reason     string
	EscrowedAt time.Time
}
