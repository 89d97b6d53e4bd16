package replication

import (
	"time"

	"lens/pkg/document"
	"lens/pkg/identity"
	"lens/pkg/store"
)

// ExchangeRequest asks for the operations a replica with Summary is
// missing. Known lists op hashes the requester already holds for the
// signers an earlier response reported as diverged, plus anything it
// received earlier in the same pull.
type ExchangeRequest struct {
	Store   string        `cbor:"store"`
	Summary store.Summary `cbor:"summary"`
	Known   []string      `cbor:"known,omitempty"`
	Limit   int           `cbor:"limit,omitempty"`
}

// ExchangeResponse carries missing operations in causal order. More is
// set when the batch was truncated at the requested limit.
type ExchangeResponse struct {
	Ops      []*document.Operation `cbor:"ops"`
	Diverged []identity.Identity   `cbor:"diverged,omitempty"`
	More     bool                  `cbor:"more,omitempty"`
}

// SubmitRequest submits a signed operation as if written locally.
type SubmitRequest struct {
	Op *document.Operation `cbor:"op"`
}

// SubmitResponse acknowledges an admitted operation.
type SubmitResponse struct {
	Hash string `cbor:"hash"`
}

type HeadRequest struct {
	Store string `cbor:"store"`
}

type HeadResponse struct {
	Head store.Head `cbor:"head"`
}

type GetRequest struct {
	Store string `cbor:"store"`
	ID    string `cbor:"id"`
}

type GetResponse struct {
	Document document.Document `cbor:"document"`
}

type ListRequest struct {
	Store string `cbor:"store"`
}

type ListResponse struct {
	Documents []document.Document `cbor:"documents"`
}

// CanRequest asks whether Identity holds Permission on the serving
// replica's role store.
type CanRequest struct {
	Identity   identity.Identity `cbor:"identity"`
	Permission string            `cbor:"permission,omitempty"`
}

type CanResponse struct {
	Allowed     bool     `cbor:"allowed"`
	Permissions []string `cbor:"permissions"`
}

type StatusRequest struct{}

// StatusResponse describes a replica.
type StatusResponse struct {
	Site     string            `cbor:"site" json:"site"`
	Identity identity.Identity `cbor:"identity" json:"identity"`
	Stores   []StoreStatus     `cbor:"stores" json:"stores"`
	Peers    []Peer            `cbor:"peers" json:"peers"`
	Time     time.Time         `cbor:"time" json:"time"`
}

// StoreStatus summarizes one store on a replica.
type StoreStatus struct {
	Name      string        `cbor:"name" json:"name"`
	Documents int           `cbor:"documents" json:"documents"`
	Summary   store.Summary `cbor:"summary" json:"summary"`
}
