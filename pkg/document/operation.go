// Package document defines the signed operations that mutate a replicated
// store and the documents those operations leave visible.
package document

import (
	"fmt"

	"lens/pkg/codec"
	"lens/pkg/docid"
	"lens/pkg/identity"
)

// signingDomain separates operation signatures from any other payload a
// key might sign.
const signingDomain = "lens/op/v1"

// Kind is the kind of mutation an operation performs.
type Kind string

const (
	KindPut    Kind = "put"
	KindDelete Kind = "delete"
)

// Valid reports whether k is a kind this version understands. Anything
// else must be rejected by every policy.
func (k Kind) Valid() bool {
	return k == KindPut || k == KindDelete
}

// Origin records where an operation entered the local replica.
type Origin int

const (
	// OriginLocal is a caller of this replica; rejections are returned.
	OriginLocal Origin = iota
	// OriginRemote arrived via replication; rejections are dropped.
	OriginRemote
	// OriginReplay is re-applied from the local op log at startup.
	OriginReplay
)

// String returns the lower-case origin name used in logs and metrics.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// Operation is a signed put or delete against one store.
//
// Clock is a Lamport timestamp used for last-writer-wins ordering.
// Operations are identified by Hash, so a signer writing through several
// replicas may produce more than one operation at the same clock.
type Operation struct {
	Store     string            `cbor:"store" json:"store"`
	Kind      Kind              `cbor:"kind" json:"kind"`
	Type      string            `cbor:"type,omitempty" json:"type,omitempty"`
	ID        string            `cbor:"id" json:"id"`
	Payload   []byte            `cbor:"payload,omitempty" json:"payload,omitempty"`
	Signer    identity.Identity `cbor:"signer" json:"signer"`
	Clock     uint64            `cbor:"clock" json:"clock"`
	Signature []byte            `cbor:"signature,omitempty" json:"signature,omitempty"`
}

// NewPut encodes record and returns an unsigned put operation.
func NewPut(store, docType, id string, record any) (*Operation, error) {
	payload, err := codec.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding %s record: %w", docType, err)
	}
	return &Operation{
		Store:   store,
		Kind:    KindPut,
		Type:    docType,
		ID:      id,
		Payload: payload,
	}, nil
}

// NewDelete returns an unsigned delete of id.
func NewDelete(store, id string) *Operation {
	return &Operation{
		Store: store,
		Kind:  KindDelete,
		ID:    id,
	}
}

// SigningBytes returns the bytes covered by the signature: the
// deterministic encoding of every field except Signature.
func (op *Operation) SigningBytes() []byte {
	unsigned := *op
	unsigned.Signature = nil
	encoded, err := codec.Marshal(&unsigned)
	if err != nil {
		// Every field is a plain value; encoding cannot fail.
		panic("document: encoding operation: " + err.Error())
	}
	out := make([]byte, 0, len(signingDomain)+1+len(encoded))
	out = append(out, signingDomain...)
	out = append(out, 0x00)
	return append(out, encoded...)
}

// Sign sets Signer to s's identity and signs the operation.
func (op *Operation) Sign(s identity.Signer) {
	op.Signer = s.Identity()
	op.Signature = s.Sign(op.SigningBytes())
}

// VerifySignature reports whether Signature is valid for Signer.
func (op *Operation) VerifySignature() bool {
	return identity.Verify(op.Signer, op.SigningBytes(), op.Signature)
}

// Hash identifies the signed operation. Two replicas holding the same
// operation compute the same hash.
func (op *Operation) Hash() string {
	encoded, err := codec.Marshal(op)
	if err != nil {
		panic("document: encoding operation: " + err.Error())
	}
	return docid.Derive(signingDomain, encoded)
}

// String is a short description for logs.
func (op *Operation) String() string {
	return fmt.Sprintf("%s %s/%s by %s @%d", op.Kind, op.Store, op.ID, op.Signer.Short(), op.Clock)
}
