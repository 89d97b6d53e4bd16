package document

import (
	"fmt"

	"lens/pkg/codec"
	"lens/pkg/identity"
)

// Document is the visible state of one id in a store.
type Document struct {
	Store   string            `cbor:"store" json:"store"`
	Type    string            `cbor:"type" json:"type"`
	ID      string            `cbor:"id" json:"id"`
	Payload []byte            `cbor:"payload" json:"payload"`
	Author  identity.Identity `cbor:"author" json:"author"`
	Clock   uint64            `cbor:"clock" json:"clock"`
	OpHash  string            `cbor:"op_hash" json:"op_hash"`
}

// FromPut builds the document a put operation leaves behind.
func FromPut(op *Operation, hash string) Document {
	return Document{
		Store:   op.Store,
		Type:    op.Type,
		ID:      op.ID,
		Payload: op.Payload,
		Author:  op.Signer,
		Clock:   op.Clock,
		OpHash:  hash,
	}
}

// Decode decodes the payload into v.
func (d Document) Decode(v any) error {
	if err := codec.Unmarshal(d.Payload, v); err != nil {
		return fmt.Errorf("decoding %s %s: %w", d.Type, d.ID, err)
	}
	return nil
}

// Decode decodes a document payload into a new T.
func Decode[T any](d Document) (T, error) {
	var v T
	err := d.Decode(&v)
	return v, err
}

// Change is emitted to store observers whenever the visible state of an
// id changes. Deleted is true when the id became absent; Document then
// carries the last visible state.
type Change struct {
	Document Document
	Deleted  bool
	Origin   Origin
}
