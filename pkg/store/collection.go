package store

import (
	"context"
	"fmt"

	"lens/pkg/document"
	"lens/pkg/identity"
)

// Collection is the surface services need from a store, whether it lives
// in this process or behind a replica's RPC endpoint.
type Collection interface {
	Name() string
	Get(ctx context.Context, id string) (document.Document, error)
	List(ctx context.Context) ([]document.Document, error)
	Head(ctx context.Context) (Head, error)
	Commit(ctx context.Context, op *document.Operation) error
}

var _ Collection = (*Store)(nil)

// Write builds an operation against col, signs it with signer and commits
// it. record is ignored for deletes.
func Write(ctx context.Context, col Collection, signer identity.Signer, kind document.Kind, docType, id string, record any) error {
	var op *document.Operation
	switch kind {
	case document.KindPut:
		var err error
		op, err = document.NewPut(col.Name(), docType, id, record)
		if err != nil {
			return err
		}
	case document.KindDelete:
		op = document.NewDelete(col.Name(), id)
	default:
		return fmt.Errorf("unsupported operation kind %q", kind)
	}

	if local, ok := col.(*Store); ok {
		return local.signAndCommit(signer, op)
	}

	head, err := col.Head(ctx)
	if err != nil {
		return fmt.Errorf("reading head of %s: %w", col.Name(), err)
	}
	if op.Clock, err = NextClock(head); err != nil {
		return err
	}
	op.Sign(signer)
	return col.Commit(ctx, op)
}

// Lookup decodes the document at id into a new T.
func Lookup[T any](ctx context.Context, col Collection, id string) (T, error) {
	var zero T
	doc, err := col.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	return document.Decode[T](doc)
}
