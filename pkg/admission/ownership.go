package admission

import (
	"lens/pkg/document"
	"lens/pkg/identity"
)

// Owned is a record with an immutable owner and a content-derived id.
type Owned interface {
	// OwnerIdentity returns the owner named inside the record.
	OwnerIdentity() identity.Identity

	// DerivedID recomputes the record's id from its defining fields.
	DerivedID() string
}

// Ownership admits puts signed by the record owner and deletes signed by
// the owner of the existing record.
type Ownership struct {
	// Decode turns a stored or proposed payload into an Owned record.
	Decode func(payload []byte) (Owned, error)
}

// Admit applies the ownership rules:
//
//	put:    signer == record.owner
//	        and, if a record exists at op.ID, existing.owner == record.owner
//	        and record derives to op.ID
//	delete: absent target is a no-op and allowed;
//	        otherwise signer == existing.owner
func (o Ownership) Admit(op *document.Operation, index Index) Result {
	if r, denied := DenyUnknownKind(op); denied {
		return r
	}

	switch op.Kind {
	case document.KindPut:
		record, err := o.Decode(op.Payload)
		if err != nil {
			return Denied(ReasonMalformedPayload, "%v", err)
		}
		owner := record.OwnerIdentity()
		if owner != op.Signer {
			return Denied(ReasonNotOwner, "record owner %s, signer %s", owner.Short(), op.Signer.Short())
		}
		if existing, ok := index.Lookup(op.ID); ok {
			prev, err := o.Decode(existing.Payload)
			if err != nil {
				return Denied(ReasonMalformedPayload, "existing record: %v", err)
			}
			if prev.OwnerIdentity() != owner {
				return Denied(ReasonOwnerImmutable, "existing owner %s", prev.OwnerIdentity().Short())
			}
		}
		// Checked last so a hijack attempt on an existing id reports the
		// owner conflict rather than the id arithmetic.
		if record.DerivedID() != op.ID {
			return Denied(ReasonIDMismatch, "record derives to %s", record.DerivedID())
		}
		return Permit()

	default: // document.KindDelete
		existing, ok := index.Lookup(op.ID)
		if !ok {
			return Permit()
		}
		prev, err := o.Decode(existing.Payload)
		if err != nil {
			return Denied(ReasonMalformedPayload, "existing record: %v", err)
		}
		if prev.OwnerIdentity() != op.Signer {
			return Denied(ReasonNotOwner, "record owner %s, signer %s", prev.OwnerIdentity().Short(), op.Signer.Short())
		}
		return Permit()
	}
}
