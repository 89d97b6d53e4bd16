// Package admission implements the decision procedure every replica runs,
// independently, before an operation may enter its view of a store.
//
// A Policy is a pure function of the operation, its signer (already
// verified by the log layer) and the locally replicated prior state
// exposed through Index. It must not block on the network and must not
// mutate anything: the same operation evaluated against the same
// converged state yields the same verdict on every peer, whether it
// originated locally or arrived through replication.
//
// # Policies
//
//   - Ownership: the signer must own the record, owners are immutable,
//     deleting an absent record is a no-op.
//   - RoleGated: the signer must hold the permission mapped to the
//     operation kind, resolved through the role store.
//
// Unknown operation kinds are always denied.
package admission

import (
	"fmt"

	"lens/pkg/document"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	// Deny means the operation must not be merged.
	Deny Decision = iota

	// Allow means the operation may be merged.
	Allow
)

// String returns "allow" or "deny".
func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Reason describes why an operation was denied.
type Reason int

const (
	// ReasonNone accompanies Allow.
	ReasonNone Reason = iota

	// ReasonUnknownKind means the operation kind is not put or delete.
	ReasonUnknownKind

	// ReasonMalformedPayload means the put payload did not decode.
	ReasonMalformedPayload

	// ReasonIDMismatch means the record does not derive to the target id.
	ReasonIDMismatch

	// ReasonNotOwner means the signer is not the record owner.
	ReasonNotOwner

	// ReasonOwnerImmutable means a put tried to change an existing owner.
	ReasonOwnerImmutable

	// ReasonMissingPermission means the signer lacks the required permission.
	ReasonMissingPermission

	// ReasonUnrecognizedSite means the signer is not a recognized site key.
	ReasonUnrecognizedSite

	// ReasonWriteOnce means a put targeted an existing append-only record.
	ReasonWriteOnce

	// ReasonRejected is used by ad-hoc policies.
	ReasonRejected
)

// String returns a short label, also used as a metric label value.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonUnknownKind:
		return "unknown_kind"
	case ReasonMalformedPayload:
		return "malformed_payload"
	case ReasonIDMismatch:
		return "id_mismatch"
	case ReasonNotOwner:
		return "not_owner"
	case ReasonOwnerImmutable:
		return "owner_immutable"
	case ReasonMissingPermission:
		return "missing_permission"
	case ReasonUnrecognizedSite:
		return "unrecognized_site"
	case ReasonWriteOnce:
		return "write_once"
	case ReasonRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result is the verdict plus enough context to log it.
type Result struct {
	Decision Decision
	Reason   Reason
	Detail   string
}

// Allowed reports whether the operation may be merged.
func (r Result) Allowed() bool {
	return r.Decision == Allow
}

// String renders the result for logs and error messages.
func (r Result) String() string {
	if r.Allowed() {
		return "allow"
	}
	if r.Detail == "" {
		return "deny: " + r.Reason.String()
	}
	return "deny: " + r.Reason.String() + ": " + r.Detail
}

// Permit is the allow verdict.
func Permit() Result {
	return Result{Decision: Allow}
}

// Denied builds a deny verdict.
func Denied(reason Reason, format string, args ...any) Result {
	return Result{Decision: Deny, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Index is the read-only view of locally replicated state a policy may
// consult. Lookups never leave the process.
type Index interface {
	// Lookup returns the visible document at id.
	Lookup(id string) (document.Document, bool)
	// Seen reports whether id was ever written, including ids whose
	// document has since been deleted.
	Seen(id string) bool
}

// Policy decides whether an operation may be merged into a store.
// Implementations must be safe for concurrent use and free of side
// effects.
type Policy interface {
	Admit(op *document.Operation, index Index) Result
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(op *document.Operation, index Index) Result

// Admit calls f.
func (f PolicyFunc) Admit(op *document.Operation, index Index) Result {
	return f(op, index)
}

// CanPerform is the boolean form of Admit.
func CanPerform(p Policy, op *document.Operation, index Index) bool {
	return p.Admit(op, index).Allowed()
}

// Chain requires every policy to allow. The first denial wins.
func Chain(policies ...Policy) Policy {
	return PolicyFunc(func(op *document.Operation, index Index) Result {
		for _, p := range policies {
			if r := p.Admit(op, index); !r.Allowed() {
				return r
			}
		}
		return Permit()
	})
}

// DenyUnknownKind is the fail-closed guard every policy starts with.
func DenyUnknownKind(op *document.Operation) (Result, bool) {
	if op.Kind.Valid() {
		return Result{}, false
	}
	return Denied(ReasonUnknownKind, "operation kind %q", op.Kind), true
}
