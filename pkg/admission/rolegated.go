package admission

import (
	"lens/pkg/document"
	"lens/pkg/identity"
)

// PermissionChecker answers whether an identity holds a permission. It is
// satisfied by rbac.Resolver.
type PermissionChecker interface {
	Can(who identity.Identity, permission string) bool
}

// RoleGated admits an operation iff its signer holds the permission the
// store requires for the operation kind. A kind with no configured
// permission is denied.
type RoleGated struct {
	Checker  PermissionChecker
	Required map[document.Kind]string
}

// RequireForAll returns a RoleGated policy demanding permission for both
// puts and deletes.
func RequireForAll(checker PermissionChecker, permission string) RoleGated {
	return RoleGated{
		Checker: checker,
		Required: map[document.Kind]string{
			document.KindPut:    permission,
			document.KindDelete: permission,
		},
	}
}

// Admit checks the signer's permission for the operation kind.
func (g RoleGated) Admit(op *document.Operation, _ Index) Result {
	if r, denied := DenyUnknownKind(op); denied {
		return r
	}
	permission, ok := g.Required[op.Kind]
	if !ok || permission == "" {
		return Denied(ReasonMissingPermission, "no permission configured for %s", op.Kind)
	}
	if !g.Checker.Can(op.Signer, permission) {
		return Denied(ReasonMissingPermission, "%s lacks %q", op.Signer.Short(), permission)
	}
	return Permit()
}
