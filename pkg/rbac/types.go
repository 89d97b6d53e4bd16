// Package rbac keeps roles and role assignments in a replicated store and
// resolves an identity's effective permissions from them.
//
// Roles and assignments are ordinary documents: every change is a signed
// put or delete admitted by the same role-gated policy on every replica.
// Deleting a role does not touch its assignments; a dangling assignment
// simply contributes nothing when permissions are resolved.
package rbac

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"

	"lens/pkg/docid"
	"lens/pkg/identity"
)

// StoreName is the name of the replicated role store.
const StoreName = "rbac"

// Document types in the role store.
const (
	TypeRole       = "role"
	TypeAssignment = "assignment"
)

// Well-known permissions.
const (
	// PermissionAdmin is required to write the role store.
	PermissionAdmin = "rbac/admin"

	// PermissionPointers is required to mirror federated content pointers.
	PermissionPointers = "federation/pointers"

	// Wildcard granted by a role implies every permission.
	Wildcard = "*"
)

// Role is a named set of permissions.
type Role struct {
	Name        string   `cbor:"name" json:"name" validate:"required,max=64"`
	Permissions []string `cbor:"permissions" json:"permissions" validate:"dive,required,max=128"`
}

// DerivedID is the id a role document must be stored at.
func (r Role) DerivedID() string {
	return docid.RoleID(r.Name)
}

// Grants reports whether the role grants permission directly or through
// the wildcard.
func (r Role) Grants(permission string) bool {
	for _, p := range r.Permissions {
		if p == permission || p == Wildcard {
			return true
		}
	}
	return false
}

// Assignment grants a role to an identity.
type Assignment struct {
	Identity identity.Identity `cbor:"identity" json:"identity" validate:"required"`
	Role     string            `cbor:"role" json:"role" validate:"required,max=64"`
}

// DerivedID is the id an assignment document must be stored at.
func (a Assignment) DerivedID() string {
	return docid.AssignmentID(a.Identity, a.Role)
}

var (
	validate     = validator.New(validator.WithRequiredStructEnabled())
	roleNameExpr = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)
	permExpr     = regexp.MustCompile(`^(\*|[a-z0-9][a-z0-9_.-]*(/[a-z0-9_.-]+)*)$`)
)

func init() {
	validate.RegisterValidation("rolename", func(fl validator.FieldLevel) bool {
		return roleNameExpr.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
		return permExpr.MatchString(fl.Field().String())
	})
}

// NewRole validates its input and returns a role with sorted, unique
// permissions so identical roles encode identically.
func NewRole(name string, permissions []string) (Role, error) {
	if err := validate.Var(name, "required,max=64,rolename"); err != nil {
		return Role{}, fmt.Errorf("invalid role name %q", name)
	}
	seen := make(map[string]bool, len(permissions))
	perms := make([]string, 0, len(permissions))
	for _, p := range permissions {
		if err := validate.Var(p, "required,max=128,permission"); err != nil {
			return Role{}, fmt.Errorf("invalid permission %q", p)
		}
		if !seen[p] {
			seen[p] = true
			perms = append(perms, p)
		}
	}
	sort.Strings(perms)
	return Role{Name: name, Permissions: perms}, nil
}
