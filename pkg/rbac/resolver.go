package rbac

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"lens/pkg/document"
	"lens/pkg/identity"
)

// Resolver answers permission questions from a local mirror of the role
// store. It is kept current by subscribing Observe to the store, so a
// lookup never leaves the process and never takes the store's lock.
type Resolver struct {
	root   identity.Identity
	logger *zap.Logger

	mu    sync.RWMutex
	roles map[string]Role
	// assigned is the identity -> role names index; it may name roles
	// that no longer exist.
	assigned map[identity.Identity]map[string]struct{}
}

// NewResolver creates a resolver with root as the immutable root admin.
func NewResolver(root identity.Identity, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		root:     root,
		logger:   logger,
		roles:    make(map[string]Role),
		assigned: make(map[identity.Identity]map[string]struct{}),
	}
}

// Root returns the root admin identity.
func (r *Resolver) Root() identity.Identity {
	return r.root
}

// Observe applies one change from the role store. It satisfies
// store.Observer.
func (r *Resolver) Observe(c document.Change) {
	switch c.Document.Type {
	case TypeRole:
		role, err := document.Decode[Role](c.Document)
		if err != nil {
			r.logger.Warn("Ignoring undecodable role", zap.String("id", c.Document.ID), zap.Error(err))
			return
		}
		r.mu.Lock()
		if c.Deleted {
			delete(r.roles, role.Name)
		} else {
			r.roles[role.Name] = role
		}
		r.mu.Unlock()

	case TypeAssignment:
		a, err := document.Decode[Assignment](c.Document)
		if err != nil {
			r.logger.Warn("Ignoring undecodable assignment", zap.String("id", c.Document.ID), zap.Error(err))
			return
		}
		r.mu.Lock()
		if c.Deleted {
			if names := r.assigned[a.Identity]; names != nil {
				delete(names, a.Role)
				if len(names) == 0 {
					delete(r.assigned, a.Identity)
				}
			}
		} else {
			names := r.assigned[a.Identity]
			if names == nil {
				names = make(map[string]struct{})
				r.assigned[a.Identity] = names
			}
			names[a.Role] = struct{}{}
		}
		r.mu.Unlock()
	}
}

// PermissionsOf returns the sorted union of permissions of every role
// assigned to who that still exists. The root admin resolves to the
// wildcard.
func (r *Resolver) PermissionsOf(who identity.Identity) []string {
	if who == r.root {
		return []string{Wildcard}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{})
	for name := range r.assigned[who] {
		role, ok := r.roles[name]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// Can reports whether who holds permission. Unknown identities hold
// nothing; the root admin holds everything.
func (r *Resolver) Can(who identity.Identity, permission string) bool {
	if who == r.root {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name := range r.assigned[who] {
		if role, ok := r.roles[name]; ok && role.Grants(permission) {
			return true
		}
	}
	return false
}

// Roles returns every existing role, sorted by name.
func (r *Resolver) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RolesOf returns the role names assigned to who, sorted, including
// names whose role has been deleted.
func (r *Resolver) RolesOf(who identity.Identity) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.assigned[who]))
	for name := range r.assigned[who] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
