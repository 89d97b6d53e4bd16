package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"lens/pkg/admission"
	"lens/pkg/docid"
	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/store"
)

// Policy is the admission policy of the role store: every write needs
// PermissionAdmin.
func Policy(checker admission.PermissionChecker) admission.Policy {
	return admission.RequireForAll(checker, PermissionAdmin)
}

// Schema accepts role and assignment documents stored at their derived ids.
func Schema() store.Schema {
	return store.Types(map[string]func() any{
		TypeRole:       func() any { return new(Role) },
		TypeAssignment: func() any { return new(Assignment) },
	})
}

// Open creates the role store with a resolver wired in as both its
// permission checker and its observer, then replays the persisted log.
// cfg.Name, cfg.Policy and cfg.Schema are filled in.
func Open(root identity.Identity, cfg store.Config) (*store.Store, *Resolver, error) {
	resolver := NewResolver(root, cfg.Logger)
	cfg.Name = StoreName
	cfg.Policy = Policy(resolver)
	cfg.Schema = Schema()

	s, err := store.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	s.Subscribe(resolver.Observe)
	if err := s.Replay(); err != nil {
		return nil, nil, err
	}
	return s, resolver, nil
}

// Service manages roles and assignments on behalf of one signer.
type Service struct {
	col    store.Collection
	signer identity.Signer
	logger *zap.Logger
}

// NewService creates a service writing to col as signer.
func NewService(col store.Collection, signer identity.Signer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{col: col, signer: signer, logger: logger}
}

// CreateRole creates a role. It fails with errs.Conflict if the name is
// taken.
func (s *Service) CreateRole(ctx context.Context, name string, permissions []string) (Role, error) {
	role, err := NewRole(name, permissions)
	if err != nil {
		return Role{}, errs.Wrap(errs.CodeInvalidState, err, "create role")
	}
	exists, err := s.exists(ctx, role.DerivedID())
	if err != nil {
		return Role{}, err
	}
	if exists {
		return Role{}, errs.New(errs.CodeConflict, "role %q already exists", name)
	}
	if err := s.put(ctx, TypeRole, role.DerivedID(), role); err != nil {
		return Role{}, err
	}
	s.logger.Info("Created role", zap.String("role", name), zap.Strings("permissions", role.Permissions))
	return role, nil
}

// UpdateRole replaces a role's permission set. It fails with
// errs.NotFound if the role does not exist.
func (s *Service) UpdateRole(ctx context.Context, name string, permissions []string) (Role, error) {
	role, err := NewRole(name, permissions)
	if err != nil {
		return Role{}, errs.Wrap(errs.CodeInvalidState, err, "update role")
	}
	if _, err := s.GetRole(ctx, name); err != nil {
		return Role{}, err
	}
	if err := s.put(ctx, TypeRole, role.DerivedID(), role); err != nil {
		return Role{}, err
	}
	s.logger.Info("Updated role", zap.String("role", name), zap.Strings("permissions", role.Permissions))
	return role, nil
}

// DeleteRole removes a role. Assignments naming it are left in place and
// stop contributing permissions.
func (s *Service) DeleteRole(ctx context.Context, name string) error {
	if _, err := s.GetRole(ctx, name); err != nil {
		return err
	}
	if err := s.write(ctx, document.KindDelete, "", docid.RoleID(name), nil); err != nil {
		return err
	}
	s.logger.Info("Deleted role", zap.String("role", name))
	return nil
}

// AssignRole grants role name to who. Assigning an already-assigned role
// is a no-op.
func (s *Service) AssignRole(ctx context.Context, who identity.Identity, name string) error {
	if who.IsZero() {
		return errs.New(errs.CodeInvalidState, "assign role %q: empty identity", name)
	}
	if _, err := s.GetRole(ctx, name); err != nil {
		return err
	}
	a := Assignment{Identity: who, Role: name}
	exists, err := s.exists(ctx, a.DerivedID())
	if err != nil || exists {
		return err
	}
	if err := s.put(ctx, TypeAssignment, a.DerivedID(), a); err != nil {
		return err
	}
	s.logger.Info("Assigned role", zap.String("role", name), zap.String("identity", who.String()))
	return nil
}

// RevokeRole removes role name from who. Revoking an assignment that
// does not exist is a no-op, whether or not the role exists.
func (s *Service) RevokeRole(ctx context.Context, who identity.Identity, name string) error {
	id := docid.AssignmentID(who, name)
	exists, err := s.exists(ctx, id)
	if err != nil || !exists {
		return err
	}
	if err := s.write(ctx, document.KindDelete, "", id, nil); err != nil {
		return err
	}
	s.logger.Info("Revoked role", zap.String("role", name), zap.String("identity", who.String()))
	return nil
}

// GetRole returns the named role or errs.NotFound.
func (s *Service) GetRole(ctx context.Context, name string) (Role, error) {
	role, err := store.Lookup[Role](ctx, s.col, docid.RoleID(name))
	if errors.Is(err, errs.NotFound) {
		return Role{}, errs.New(errs.CodeNotFound, "role %q not found", name)
	}
	return role, err
}

// ListRoles returns every role, sorted by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := listOf[Role](ctx, s.col, TypeRole)
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, err
}

// ListAssignments returns every assignment, including those naming
// deleted roles.
func (s *Service) ListAssignments(ctx context.Context) ([]Assignment, error) {
	return listOf[Assignment](ctx, s.col, TypeAssignment)
}

func (s *Service) exists(ctx context.Context, id string) (bool, error) {
	_, err := s.col.Get(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errs.NotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) put(ctx context.Context, docType, id string, record any) error {
	return s.write(ctx, document.KindPut, docType, id, record)
}

func (s *Service) write(ctx context.Context, kind document.Kind, docType, id string, record any) error {
	return store.Write(ctx, s.col, s.signer, kind, docType, id, record)
}

func listOf[T any](ctx context.Context, col store.Collection, docType string) ([]T, error) {
	docs, err := col.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", col.Name(), err)
	}
	var out []T
	for _, d := range docs {
		if d.Type != docType {
			continue
		}
		v, err := document.Decode[T](d)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
