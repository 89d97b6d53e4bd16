// Package registry is an ownership-style store: each registration is
// claimed by the identity that first publishes it, at an id derived from
// (owner, address), and only that owner may change or remove it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"lens/pkg/admission"
	"lens/pkg/codec"
	"lens/pkg/docid"
	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/store"
)

// StoreName is the name of the replicated registration store.
const StoreName = "registry"

// TypeRegistration is the only document type in the store.
const TypeRegistration = "registration"

// Manifest describes what a registration points at.
type Manifest struct {
	Title       string            `cbor:"title" json:"title" validate:"required,max=256"`
	Description string            `cbor:"description,omitempty" json:"description,omitempty" validate:"max=4096"`
	ContentType string            `cbor:"content_type,omitempty" json:"content_type,omitempty" validate:"max=128"`
	ContentID   string            `cbor:"content_id,omitempty" json:"content_id,omitempty" validate:"max=256"`
	Metadata    map[string]string `cbor:"metadata,omitempty" json:"metadata,omitempty"`
}

// Registration is owner's claim on a resource address.
type Registration struct {
	Owner    identity.Identity `cbor:"owner" json:"owner" validate:"required"`
	Address  string            `cbor:"address" json:"address" validate:"required,max=512"`
	Manifest Manifest          `cbor:"manifest" json:"manifest"`
}

// OwnerIdentity implements admission.Owned.
func (r Registration) OwnerIdentity() identity.Identity {
	return r.Owner
}

// DerivedID implements admission.Owned.
func (r Registration) DerivedID() string {
	return docid.RegistrationID(r.Owner, r.Address)
}

// Decode decodes a registration payload for the ownership policy.
func Decode(payload []byte) (admission.Owned, error) {
	var r Registration
	if err := codec.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("decoding registration: %w", err)
	}
	return r, nil
}

// Policy is the registry's admission policy.
func Policy() admission.Policy {
	return admission.Ownership{Decode: Decode}
}

// Open creates the registration store and replays its log. cfg.Name,
// cfg.Policy and cfg.Schema are filled in.
func Open(cfg store.Config) (*store.Store, error) {
	cfg.Name = StoreName
	cfg.Policy = Policy()
	cfg.Schema = store.Types(map[string]func() any{
		TypeRegistration: func() any { return new(Registration) },
	})
	s, err := store.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Replay(); err != nil {
		return nil, err
	}
	return s, nil
}

// Service publishes and manages registrations as one signer.
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

// Publish claims address for the signer. Publishing again overwrites the
// signer's own manifest.
func (s *Service) Publish(ctx context.Context, address string, manifest Manifest) (Registration, error) {
	reg := Registration{Owner: s.signer.Identity(), Address: address, Manifest: manifest}
	if err := s.put(ctx, reg); err != nil {
		return Registration{}, err
	}
	s.logger.Info("Published registration",
		zap.String("address", address),
		zap.String("id", reg.DerivedID()))
	return reg, nil
}

// UpdateManifest replaces the manifest of owner's registration for
// address. It fails with errs.NotFound if there is none, and with
// errs.AccessDenied unless the signer is owner.
func (s *Service) UpdateManifest(ctx context.Context, owner identity.Identity, address string, manifest Manifest) (Registration, error) {
	reg, err := s.Get(ctx, docid.RegistrationID(owner, address))
	if err != nil {
		return Registration{}, err
	}
	reg.Manifest = manifest
	if err := s.put(ctx, reg); err != nil {
		return Registration{}, err
	}
	s.logger.Info("Updated registration manifest",
		zap.String("address", address),
		zap.String("id", reg.DerivedID()))
	return reg, nil
}

// Unpublish removes owner's registration for address. Removing a
// registration that does not exist is a no-op.
func (s *Service) Unpublish(ctx context.Context, owner identity.Identity, address string) error {
	id := docid.RegistrationID(owner, address)
	if err := store.Write(ctx, s.col, s.signer, document.KindDelete, "", id, nil); err != nil {
		return err
	}
	s.logger.Info("Unpublished registration", zap.String("address", address), zap.String("id", id))
	return nil
}

// Get returns the registration at id or errs.NotFound.
func (s *Service) Get(ctx context.Context, id string) (Registration, error) {
	reg, err := store.Lookup[Registration](ctx, s.col, id)
	if errors.Is(err, errs.NotFound) {
		return Registration{}, errs.New(errs.CodeNotFound, "registration %s not found", id)
	}
	return reg, err
}

// ByOwner returns owner's registrations sorted by address.
func (s *Service) ByOwner(ctx context.Context, owner identity.Identity) ([]Registration, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Registration
	for _, r := range all {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

// List returns every registration sorted by address, then owner.
func (s *Service) List(ctx context.Context) ([]Registration, error) {
	docs, err := s.col.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}
	out := make([]Registration, 0, len(docs))
	for _, d := range docs {
		r, err := document.Decode[Registration](d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Owner.String() < out[j].Owner.String()
	})
	return out, nil
}

func (s *Service) put(ctx context.Context, reg Registration) error {
	return store.Write(ctx, s.col, s.signer, document.KindPut, TypeRegistration, reg.DerivedID(), reg)
}
