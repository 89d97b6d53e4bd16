package federation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"lens/pkg/admission"
	"lens/pkg/docid"
	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/rbac"
	"lens/pkg/store"
)

// PointerStoreName is the name of the replicated content pointer store.
const PointerStoreName = "pointers"

// TypeContentPointer is the only document type in the pointer store.
const TypeContentPointer = "content_pointer"

// ContentPointer is a local reference to content published by another
// site. The content itself stays with its source.
type ContentPointer struct {
	ContentID      string    `cbor:"content_id" json:"content_id" validate:"required"`
	Title          string    `cbor:"title" json:"title" validate:"max=256"`
	SourceSiteID   string    `cbor:"source_site_id" json:"source_site_id" validate:"required"`
	SourceSiteName string    `cbor:"source_site_name,omitempty" json:"source_site_name,omitempty"`
	ContentType    string    `cbor:"content_type,omitempty" json:"content_type,omitempty"`
	FederatedAt    time.Time `cbor:"federated_at" json:"federated_at"`
}

// DerivedID returns the pointer's id: one pointer per source content.
func (p ContentPointer) DerivedID() string {
	return docid.PointerID(p.SourceSiteID, p.ContentID)
}

// OpenPointers creates the pointer store, gated on
// rbac.PermissionPointers, and replays its log. cfg.Name, cfg.Policy and
// cfg.Schema are filled in.
func OpenPointers(checker admission.PermissionChecker, cfg store.Config) (*store.Store, error) {
	cfg.Name = PointerStoreName
	cfg.Policy = admission.RequireForAll(checker, rbac.PermissionPointers)
	cfg.Schema = store.Types(map[string]func() any{
		TypeContentPointer: func() any { return new(ContentPointer) },
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

// Pointers mirrors remote content into the local pointer store.
type Pointers struct {
	col    store.Collection
	signer identity.Signer
	sites  *SiteDirectory
	logger *zap.Logger
}

// NewPointers creates a pointer service writing to col as signer. sites
// supplies display names; it may be nil.
func NewPointers(col store.Collection, signer identity.Signer, sites *SiteDirectory, logger *zap.Logger) *Pointers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pointers{col: col, signer: signer, sites: sites, logger: logger}
}

// Mirror records a pointer to contentID on source. Mirroring the same
// content again refreshes the pointer.
func (p *Pointers) Mirror(ctx context.Context, source, contentID, title, contentType string) (ContentPointer, error) {
	if _, err := ParseSiteAddress(source); err != nil {
		return ContentPointer{}, errs.Wrap(errs.CodeInvalidState, err, "mirror")
	}
	ptr := ContentPointer{
		ContentID:    contentID,
		Title:        title,
		SourceSiteID: source,
		ContentType:  contentType,
		FederatedAt:  time.Now().UTC(),
	}
	if p.sites != nil {
		if site, ok := p.sites.Get(source); ok {
			ptr.SourceSiteName = site.DisplayName()
		}
	}
	err := store.Write(ctx, p.col, p.signer, document.KindPut, TypeContentPointer, ptr.DerivedID(), ptr)
	if err != nil {
		return ContentPointer{}, err
	}
	p.logger.Info("Mirrored content",
		zap.String("source", source),
		zap.String("content_id", contentID))
	return ptr, nil
}

// MirrorReleases mirrors every content id announced by a releases_added
// message and drops every id announced by releases_removed.
func (p *Pointers) MirrorReleases(ctx context.Context, msg SyncMessage) error {
	rel, err := msg.Releases()
	if err != nil {
		return errs.Wrap(errs.CodeInvalidState, err, "mirror releases")
	}
	for _, id := range rel.ContentIDs {
		if msg.Kind == ReleasesAdded {
			_, err = p.Mirror(ctx, msg.SourceSite, id, "", "")
		} else {
			err = p.Drop(ctx, msg.SourceSite, id)
		}
		if err != nil {
			return fmt.Errorf("content %s: %w", id, err)
		}
	}
	return nil
}

// Drop removes the pointer to contentID on source.
func (p *Pointers) Drop(ctx context.Context, source, contentID string) error {
	return store.Write(ctx, p.col, p.signer, document.KindDelete, "", docid.PointerID(source, contentID), nil)
}

// List returns every pointer ordered by source, then content id.
func (p *Pointers) List(ctx context.Context) ([]ContentPointer, error) {
	docs, err := p.col.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pointers: %w", err)
	}
	out := make([]ContentPointer, 0, len(docs))
	for _, d := range docs {
		ptr, err := document.Decode[ContentPointer](d)
		if err != nil {
			return nil, err
		}
		out = append(out, ptr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceSiteID != out[j].SourceSiteID {
			return out[i].SourceSiteID < out[j].SourceSiteID
		}
		return out[i].ContentID < out[j].ContentID
	})
	return out, nil
}

// FromSite returns the pointers mirrored from source.
func (p *Pointers) FromSite(ctx context.Context, source string) ([]ContentPointer, error) {
	all, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []ContentPointer
	for _, ptr := range all {
		if ptr.SourceSiteID == source {
			out = append(out, ptr)
		}
	}
	return out, nil
}
