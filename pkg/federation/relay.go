package federation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"lens/pkg/admission"
	"lens/pkg/codec"
	"lens/pkg/docid"
	"lens/pkg/document"
	"lens/pkg/identity"
	"lens/pkg/store"
)

// RelayStoreName is the name of the replicated sync message store.
const RelayStoreName = "relay"

// TypeSyncMessage is the only document type in the relay store.
const TypeSyncMessage = "sync_message"

// MessageKind is the kind of a sync message.
type MessageKind string

const (
	ReleasesAdded   MessageKind = "releases_added"
	ReleasesRemoved MessageKind = "releases_removed"
	SyncRequest     MessageKind = "sync_request"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case ReleasesAdded, ReleasesRemoved, SyncRequest:
		return true
	}
	return false
}

// SyncMessage announces a content change, or asks for a resync, on
// behalf of SourceSite. Messages are write-once events; Timestamp orders
// them for display within one source and is otherwise advisory.
type SyncMessage struct {
	ID         string      `cbor:"id" json:"id" validate:"required"`
	SourceSite string      `cbor:"source_site" json:"source_site" validate:"required"`
	Kind       MessageKind `cbor:"kind" json:"kind" validate:"required"`
	Payload    []byte      `cbor:"payload,omitempty" json:"payload,omitempty"`
	Timestamp  time.Time   `cbor:"timestamp" json:"timestamp"`
}

// ReleasesPayload is the payload of releases_added and releases_removed.
type ReleasesPayload struct {
	ContentIDs []string `cbor:"content_ids" json:"content_ids"`
}

// Releases decodes a releases payload.
func (m SyncMessage) Releases() (ReleasesPayload, error) {
	var p ReleasesPayload
	if m.Kind != ReleasesAdded && m.Kind != ReleasesRemoved {
		return p, fmt.Errorf("%s message carries no releases", m.Kind)
	}
	if err := codec.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("decoding releases: %w", err)
	}
	return p, nil
}

// RelayPolicy admits sync messages from recognized sites:
//
//	put:    signer is the registered key of message.SourceSite,
//	        the kind is known, and the id is not already taken
//	delete: absent target is a no-op; otherwise only the signer of the
//	        existing message may remove it
type RelayPolicy struct {
	Sites *SiteDirectory
}

// Admit implements admission.Policy.
func (p RelayPolicy) Admit(op *document.Operation, index admission.Index) admission.Result {
	if r, denied := admission.DenyUnknownKind(op); denied {
		return r
	}

	if op.Kind == document.KindDelete {
		existing, ok := index.Lookup(op.ID)
		if !ok || existing.Author == op.Signer {
			return admission.Permit()
		}
		return admission.Denied(admission.ReasonNotOwner, "message signed by %s", existing.Author.Short())
	}

	var msg SyncMessage
	if err := codec.Unmarshal(op.Payload, &msg); err != nil {
		return admission.Denied(admission.ReasonMalformedPayload, "%v", err)
	}
	if !msg.Kind.Valid() {
		return admission.Denied(admission.ReasonMalformedPayload, "message kind %q", msg.Kind)
	}
	if !p.Sites.Recognizes(msg.SourceSite, op.Signer) {
		return admission.Denied(admission.ReasonUnrecognizedSite, "%s is not the key of %q", op.Signer.Short(), msg.SourceSite)
	}
	if msg.ID != op.ID {
		return admission.Denied(admission.ReasonIDMismatch, "message id %s", msg.ID)
	}
	// Retracted ids stay taken.
	if index.Seen(op.ID) {
		return admission.Denied(admission.ReasonWriteOnce, "message %s already exists", op.ID)
	}
	return admission.Permit()
}

// OpenRelay creates the relay store and replays its log. cfg.Name,
// cfg.Policy and cfg.Schema are filled in.
func OpenRelay(sites *SiteDirectory, cfg store.Config) (*store.Store, error) {
	cfg.Name = RelayStoreName
	cfg.Policy = RelayPolicy{Sites: sites}
	cfg.Schema = store.Types(map[string]func() any{
		TypeSyncMessage: func() any { return new(SyncMessage) },
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

// Relay emits and reads sync messages as one site.
type Relay struct {
	col    store.Collection
	signer identity.Signer
	site   string
	logger *zap.Logger
}

// NewRelay creates a relay posting to col as site, signed by signer.
func NewRelay(col store.Collection, signer identity.Signer, site string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{col: col, signer: signer, site: site, logger: logger}
}

// Announce posts a new message of kind from the relay's site.
func (r *Relay) Announce(ctx context.Context, kind MessageKind, payload any) (SyncMessage, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = codec.Marshal(payload); err != nil {
			return SyncMessage{}, fmt.Errorf("encoding %s payload: %w", kind, err)
		}
	}
	msg := SyncMessage{
		ID:         docid.Random(),
		SourceSite: r.site,
		Kind:       kind,
		Payload:    body,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.Post(ctx, msg); err != nil {
		return SyncMessage{}, err
	}
	return msg, nil
}

// AnnounceReleases posts releases_added or releases_removed.
func (r *Relay) AnnounceReleases(ctx context.Context, kind MessageKind, contentIDs ...string) (SyncMessage, error) {
	return r.Announce(ctx, kind, ReleasesPayload{ContentIDs: contentIDs})
}

// RequestSync asks peers to re-announce their releases.
func (r *Relay) RequestSync(ctx context.Context) (SyncMessage, error) {
	return r.Announce(ctx, SyncRequest, nil)
}

// Post stores a fully formed message.
func (r *Relay) Post(ctx context.Context, msg SyncMessage) error {
	msg.Timestamp = msg.Timestamp.UTC()
	if err := store.Write(ctx, r.col, r.signer, document.KindPut, TypeSyncMessage, msg.ID, msg); err != nil {
		return err
	}
	r.logger.Info("Posted sync message",
		zap.String("id", msg.ID),
		zap.String("source", msg.SourceSite),
		zap.String("kind", string(msg.Kind)))
	return nil
}

// Retract deletes a message this relay's signer posted.
func (r *Relay) Retract(ctx context.Context, id string) error {
	return store.Write(ctx, r.col, r.signer, document.KindDelete, "", id, nil)
}

// Messages returns source's messages ordered by timestamp, then id.
func (r *Relay) Messages(ctx context.Context, source string) ([]SyncMessage, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []SyncMessage
	for _, m := range all {
		if m.SourceSite == source {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Sources returns the sites that have posted messages, sorted.
func (r *Relay) Sources(ctx context.Context) ([]string, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, m := range all {
		if !seen[m.SourceSite] {
			seen[m.SourceSite] = true
			out = append(out, m.SourceSite)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Relay) all(ctx context.Context) ([]SyncMessage, error) {
	docs, err := r.col.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sync messages: %w", err)
	}
	out := make([]SyncMessage, 0, len(docs))
	for _, d := range docs {
		m, err := document.Decode[SyncMessage](d)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
