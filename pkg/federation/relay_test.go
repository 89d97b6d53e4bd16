package federation

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/store"
)

const (
	filmsSite = "films@alice.lens.local"
	musicSite = "music@bob.lens.local"
)

func key(t *testing.T, b byte) *identity.Keypair {
	t.Helper()
	k, err := identity.KeypairFromSeed(bytes.Repeat([]byte{b}, 32))
	require.NoError(t, err)
	return k
}

func directory(t *testing.T, sites ...Site) *SiteDirectory {
	t.Helper()
	d, err := NewSiteDirectory(sites...)
	require.NoError(t, err)
	return d
}

func syncInto(t *testing.T, to, from *store.Store) store.PullStats {
	t.Helper()
	stats, err := to.PullFrom(context.Background(), from, 0)
	require.NoError(t, err)
	return stats
}

func TestSiteDirectory(t *testing.T) {
	alice := key(t, 1).Identity()

	_, err := NewSiteDirectory(Site{ID: "nope", Key: alice})
	assert.Error(t, err)
	_, err = NewSiteDirectory(Site{ID: filmsSite})
	assert.Error(t, err)

	d := directory(t, Site{ID: musicSite, Key: key(t, 2).Identity()}, Site{ID: filmsSite, Name: "Films", Key: alice})
	assert.True(t, d.Recognizes(filmsSite, alice))
	assert.False(t, d.Recognizes(musicSite, alice))
	assert.False(t, d.Recognizes("unknown@x.local", alice))

	sites := d.List()
	require.Len(t, sites, 2)
	assert.Equal(t, filmsSite, sites[0].ID)
	assert.Equal(t, "Films", sites[0].DisplayName())
	assert.Equal(t, musicSite, sites[1].DisplayName())

	d.Remove(filmsSite)
	assert.False(t, d.Recognizes(filmsSite, alice))
}

func TestRelayScenario(t *testing.T) {
	ctx := context.Background()
	k1 := key(t, 1)
	k2 := key(t, 2)
	sites := directory(t, Site{ID: filmsSite, Key: k1.Identity()})
	s, err := OpenRelay(sites, store.Config{})
	require.NoError(t, err)

	// The registered key announces for its own site.
	msg, err := NewRelay(s, k1, filmsSite, nil).AnnounceReleases(ctx, ReleasesAdded, "c1", "c2")
	require.NoError(t, err)

	// Any other key claiming the site is refused.
	_, err = NewRelay(s, k2, filmsSite, nil).AnnounceReleases(ctx, ReleasesAdded, "c3")
	assert.True(t, errors.Is(err, errs.AccessDenied))

	// The id is taken; a second message there is refused even from the
	// rightful key.
	dup := msg
	dup.Kind = ReleasesRemoved
	err = NewRelay(s, k1, filmsSite, nil).Post(ctx, dup)
	assert.True(t, errors.Is(err, errs.InvalidState))

	got, err := NewRelay(s, k2, musicSite, nil).Messages(ctx, filmsSite)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ReleasesAdded, got[0].Kind)

	rel, err := got[0].Releases()
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, rel.ContentIDs)
}

func TestRelayPolicy(t *testing.T) {
	k1 := key(t, 1)
	k2 := key(t, 2)
	sites := directory(t, Site{ID: filmsSite, Key: k1.Identity()})
	policy := RelayPolicy{Sites: sites}
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	put := func(t *testing.T, signer *identity.Keypair, id string, msg SyncMessage) *document.Operation {
		t.Helper()
		op, err := document.NewPut(RelayStoreName, TypeSyncMessage, id, msg)
		require.NoError(t, err)
		op.Signer = signer.Identity()
		return op
	}
	existing := document.Document{ID: "m1", Author: k1.Identity()}
	index := lookup{
		docs:      map[string]document.Document{"m1": existing},
		retracted: map[string]bool{"m0": true},
	}

	tests := []struct {
		name   string
		op     func(t *testing.T) *document.Operation
		reason string
	}{
		{
			name: "recognized site",
			op: func(t *testing.T) *document.Operation {
				return put(t, k1, "m2", SyncMessage{ID: "m2", SourceSite: filmsSite, Kind: SyncRequest, Timestamp: ts})
			},
		},
		{
			name: "wrong key",
			op: func(t *testing.T) *document.Operation {
				return put(t, k2, "m2", SyncMessage{ID: "m2", SourceSite: filmsSite, Kind: SyncRequest, Timestamp: ts})
			},
			reason: "unrecognized_site",
		},
		{
			name: "unknown site",
			op: func(t *testing.T) *document.Operation {
				return put(t, k1, "m2", SyncMessage{ID: "m2", SourceSite: musicSite, Kind: SyncRequest, Timestamp: ts})
			},
			reason: "unrecognized_site",
		},
		{
			name: "unknown kind",
			op: func(t *testing.T) *document.Operation {
				return put(t, k1, "m2", SyncMessage{ID: "m2", SourceSite: filmsSite, Kind: "reindex", Timestamp: ts})
			},
			reason: "malformed_payload",
		},
		{
			name: "id mismatch",
			op: func(t *testing.T) *document.Operation {
				return put(t, k1, "m3", SyncMessage{ID: "m2", SourceSite: filmsSite, Kind: SyncRequest, Timestamp: ts})
			},
			reason: "id_mismatch",
		},
		{
			name: "write once",
			op: func(t *testing.T) *document.Operation {
				return put(t, k1, "m1", SyncMessage{ID: "m1", SourceSite: filmsSite, Kind: SyncRequest, Timestamp: ts})
			},
			reason: "write_once",
		},
		{
			name: "retracted id reposted",
			op: func(t *testing.T) *document.Operation {
				return put(t, k1, "m0", SyncMessage{ID: "m0", SourceSite: filmsSite, Kind: SyncRequest, Timestamp: ts})
			},
			reason: "write_once",
		},
		{
			name: "delete of retracted message",
			op: func(t *testing.T) *document.Operation {
				op := document.NewDelete(RelayStoreName, "m0")
				op.Signer = k2.Identity()
				return op
			},
		},
		{
			name: "delete by original signer",
			op: func(t *testing.T) *document.Operation {
				op := document.NewDelete(RelayStoreName, "m1")
				op.Signer = k1.Identity()
				return op
			},
		},
		{
			name: "delete by another key",
			op: func(t *testing.T) *document.Operation {
				op := document.NewDelete(RelayStoreName, "m1")
				op.Signer = k2.Identity()
				return op
			},
			reason: "not_owner",
		},
		{
			name: "delete of absent message",
			op: func(t *testing.T) *document.Operation {
				op := document.NewDelete(RelayStoreName, "gone")
				op.Signer = k2.Identity()
				return op
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := policy.Admit(tt.op(t), index)
			if tt.reason == "" {
				assert.True(t, r.Allowed(), r.String())
				return
			}
			assert.False(t, r.Allowed())
			assert.Equal(t, tt.reason, r.Reason.String())
		})
	}
}

type lookup struct {
	docs      map[string]document.Document
	retracted map[string]bool
}

func (l lookup) Lookup(id string) (document.Document, bool) {
	d, ok := l.docs[id]
	return d, ok
}

func (l lookup) Seen(id string) bool {
	_, ok := l.docs[id]
	return ok || l.retracted[id]
}

func TestRelayRetract(t *testing.T) {
	ctx := context.Background()
	k1 := key(t, 1)
	k2 := key(t, 2)
	sites := directory(t,
		Site{ID: filmsSite, Key: k1.Identity()},
		Site{ID: musicSite, Key: k2.Identity()})
	s, err := OpenRelay(sites, store.Config{})
	require.NoError(t, err)

	msg, err := NewRelay(s, k1, filmsSite, nil).RequestSync(ctx)
	require.NoError(t, err)

	err = NewRelay(s, k2, musicSite, nil).Retract(ctx, msg.ID)
	assert.True(t, errors.Is(err, errs.AccessDenied))

	require.NoError(t, NewRelay(s, k1, filmsSite, nil).Retract(ctx, msg.ID))
	assert.Equal(t, 0, s.Len())

	// Retracting an absent message is accepted from anyone.
	require.NoError(t, NewRelay(s, k2, musicSite, nil).Retract(ctx, msg.ID))

	// A retracted id cannot be posted again with new content.
	repost := msg
	repost.Timestamp = msg.Timestamp.Add(time.Hour)
	err = NewRelay(s, k1, filmsSite, nil).Post(ctx, repost)
	assert.True(t, errors.Is(err, errs.InvalidState), "got %v", err)
	assert.Equal(t, 0, s.Len())
}

func TestMessagesOrderAndSources(t *testing.T) {
	ctx := context.Background()
	k1 := key(t, 1)
	k2 := key(t, 2)
	sites := directory(t,
		Site{ID: filmsSite, Key: k1.Identity()},
		Site{ID: musicSite, Key: k2.Identity()})
	s, err := OpenRelay(sites, store.Config{})
	require.NoError(t, err)

	films := NewRelay(s, k1, filmsSite, nil)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, m := range []SyncMessage{
		{ID: "c", SourceSite: filmsSite, Kind: SyncRequest, Timestamp: base.Add(time.Minute)},
		{ID: "b", SourceSite: filmsSite, Kind: SyncRequest, Timestamp: base},
		{ID: "a", SourceSite: filmsSite, Kind: SyncRequest, Timestamp: base},
	} {
		require.NoError(t, films.Post(ctx, m))
	}
	_, err = NewRelay(s, k2, musicSite, nil).RequestSync(ctx)
	require.NoError(t, err)

	got, err := films.Messages(ctx, filmsSite)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)

	sources, err := films.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{filmsSite, musicSite}, sources)
}

func TestRelayUnrecognizedRemoteIsDropped(t *testing.T) {
	ctx := context.Background()
	k1 := key(t, 1)
	rogue := key(t, 9)

	// The rogue replica trusts itself for films; the honest one does not.
	lax, err := OpenRelay(directory(t, Site{ID: filmsSite, Key: rogue.Identity()}), store.Config{})
	require.NoError(t, err)
	honest, err := OpenRelay(directory(t, Site{ID: filmsSite, Key: k1.Identity()}), store.Config{})
	require.NoError(t, err)

	_, err = NewRelay(lax, rogue, filmsSite, nil).AnnounceReleases(ctx, ReleasesRemoved, "c1")
	require.NoError(t, err)

	stats := syncInto(t, honest, lax)
	assert.Equal(t, store.PullStats{Dropped: 1}, stats)
	assert.Equal(t, 0, honest.Len())
	// The dropped op is neither kept nor forwarded.
	assert.Empty(t, honest.Summary())
}
