package fuse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lens/pkg/codec"
	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/replication"
)

type fakeSource struct {
	docs   map[string][]document.Document
	lists  int
	status int
}

func (f *fakeSource) Status(ctx context.Context) (*replication.StatusResponse, error) {
	f.status++
	st := &replication.StatusResponse{Site: "films@alice.lens.local"}
	for name := range f.docs {
		st.Stores = append(st.Stores, replication.StoreStatus{Name: name})
	}
	return st, nil
}

func (f *fakeSource) List(ctx context.Context, storeName string) ([]document.Document, error) {
	f.lists++
	docs, ok := f.docs[storeName]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "store %q not found", storeName)
	}
	return docs, nil
}

func (f *fakeSource) Get(ctx context.Context, storeName, id string) (document.Document, error) {
	for _, d := range f.docs[storeName] {
		if d.ID == id {
			return d, nil
		}
	}
	return document.Document{}, errs.New(errs.CodeNotFound, "%s not found", id)
}

func doc(t *testing.T, storeName, id string, record any) document.Document {
	t.Helper()
	payload, err := codec.Marshal(record)
	require.NoError(t, err)
	k, err := identity.KeypairFromSeed(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	return document.Document{
		Store:   storeName,
		Type:    "role",
		ID:      id,
		Payload: payload,
		Author:  k.Identity(),
		Clock:   3,
		OpHash:  "abc",
	}
}

type role struct {
	Name        string   `cbor:"name"`
	Permissions []string `cbor:"permissions"`
}

func TestRender(t *testing.T) {
	d := doc(t, "rbac", "r1", role{Name: "editor", Permissions: []string{"write"}})
	out, err := Render(d)
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(out, []byte("\n")))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "rbac", got["store"])
	assert.Equal(t, "r1", got["id"])
	assert.Equal(t, d.Author.String(), got["author"])
	assert.Equal(t, float64(3), got["clock"])
	assert.Equal(t, map[string]any{
		"name":        "editor",
		"permissions": []any{"write"},
	}, got["record"])

	_, err = Render(document.Document{Payload: []byte{0xff}})
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{docs: map[string][]document.Document{
		"rbac": {
			doc(t, "rbac", "b", role{Name: "b"}),
			doc(t, "rbac", "a", role{Name: "a"}),
		},
		"registry": nil,
	}}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewCatalog(src, time.Minute)
	c.now = func() time.Time { return now }

	stores, err := c.Stores(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rbac", "registry"}, stores)

	ok, err := c.HasStore(ctx, "registry")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.HasStore(ctx, "relay")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, src.status)

	entries, err := c.Entries(ctx, "rbac")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.json", entries[0].Name)
	assert.Equal(t, len(entries[0].Content), entries[0].Size)

	e, err := c.Lookup(ctx, "rbac", "b.json")
	require.NoError(t, err)
	assert.Contains(t, string(e.Content), `"name": "b"`)
	assert.Equal(t, 1, src.lists, "listing is cached")

	// Documents added after the listing are found by id.
	src.docs["rbac"] = append(src.docs["rbac"], doc(t, "rbac", "c", role{Name: "c"}))
	_, err = c.Lookup(ctx, "rbac", "c.json")
	assert.NoError(t, err)

	_, err = c.Lookup(ctx, "rbac", "c")
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
	_, err = c.Lookup(ctx, "rbac", "zzz.json")
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))

	now = now.Add(2 * time.Minute)
	entries, err = c.Entries(ctx, "rbac")
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, 2, src.lists)

	c.Invalidate()
	_, err = c.Entries(ctx, "rbac")
	require.NoError(t, err)
	assert.Equal(t, 3, src.lists)

	_, err = c.Entries(ctx, "missing")
	assert.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestReadAt(t *testing.T) {
	content := []byte("hello world")
	tests := []struct {
		name string
		size int
		off  int64
		want string
	}{
		{"whole", 64, 0, "hello world"},
		{"prefix", 5, 0, "hello"},
		{"middle", 5, 6, "world"},
		{"clipped", 64, 6, "world"},
		{"past end", 4, 11, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readAt(content, make([]byte, tt.size), tt.off)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestToErrno(t *testing.T) {
	assert.Equal(t, syscall.ENOENT, toErrno(errs.New(errs.CodeNotFound, "gone")))
	assert.Equal(t, syscall.EINTR, toErrno(context.Canceled))
	assert.Equal(t, syscall.EIO, toErrno(errors.New("boom")))
}
