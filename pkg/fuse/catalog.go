package fuse

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"lens/pkg/document"
	"lens/pkg/errs"
	"lens/pkg/identity"
	"lens/pkg/replication"
)

// Extension is appended to every document id in the mount.
const Extension = ".json"

// Source is what the mount reads from. *replication.Client satisfies it.
type Source interface {
	Status(ctx context.Context) (*replication.StatusResponse, error)
	List(ctx context.Context, storeName string) ([]document.Document, error)
	Get(ctx context.Context, storeName, id string) (document.Document, error)
}

// Entry is one file in a store directory.
type Entry struct {
	Name    string
	Size    int
	Content []byte
}

type cachedListing struct {
	entries  map[string]Entry
	cachedAt time.Time
}

// Catalog caches store listings rendered as JSON files for a short TTL so
// directory walks do not hit the replica once per file.
type Catalog struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	stores   []string
	storesAt time.Time
	listings map[string]*cachedListing
}

// NewCatalog returns a catalog over src. A non-positive ttl disables
// caching.
func NewCatalog(src Source, ttl time.Duration) *Catalog {
	return &Catalog{
		src:      src,
		ttl:      ttl,
		now:      time.Now,
		listings: make(map[string]*cachedListing),
	}
}

func (c *Catalog) fresh(at time.Time) bool {
	return c.ttl > 0 && !at.IsZero() && c.now().Sub(at) < c.ttl
}

// Stores returns the store names served by the replica.
func (c *Catalog) Stores(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.fresh(c.storesAt) {
		defer c.mu.Unlock()
		return c.stores, nil
	}
	c.mu.Unlock()

	st, err := c.src.Status(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(st.Stores))
	for _, s := range st.Stores {
		names = append(names, s.Name)
	}
	sort.Strings(names)

	c.mu.Lock()
	c.stores, c.storesAt = names, c.now()
	c.mu.Unlock()
	return names, nil
}

// HasStore reports whether name is a served store.
func (c *Catalog) HasStore(ctx context.Context, name string) (bool, error) {
	names, err := c.Stores(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(names, name)
	return i < len(names) && names[i] == name, nil
}

// Entries lists the files of a store directory sorted by name.
func (c *Catalog) Entries(ctx context.Context, storeName string) ([]Entry, error) {
	listing, err := c.listing(ctx, storeName)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(listing))
	for _, e := range listing {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Lookup returns one file. Names without the .json extension are not
// found.
func (c *Catalog) Lookup(ctx context.Context, storeName, name string) (Entry, error) {
	if !strings.HasSuffix(name, Extension) {
		return Entry{}, errs.New(errs.CodeNotFound, "%s: not a document file", name)
	}
	listing, err := c.listing(ctx, storeName)
	if err != nil {
		return Entry{}, err
	}
	if e, ok := listing[name]; ok {
		return e, nil
	}

	// Documents written after the listing was cached.
	doc, err := c.src.Get(ctx, storeName, strings.TrimSuffix(name, Extension))
	if err != nil {
		return Entry{}, err
	}
	return entryOf(doc)
}

// Invalidate drops every cached listing.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storesAt = time.Time{}
	c.listings = make(map[string]*cachedListing)
}

func (c *Catalog) listing(ctx context.Context, storeName string) (map[string]Entry, error) {
	c.mu.Lock()
	if l, ok := c.listings[storeName]; ok && c.fresh(l.cachedAt) {
		defer c.mu.Unlock()
		return l.entries, nil
	}
	c.mu.Unlock()

	docs, err := c.src.List(ctx, storeName)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]Entry, len(docs))
	for _, doc := range docs {
		e, err := entryOf(doc)
		if err != nil {
			return nil, err
		}
		entries[e.Name] = e
	}

	c.mu.Lock()
	c.listings[storeName] = &cachedListing{entries: entries, cachedAt: c.now()}
	c.mu.Unlock()
	return entries, nil
}

func entryOf(doc document.Document) (Entry, error) {
	content, err := Render(doc)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: doc.ID + Extension, Size: len(content), Content: content}, nil
}

type rendered struct {
	Store  string            `json:"store"`
	Type   string            `json:"type"`
	ID     string            `json:"id"`
	Author identity.Identity `json:"author"`
	Clock  uint64            `json:"clock"`
	OpHash string            `json:"op_hash"`
	Record any               `json:"record"`
}

// Render formats a document as indented JSON with its payload decoded.
func Render(doc document.Document) ([]byte, error) {
	var record any
	if err := doc.Decode(&record); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(rendered{
		Store:  doc.Store,
		Type:   doc.Type,
		ID:     doc.ID,
		Author: doc.Author,
		Clock:  doc.Clock,
		OpHash: doc.OpHash,
		Record: record,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
