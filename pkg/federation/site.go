package federation

import (
	"fmt"
	"sort"
	"sync"

	"lens/pkg/identity"
)

// Site is an independently owned participant in the federation.
type Site struct {
	// ID is the site's address, e.g. films@alice.lens.local.
	ID   string            `json:"id" yaml:"id" validate:"required"`
	Name string            `json:"name" yaml:"name"`
	Key  identity.Identity `json:"key" yaml:"key" validate:"required"`
	// Endpoint is the replica's replication address, host:port.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (s Site) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// SiteDirectory holds the sites this replica recognizes, keyed by id.
type SiteDirectory struct {
	mu    sync.RWMutex
	sites map[string]Site
}

// NewSiteDirectory creates a directory holding sites.
func NewSiteDirectory(sites ...Site) (*SiteDirectory, error) {
	d := &SiteDirectory{sites: make(map[string]Site)}
	for _, s := range sites {
		if err := d.Add(s); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Add recognizes a site, replacing any previous entry with the same id.
func (d *SiteDirectory) Add(s Site) error {
	if _, err := ParseSiteAddress(s.ID); err != nil {
		return fmt.Errorf("site %q: %w", s.ID, err)
	}
	if s.Key.IsZero() {
		return fmt.Errorf("site %q: signing key is required", s.ID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sites[s.ID] = s
	return nil
}

// Remove forgets a site.
func (d *SiteDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sites, id)
}

// Get returns the site with id.
func (d *SiteDirectory) Get(id string) (Site, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sites[id]
	return s, ok
}

// Recognizes reports whether key is the registered key of site id.
func (d *SiteDirectory) Recognizes(id string, key identity.Identity) bool {
	s, ok := d.Get(id)
	return ok && s.Key == key
}

// List returns every site sorted by id.
func (d *SiteDirectory) List() []Site {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Site, 0, len(d.sites))
	for _, s := range d.sites {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
