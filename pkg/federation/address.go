package federation

import (
	"fmt"
	"strings"
)

// Address names a site or a resource published by a site.
// Examples:
//   - films@alice.lens.local (site)
//   - /releases/2024/dune@alice.lens.local (resource on a site)
type Address struct {
	Site     string // films
	Domain   string // alice.lens.local
	Resource string // /releases/2024/dune (resource addresses only)
}

// ParseAddress parses "site@domain" or "/resource@domain".
func ParseAddress(addr string) (Address, error) {
	if addr == "" {
		return Address{}, fmt.Errorf("address cannot be empty")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || strings.Count(addr, "@") != 1 {
		return Address{}, fmt.Errorf("invalid address %q: must contain exactly one @", addr)
	}
	local, domain := addr[:at], addr[at+1:]

	if domain == "" {
		return Address{}, fmt.Errorf("domain cannot be empty")
	}
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return Address{}, fmt.Errorf("domain %q must be dotted (e.g. alice.lens.local)", domain)
	}

	a := Address{Domain: domain}
	switch {
	case strings.HasPrefix(local, "/"):
		if len(local) == 1 {
			return Address{}, fmt.Errorf("resource path cannot be just /")
		}
		a.Resource = local
	case local == "":
		return Address{}, fmt.Errorf("site name cannot be empty")
	default:
		a.Site = local
	}
	return a, nil
}

// ParseSiteAddress parses an address and requires it to name a site.
func ParseSiteAddress(addr string) (Address, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return Address{}, err
	}
	if a.IsResource() {
		return Address{}, fmt.Errorf("%q is a resource address, not a site", addr)
	}
	return a, nil
}

// String returns the canonical form.
func (a Address) String() string {
	if a.Resource != "" {
		return a.Resource + "@" + a.Domain
	}
	return a.Site + "@" + a.Domain
}

// IsResource reports whether a names a resource rather than a site.
func (a Address) IsResource() bool {
	return a.Resource != ""
}

// SiteOf returns the site address a resource belongs to, given the
// publishing site's name.
func (a Address) SiteOf(site string) Address {
	return Address{Site: site, Domain: a.Domain}
}
