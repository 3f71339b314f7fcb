package pipeline

import (
	"net/url"
	"strings"
	"sync"
)

// Deduplicator tracks accepted canonical URLs for the lifetime of one
// run. The check-and-insert in Offer is atomic, so two records with the
// same canonical URL can never both be accepted.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduplicator creates an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Offer returns true when the URL has not been seen before; the URL is
// recorded in the same critical section as the decision.
func (d *Deduplicator) Offer(rawURL string) bool {
	key := Canonicalize(rawURL)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Count returns the number of unique URLs accepted so far.
func (d *Deduplicator) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Canonicalize normalizes a product URL for deduplication: query
// parameters, tracking fragments and the position-dependent /ref=...
// path suffix are stripped, scheme and host are lowercased, default
// ports and trailing slashes are dropped. Cosmetic variants of the same
// product URL collapse to one key.
func Canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""

	if host, port, found := strings.Cut(u.Host, ":"); found {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	// Listing hrefs append the result position as a /ref=sr_1_N segment,
	// so the same product carries a different suffix per search term.
	if i := strings.Index(u.Path, "/ref="); i >= 0 {
		u.Path = u.Path[:i]
	}

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}
