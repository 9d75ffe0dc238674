package proxy

import (
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// HostFilter matches hostnames against a domain blocklist. A listed domain
// blocks itself and all of its subdomains.
type HostFilter struct {
	trie    *ahocorasick.Trie
	domains []string
}

// Every pattern is anchored as ".domain$" and matched against ".host$", so a
// match can only end at the end of the host and start on a label boundary.
func anchorDomain(domain string) string {
	return "." + normalizeHost(domain) + "$"
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// NewHostFilter compiles domains into a single trie. An empty list yields a
// filter that blocks nothing.
func NewHostFilter(domains []string) *HostFilter {
	f := &HostFilter{}
	patterns := make([]string, 0, len(domains))
	for _, d := range domains {
		if normalizeHost(d) == "" {
			continue
		}
		f.domains = append(f.domains, normalizeHost(d))
		patterns = append(patterns, anchorDomain(d))
	}
	if len(patterns) > 0 {
		f.trie = ahocorasick.NewTrieBuilder().AddStrings(patterns).Build()
	}
	return f
}

// Len returns the number of listed domains.
func (f *HostFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.domains)
}

// Blocked reports whether host is listed and which domain matched.
func (f *HostFilter) Blocked(host string) (bool, string) {
	if f == nil || f.trie == nil {
		return false, ""
	}
	host = normalizeHost(host)
	if host == "" {
		return false, ""
	}
	matches := f.trie.MatchString(anchorDomain(host))
	if len(matches) == 0 {
		return false, ""
	}
	return true, f.domains[matches[0].Pattern()]
}
