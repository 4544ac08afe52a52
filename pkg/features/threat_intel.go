package features

import (
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/lucid-vigil/threatcore/pkg/events"
)

// IndicatorKind is the type of an indicator of compromise.
type IndicatorKind string

const (
	IndicatorHash   IndicatorKind = "hash"
	IndicatorIP     IndicatorKind = "ip"
	IndicatorDomain IndicatorKind = "domain"
)

// ThreatIntel is an in-memory IOC feed.
type ThreatIntel struct {
	mu         sync.RWMutex
	indicators map[IndicatorKind]map[string]struct{}
}

// NewThreatIntel creates a feed seeded with the reference indicators
func NewThreatIntel() *ThreatIntel {
	ti := &ThreatIntel{indicators: map[IndicatorKind]map[string]struct{}{
		IndicatorHash:   {},
		IndicatorIP:     {},
		IndicatorDomain: {},
	}}

	for _, h := range []string{
		"a1b2c3d4e5f6789012345678901234567890abcd",
		"e5f6789012345678901234567890abcda1b2c3d4",
		"789012345678901234567890abcda1b2c3d4e5f6",
	} {
		ti.Add(IndicatorHash, h)
	}
	for _, ip := range []string{"192.168.1.100", "10.0.0.45", "172.16.0.99"} {
		ti.Add(IndicatorIP, ip)
	}
	for _, d := range []string{"malicious-site.example.com", "phishing-domain.net", "suspicious-url.org"} {
		ti.Add(IndicatorDomain, d)
	}
	return ti
}

// Add registers an indicator. Hashes and domains are case-insensitive.
func (ti *ThreatIntel) Add(kind IndicatorKind, value string) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	set, ok := ti.indicators[kind]
	if !ok {
		set = make(map[string]struct{})
		ti.indicators[kind] = set
	}
	set[normalizeIndicator(kind, value)] = struct{}{}
}

func (ti *ThreatIntel) has(kind IndicatorKind, value string) bool {
	if value == "" {
		return false
	}
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	_, ok := ti.indicators[kind][normalizeIndicator(kind, value)]
	return ok
}

func (ti *ThreatIntel) CheckHash(hash string) bool { return ti.has(IndicatorHash, hash) }
func (ti *ThreatIntel) CheckIP(ip string) bool     { return ti.has(IndicatorIP, ip) }

// CheckDomain reports whether domain or any parent domain is a known
// indicator, so subdomains of a listed domain match.
func (ti *ThreatIntel) CheckDomain(domain string) bool {
	name := normalizeIndicator(IndicatorDomain, domain)
	if name == "" || name == "." {
		return false
	}
	for _, off := range dns.Split(name) {
		if ti.has(IndicatorDomain, name[off:]) {
			return true
		}
	}
	return false
}

// Match returns the event's fields that hit a known indicator.
func (ti *ThreatIntel) Match(ev events.ThreatEvent) []string {
	var hits []string
	if ti.CheckHash(ev.Hash) {
		hits = append(hits, ev.Hash)
	}
	if ti.CheckIP(ev.SourceIP) {
		hits = append(hits, ev.SourceIP)
	}
	if ti.CheckIP(ev.TargetIP) {
		hits = append(hits, ev.TargetIP)
	}
	if domain, ok := ev.Metadata["domain"].(string); ok && ti.CheckDomain(domain) {
		hits = append(hits, domain)
	}
	return hits
}

// Counts returns the number of indicators per kind.
func (ti *ThreatIntel) Counts() map[IndicatorKind]int {
	ti.mu.RLock()
	defer ti.mu.RUnlock()
	out := make(map[IndicatorKind]int, len(ti.indicators))
	for kind, set := range ti.indicators {
		out[kind] = len(set)
	}
	return out
}

func normalizeIndicator(kind IndicatorKind, value string) string {
	value = strings.TrimSpace(value)
	switch kind {
	case IndicatorIP:
		if ip := net.ParseIP(value); ip != nil {
			return ip.String()
		}
		return value
	case IndicatorDomain:
		if value == "" {
			return ""
		}
		return dns.CanonicalName(value)
	default:
		return strings.ToLower(value)
	}
}
