// Package whitelist manages the bypass list consulted before any
// analyzer runs: trusted IPs, crawler user agents, monitoring tools,
// ASNs, and known-good fingerprints. A hit short-circuits detection
// with a non-suspicious verdict.
package whitelist

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"
)

// EntryType tags what an entry's value means.
type EntryType string

const (
	TypeIP          EntryType = "ip"
	TypeUserAgent   EntryType = "userAgent"
	TypeASN         EntryType = "asn"
	TypeFingerprint EntryType = "fingerprint"
)

// Bypass types reported on a whitelist hit. Monitoring has no entry
// behind it; it comes from the configured monitoring-tool patterns.
const (
	BypassIP          = "ip"
	BypassUserAgent   = "userAgent"
	BypassMonitoring  = "monitoring"
	BypassASN         = "asn"
	BypassFingerprint = "fingerprint"
)

// MatcherKind selects how a user-agent matcher compares.
type MatcherKind string

const (
	MatchRegex     MatcherKind = "regex"
	MatchSubstring MatcherKind = "substring"
)

// UAMatcher matches user agents either by compiled regex or by
// case-insensitive substring. The pattern is what gets serialized;
// regexes are recompiled on load rather than relying on object
// identity.
type UAMatcher struct {
	Kind    MatcherKind `json:"kind"`
	Pattern string      `json:"pattern"`

	re *regexp.Regexp
}

func (m *UAMatcher) compile() error {
	if m.Pattern == "" {
		return fmt.Errorf("empty user agent pattern")
	}
	if m.Kind == "" {
		m.Kind = MatchSubstring
	}
	if m.Kind == MatchRegex {
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return fmt.Errorf("compiling user agent pattern: %w", err)
		}
		m.re = re
	}
	return nil
}

// Matches reports whether ua satisfies the matcher.
func (m *UAMatcher) Matches(ua string) bool {
	if m == nil || m.Pattern == "" {
		return false
	}
	if m.Kind == MatchRegex {
		return m.re != nil && m.re.MatchString(ua)
	}
	return strings.Contains(strings.ToLower(ua), strings.ToLower(m.Pattern))
}

// Entry is one whitelist record. Exactly one of the value fields is
// set, selected by Type. A zero ExpiresAt means the entry never
// expires.
type Entry struct {
	ID          string     `json:"id"`
	Type        EntryType  `json:"type"`
	IP          string     `json:"ip,omitempty"`
	ASN         uint32     `json:"asn,omitempty"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	UserAgent   *UAMatcher `json:"userAgent,omitempty"`
	Origin      string     `json:"origin"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt,omitempty"`
}

// Expired reports whether the entry has lapsed as of now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// normalizeIP canonicalizes ip for exact matching, unmapping
// IPv4-mapped IPv6 forms. Unparseable input passes through trimmed so
// exact string matches still work.
func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if addr, err := netip.ParseAddr(ip); err == nil {
		return addr.Unmap().String()
	}
	return ip
}
