// Package geo resolves the geographic and network context of a client
// IP: country, ASN, organization, and whether the address belongs to
// VPN, proxy, hosting, or Tor infrastructure. Lookups run behind a
// circuit breaker and a 24 h cache; when the breaker is open the
// analyzer degrades to a cheap sentinel instead of failing the request.
package geo

import "net/netip"

// Version tags geo results in verdict metadata.
const Version = "1.4.0"

// Sentinel country codes for addresses the resolver cannot or should
// not look up.
const (
	CountryUnknown = "unknown"
	CountryLocal   = "local"
)

// Location describes where a client IP sits on the network.
type Location struct {
	Country      string  `json:"country"`
	Region       string  `json:"region"`
	City         string  `json:"city"`
	ASN          uint32  `json:"asn"`
	Organization string  `json:"organization"`
	IsVPN        bool    `json:"isVPN"`
	IsProxy      bool    `json:"isProxy"`
	IsHosting    bool    `json:"isHosting"`
	IsTor        bool    `json:"isTor"`
	RiskScore    float64 `json:"riskScore"`
}

// Unknown returns the sentinel for addresses that cannot be resolved.
func Unknown() *Location {
	return &Location{
		Country:      CountryUnknown,
		Region:       CountryUnknown,
		City:         CountryUnknown,
		Organization: CountryUnknown,
	}
}

// Local returns the sentinel for private and loopback addresses. They
// never carry geographic risk.
func Local() *Location {
	return &Location{
		Country:      CountryLocal,
		Region:       CountryLocal,
		City:         CountryLocal,
		Organization: "private network",
	}
}

// FallbackFor returns the degraded-path location for ip: the unknown
// sentinel with a small baseline risk for routable addresses and none
// for private or unparseable ones.
func FallbackFor(ip string) *Location {
	loc := Unknown()
	if addr, err := netip.ParseAddr(ip); err == nil && !isLocal(addr) {
		loc.RiskScore = 10
	}
	return loc
}

// isLocal reports whether addr is private, loopback, or link-local
// (10/8, 172.16/12, 192.168/16, 127/8, ::1, fc00::/7, fe80::/10).
func isLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}
