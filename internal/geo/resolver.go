package geo

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/oschwald/geoip2-golang"

	"warden/internal/fingerprint"
)

// Resolution is a raw lookup result before infrastructure
// classification and risk scoring.
type Resolution struct {
	Country      string
	Region       string
	City         string
	ASN          uint32
	Organization string
}

// Resolver looks up the geographic and network facts for one address.
// Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, addr netip.Addr) (Resolution, error)
}

// MaxMindResolver reads GeoLite2/GeoIP2 City and ASN databases. The ASN
// database is optional; without it ASN and organization stay empty and
// hosting classification falls back to organization patterns only.
type MaxMindResolver struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// NewMaxMindResolver opens the database files. asnPath may be empty.
func NewMaxMindResolver(cityPath, asnPath string) (*MaxMindResolver, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, fmt.Errorf("opening city database: %w", err)
	}

	var asn *geoip2.Reader
	if asnPath != "" {
		asn, err = geoip2.Open(asnPath)
		if err != nil {
			city.Close()
			return nil, fmt.Errorf("opening asn database: %w", err)
		}
	}

	return &MaxMindResolver{city: city, asn: asn}, nil
}

// Resolve looks addr up in both databases. Addresses missing from the
// city database come back with empty fields rather than an error; the
// analyzer normalizes those to the unknown sentinel values.
func (r *MaxMindResolver) Resolve(ctx context.Context, addr netip.Addr) (Resolution, error) {
	ip := net.IP(addr.Unmap().AsSlice())

	record, err := r.city.City(ip)
	if err != nil {
		return Resolution{}, fmt.Errorf("city lookup: %w", err)
	}

	res := Resolution{
		Country: record.Country.IsoCode,
		City:    record.City.Names["en"],
	}
	if len(record.Subdivisions) > 0 {
		res.Region = record.Subdivisions[0].Names["en"]
	}

	if r.asn != nil {
		asn, err := r.asn.ASN(ip)
		if err != nil {
			return Resolution{}, fmt.Errorf("asn lookup: %w", err)
		}
		res.ASN = uint32(asn.AutonomousSystemNumber)
		res.Organization = asn.AutonomousSystemOrganization
	}

	return res, nil
}

// Close releases the underlying database readers.
func (r *MaxMindResolver) Close() error {
	err := r.city.Close()
	if r.asn != nil {
		if aerr := r.asn.Close(); err == nil {
			err = aerr
		}
	}
	return err
}

// simulatedProfiles is the palette the simulated resolver deals from.
// It mixes residential ISPs with hosting providers and a couple of
// high-risk countries so downstream scoring paths stay exercised.
var simulatedProfiles = []Resolution{
	{Country: "US", Region: "California", City: "San Francisco", ASN: 7922, Organization: "Comcast Cable Communications, LLC"},
	{Country: "DE", Region: "Hesse", City: "Frankfurt", ASN: 3320, Organization: "Deutsche Telekom AG"},
	{Country: "GB", Region: "England", City: "London", ASN: 2856, Organization: "British Telecommunications PLC"},
	{Country: "US", Region: "Virginia", City: "Ashburn", ASN: 16509, Organization: "Amazon.com, Inc."},
	{Country: "FR", Region: "Ile-de-France", City: "Paris", ASN: 3215, Organization: "Orange S.A."},
	{Country: "NL", Region: "North Holland", City: "Amsterdam", ASN: 14061, Organization: "DigitalOcean, LLC"},
	{Country: "JP", Region: "Tokyo", City: "Tokyo", ASN: 2516, Organization: "KDDI Corporation"},
	{Country: "CN", Region: "Beijing", City: "Beijing", ASN: 4134, Organization: "China Telecom"},
	{Country: "CA", Region: "Ontario", City: "Toronto", ASN: 812, Organization: "Rogers Communications Canada Inc."},
	{Country: "RU", Region: "Moscow", City: "Moscow", ASN: 8359, Organization: "MTS PJSC"},
	{Country: "DE", Region: "Bavaria", City: "Nuremberg", ASN: 24940, Organization: "Hetzner Online GmbH"},
	{Country: "AU", Region: "New South Wales", City: "Sydney", ASN: 1221, Organization: "Telstra Corporation Ltd"},
	{Country: "BR", Region: "Sao Paulo", City: "Sao Paulo", ASN: 28573, Organization: "Claro NET"},
	{Country: "IN", Region: "Maharashtra", City: "Mumbai", ASN: 55836, Organization: "Reliance Jio Infocomm Limited"},
	{Country: "SE", Region: "Stockholm", City: "Stockholm", ASN: 3301, Organization: "Telia Company AB"},
	{Country: "US", Region: "Texas", City: "Dallas", ASN: 20473, Organization: "The Constant Company, LLC"},
}

// SimulatedResolver deals deterministic locations from a fixed palette,
// indexed by a hash of the address. It stands in when no database is
// configured or a lookup fails, so results stay reproducible across
// runs. Simulated locations are not authoritative.
type SimulatedResolver struct{}

// Resolve never fails; the same address always yields the same profile.
func (SimulatedResolver) Resolve(ctx context.Context, addr netip.Addr) (Resolution, error) {
	idx := fingerprint.Sum32(addr.Unmap().String()) % uint32(len(simulatedProfiles))
	return simulatedProfiles[idx], nil
}
