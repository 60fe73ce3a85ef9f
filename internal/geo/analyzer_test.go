package geo

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"warden/internal/health"
	"warden/internal/resilience"
)

type stubResolver struct {
	res   Resolution
	err   error
	calls int
}

func (s *stubResolver) Resolve(ctx context.Context, addr netip.Addr) (Resolution, error) {
	s.calls++
	if s.err != nil {
		return Resolution{}, s.err
	}
	return s.res, nil
}

func newTestAnalyzer(t *testing.T, cfg Config) *Analyzer {
	t.Helper()
	if cfg.HighRiskCountries == nil {
		cfg.HighRiskCountries = []string{"CN", "RU", "KP", "IR"}
	}
	a, err := NewAnalyzer(cfg)
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	return a
}

func TestAnalyze_InvalidIPReturnsUnknownSentinel(t *testing.T) {
	a := newTestAnalyzer(t, Config{})

	for _, ip := range []string{"", "not-an-ip", "999.1.1.1", "10.0.0"} {
		loc, err := a.Analyze(context.Background(), ip)
		if err != nil {
			t.Fatalf("Analyze(%q) returned error %v", ip, err)
		}
		if loc.Country != CountryUnknown {
			t.Errorf("Analyze(%q).Country = %q, want %q", ip, loc.Country, CountryUnknown)
		}
		if loc.RiskScore != 0 {
			t.Errorf("Analyze(%q).RiskScore = %v, want 0", ip, loc.RiskScore)
		}
	}
}

func TestAnalyze_LocalRangesReturnLocalSentinel(t *testing.T) {
	resolver := &stubResolver{res: Resolution{Country: "US"}}
	a := newTestAnalyzer(t, Config{Resolver: resolver})

	locals := []string{
		"10.0.0.1",
		"172.16.5.5",
		"172.31.255.254",
		"192.168.1.1",
		"127.0.0.1",
		"::1",
		"fc00::1",
		"fdab::12",
		"fe80::1",
		"::ffff:192.168.1.1",
	}
	for _, ip := range locals {
		loc, err := a.Analyze(context.Background(), ip)
		if err != nil {
			t.Fatalf("Analyze(%q) returned error %v", ip, err)
		}
		if loc.Country != CountryLocal {
			t.Errorf("Analyze(%q).Country = %q, want %q", ip, loc.Country, CountryLocal)
		}
		if loc.IsVPN || loc.IsProxy || loc.IsHosting || loc.IsTor {
			t.Errorf("Analyze(%q) set infrastructure flags on a local address", ip)
		}
		if loc.RiskScore != 0 {
			t.Errorf("Analyze(%q).RiskScore = %v, want 0", ip, loc.RiskScore)
		}
	}
	if resolver.calls != 0 {
		t.Errorf("resolver called %d times for local addresses, want 0", resolver.calls)
	}
}

func TestAnalyze_ClassifiesInfrastructure(t *testing.T) {
	tests := []struct {
		name    string
		res     Resolution
		vpn     bool
		proxy   bool
		hosting bool
		tor     bool
		risk    float64
	}{
		{
			name: "residential isp",
			res:  Resolution{Country: "US", ASN: 7922, Organization: "Comcast Cable Communications, LLC"},
		},
		{
			name:    "hosting by organization",
			res:     Resolution{Country: "DE", ASN: 99999, Organization: "Hetzner Online GmbH"},
			hosting: true,
			risk:    15,
		},
		{
			name:    "hosting by asn despite opaque name",
			res:     Resolution{Country: "US", ASN: 20473, Organization: "The Constant Company, LLC"},
			hosting: true,
			risk:    15,
		},
		{
			name: "vpn provider",
			res:  Resolution{Country: "PA", ASN: 212238, Organization: "NordVPN S.A."},
			vpn:  true,
			risk: 25,
		},
		{
			name:  "proxy network",
			res:   Resolution{Country: "IL", ASN: 64496, Organization: "Luminati Proxy Networks"},
			proxy: true,
			risk:  20,
		},
		{
			name: "tor exit",
			res:  Resolution{Country: "NL", ASN: 64497, Organization: "Tor Exit Relay"},
			tor:  true,
			risk: 40,
		},
		{
			name: "high risk country only",
			res:  Resolution{Country: "RU", ASN: 8359, Organization: "MTS PJSC"},
			risk: 30,
		},
		{
			name:    "everything at once caps at 100",
			res:     Resolution{Country: "CN", ASN: 16509, Organization: "Tor VPN Proxy Cloud Hosting"},
			vpn:     true,
			proxy:   true,
			hosting: true,
			tor:     true,
			risk:    100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAnalyzer(t, Config{Resolver: &stubResolver{res: tt.res}})

			loc, err := a.Analyze(context.Background(), "203.0.113.10")
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if loc.IsVPN != tt.vpn || loc.IsProxy != tt.proxy || loc.IsHosting != tt.hosting || loc.IsTor != tt.tor {
				t.Errorf("flags = vpn:%v proxy:%v hosting:%v tor:%v, want vpn:%v proxy:%v hosting:%v tor:%v",
					loc.IsVPN, loc.IsProxy, loc.IsHosting, loc.IsTor, tt.vpn, tt.proxy, tt.hosting, tt.tor)
			}
			if loc.RiskScore != tt.risk {
				t.Errorf("RiskScore = %v, want %v", loc.RiskScore, tt.risk)
			}
		})
	}
}

func TestAnalyze_CachesByNormalizedAddress(t *testing.T) {
	resolver := &stubResolver{res: Resolution{Country: "US", ASN: 7922, Organization: "Comcast Cable Communications, LLC"}}
	a := newTestAnalyzer(t, Config{Resolver: resolver})

	// IPv4-mapped IPv6 and plain IPv4 must share one cache entry.
	if _, err := a.Analyze(context.Background(), "::ffff:8.8.4.4"); err != nil {
		t.Fatalf("first Analyze: %v", err)
	}
	if _, err := a.Analyze(context.Background(), "8.8.4.4"); err != nil {
		t.Fatalf("second Analyze: %v", err)
	}

	if resolver.calls != 1 {
		t.Errorf("resolver called %d times, want 1 (cache hit expected)", resolver.calls)
	}
	if m := a.CacheMetrics(); m.Hits != 1 {
		t.Errorf("cache hits = %d, want 1", m.Hits)
	}
}

func TestAnalyze_ResolverErrorFallsBackToSimulation(t *testing.T) {
	resolver := &stubResolver{err: errors.New("mmdb corrupt")}
	recorder := health.NewRecorder()
	a := newTestAnalyzer(t, Config{Resolver: resolver, Recorder: recorder})

	first, err := a.Analyze(context.Background(), "203.0.113.77")
	if err != nil {
		t.Fatalf("Analyze with failing resolver: %v", err)
	}
	if first.Country == CountryUnknown {
		t.Fatalf("expected a simulated location, got the unknown sentinel")
	}

	// Deterministic: same address, same simulated profile, and the error
	// path must not poison the cache.
	second, err := a.Analyze(context.Background(), "203.0.113.77")
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	if *first != *second {
		t.Errorf("simulated fallback not deterministic: %+v vs %+v", first, second)
	}
	if resolver.calls != 2 {
		t.Errorf("resolver called %d times, want 2 (error results must not be cached)", resolver.calls)
	}

	if got := recorder.Counts()[health.KindGeoService]; got != 2 {
		t.Errorf("recorded geo failures = %d, want 2", got)
	}
}

func TestAnalyze_OpenBreakerReturnsDegradedSentinel(t *testing.T) {
	resolver := &stubResolver{err: errors.New("resolver down")}
	a := newTestAnalyzer(t, Config{
		Resolver: resolver,
		Breaker: resilience.BreakerConfig{
			Name:             "geo-test",
			FailureThreshold: 2,
			RecoveryTimeout:  time.Minute,
			MinimumRequests:  2,
		},
	})

	for i := 0; i < 2; i++ {
		if _, err := a.Analyze(context.Background(), "203.0.113.9"); err != nil {
			t.Fatalf("Analyze %d: %v", i, err)
		}
	}
	if got := a.Breaker().State(); got != resilience.StateOpen {
		t.Fatalf("breaker state = %q, want %q", got, resilience.StateOpen)
	}

	calls := resolver.calls
	loc, err := a.Analyze(context.Background(), "203.0.113.9")
	if err == nil {
		t.Fatal("Analyze with open breaker returned nil error")
	}
	if !health.IsKind(err, health.KindGeoService) {
		t.Errorf("error kind = %q, want %q", health.KindOf(err), health.KindGeoService)
	}
	if resolver.calls != calls {
		t.Error("resolver invoked while the breaker was open")
	}
	if loc.Country != CountryUnknown {
		t.Errorf("Country = %q, want %q", loc.Country, CountryUnknown)
	}
	if loc.RiskScore != 10 {
		t.Errorf("RiskScore = %v, want 10 for an external address", loc.RiskScore)
	}
}

func TestFallbackFor(t *testing.T) {
	tests := []struct {
		ip   string
		risk float64
	}{
		{"203.0.113.9", 10},
		{"2001:db8::1", 10},
		{"192.168.1.10", 0},
		{"127.0.0.1", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		loc := FallbackFor(tt.ip)
		if loc.Country != CountryUnknown {
			t.Errorf("FallbackFor(%q).Country = %q, want %q", tt.ip, loc.Country, CountryUnknown)
		}
		if loc.RiskScore != tt.risk {
			t.Errorf("FallbackFor(%q).RiskScore = %v, want %v", tt.ip, loc.RiskScore, tt.risk)
		}
	}
}

func TestHealthCheck_ReflectsBreakerState(t *testing.T) {
	a := newTestAnalyzer(t, Config{Resolver: &stubResolver{res: Resolution{Country: "US", Organization: "Google LLC", ASN: 15169}}})

	ch := a.HealthCheck()(context.Background())
	if ch.Status != health.StatusHealthy {
		t.Fatalf("healthy analyzer reported %q: %s", ch.Status, ch.Message)
	}

	failing := newTestAnalyzer(t, Config{
		Resolver: &stubResolver{err: errors.New("down")},
		Breaker: resilience.BreakerConfig{
			Name:             "geo-test",
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
			MinimumRequests:  1,
		},
	})
	failing.Analyze(context.Background(), "203.0.113.5") //nolint:errcheck

	ch = failing.HealthCheck()(context.Background())
	if ch.Status != health.StatusUnhealthy {
		t.Errorf("open-breaker analyzer reported %q, want %q", ch.Status, health.StatusUnhealthy)
	}
}

func TestSimulatedResolver_Deterministic(t *testing.T) {
	r := SimulatedResolver{}
	addr := netip.MustParseAddr("198.51.100.23")

	first, err := r.Resolve(context.Background(), addr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), addr)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if again != first {
			t.Fatalf("Resolve not deterministic: %+v vs %+v", again, first)
		}
	}

	if first.Country == "" || first.Organization == "" || first.ASN == 0 {
		t.Errorf("simulated profile incomplete: %+v", first)
	}
}

func TestSimulatedResolver_PaletteSpread(t *testing.T) {
	r := SimulatedResolver{}
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		addr := netip.AddrFrom4([4]byte{203, 0, 113, byte(i)})
		res, err := r.Resolve(context.Background(), addr)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		seen[res.Country+"/"+res.Organization] = true
	}
	if len(seen) < 4 {
		t.Errorf("64 addresses mapped to only %d profiles, palette too narrow", len(seen))
	}
}
