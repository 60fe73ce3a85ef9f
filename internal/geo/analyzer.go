package geo

import (
	"context"
	"errors"
	"math"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"warden/internal/cache"
	"warden/internal/health"
	"warden/internal/resilience"
)

// Infrastructure classification patterns, matched against the
// lowercased organization name.
var (
	vpnPattern     = regexp.MustCompile(`vpn|private internet access|tunnel`)
	proxyPattern   = regexp.MustCompile(`proxy|anonymizer`)
	hostingPattern = regexp.MustCompile(`hosting|cloud|server|datacenter|data center|digital ?ocean|amazon|aws|azure|google|ovh|hetzner|linode|vultr|alibaba`)
	torPattern     = regexp.MustCompile(`\btor\b|onion`)
)

// hostingASNs are networks classified as hosting regardless of what the
// organization name looks like.
var hostingASNs = map[uint32]struct{}{
	8075:  {}, // Microsoft
	13335: {}, // Cloudflare
	14061: {}, // DigitalOcean
	14618: {}, // Amazon AES
	15169: {}, // Google
	16276: {}, // OVH
	16509: {}, // Amazon
	20473: {}, // Vultr
	24940: {}, // Hetzner
	45102: {}, // Alibaba
	63949: {}, // Linode
}

// Config wires an analyzer. Zero values fall back to the documented
// defaults; a nil Resolver means simulation only.
type Config struct {
	Resolver          Resolver
	HighRiskCountries []string
	VPNPenalty        float64
	HostingPenalty    float64
	CacheSize         int
	CacheTTL          time.Duration
	Breaker           resilience.BreakerConfig
	Recorder          *health.Recorder
}

// Analyzer resolves, classifies, and risk-scores client addresses.
// Resolved locations are cached per IP; the resolver call runs through
// a circuit breaker so a failing database or service degrades to
// deterministic fallbacks instead of stalling detection.
type Analyzer struct {
	resolver       Resolver
	sim            SimulatedResolver
	locations      *cache.Cache[*Location]
	breaker        *resilience.Breaker
	recorder       *health.Recorder
	highRisk       map[string]struct{}
	vpnPenalty     float64
	hostingPenalty float64
}

// NewAnalyzer builds an analyzer from cfg.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if cfg.Resolver == nil {
		cfg.Resolver = SimulatedResolver{}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 50000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.VPNPenalty <= 0 {
		cfg.VPNPenalty = 25
	}
	if cfg.HostingPenalty <= 0 {
		cfg.HostingPenalty = 15
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "geo-resolver"
	}

	locations, err := cache.New[*Location](cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}

	highRisk := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, country := range cfg.HighRiskCountries {
		country = strings.ToUpper(strings.TrimSpace(country))
		if country != "" {
			highRisk[country] = struct{}{}
		}
	}

	return &Analyzer{
		resolver:       cfg.Resolver,
		locations:      locations,
		breaker:        resilience.NewBreaker(cfg.Breaker),
		recorder:       cfg.Recorder,
		highRisk:       highRisk,
		vpnPenalty:     cfg.VPNPenalty,
		hostingPenalty: cfg.HostingPenalty,
	}, nil
}

// Analyze resolves ip to a Location. It always returns a usable
// location; a non-nil error means the circuit is open and the result is
// the degraded sentinel. Per-lookup resolver errors are absorbed by the
// deterministic simulation instead.
func (a *Analyzer) Analyze(ctx context.Context, ip string) (*Location, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return Unknown(), nil
	}
	addr = addr.Unmap()
	if isLocal(addr) {
		return Local(), nil
	}

	key := addr.String()
	if hit, ok := a.locations.Get(key); ok {
		return hit, nil
	}

	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.resolver.Resolve(ctx, addr)
	})
	switch {
	case err == nil:
		loc := a.classify(out.(Resolution))
		a.locations.Set(key, loc)
		return loc, nil
	case errors.Is(err, resilience.ErrOpen):
		a.record(err)
		return FallbackFor(key), health.E(health.KindGeoService, "geo.resolve", err)
	default:
		// Lookup failed but the circuit is still closed: substitute the
		// simulation for this address. Not cached, so the real resolver
		// gets another try on the next request.
		a.record(err)
		res, _ := a.sim.Resolve(ctx, addr)
		return a.classify(res), nil
	}
}

func (a *Analyzer) record(err error) {
	if a.recorder != nil {
		a.recorder.Record(health.KindGeoService, err)
	}
}

// classify fills in infrastructure flags and the risk score.
func (a *Analyzer) classify(res Resolution) *Location {
	loc := &Location{
		Country:      orUnknown(strings.ToUpper(res.Country)),
		Region:       orUnknown(res.Region),
		City:         orUnknown(res.City),
		ASN:          res.ASN,
		Organization: orUnknown(res.Organization),
	}

	org := strings.ToLower(res.Organization)
	if org != "" {
		loc.IsVPN = vpnPattern.MatchString(org)
		loc.IsProxy = proxyPattern.MatchString(org)
		loc.IsHosting = hostingPattern.MatchString(org)
		loc.IsTor = torPattern.MatchString(org)
	}
	if _, ok := hostingASNs[res.ASN]; ok {
		loc.IsHosting = true
	}

	loc.RiskScore = a.riskScore(loc)
	return loc
}

// riskScore is pure over the location's flags and country.
func (a *Analyzer) riskScore(loc *Location) float64 {
	var score float64
	if _, ok := a.highRisk[loc.Country]; ok {
		score += 30
	}
	if loc.IsVPN {
		score += a.vpnPenalty
	}
	if loc.IsProxy {
		score += 20
	}
	if loc.IsHosting {
		score += a.hostingPenalty
	}
	if loc.IsTor {
		score += 40
	}
	return math.Min(score, 100)
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return CountryUnknown
	}
	return s
}

// Breaker exposes the resolver circuit breaker for monitoring.
func (a *Analyzer) Breaker() *resilience.Breaker { return a.breaker }

// CacheMetrics reports location cache hit/miss/eviction counters.
func (a *Analyzer) CacheMetrics() cache.Metrics { return a.locations.Metrics() }

// HealthCheck returns a monitor probe that resolves a fixed public
// address end to end and folds in the breaker state.
func (a *Analyzer) HealthCheck() health.CheckFunc {
	const probe = "8.8.8.8"
	return func(ctx context.Context) health.ComponentHealth {
		started := time.Now()
		_, err := a.Analyze(ctx, probe)
		elapsed := time.Since(started)

		ch := health.ComponentHealth{LastChecked: time.Now(), ResponseTime: elapsed}
		state := a.breaker.State()
		switch {
		case state == resilience.StateOpen:
			ch.Status = health.StatusUnhealthy
			ch.Message = "resolver circuit open"
		case err != nil:
			ch.Status = health.StatusDegraded
			ch.Message = "resolution degraded: " + err.Error()
		case state == resilience.StateHalfOpen:
			ch.Status = health.StatusDegraded
			ch.Message = "resolver circuit recovering"
		default:
			ch.Status = health.StatusHealthy
			ch.Message = "resolution ok"
		}
		return ch
	}
}
