// Package analytics aggregates detection outcomes into rolling
// in-memory counters and mirrors them into Prometheus collectors.
// State lives for the lifetime of the process; Reset exists for tests
// and the control API.
package analytics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Detection is one detection outcome reduced to the fields the
// aggregator tracks. The coordinator maps its verdict into this record
// so the package stays independent of the scoring types.
type Detection struct {
	Score        int
	Suspicious   bool
	HighRisk     bool
	Whitelisted  bool
	TimedOut     bool
	Fallback     bool
	Country      string
	Fingerprint  string
	ProcessingMS float64
}

// Threat summarizes repeated suspicious traffic behind one fingerprint
// identity.
type Threat struct {
	Fingerprint string    `json:"fingerprint"`
	Count       int64     `json:"count"`
	MaxScore    int       `json:"maxScore"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Timing reports the processing-time distribution over the retained
// sample window.
type Timing struct {
	SampleCount int     `json:"sampleCount"`
	MeanMS      float64 `json:"meanMs"`
	P50MS       float64 `json:"p50Ms"`
	P90MS       float64 `json:"p90Ms"`
	P99MS       float64 `json:"p99Ms"`
	MaxMS       float64 `json:"maxMs"`
}

// Analytics is a point-in-time copy of every rolling aggregate.
type Analytics struct {
	TotalRequests       int64            `json:"totalRequests"`
	SuspiciousRequests  int64            `json:"suspiciousRequests"`
	HighRiskRequests    int64            `json:"highRiskRequests"`
	WhitelistedRequests int64            `json:"whitelistedRequests"`
	TimedOutRequests    int64            `json:"timedOutRequests"`
	FallbackRequests    int64            `json:"fallbackRequests"`
	ExpiredSessions     int64            `json:"expiredSessions"`
	SuspicionBuckets    map[string]int64 `json:"suspicionBuckets"`
	GeoDistribution     map[string]int64 `json:"geoDistribution"`
	TopThreats          []Threat         `json:"topThreats"`
	ProcessingTime      Timing           `json:"processingTime"`
	WindowStarted       time.Time        `json:"windowStarted"`
	GeneratedAt         time.Time        `json:"generatedAt"`
}

// bucketLabels are the suspicion-score rows exposed by Snapshot.
var bucketLabels = [5]string{"0-19", "20-39", "40-59", "60-79", "80-100"}

func bucketFor(score int) int {
	switch {
	case score >= 80:
		return 4
	case score >= 60:
		return 3
	case score >= 40:
		return 2
	case score >= 20:
		return 1
	default:
		return 0
	}
}

// Config tunes the aggregator.
type Config struct {
	// SampleWindow is how many processing-time samples are retained for
	// the percentile summary. Default 2048.
	SampleWindow int
	// TopThreats is how many threats Snapshot reports. Default 10.
	TopThreats int
	// MaxTracked bounds the distinct fingerprints tracked; over the
	// bound the stalest entry is evicted. Default 512.
	MaxTracked int
	// Metrics receives Prometheus mirrors of every update. Nil leaves
	// mirroring off.
	Metrics *Metrics
}

// Service is the process-wide detection aggregator.
type Service struct {
	mu sync.Mutex

	total       int64
	suspicious  int64
	highRisk    int64
	whitelisted int64
	timedOut    int64
	fallbacks   int64
	expired     int64

	buckets   [len(bucketLabels)]int64
	byCountry map[string]int64
	threats   map[string]*Threat

	samples []float64
	next    int

	started time.Time

	window     int
	topN       int
	maxTracked int
	metrics    *Metrics
}

// New creates an empty aggregator.
func New(cfg Config) *Service {
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 2048
	}
	if cfg.TopThreats <= 0 {
		cfg.TopThreats = 10
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = 512
	}
	return &Service{
		byCountry:  make(map[string]int64),
		threats:    make(map[string]*Threat),
		samples:    make([]float64, 0, cfg.SampleWindow),
		started:    time.Now(),
		window:     cfg.SampleWindow,
		topN:       cfg.TopThreats,
		maxTracked: cfg.MaxTracked,
		metrics:    cfg.Metrics,
	}
}

// Record folds one detection outcome into the aggregates.
func (s *Service) Record(d Detection) {
	now := time.Now()

	s.mu.Lock()
	s.total++
	s.observeLocked(d.ProcessingMS)

	if d.Whitelisted {
		// Bypassed requests skip the analyzers; their zero scores stay
		// out of the distribution.
		s.whitelisted++
		s.mu.Unlock()
		s.metrics.RecordDetection(d)
		return
	}

	s.buckets[bucketFor(d.Score)]++
	country := d.Country
	if country == "" {
		country = "unknown"
	}
	s.byCountry[country]++

	if d.Suspicious {
		s.suspicious++
		s.trackThreatLocked(d, now)
	}
	if d.HighRisk {
		s.highRisk++
	}
	if d.TimedOut {
		s.timedOut++
	}
	if d.Fallback {
		s.fallbacks++
	}
	s.mu.Unlock()

	s.metrics.RecordDetection(d)
}

// RecordSessionExpiry notes that a sweep removed count sessions.
func (s *Service) RecordSessionExpiry(count int) {
	if count <= 0 {
		return
	}
	s.mu.Lock()
	s.expired += int64(count)
	s.mu.Unlock()

	s.metrics.RecordExpiredSessions(count)
}

func (s *Service) observeLocked(ms float64) {
	if len(s.samples) < s.window {
		s.samples = append(s.samples, ms)
		return
	}
	s.samples[s.next] = ms
	s.next = (s.next + 1) % s.window
}

func (s *Service) trackThreatLocked(d Detection, now time.Time) {
	key := d.Fingerprint
	if key == "" {
		key = "unknown"
	}

	if t, ok := s.threats[key]; ok {
		t.Count++
		t.LastSeen = now
		if d.Score > t.MaxScore {
			t.MaxScore = d.Score
		}
		return
	}

	if len(s.threats) >= s.maxTracked {
		s.evictStalestLocked()
	}
	s.threats[key] = &Threat{
		Fingerprint: key,
		Count:       1,
		MaxScore:    d.Score,
		LastSeen:    now,
	}
}

func (s *Service) evictStalestLocked() {
	var (
		stalest string
		oldest  time.Time
	)
	for key, t := range s.threats {
		if stalest == "" || t.LastSeen.Before(oldest) {
			stalest = key
			oldest = t.LastSeen
		}
	}
	if stalest != "" {
		delete(s.threats, stalest)
	}
}

// Snapshot copies every aggregate at a point in time.
func (s *Service) Snapshot() Analytics {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Analytics{
		TotalRequests:       s.total,
		SuspiciousRequests:  s.suspicious,
		HighRiskRequests:    s.highRisk,
		WhitelistedRequests: s.whitelisted,
		TimedOutRequests:    s.timedOut,
		FallbackRequests:    s.fallbacks,
		ExpiredSessions:     s.expired,
		SuspicionBuckets:    make(map[string]int64, len(bucketLabels)),
		GeoDistribution:     make(map[string]int64, len(s.byCountry)),
		TopThreats:          s.topThreatsLocked(),
		ProcessingTime:      s.timingLocked(),
		WindowStarted:       s.started,
		GeneratedAt:         time.Now(),
	}
	for i, label := range bucketLabels {
		snap.SuspicionBuckets[label] = s.buckets[i]
	}
	for country, n := range s.byCountry {
		snap.GeoDistribution[country] = n
	}
	return snap
}

func (s *Service) topThreatsLocked() []Threat {
	all := make([]Threat, 0, len(s.threats))
	for _, t := range s.threats {
		all = append(all, *t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		if !all[i].LastSeen.Equal(all[j].LastSeen) {
			return all[i].LastSeen.After(all[j].LastSeen)
		}
		return all[i].Fingerprint < all[j].Fingerprint
	})
	if len(all) > s.topN {
		all = all[:s.topN]
	}
	return all
}

func (s *Service) timingLocked() Timing {
	n := len(s.samples)
	if n == 0 {
		return Timing{}
	}

	sorted := make([]float64, n)
	copy(sorted, s.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	return Timing{
		SampleCount: n,
		MeanMS:      sum / float64(n),
		P50MS:       percentile(sorted, 0.50),
		P90MS:       percentile(sorted, 0.90),
		P99MS:       percentile(sorted, 0.99),
		MaxMS:       sorted[n-1],
	}
}

// percentile returns the nearest-rank percentile of a sorted sample.
func percentile(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Reset clears every aggregate and restarts the window.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total = 0
	s.suspicious = 0
	s.highRisk = 0
	s.whitelisted = 0
	s.timedOut = 0
	s.fallbacks = 0
	s.expired = 0
	s.buckets = [len(bucketLabels)]int64{}
	s.byCountry = make(map[string]int64)
	s.threats = make(map[string]*Threat)
	s.samples = s.samples[:0]
	s.next = 0
	s.started = time.Now()
}
