package scoring

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"warden/internal/behavior"
	"warden/internal/fingerprint"
	"warden/internal/geo"
	"warden/internal/health"
)

// sensitivePaths are probed by scanners and exploit kits; visiting them
// counts against the behavioral category.
var sensitivePaths = []string{"/admin", "/wp-admin", "/login.php", "/.env", "/phpmyadmin"}

// fallbackTokens drive the degraded heuristic verdict when the engine
// itself cannot score.
var fallbackTokens = regexp.MustCompile(`(?i)bot|crawler|spider|curl|wget|python|selenium|puppeteer`)

// Weights distribute the verdict across signal categories. Each must be
// non-negative and at least one positive.
type Weights struct {
	Fingerprint float64 `json:"fingerprint"`
	Behavioral  float64 `json:"behavioral"`
	Geographic  float64 `json:"geographic"`
	Reputation  float64 `json:"reputation"`
}

// Thresholds are the verdict cut lines on the 0-100 scale.
type Thresholds struct {
	Suspicious float64 `json:"suspicious"`
	HighRisk   float64 `json:"highRisk"`
}

// Config tunes an engine. Zero values take the documented defaults.
type Config struct {
	Weights            Weights
	Thresholds         Thresholds
	MinHumanIntervalMS float64
	MaxConsistency     float64
	VPNPenalty         float64
	HostingPenalty     float64
	HighRiskCountries  []string
}

// Input gathers everything known about one request. Any field may be
// nil; absent signals simply do not contribute.
type Input struct {
	Fingerprint *fingerprint.HTTPFingerprint
	Behavior    *behavior.Metrics
	Geo         *geo.Location
	Reputation  *int
}

// Engine computes verdicts. Construction validates the weights; scoring
// itself never fails on well-formed numeric inputs.
type Engine struct {
	weights        Weights
	thresholds     Thresholds
	minHumanMS     float64
	maxConsistency float64
	vpnPenalty     float64
	hostingPenalty float64
	highRisk       map[string]struct{}
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	w := cfg.Weights
	for name, v := range map[string]float64{
		"fingerprint": w.Fingerprint,
		"behavioral":  w.Behavioral,
		"geographic":  w.Geographic,
		"reputation":  w.Reputation,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, health.E(health.KindConfiguration, "scoring.weights",
				fmt.Errorf("weight %s = %v must be a non-negative number", name, v))
		}
	}
	if w.Fingerprint+w.Behavioral+w.Geographic+w.Reputation <= 0 {
		return nil, health.E(health.KindConfiguration, "scoring.weights",
			fmt.Errorf("at least one weight must be positive"))
	}

	t := cfg.Thresholds
	if t.Suspicious == 0 && t.HighRisk == 0 {
		t = Thresholds{Suspicious: 30, HighRisk: 70}
	}
	if t.Suspicious < 0 || t.HighRisk > 100 || t.Suspicious > t.HighRisk {
		return nil, health.E(health.KindConfiguration, "scoring.thresholds",
			fmt.Errorf("thresholds %v/%v out of order", t.Suspicious, t.HighRisk))
	}

	if cfg.MinHumanIntervalMS <= 0 {
		cfg.MinHumanIntervalMS = 500
	}
	if cfg.MaxConsistency <= 0 || cfg.MaxConsistency >= 1 {
		cfg.MaxConsistency = 0.8
	}
	if cfg.VPNPenalty <= 0 {
		cfg.VPNPenalty = 25
	}
	if cfg.HostingPenalty <= 0 {
		cfg.HostingPenalty = 15
	}

	highRisk := make(map[string]struct{}, len(cfg.HighRiskCountries))
	for _, c := range cfg.HighRiskCountries {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			highRisk[c] = struct{}{}
		}
	}

	return &Engine{
		weights:        w,
		thresholds:     t,
		minHumanMS:     cfg.MinHumanIntervalMS,
		maxConsistency: cfg.MaxConsistency,
		vpnPenalty:     cfg.VPNPenalty,
		hostingPenalty: cfg.HostingPenalty,
		highRisk:       highRisk,
	}, nil
}

// Thresholds returns the configured verdict cut lines.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// IsHighRisk reports whether score crosses the block-worthy line.
func (e *Engine) IsHighRisk(score int) bool {
	return float64(score) >= e.thresholds.HighRisk
}

// category accumulates one signal family's rule hits.
type category struct {
	total   float64
	fired   bool
	present bool
}

func (c *category) hit(reasons *[]Reason, cat Category, sev Severity, score float64, desc string) {
	c.total += score
	c.fired = true
	*reasons = append(*reasons, Reason{
		Category:    cat,
		Severity:    sev,
		Description: desc,
		Score:       int(math.Round(score)),
	})
}

// Score computes the verdict for in. It returns an error only when a
// numeric input is corrupted (NaN or infinite); callers substitute the
// heuristic Fallback verdict in that case.
func (e *Engine) Score(in Input) (*Result, error) {
	if err := checkNumbers(in); err != nil {
		return nil, health.E(health.KindScoringEngine, "scoring.score", err)
	}

	var reasons []Reason
	fp := e.scoreFingerprint(in.Fingerprint, &reasons)
	bh := e.scoreBehavior(in.Behavior, &reasons)
	gg := e.scoreGeo(in.Geo, &reasons)
	rp := e.scoreReputation(in.Reputation, &reasons)

	raw := e.combine([4]category{fp, bh, gg, rp})
	final := raw
	if final > 60 {
		final = 60 + (final-60)*1.3
	}
	score := int(math.Round(math.Min(final, 100)))

	return &Result{
		IsSuspicious:   float64(score) >= e.thresholds.Suspicious,
		SuspicionScore: score,
		Confidence:     e.confidence([4]category{fp, bh, gg, rp}, in.Reputation != nil),
		Reasons:        reasons,
		Fingerprint:    Identity(in.Fingerprint, in.Geo, in.Behavior),
	}, nil
}

func checkNumbers(in Input) error {
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
	if fp := in.Fingerprint; fp != nil && bad(fp.HeaderOrderScore) {
		return fmt.Errorf("fingerprint order score is %v", fp.HeaderOrderScore)
	}
	if b := in.Behavior; b != nil {
		for _, v := range []float64{b.RequestInterval, b.TimingConsistency, b.HumanLikeScore} {
			if bad(v) {
				return fmt.Errorf("behavior metrics contain %v", v)
			}
		}
	}
	if g := in.Geo; g != nil && bad(g.RiskScore) {
		return fmt.Errorf("geo risk score is %v", g.RiskScore)
	}
	return nil
}

func (e *Engine) scoreFingerprint(fp *fingerprint.HTTPFingerprint, reasons *[]Reason) category {
	var c category
	if fp == nil {
		return c
	}
	c.present = true

	if n := len(fp.MissingHeaders); n >= 1 {
		sev := SeverityLow
		if n >= 2 {
			sev = SeverityMedium
		}
		c.hit(reasons, CategoryFingerprint, sev, float64(10*n),
			"missing expected headers: "+strings.Join(fp.MissingHeaders, ", "))
	}
	if len(fp.AutomationSignatures) > 0 {
		c.hit(reasons, CategoryFingerprint, SeverityHigh, 80,
			"automation signatures: "+strings.Join(fp.AutomationSignatures, ", "))
	}
	if n := len(fp.SuspiciousHeaders); n >= 1 {
		c.hit(reasons, CategoryFingerprint, SeverityMedium, float64(15*n),
			"suspicious headers: "+strings.Join(fp.SuspiciousHeaders, ", "))
	}
	if fp.HeaderOrderScore < 0.3 {
		c.hit(reasons, CategoryFingerprint, SeverityMedium, 25,
			fmt.Sprintf("header order unlike a browser (%.2f)", fp.HeaderOrderScore))
	}
	return c
}

func (e *Engine) scoreBehavior(b *behavior.Metrics, reasons *[]Reason) category {
	var c category
	if b == nil {
		return c
	}
	c.present = true

	if i := b.RequestInterval; i > 0 && i < e.minHumanMS {
		sev := SeverityMedium
		if i < 100 {
			sev = SeverityHigh
		}
		c.hit(reasons, CategoryBehavioral, sev, 40*(e.minHumanMS-i)/e.minHumanMS,
			fmt.Sprintf("request interval %.0fms below the %.0fms human floor", i, e.minHumanMS))
	}
	if b.TimingConsistency > e.maxConsistency {
		c.hit(reasons, CategoryBehavioral, SeverityMedium,
			30*(b.TimingConsistency-e.maxConsistency)/(1-e.maxConsistency),
			fmt.Sprintf("timing consistency %.2f beyond %.2f", b.TimingConsistency, e.maxConsistency))
	}
	if b.HumanLikeScore < 0.3 {
		c.hit(reasons, CategoryBehavioral, SeverityHigh, 60*(0.3-b.HumanLikeScore)/0.3,
			fmt.Sprintf("human-likeness %.2f", b.HumanLikeScore))
	}
	if path, ok := probedSensitivePath(b.NavigationPattern); ok {
		c.hit(reasons, CategoryBehavioral, SeverityMedium, 20, "sensitive path probing: "+path)
	}
	return c
}

func probedSensitivePath(navigation []string) (string, bool) {
	for _, visited := range navigation {
		for _, sensitive := range sensitivePaths {
			if strings.Contains(visited, sensitive) {
				return sensitive, true
			}
		}
	}
	return "", false
}

func (e *Engine) scoreGeo(loc *geo.Location, reasons *[]Reason) category {
	var c category
	if loc == nil {
		return c
	}
	c.present = true

	if loc.IsTor {
		c.hit(reasons, CategoryGeographic, SeverityHigh, 40, "tor exit infrastructure")
	}
	if loc.IsVPN {
		c.hit(reasons, CategoryGeographic, SeverityMedium, e.vpnPenalty, "vpn organization: "+loc.Organization)
	}
	if loc.IsProxy {
		c.hit(reasons, CategoryGeographic, SeverityMedium, 20, "proxy organization: "+loc.Organization)
	}
	if loc.IsHosting {
		c.hit(reasons, CategoryGeographic, SeverityLow, e.hostingPenalty, "hosting provider: "+loc.Organization)
	}
	if _, ok := e.highRisk[loc.Country]; ok {
		c.hit(reasons, CategoryGeographic, SeverityMedium, 30, "high-risk country: "+loc.Country)
	}
	return c
}

func (e *Engine) scoreReputation(rep *int, reasons *[]Reason) category {
	var c category
	if rep == nil {
		return c
	}
	c.present = true

	if score := *rep; score >= 30 {
		sev := SeverityMedium
		if score > 70 {
			sev = SeverityHigh
		}
		c.hit(reasons, CategoryReputation, sev, math.Min(float64(score), 100),
			fmt.Sprintf("prior reputation score %d", score))
	}
	return c
}

// combine is the weighted average over contributing categories only.
// Order: fingerprint, behavioral, geographic, reputation.
func (e *Engine) combine(cats [4]category) float64 {
	weights := [4]float64{e.weights.Fingerprint, e.weights.Behavioral, e.weights.Geographic, e.weights.Reputation}

	var weighted, total float64
	for i, c := range cats {
		if !c.fired {
			continue
		}
		clamped := math.Max(0, math.Min(c.total, 100))
		weighted += weights[i] * clamped
		total += weights[i]
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// confidence starts at 0.5, grows 0.1 per contributing source, adds 0.1
// when a reputation signal was supplied at all, and loses 0.2 when the
// categories sharply disagree (one at 70+, another measured at zero).
func (e *Engine) confidence(cats [4]category, reputationSupplied bool) float64 {
	conf := 0.5

	for _, c := range cats {
		if c.fired {
			conf += 0.1
		}
	}
	if reputationSupplied {
		conf += 0.1
	}

	maxScore, minScore := math.Inf(-1), math.Inf(1)
	for _, c := range cats {
		if !c.present {
			continue
		}
		clamped := math.Max(0, math.Min(c.total, 100))
		maxScore = math.Max(maxScore, clamped)
		minScore = math.Min(minScore, clamped)
	}
	if maxScore >= 70 && minScore == 0 {
		conf -= 0.2
	}

	return math.Max(0, math.Min(conf, 1))
}

// Fallback produces the degraded heuristic verdict used when the engine
// cannot score: user-agent bot tokens plus a missing-header penalty,
// never more confident than 0.3.
func Fallback(reason, userAgent string, missingHeaders []string) *Result {
	var (
		reasons []Reason
		score   float64
	)

	if token := fallbackTokens.FindString(userAgent); token != "" {
		score += 70
		reasons = append(reasons, Reason{
			Category:    CategoryFingerprint,
			Severity:    SeverityHigh,
			Description: "bot token in user agent: " + strings.ToLower(token),
			Score:       70,
		})
	}
	if n := len(missingHeaders); n > 0 {
		contribution := float64(10 * n)
		reasons = append(reasons, Reason{
			Category:    CategoryFingerprint,
			Severity:    SeverityMedium,
			Description: "missing expected headers: " + strings.Join(missingHeaders, ", "),
			Score:       int(contribution),
		})
		score += contribution
	}

	confidence := 0.1
	if len(reasons) > 0 {
		confidence = 0.3
	}

	final := int(math.Round(math.Min(score, 100)))
	return &Result{
		IsSuspicious:   final >= 30,
		SuspicionScore: final,
		Confidence:     confidence,
		Reasons:        reasons,
		Fingerprint:    "unknown",
		Metadata:       Metadata{FallbackReason: reason},
	}
}
