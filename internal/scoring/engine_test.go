package scoring

import (
	"math"
	"strings"
	"testing"

	"warden/internal/behavior"
	"warden/internal/fingerprint"
	"warden/internal/geo"
	"warden/internal/health"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = Weights{Fingerprint: 0.3, Behavioral: 0.3, Geographic: 0.2, Reputation: 0.2}
	}
	if cfg.HighRiskCountries == nil {
		cfg.HighRiskCountries = []string{"CN", "RU", "KP", "IR"}
	}
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func intPtr(v int) *int { return &v }

func TestNewEngine_RejectsBadWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
	}{
		{"negative", Weights{Fingerprint: -0.1, Behavioral: 0.5}},
		{"all zero", Weights{}},
		{"nan", Weights{Fingerprint: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(Config{Weights: tt.weights})
			if !health.IsKind(err, health.KindConfiguration) {
				t.Errorf("NewEngine error = %v, want configuration error", err)
			}
		})
	}

	if _, err := NewEngine(Config{
		Weights:    Weights{Fingerprint: 1},
		Thresholds: Thresholds{Suspicious: 80, HighRisk: 40},
	}); !health.IsKind(err, health.KindConfiguration) {
		t.Errorf("inverted thresholds error = %v, want configuration error", err)
	}
}

func TestScore_NoContributorsScoresZero(t *testing.T) {
	e := newTestEngine(t, Config{})

	neutral := behavior.Neutral()
	res, err := e.Score(Input{
		Fingerprint: &fingerprint.HTTPFingerprint{HeaderSignature: "aabb", HeaderOrderScore: 0.9},
		Behavior:    &neutral,
		Geo:         geo.Local(),
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.SuspicionScore != 0 {
		t.Errorf("SuspicionScore = %d, want 0", res.SuspicionScore)
	}
	if res.IsSuspicious {
		t.Error("clean request flagged suspicious")
	}
	if len(res.Reasons) != 0 {
		t.Errorf("Reasons = %v, want none", res.Reasons)
	}
	if res.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want baseline 0.5", res.Confidence)
	}
}

func TestScore_FingerprintRules(t *testing.T) {
	e := newTestEngine(t, Config{Weights: Weights{Fingerprint: 1}})

	tests := []struct {
		name     string
		fp       fingerprint.HTTPFingerprint
		score    int
		severity Severity
		substr   string
	}{
		{
			name:     "one missing header is low severity",
			fp:       fingerprint.HTTPFingerprint{MissingHeaders: []string{"accept-language"}, HeaderOrderScore: 0.8},
			score:    10,
			severity: SeverityLow,
			substr:   "missing expected headers",
		},
		{
			name:     "three missing headers are medium severity",
			fp:       fingerprint.HTTPFingerprint{MissingHeaders: []string{"a", "b", "c"}, HeaderOrderScore: 0.8},
			score:    30,
			severity: SeverityMedium,
			substr:   "missing expected headers",
		},
		{
			name:     "automation is a high severity 80",
			fp:       fingerprint.HTTPFingerprint{AutomationSignatures: []string{"curl"}, HeaderOrderScore: 0.8},
			score:    80,
			severity: SeverityHigh,
			substr:   "automation signatures: curl",
		},
		{
			name:     "suspicious headers score 15 each",
			fp:       fingerprint.HTTPFingerprint{SuspiciousHeaders: []string{"webdriver", "x-selenium-test"}, HeaderOrderScore: 0.8},
			score:    30,
			severity: SeverityMedium,
			substr:   "suspicious headers",
		},
		{
			name:     "unnatural header order",
			fp:       fingerprint.HTTPFingerprint{HeaderOrderScore: 0.1},
			score:    25,
			severity: SeverityMedium,
			substr:   "header order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Score(Input{Fingerprint: &tt.fp})
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if len(res.Reasons) != 1 {
				t.Fatalf("Reasons = %+v, want exactly one", res.Reasons)
			}
			r := res.Reasons[0]
			if r.Category != CategoryFingerprint {
				t.Errorf("Category = %q", r.Category)
			}
			if r.Score != tt.score {
				t.Errorf("reason score = %d, want %d", r.Score, tt.score)
			}
			if r.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", r.Severity, tt.severity)
			}
			if !strings.Contains(r.Description, tt.substr) {
				t.Errorf("Description = %q, want substring %q", r.Description, tt.substr)
			}
		})
	}
}

func TestScore_BehavioralRules(t *testing.T) {
	e := newTestEngine(t, Config{Weights: Weights{Behavioral: 1}})

	t.Run("rapid pacing scales with the gap", func(t *testing.T) {
		m := behavior.Neutral()
		m.RequestInterval = 10 // 40*(500-10)/500 = 39.2
		res, err := e.Score(Input{Behavior: &m})
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if len(res.Reasons) != 1 || res.Reasons[0].Score != 39 {
			t.Fatalf("Reasons = %+v, want one 39-point reason", res.Reasons)
		}
		if res.Reasons[0].Severity != SeverityHigh {
			t.Errorf("sub-100ms interval severity = %q, want high", res.Reasons[0].Severity)
		}

		m.RequestInterval = 250 // 40*(500-250)/500 = 20, medium
		res, _ = e.Score(Input{Behavior: &m})
		if res.Reasons[0].Severity != SeverityMedium {
			t.Errorf("250ms interval severity = %q, want medium", res.Reasons[0].Severity)
		}
	})

	t.Run("zero interval never fires", func(t *testing.T) {
		m := behavior.Neutral()
		m.RequestInterval = 0
		res, _ := e.Score(Input{Behavior: &m})
		if len(res.Reasons) != 0 {
			t.Errorf("first-request interval fired: %+v", res.Reasons)
		}
	})

	t.Run("metronomic consistency", func(t *testing.T) {
		m := behavior.Neutral()
		m.TimingConsistency = 0.9 // 30*(0.9-0.8)/0.2 = 15
		res, _ := e.Score(Input{Behavior: &m})
		if len(res.Reasons) != 1 || res.Reasons[0].Score != 15 {
			t.Errorf("Reasons = %+v, want one 15-point reason", res.Reasons)
		}
	})

	t.Run("low human likeness", func(t *testing.T) {
		m := behavior.Neutral()
		m.HumanLikeScore = 0.1 // 60*(0.3-0.1)/0.3 = 40
		res, _ := e.Score(Input{Behavior: &m})
		if len(res.Reasons) != 1 || res.Reasons[0].Score != 40 {
			t.Errorf("Reasons = %+v, want one 40-point reason", res.Reasons)
		}
		if res.Reasons[0].Severity != SeverityHigh {
			t.Errorf("Severity = %q, want high", res.Reasons[0].Severity)
		}
	})

	t.Run("sensitive path probing", func(t *testing.T) {
		m := behavior.Neutral()
		m.NavigationPattern = []string{"/products", "/wp-admin/setup.php"}
		res, _ := e.Score(Input{Behavior: &m})
		if len(res.Reasons) != 1 || res.Reasons[0].Score != 20 {
			t.Fatalf("Reasons = %+v, want one 20-point reason", res.Reasons)
		}
		if !strings.Contains(res.Reasons[0].Description, "/wp-admin") {
			t.Errorf("Description = %q", res.Reasons[0].Description)
		}
	})
}

func TestScore_GeographicRules(t *testing.T) {
	e := newTestEngine(t, Config{Weights: Weights{Geographic: 1}})

	tests := []struct {
		name  string
		loc   geo.Location
		score int
		sev   Severity
	}{
		{"tor", geo.Location{IsTor: true}, 40, SeverityHigh},
		{"vpn", geo.Location{IsVPN: true, Organization: "NordVPN"}, 25, SeverityMedium},
		{"proxy", geo.Location{IsProxy: true, Organization: "ProxyNet"}, 20, SeverityMedium},
		{"hosting", geo.Location{IsHosting: true, Organization: "Hetzner"}, 15, SeverityLow},
		{"high-risk country", geo.Location{Country: "RU"}, 30, SeverityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Score(Input{Geo: &tt.loc})
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if len(res.Reasons) != 1 {
				t.Fatalf("Reasons = %+v, want exactly one", res.Reasons)
			}
			if res.Reasons[0].Score != tt.score || res.Reasons[0].Severity != tt.sev {
				t.Errorf("reason = %d/%q, want %d/%q", res.Reasons[0].Score, res.Reasons[0].Severity, tt.score, tt.sev)
			}
		})
	}

	t.Run("stacked infrastructure", func(t *testing.T) {
		res, _ := e.Score(Input{Geo: &geo.Location{IsTor: true, IsVPN: true, IsProxy: true, IsHosting: true, Country: "CN", Organization: "x"}})
		// 40+25+20+15+30 = 130 clamps to 100, then escalation caps at 100.
		if res.SuspicionScore != 100 {
			t.Errorf("SuspicionScore = %d, want 100", res.SuspicionScore)
		}
		if len(res.Reasons) != 5 {
			t.Errorf("Reasons = %d, want 5", len(res.Reasons))
		}
	})
}

func TestScore_ReputationRules(t *testing.T) {
	e := newTestEngine(t, Config{Weights: Weights{Reputation: 1}})

	t.Run("below 30 does not contribute", func(t *testing.T) {
		res, _ := e.Score(Input{Reputation: intPtr(10)})
		if len(res.Reasons) != 0 || res.SuspicionScore != 0 {
			t.Errorf("low reputation contributed: score=%d reasons=%+v", res.SuspicionScore, res.Reasons)
		}
	})
	t.Run("midband is medium", func(t *testing.T) {
		res, _ := e.Score(Input{Reputation: intPtr(45)})
		if len(res.Reasons) != 1 || res.Reasons[0].Score != 45 || res.Reasons[0].Severity != SeverityMedium {
			t.Errorf("Reasons = %+v", res.Reasons)
		}
	})
	t.Run("above 70 is high", func(t *testing.T) {
		res, _ := e.Score(Input{Reputation: intPtr(85)})
		if len(res.Reasons) != 1 || res.Reasons[0].Severity != SeverityHigh {
			t.Errorf("Reasons = %+v", res.Reasons)
		}
	})
}

func TestScore_WeightedAverageOverContributingOnly(t *testing.T) {
	e := newTestEngine(t, Config{})

	// Fingerprint fires 100, geographic fires 30; behavioral and
	// reputation stay silent. raw = (0.3*100 + 0.2*30) / 0.5 = 72,
	// escalated to 60 + 12*1.3 = 75.6, rounded 76.
	res, err := e.Score(Input{
		Fingerprint: &fingerprint.HTTPFingerprint{
			AutomationSignatures: []string{"curl"},
			MissingHeaders:       []string{"a", "b"},
			HeaderOrderScore:     0.8,
		},
		Geo: &geo.Location{Country: "RU"},
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.SuspicionScore != 76 {
		t.Errorf("SuspicionScore = %d, want 76", res.SuspicionScore)
	}
	if !res.IsSuspicious {
		t.Error("IsSuspicious = false at 76")
	}
}

func TestScore_EscalationBoundary(t *testing.T) {
	e := newTestEngine(t, Config{Weights: Weights{Fingerprint: 1}})

	// 60 raw stays 60: six missing headers, nothing else.
	at60, _ := e.Score(Input{Fingerprint: &fingerprint.HTTPFingerprint{
		MissingHeaders:   []string{"a", "b", "c", "d", "e", "f"},
		HeaderOrderScore: 0.8,
	}})
	if at60.SuspicionScore != 60 {
		t.Errorf("raw 60 scored %d, want 60 (no escalation at the boundary)", at60.SuspicionScore)
	}

	// 70 raw escalates: 60 + 10*1.3 = 73.
	at70, _ := e.Score(Input{Fingerprint: &fingerprint.HTTPFingerprint{
		MissingHeaders:   []string{"a", "b", "c", "d", "e", "f", "g"},
		HeaderOrderScore: 0.8,
	}})
	if at70.SuspicionScore != 73 {
		t.Errorf("raw 70 scored %d, want 73", at70.SuspicionScore)
	}
}

func TestScore_BoundsHold(t *testing.T) {
	e := newTestEngine(t, Config{})

	worst := behavior.Neutral()
	worst.RequestInterval = 1
	worst.TimingConsistency = 1
	worst.HumanLikeScore = 0
	worst.NavigationPattern = []string{"/.env"}

	inputs := []Input{
		{},
		{Reputation: intPtr(1000)},
		{
			Fingerprint: &fingerprint.HTTPFingerprint{
				MissingHeaders:       []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"},
				AutomationSignatures: []string{"curl", "wget", "bot"},
				SuspiciousHeaders:    []string{"1", "2", "3", "4", "5", "6", "7", "8"},
			},
			Behavior:   &worst,
			Geo:        &geo.Location{IsTor: true, IsVPN: true, IsProxy: true, IsHosting: true, Country: "KP"},
			Reputation: intPtr(100),
		},
	}
	for i, in := range inputs {
		res, err := e.Score(in)
		if err != nil {
			t.Fatalf("Score(%d): %v", i, err)
		}
		if res.SuspicionScore < 0 || res.SuspicionScore > 100 {
			t.Errorf("input %d: SuspicionScore = %d out of bounds", i, res.SuspicionScore)
		}
		if res.Confidence < 0 || res.Confidence > 1 {
			t.Errorf("input %d: Confidence = %v out of bounds", i, res.Confidence)
		}
	}
}

func TestScore_MonotonicUnderAddedSignals(t *testing.T) {
	e := newTestEngine(t, Config{})

	base := fingerprint.HTTPFingerprint{
		MissingHeaders:   []string{"accept-language"},
		HeaderOrderScore: 0.8,
	}
	prev := -1
	for _, extra := range [][]string{
		nil,
		{"curl"},
		{"curl", "bot"},
	} {
		fp := base
		fp.AutomationSignatures = extra
		res, err := e.Score(Input{Fingerprint: &fp})
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if res.SuspicionScore < prev {
			t.Errorf("score dropped from %d to %d after adding signals", prev, res.SuspicionScore)
		}
		prev = res.SuspicionScore
	}

	// More missing headers never lower the score either.
	prev = -1
	missing := []string{}
	for i := 0; i < 6; i++ {
		missing = append(missing, string(rune('a'+i)))
		fp := fingerprint.HTTPFingerprint{MissingHeaders: append([]string(nil), missing...), HeaderOrderScore: 0.8}
		res, _ := e.Score(Input{Fingerprint: &fp})
		if res.SuspicionScore < prev {
			t.Errorf("score dropped from %d to %d with %d missing headers", prev, res.SuspicionScore, len(missing))
		}
		prev = res.SuspicionScore
	}
}

func TestScore_Confidence(t *testing.T) {
	e := newTestEngine(t, Config{})

	t.Run("one source", func(t *testing.T) {
		res, _ := e.Score(Input{Fingerprint: &fingerprint.HTTPFingerprint{MissingHeaders: []string{"a"}, HeaderOrderScore: 0.8}})
		if math.Abs(res.Confidence-0.6) > 1e-9 {
			t.Errorf("Confidence = %v, want 0.6", res.Confidence)
		}
	})

	t.Run("reputation supplied adds a tenth", func(t *testing.T) {
		res, _ := e.Score(Input{
			Fingerprint: &fingerprint.HTTPFingerprint{MissingHeaders: []string{"a"}, HeaderOrderScore: 0.8},
			Reputation:  intPtr(10), // supplied but not contributing
		})
		if math.Abs(res.Confidence-0.7) > 1e-9 {
			t.Errorf("Confidence = %v, want 0.7", res.Confidence)
		}
	})

	t.Run("sharp disagreement subtracts", func(t *testing.T) {
		neutral := behavior.Neutral()
		res, _ := e.Score(Input{
			Fingerprint: &fingerprint.HTTPFingerprint{AutomationSignatures: []string{"curl"}, HeaderOrderScore: 0.8},
			Behavior:    &neutral, // measured, zero score
		})
		// 0.5 + 0.1 (fingerprint fired) - 0.2 (80 vs 0) = 0.4
		if math.Abs(res.Confidence-0.4) > 1e-9 {
			t.Errorf("Confidence = %v, want 0.4", res.Confidence)
		}
	})
}

func TestScore_RejectsCorruptNumbers(t *testing.T) {
	e := newTestEngine(t, Config{})

	bad := behavior.Neutral()
	bad.TimingConsistency = math.NaN()

	_, err := e.Score(Input{Behavior: &bad})
	if !health.IsKind(err, health.KindScoringEngine) {
		t.Errorf("Score error = %v, want scoring engine error", err)
	}
}

func TestIdentity(t *testing.T) {
	metrics := behavior.Neutral()
	metrics.HumanLikeScore = 0.8

	got := Identity(
		&fingerprint.HTTPFingerprint{HeaderSignature: "5a3bc"},
		&geo.Location{Country: "US", ASN: 15169},
		&metrics,
	)
	if got != "5a3bc:US:15169:80" {
		t.Errorf("Identity = %q, want 5a3bc:US:15169:80", got)
	}

	if got := Identity(nil, nil, nil); got != "unknown:unknown:0:50" {
		t.Errorf("Identity(nil) = %q, want unknown:unknown:0:50", got)
	}
}

func TestFallback(t *testing.T) {
	res := Fallback("scoring engine unavailable", "curl/7.68.0", []string{"accept-language", "accept-encoding"})

	if res.Metadata.FallbackReason != "scoring engine unavailable" {
		t.Errorf("FallbackReason = %q", res.Metadata.FallbackReason)
	}
	if res.Confidence > 0.3 {
		t.Errorf("Confidence = %v, want <= 0.3", res.Confidence)
	}
	// 70 for the token plus 2*10 for missing headers.
	if res.SuspicionScore != 90 {
		t.Errorf("SuspicionScore = %d, want 90", res.SuspicionScore)
	}
	if !res.IsSuspicious {
		t.Error("IsSuspicious = false")
	}
	if len(res.Reasons) != 2 {
		t.Errorf("Reasons = %+v, want 2", res.Reasons)
	}

	clean := Fallback("scoring engine unavailable", "Mozilla/5.0 Chrome/120.0", nil)
	if clean.SuspicionScore != 0 || clean.IsSuspicious {
		t.Errorf("clean fallback = %d/%v, want 0/false", clean.SuspicionScore, clean.IsSuspicious)
	}
	if clean.Confidence != 0.1 {
		t.Errorf("clean fallback confidence = %v, want 0.1", clean.Confidence)
	}
}
