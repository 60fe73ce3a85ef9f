package behavior

import (
	"context"
	"math"
	"testing"
	"time"

	"warden/internal/request"
	"warden/internal/session"
)

func within(got, want, eps float64) bool {
	return math.Abs(got-want) <= eps
}

// buildSnapshot lays out logs at start plus the cumulative gaps.
func buildSnapshot(start time.Time, gaps []time.Duration, logs []session.RequestLog) session.Snapshot {
	ts := start
	for i := range logs {
		if i > 0 {
			ts = ts.Add(gaps[i-1])
		}
		logs[i].Timestamp = ts
	}
	last := start
	if len(logs) > 0 {
		last = logs[len(logs)-1].Timestamp
	}
	return session.Snapshot{
		IP:           "203.0.113.7",
		FirstSeen:    start,
		LastSeen:     last,
		RequestCount: len(logs),
		Requests:     logs,
	}
}

func repeatLogs(n int, method, path, ua string) []session.RequestLog {
	logs := make([]session.RequestLog, n)
	for i := range logs {
		logs[i] = session.RequestLog{Method: method, Path: path, UserAgent: ua}
	}
	return logs
}

func uniformGaps(n int, gap time.Duration) []time.Duration {
	gaps := make([]time.Duration, n)
	for i := range gaps {
		gaps[i] = gap
	}
	return gaps
}

func TestNeutral(t *testing.T) {
	m := Neutral()
	if m.RequestInterval != 2000 || m.TimingConsistency != 0.5 || m.HumanLikeScore != 0.5 {
		t.Errorf("Neutral() = %+v", m)
	}
	if m.NavigationPattern == nil || len(m.NavigationPattern) != 0 {
		t.Errorf("NavigationPattern = %v, want empty non-nil", m.NavigationPattern)
	}
	if m.SessionDuration != 0 {
		t.Errorf("SessionDuration = %d, want 0", m.SessionDuration)
	}
}

func TestComputeMetrics_EmptySession(t *testing.T) {
	m := computeMetrics(session.Snapshot{}, 500)

	if m.RequestInterval != 0 {
		t.Errorf("RequestInterval = %v, want 0", m.RequestInterval)
	}
	if m.TimingConsistency != 0 {
		t.Errorf("TimingConsistency = %v, want 0", m.TimingConsistency)
	}
	if m.HumanLikeScore != 1 {
		t.Errorf("HumanLikeScore = %v, want 1 (nothing to penalize)", m.HumanLikeScore)
	}
	if len(m.NavigationPattern) != 0 {
		t.Errorf("NavigationPattern = %v, want empty", m.NavigationPattern)
	}
}

func TestComputeMetrics_SingleRequest(t *testing.T) {
	snap := buildSnapshot(time.Now(), nil,
		[]session.RequestLog{{Method: "GET", Path: "/home", UserAgent: "Mozilla/5.0"}})

	m := computeMetrics(snap, 500)

	if m.RequestInterval != 0 {
		t.Errorf("RequestInterval = %v, want 0 with fewer than 2 requests", m.RequestInterval)
	}
	if m.TimingConsistency != 0 {
		t.Errorf("TimingConsistency = %v, want 0 with fewer than 3 requests", m.TimingConsistency)
	}
	if m.HumanLikeScore != 1 {
		t.Errorf("HumanLikeScore = %v, want 1", m.HumanLikeScore)
	}
	if len(m.NavigationPattern) != 1 || m.NavigationPattern[0] != "GET:/home" {
		t.Errorf("NavigationPattern = %v", m.NavigationPattern)
	}
}

func TestComputeMetrics_TwoRequestsNoConsistency(t *testing.T) {
	snap := buildSnapshot(time.Now(), uniformGaps(1, time.Second),
		repeatLogs(2, "GET", "/a", "ua"))

	m := computeMetrics(snap, 500)

	if !within(m.RequestInterval, 1000, 1e-6) {
		t.Errorf("RequestInterval = %v, want 1000", m.RequestInterval)
	}
	// Two samples are not enough to call the pacing consistent.
	if m.TimingConsistency != 0 {
		t.Errorf("TimingConsistency = %v, want 0", m.TimingConsistency)
	}
}

func TestComputeMetrics_RapidFireScraper(t *testing.T) {
	snap := buildSnapshot(time.Now(), uniformGaps(11, 50*time.Millisecond),
		repeatLogs(12, "GET", "/api/data", "python-requests/2.31"))

	m := computeMetrics(snap, 500)

	if !within(m.RequestInterval, 50, 1e-6) {
		t.Errorf("RequestInterval = %v, want 50", m.RequestInterval)
	}
	if m.TimingConsistency != 1 {
		t.Errorf("TimingConsistency = %v, want 1 for metronomic pacing", m.TimingConsistency)
	}
	// Speed, uniformity, navigation and diversity penalties stack past 1.
	if m.HumanLikeScore != 0 {
		t.Errorf("HumanLikeScore = %v, want 0", m.HumanLikeScore)
	}
	if m.SessionDuration != 550 {
		t.Errorf("SessionDuration = %d, want 550", m.SessionDuration)
	}
	if len(m.NavigationPattern) != 10 {
		t.Errorf("NavigationPattern keeps %d entries, want 10", len(m.NavigationPattern))
	}
}

func TestComputeMetrics_HumanBrowsing(t *testing.T) {
	gaps := []time.Duration{
		2100 * time.Millisecond,
		3400 * time.Millisecond,
		1800 * time.Millisecond,
		5200 * time.Millisecond,
		2700 * time.Millisecond,
	}
	logs := []session.RequestLog{
		{Method: "GET", Path: "/home", UserAgent: "Mozilla/5.0"},
		{Method: "GET", Path: "/products", UserAgent: "Mozilla/5.0"},
		{Method: "GET", Path: "/products/42", UserAgent: "Mozilla/5.0"},
		{Method: "POST", Path: "/cart", UserAgent: "Mozilla/5.0"},
		{Method: "GET", Path: "/about", UserAgent: "Mozilla/5.0"},
		{Method: "GET", Path: "/contact", UserAgent: "Mozilla/5.0"},
	}
	snap := buildSnapshot(time.Now(), gaps, logs)

	m := computeMetrics(snap, 500)

	if !within(m.RequestInterval, 3040, 1e-6) {
		t.Errorf("RequestInterval = %v, want 3040", m.RequestInterval)
	}
	if m.TimingConsistency >= 0.8 {
		t.Errorf("TimingConsistency = %v, want below robotic range", m.TimingConsistency)
	}
	if m.HumanLikeScore <= 0.8 {
		t.Errorf("HumanLikeScore = %v, want above 0.8 for organic browsing", m.HumanLikeScore)
	}
	if m.SessionDuration != 15200 {
		t.Errorf("SessionDuration = %d, want 15200", m.SessionDuration)
	}
}

func TestComputeMetrics_UniformPacingPenalized(t *testing.T) {
	logs := []session.RequestLog{
		{Method: "GET", Path: "/p1", UserAgent: "ua"},
		{Method: "GET", Path: "/p2", UserAgent: "ua"},
		{Method: "GET", Path: "/p3", UserAgent: "ua"},
		{Method: "GET", Path: "/p4", UserAgent: "ua"},
		{Method: "GET", Path: "/p5", UserAgent: "ua"},
	}
	snap := buildSnapshot(time.Now(), uniformGaps(4, time.Second), logs)

	m := computeMetrics(snap, 500)

	if m.TimingConsistency != 1 {
		t.Fatalf("TimingConsistency = %v, want 1", m.TimingConsistency)
	}
	// Penalties: uniformity 0.4, diversity 0.1*(1-(0.04+0.6+1/15)).
	want := 1.0 - 0.4 - 0.1*(1-(0.2*0.2+0.6*1+0.2*(1.0/3.0)))
	if !within(m.HumanLikeScore, want, 1e-9) {
		t.Errorf("HumanLikeScore = %v, want %v", m.HumanLikeScore, want)
	}
}

func TestRoboticNavigation(t *testing.T) {
	tests := []struct {
		name string
		logs []session.RequestLog
		want float64
	}{
		{"empty", nil, 0},
		{"run of three allowed", repeatLogs(3, "GET", "/a", "ua"), 0},
		{"run of four", repeatLogs(4, "GET", "/a", "ua"), 0.1},
		{"long run capped", repeatLogs(9, "GET", "/a", "ua"), 0.5},
		{"hammering one path all session", repeatLogs(12, "GET", "/a", "ua"), 0.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roboticNavigation(tt.logs); !within(got, tt.want, 1e-9) {
				t.Errorf("roboticNavigation = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRoboticNavigation_RunBrokenByOtherPath(t *testing.T) {
	logs := repeatLogs(3, "GET", "/a", "ua")
	logs = append(logs, session.RequestLog{Method: "GET", Path: "/b", UserAgent: "ua"})
	logs = append(logs, repeatLogs(3, "GET", "/a", "ua")...)

	if got := roboticNavigation(logs); got != 0 {
		t.Errorf("roboticNavigation = %v, want 0 when runs stay at 3", got)
	}
}

func TestDiversityOf(t *testing.T) {
	tests := []struct {
		name string
		logs []session.RequestLog
		want float64
	}{
		{"empty treated as diverse", nil, 1},
		{"single request fully diverse", repeatLogs(1, "GET", "/", "ua"), 1},
		{"monoculture", repeatLogs(12, "GET", "/a", "ua"),
			0.2*(1.0/5.0) + 0.6*(1.0/12.0) + 0.2*(1.0/3.0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := diversityOf(tt.logs); !within(got, tt.want, 1e-9) {
				t.Errorf("diversityOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHumanLikeScore_CapsNavigationPenalty(t *testing.T) {
	logs := repeatLogs(12, "GET", "/a", "ua")

	// Robotic navigation alone would cost 0.8; the cap holds it to 0.2.
	diversity := 0.2*(1.0/5.0) + 0.6*(1.0/12.0) + 0.2*(1.0/3.0)
	want := 1.0 - 0.2 - 0.1*(1-diversity)

	if got := humanLikeScore(logs, 2000, 0, 500); !within(got, want, 1e-9) {
		t.Errorf("humanLikeScore = %v, want %v", got, want)
	}
}

func TestHumanLikeScore_SpeedPenaltyScalesWithPace(t *testing.T) {
	logs := []session.RequestLog{
		{Method: "GET", Path: "/a", UserAgent: "ua"},
		{Method: "GET", Path: "/b", UserAgent: "ua"},
	}

	slow := humanLikeScore(logs, 400, 0, 500)
	fast := humanLikeScore(logs, 50, 0, 500)
	if fast >= slow {
		t.Errorf("faster pacing should score lower: fast=%v slow=%v", fast, slow)
	}

	unpenalized := humanLikeScore(logs, 600, 0, 500)
	if unpenalized <= slow {
		t.Errorf("pacing above the floor should score higher: %v vs %v", unpenalized, slow)
	}
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *session.Manager) {
	t.Helper()
	store, err := session.NewMemoryStore(100, time.Minute)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	mgr := session.NewManager(store, time.Minute, time.Minute)
	t.Cleanup(func() { _ = mgr.Close() })
	return NewAnalyzer(mgr, 500*time.Millisecond), mgr
}

func TestAnalyze_TracksRequestIntoSession(t *testing.T) {
	analyzer, mgr := newTestAnalyzer(t)
	ctx := context.Background()

	view := &request.View{
		Method:    "GET",
		Path:      "/products",
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0",
		Headers: map[string]string{
			"accept":          "text/html",
			"accept-language": "en-US",
			"x-custom":        "not captured",
		},
	}

	m, err := analyzer.Analyze(ctx, "203.0.113.7", view)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if m.HumanLikeScore != 1 {
		t.Errorf("first request HumanLikeScore = %v, want 1", m.HumanLikeScore)
	}

	snap, ok := mgr.Get(ctx, "203.0.113.7")
	if !ok {
		t.Fatal("session not created by Analyze")
	}
	if snap.RequestCount != 1 {
		t.Fatalf("RequestCount = %d, want 1", snap.RequestCount)
	}
	logged := snap.Requests[0]
	if logged.Method != "GET" || logged.Path != "/products" {
		t.Errorf("logged request = %+v", logged)
	}
	if logged.Headers["accept"] != "text/html" {
		t.Errorf("allowlisted header not captured: %v", logged.Headers)
	}
	if _, kept := logged.Headers["x-custom"]; kept {
		t.Errorf("unlisted header captured: %v", logged.Headers)
	}

	m, err = analyzer.Analyze(ctx, "203.0.113.7", view)
	if err != nil {
		t.Fatalf("second Analyze: %v", err)
	}
	snap, _ = mgr.Get(ctx, "203.0.113.7")
	if snap.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", snap.RequestCount)
	}
	if len(m.NavigationPattern) != 2 || m.NavigationPattern[1] != "GET:/products" {
		t.Errorf("NavigationPattern = %v", m.NavigationPattern)
	}
}

func TestAnalyze_SessionsIsolatedByIP(t *testing.T) {
	analyzer, mgr := newTestAnalyzer(t)
	ctx := context.Background()

	viewA := &request.View{Method: "GET", Path: "/a", UserAgent: "ua"}
	viewB := &request.View{Method: "GET", Path: "/b", UserAgent: "ua"}

	if _, err := analyzer.Analyze(ctx, "203.0.113.7", viewA); err != nil {
		t.Fatalf("Analyze A: %v", err)
	}
	if _, err := analyzer.Analyze(ctx, "198.51.100.9", viewB); err != nil {
		t.Fatalf("Analyze B: %v", err)
	}

	snapA, _ := mgr.Get(ctx, "203.0.113.7")
	snapB, _ := mgr.Get(ctx, "198.51.100.9")
	if snapA.RequestCount != 1 || snapB.RequestCount != 1 {
		t.Errorf("cross-IP contamination: A=%d B=%d", snapA.RequestCount, snapB.RequestCount)
	}
	if snapA.Requests[0].Path != "/a" || snapB.Requests[0].Path != "/b" {
		t.Errorf("paths mixed up: A=%s B=%s", snapA.Requests[0].Path, snapB.Requests[0].Path)
	}
}

func TestAnalyze_NilView(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t)

	if _, err := analyzer.Analyze(context.Background(), "203.0.113.7", nil); err == nil {
		t.Fatal("expected error for nil view")
	}
}

func TestIntervalsMS_ClockSkewClampedToZero(t *testing.T) {
	now := time.Now()
	logs := []session.RequestLog{
		{Timestamp: now, Method: "GET", Path: "/a"},
		{Timestamp: now.Add(-time.Second), Method: "GET", Path: "/b"},
		{Timestamp: now.Add(2 * time.Second), Method: "GET", Path: "/c"},
	}

	intervals := intervalsMS(logs)
	if len(intervals) != 2 {
		t.Fatalf("got %d intervals, want 2", len(intervals))
	}
	if intervals[0] != 0 {
		t.Errorf("out-of-order gap = %v, want 0", intervals[0])
	}
	if !within(intervals[1], 3000, 1e-6) {
		t.Errorf("second gap = %v, want 3000", intervals[1])
	}
}
