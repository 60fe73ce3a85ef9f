// Package behavior derives timing and navigation metrics from a
// client's recent request history. Analysis is a side-effecting read:
// each call first records the request into the session store, then
// computes metrics over the updated history.
package behavior

import (
	"context"
	"fmt"
	"math"
	"time"

	"warden/internal/redaction"
	"warden/internal/request"
	"warden/internal/session"
)

// Version tags behavioral results in verdict metadata.
const Version = "1.2.0"

// capturedHeaders is the allowlisted subset of headers worth keeping in
// the session ring. Values pass through redaction before storage.
var capturedHeaders = []string{"accept", "accept-language", "accept-encoding", "referer", "content-type"}

// Metrics summarizes how a client has been behaving within its session.
// Intervals and durations are in milliseconds.
type Metrics struct {
	RequestInterval   float64  `json:"requestInterval"`
	NavigationPattern []string `json:"navigationPattern"`
	TimingConsistency float64  `json:"timingConsistency"`
	HumanLikeScore    float64  `json:"humanLikeScore"`
	SessionDuration   int64    `json:"sessionDuration"`
}

// Neutral returns the metrics substituted when behavioral analysis is
// unavailable: a plausible interval and mid-scale scores that neither
// clear nor condemn the client.
func Neutral() Metrics {
	return Metrics{
		RequestInterval:   2000,
		NavigationPattern: []string{},
		TimingConsistency: 0.5,
		HumanLikeScore:    0.5,
	}
}

// Analyzer computes behavioral metrics backed by the session store.
type Analyzer struct {
	sessions         *session.Manager
	minHumanInterval time.Duration
}

// NewAnalyzer wraps the session manager. minHumanInterval is the gap
// below which sustained request pacing stops looking human.
func NewAnalyzer(sessions *session.Manager, minHumanInterval time.Duration) *Analyzer {
	if minHumanInterval <= 0 {
		minHumanInterval = 500 * time.Millisecond
	}
	return &Analyzer{sessions: sessions, minHumanInterval: minHumanInterval}
}

// Analyze records the request against the client's session and derives
// metrics from the updated history.
func (a *Analyzer) Analyze(ctx context.Context, ip string, view *request.View) (Metrics, error) {
	if view == nil {
		return Metrics{}, fmt.Errorf("nil request view")
	}

	snap, err := a.sessions.Track(ctx, ip, session.RequestLog{
		Method:    view.Method,
		Path:      view.Path,
		UserAgent: view.UserAgent,
		Headers:   selectedHeaders(view),
	})
	if err != nil {
		return Metrics{}, fmt.Errorf("tracking session: %w", err)
	}

	return computeMetrics(snap, a.minHumanInterval.Seconds()*1000), nil
}

// selectedHeaders extracts the allowlisted headers, sanitized.
func selectedHeaders(view *request.View) map[string]string {
	var selected map[string]string
	for _, name := range capturedHeaders {
		if value, ok := view.Header(name); ok {
			if selected == nil {
				selected = make(map[string]string, len(capturedHeaders))
			}
			selected[name] = value
		}
	}
	return redaction.SanitizeHeaders(selected)
}

// computeMetrics derives all metrics from one session snapshot.
func computeMetrics(snap session.Snapshot, minHumanMS float64) Metrics {
	intervals := intervalsMS(snap.Requests)
	mean := meanOf(intervals)

	m := Metrics{
		RequestInterval:   mean,
		NavigationPattern: navigationPattern(snap.Requests),
		TimingConsistency: consistencyOf(intervals, mean, len(snap.Requests)),
		SessionDuration:   snap.LastSeen.Sub(snap.FirstSeen).Milliseconds(),
	}
	m.HumanLikeScore = humanLikeScore(snap.Requests, mean, m.TimingConsistency, minHumanMS)
	return m
}

// intervalsMS returns the gaps between consecutive requests. Clock skew
// can produce out-of-order timestamps in the ring; those gaps count as 0.
func intervalsMS(requests []session.RequestLog) []float64 {
	if len(requests) < 2 {
		return nil
	}
	intervals := make([]float64, 0, len(requests)-1)
	for i := 1; i < len(requests); i++ {
		delta := requests[i].Timestamp.Sub(requests[i-1].Timestamp).Seconds() * 1000
		if delta < 0 {
			delta = 0
		}
		intervals = append(intervals, delta)
	}
	return intervals
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// consistencyOf maps the coefficient of variation of the intervals onto
// [0,1], where 1 means perfectly uniform pacing. Too few requests to
// judge scores 0.
func consistencyOf(intervals []float64, mean float64, requestCount int) float64 {
	if requestCount < 3 {
		return 0
	}
	if mean == 0 {
		return 1
	}

	var variance float64
	for _, v := range intervals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(intervals))
	cv := math.Sqrt(variance) / mean
	return 1 / (1 + cv)
}

// navigationPattern renders the last requests as METHOD:path strings.
func navigationPattern(requests []session.RequestLog) []string {
	start := 0
	if len(requests) > 10 {
		start = len(requests) - 10
	}
	pattern := make([]string, 0, len(requests)-start)
	for _, r := range requests[start:] {
		pattern = append(pattern, r.Method+":"+r.Path)
	}
	return pattern
}

// humanLikeScore starts at 1.0 and subtracts four independent
// penalties: inhuman speed, robotic uniformity, repetitive navigation,
// and low request diversity.
func humanLikeScore(requests []session.RequestLog, meanMS, consistency, minHumanMS float64) float64 {
	var penalty float64

	if meanMS > 0 && meanMS < minHumanMS {
		penalty += 0.4 * (minHumanMS - meanMS) / minHumanMS
	}
	if consistency > 0.6 {
		penalty += 0.4 * (consistency - 0.6) / 0.4
	}
	penalty += math.Min(0.2, roboticNavigation(requests))
	penalty += 0.1 * (1 - diversityOf(requests))

	score := 1 - penalty
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// roboticNavigation scores repetitive request sequences: the longest
// run of identical (method, path) pairs beyond 3 costs 0.1 per step up
// to 0.5, and hammering one path across a long session adds 0.3.
func roboticNavigation(requests []session.RequestLog) float64 {
	if len(requests) == 0 {
		return 0
	}

	longest, run := 1, 1
	for i := 1; i < len(requests); i++ {
		if requests[i].Method == requests[i-1].Method && requests[i].Path == requests[i-1].Path {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	var score float64
	if longest > 3 {
		score = math.Min(0.5, 0.1*float64(longest-3))
	}

	if len(requests) > 10 {
		unique := uniquePaths(requests)
		if float64(unique)/float64(len(requests)) < 0.1 {
			score += 0.3
		}
	}
	return score
}

// diversityOf weighs how varied the session's methods, paths, and
// user-agents are, each ratio clamped to 1.
func diversityOf(requests []session.RequestLog) float64 {
	n := len(requests)
	if n == 0 {
		return 1
	}

	methods := make(map[string]bool, 4)
	agents := make(map[string]bool, 2)
	for _, r := range requests {
		methods[r.Method] = true
		agents[r.UserAgent] = true
	}

	methodRatio := clampRatio(float64(len(methods)) / float64(min(n, 5)))
	pathRatio := clampRatio(float64(uniquePaths(requests)) / float64(n))
	agentRatio := clampRatio(float64(len(agents)) / float64(min(n, 3)))

	return 0.2*methodRatio + 0.6*pathRatio + 0.2*agentRatio
}

func uniquePaths(requests []session.RequestLog) int {
	paths := make(map[string]bool, len(requests))
	for _, r := range requests {
		paths[r.Path] = true
	}
	return len(paths)
}

func clampRatio(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
