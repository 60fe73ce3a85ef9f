// Package detect coordinates the per-request detection pipeline:
// whitelist bypass, the three analyzers in parallel under their timeout
// budgets, scoring, and the fan-out of the finished verdict to logs,
// analytics, storage, and telemetry. Analyze always returns a usable
// verdict; analyzer and scoring failures degrade to typed fallbacks
// instead of surfacing errors to the caller.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/analytics"
	"warden/internal/behavior"
	"warden/internal/bus"
	"warden/internal/config"
	"warden/internal/fingerprint"
	"warden/internal/geo"
	"warden/internal/health"
	"warden/internal/logging"
	"warden/internal/redaction"
	"warden/internal/request"
	"warden/internal/resilience"
	"warden/internal/scoring"
	"warden/internal/session"
	"warden/internal/storage"
	"warden/internal/telemetry"
	"warden/internal/whitelist"
)

// Analyzer identifiers used in timing maps and span names.
const (
	analyzerHTTP     = "http"
	analyzerBehavior = "behavior"
	analyzerGeo      = "geo"
)

// Options carries the shared and optional collaborators for an Engine.
// Every field may be nil: sessions and the whitelist are built from cfg
// when absent, telemetry defaults to the noop provider, and a nil
// recorder, analytics, storage, or bus simply disables that sink.
type Options struct {
	Sessions  *session.Manager
	Whitelist *whitelist.Manager
	Resolver  geo.Resolver
	Logger    *slog.Logger
	Recorder  *health.Recorder
	Telemetry *telemetry.Provider
	Analytics *analytics.Service
	Storage   *storage.SQLiteStore
	Bus       *bus.Bus
}

// Engine runs one detection per request.
type Engine struct {
	enabled bool

	fingerprints *fingerprint.Analyzer
	behaviors    *behavior.Analyzer
	locations    *geo.Analyzer
	bypass       *whitelist.Manager
	scorer       *scoring.Engine
	sessions     *session.Manager
	timeouts     config.TimeoutConfig

	logger    *slog.Logger
	recorder  *health.Recorder
	telemetry *telemetry.Provider
	analytics *analytics.Service
	store     *storage.SQLiteStore
	events    *bus.Bus
}

// New builds the detection pipeline from cfg. Construction fails only
// on configuration problems: invalid patterns, weights, or cache sizes.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, health.E(health.KindConfiguration, "detect.new", fmt.Errorf("nil config"))
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := opts.Telemetry
	if provider == nil {
		provider = telemetry.NoopProvider()
	}

	sessions := opts.Sessions
	if sessions == nil {
		store, err := session.NewMemoryStore(cfg.Cache.MaxSessions, cfg.Cache.SessionTimeout)
		if err != nil {
			return nil, err
		}
		sessions = session.NewManager(store, cfg.Cache.SessionTimeout, cfg.Cache.CleanupInterval)
	}

	fingerprints, err := fingerprint.NewAnalyzer(fingerprint.Config{
		RequiredHeaders:      cfg.Fingerprint.RequiredHeaders,
		SuspiciousPatterns:   cfg.Fingerprint.SuspiciousPatterns,
		AutomationSignatures: cfg.Fingerprint.AutomationSignatures,
		MaxCached:            cfg.Cache.MaxFingerprints,
		CacheTTL:             cfg.Cache.FingerprintTTL,
	})
	if err != nil {
		return nil, health.E(health.KindConfiguration, "detect.fingerprint", err)
	}

	breaker := resilience.BreakerConfig{
		Name:            "geo-resolver",
		RecoveryTimeout: cfg.Resilience.GeoBreaker.RecoveryTimeout,
	}
	if n := cfg.Resilience.GeoBreaker.FailureThreshold; n > 0 {
		breaker.FailureThreshold = uint32(n)
	}
	if n := cfg.Resilience.GeoBreaker.MinimumRequests; n > 0 {
		breaker.MinimumRequests = uint32(n)
	}
	if events := opts.Bus; events != nil {
		breaker.OnStateChange = func(name, from, to string) {
			events.Publish(bus.TypeBreakerState, map[string]interface{}{
				"breaker": name,
				"from":    from,
				"to":      to,
			})
		}
	}

	locations, err := geo.NewAnalyzer(geo.Config{
		Resolver:          opts.Resolver,
		HighRiskCountries: cfg.Geo.HighRiskCountries,
		VPNPenalty:        cfg.Geo.VPNPenalty,
		HostingPenalty:    cfg.Geo.HostingPenalty,
		CacheSize:         cfg.Cache.MaxGeo,
		CacheTTL:          cfg.Cache.GeoTTL,
		Breaker:           breaker,
		Recorder:          opts.Recorder,
	})
	if err != nil {
		return nil, health.E(health.KindConfiguration, "detect.geo", err)
	}

	bypass := opts.Whitelist
	if bypass == nil {
		bypass, err = whitelist.NewManager(whitelist.Config{
			MaxEntries:         cfg.Whitelist.MaxEntries,
			EnableMonitoring:   cfg.Whitelist.EnableMonitoringBypass,
			MonitoringPatterns: cfg.Whitelist.MonitoringPatterns,
			Bus:                opts.Bus,
		})
		if err != nil {
			return nil, err
		}
		bypass.Seed(cfg.Whitelist.IPs, cfg.Whitelist.UserAgents, cfg.Whitelist.ASNs)
	}

	scorer, err := scoring.NewEngine(scoring.Config{
		Weights: scoring.Weights{
			Fingerprint: cfg.Scoring.Weights.Fingerprint,
			Behavioral:  cfg.Scoring.Weights.Behavioral,
			Geographic:  cfg.Scoring.Weights.Geographic,
			Reputation:  cfg.Scoring.Weights.Reputation,
		},
		Thresholds: scoring.Thresholds{
			Suspicious: cfg.Scoring.Thresholds.Suspicious,
			HighRisk:   cfg.Scoring.Thresholds.HighRisk,
		},
		MinHumanIntervalMS: cfg.Behavior.MinHumanInterval.Seconds() * 1000,
		MaxConsistency:     cfg.Behavior.MaxConsistency,
		VPNPenalty:         cfg.Geo.VPNPenalty,
		HostingPenalty:     cfg.Geo.HostingPenalty,
		HighRiskCountries:  cfg.Geo.HighRiskCountries,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		enabled:      cfg.Enabled,
		fingerprints: fingerprints,
		behaviors:    behavior.NewAnalyzer(sessions, cfg.Behavior.MinHumanInterval),
		locations:    locations,
		bypass:       bypass,
		scorer:       scorer,
		sessions:     sessions,
		timeouts:     cfg.Resilience.Timeouts,
		logger:       logger,
		recorder:     opts.Recorder,
		telemetry:    provider,
		analytics:    opts.Analytics,
		store:        opts.Storage,
		events:       opts.Bus,
	}, nil
}

// Enabled reports whether the engine analyzes traffic at all.
func (e *Engine) Enabled() bool { return e.enabled }

// Whitelist exposes the bypass list for the control plane.
func (e *Engine) Whitelist() *whitelist.Manager { return e.bypass }

// Geo exposes the geo analyzer for health checks and breaker stats.
func (e *Engine) Geo() *geo.Analyzer { return e.locations }

// Sessions exposes the session manager backing behavioral analysis.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Thresholds reports the active verdict cut lines.
func (e *Engine) Thresholds() scoring.Thresholds { return e.scorer.Thresholds() }

// Stats reports operational counters from every pipeline component.
func (e *Engine) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"sessions":   e.sessions.Stats(ctx),
		"whitelist":  e.bypass.Stats(),
		"geoCache":   e.locations.CacheMetrics(),
		"geoBreaker": e.locations.Breaker().Stats(),
	}
	if e.recorder != nil {
		stats["errors"] = e.recorder.Stats()
	}
	if e.events != nil {
		stats["eventsDropped"] = e.events.Dropped()
	}
	return stats
}

// Analyze runs the full pipeline for one request. ip overrides the
// view's own address when non-empty; reputation is an optional prior
// score for this client. The verdict is always usable.
func (e *Engine) Analyze(ctx context.Context, view *request.View, ip string, reputation *int) *scoring.Result {
	started := time.Now()
	correlationID := uuid.NewString()

	if view == nil {
		e.logger.Warn("nil request view passed to detection", "correlationId", correlationID)
		verdict := scoring.Fallback("nil request view", "", nil)
		verdict.Metadata.Timestamp = started
		verdict.Metadata.CorrelationID = correlationID
		verdict.Metadata.TotalProcessingTime = elapsedMS(started)
		return verdict
	}
	if ip == "" {
		ip = view.IP
	}

	if !e.enabled {
		// The kill switch waves everything through without analysis.
		return &scoring.Result{
			Reasons:     []scoring.Reason{},
			Fingerprint: "unknown",
			Metadata: scoring.Metadata{
				Timestamp:           started,
				CorrelationID:       correlationID,
				TotalProcessingTime: elapsedMS(started),
			},
		}
	}

	attrs := logging.RequestAttrs(correlationID, *view)
	e.logger.Info("DETECTION_START", attrs...)

	ctx, span := e.telemetry.StartDetectionSpan(ctx, correlationID, ip, view.Method, view.Path)

	// Only the address and user agent are known before the analyzers
	// run; ASN and fingerprint entries match on later requests through
	// the control plane's own checks.
	if hit := e.bypass.Check(ip, view.UserAgent, nil, ""); hit.IsWhitelisted {
		verdict := bypassVerdict(hit, started, correlationID)
		e.telemetry.RecordBypass(ctx, hit.BypassType)
		e.telemetry.EndDetectionSpan(span, 0, verdict.Confidence, false, nil)
		e.logger.Info("DETECTION_BYPASSED", append(attrs, "bypassType", hit.BypassType, "reason", hit.Reason)...)
		e.fanout(ctx, view, ip, verdict, hit.BypassType, nil, false)
		return verdict
	}

	fp, metrics, loc, times, timedOut := e.runAnalyzers(ctx, view, ip)

	verdict, err := e.scorer.Score(scoring.Input{
		Fingerprint: fp,
		Behavior:    &metrics,
		Geo:         loc,
		Reputation:  reputation,
	})
	if err != nil {
		e.record(health.KindScoringEngine, err)
		e.logger.Warn("scoring failed, substituting fallback verdict", append(attrs, "error", err)...)
		verdict = scoring.Fallback("scoring engine failure", view.UserAgent, fp.MissingHeaders)
	}

	verdict.Metadata.Timestamp = started
	verdict.Metadata.CorrelationID = correlationID
	verdict.Metadata.AnalyzerTimes = times
	verdict.Metadata.AnalyzerVersions = map[string]string{
		analyzerHTTP:     fingerprint.Version,
		analyzerBehavior: behavior.Version,
		analyzerGeo:      geo.Version,
	}
	verdict.Metadata.TimeoutOccurred = timedOut
	verdict.Metadata.Geo = loc
	verdict.Metadata.TotalProcessingTime = elapsedMS(started)

	e.recordSession(ctx, ip, fp, verdict)

	highRisk := e.scorer.IsHighRisk(verdict.SuspicionScore)
	e.logOutcome(view, attrs, verdict, highRisk)
	e.telemetry.EndDetectionSpan(span, verdict.SuspicionScore, verdict.Confidence, verdict.IsSuspicious, err)
	e.fanout(ctx, view, ip, verdict, "", loc, highRisk)

	return verdict
}

// runAnalyzers fans out the three analyzers, each under its own budget
// inside the shared total deadline. Failed or late analyzers come back
// as their typed fallbacks; per-goroutine variables plus wg.Wait keep
// the collection race-free.
func (e *Engine) runAnalyzers(ctx context.Context, view *request.View, ip string) (*fingerprint.HTTPFingerprint, behavior.Metrics, *geo.Location, map[string]float64, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.timeouts.Total)
	defer cancel()

	var (
		wg sync.WaitGroup

		fp         *fingerprint.HTTPFingerprint
		fpMS       float64
		fpTimedOut bool

		metrics    behavior.Metrics
		bhMS       float64
		bhTimedOut bool

		loc         *geo.Location
		geoMS       float64
		geoTimedOut bool
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		actx, span := e.telemetry.StartAnalyzerSpan(ctx, analyzerHTTP)
		t0 := time.Now()
		result, timedOut, err := resilience.RunWithTimeout(actx, e.timeouts.HTTP,
			func(c context.Context) (*fingerprint.HTTPFingerprint, error) {
				return e.fingerprints.Analyze(c, view)
			}, fingerprint.Fallback(view))
		fpMS = elapsedMS(t0)
		fp, fpTimedOut = result, timedOut
		if err != nil {
			e.record(health.KindHTTPFingerprint, err)
		}
		if timedOut {
			e.record(health.KindTimeout, fmt.Errorf("http analyzer exceeded %v", e.timeouts.HTTP))
		}
		e.telemetry.EndAnalyzerSpan(span, fpMS, timedOut)
	}()

	go func() {
		defer wg.Done()
		actx, span := e.telemetry.StartAnalyzerSpan(ctx, analyzerBehavior)
		t0 := time.Now()
		result, timedOut, err := resilience.RunWithTimeout(actx, e.timeouts.Behavior,
			func(c context.Context) (behavior.Metrics, error) {
				return e.behaviors.Analyze(c, ip, view)
			}, behavior.Neutral())
		bhMS = elapsedMS(t0)
		metrics, bhTimedOut = result, timedOut
		if err != nil {
			e.record(health.KindBehaviorAnalysis, err)
		}
		if timedOut {
			e.record(health.KindTimeout, fmt.Errorf("behavior analyzer exceeded %v", e.timeouts.Behavior))
		}
		e.telemetry.EndAnalyzerSpan(span, bhMS, timedOut)
	}()

	go func() {
		defer wg.Done()
		actx, span := e.telemetry.StartAnalyzerSpan(ctx, analyzerGeo)
		t0 := time.Now()
		// The geo analyzer records its own failures and degrades
		// internally; only the deadline is handled here.
		result, timedOut, _ := resilience.RunWithTimeout(actx, e.timeouts.Geo,
			func(c context.Context) (*geo.Location, error) {
				resolved, _ := e.locations.Analyze(c, ip)
				return resolved, nil
			}, geo.FallbackFor(ip))
		geoMS = elapsedMS(t0)
		loc, geoTimedOut = result, timedOut
		if timedOut {
			e.record(health.KindTimeout, fmt.Errorf("geo analyzer exceeded %v", e.timeouts.Geo))
		}
		e.telemetry.EndAnalyzerSpan(span, geoMS, timedOut)
	}()

	wg.Wait()

	times := map[string]float64{
		analyzerHTTP:     fpMS,
		analyzerBehavior: bhMS,
		analyzerGeo:      geoMS,
	}
	return fp, metrics, loc, times, fpTimedOut || bhTimedOut || geoTimedOut
}

// recordSession tags the client's session with the verdict so later
// requests see fingerprint history and score trend. Post-verdict writes
// run on a detached context: the request deadline has usually expired
// by the time the verdict exists.
func (e *Engine) recordSession(ctx context.Context, ip string, fp *fingerprint.HTTPFingerprint, verdict *scoring.Result) {
	sctx := context.WithoutCancel(ctx)
	if fp != nil && fp.HeaderSignature != "" {
		if err := e.sessions.TagFingerprint(sctx, ip, fp.HeaderSignature); err != nil {
			e.logger.Debug("failed to tag session fingerprint", "ip", ip, "error", err)
		}
	}
	if err := e.sessions.RecordScore(sctx, ip, float64(verdict.SuspicionScore)); err != nil {
		e.logger.Debug("failed to record session score", "ip", ip, "error", err)
	}
}

// logOutcome emits the verdict envelope. Header values ride along
// sanitized so credential material never reaches the log stream.
func (e *Engine) logOutcome(view *request.View, attrs []any, verdict *scoring.Result, highRisk bool) {
	outcome := append(attrs,
		"score", verdict.SuspicionScore,
		"confidence", verdict.Confidence,
		"fingerprint", verdict.Fingerprint,
		"reasons", len(verdict.Reasons),
		"processingMs", verdict.Metadata.TotalProcessingTime,
		"timedOut", verdict.Metadata.TimeoutOccurred,
		"headers", redaction.SanitizeHeaders(view.Headers),
	)

	if verdict.IsSuspicious {
		e.logger.Warn("SUSPICIOUS_REQUEST_DETECTED", outcome...)
	} else {
		e.logger.Info("LEGITIMATE_REQUEST_PROCESSED", outcome...)
	}
	if highRisk {
		e.logger.Warn("THREAT_ACTION_BLOCKED", append(outcome, "action", "block")...)
	}
}

// fanout mirrors the finished verdict into every configured sink. The
// bus data keys are part of the journal contract: correlationId,
// suspicious, and highRisk drive audit event classification.
func (e *Engine) fanout(ctx context.Context, view *request.View, ip string, verdict *scoring.Result, bypassType string, loc *geo.Location, highRisk bool) {
	country := ""
	var asn uint32
	if loc != nil {
		country = loc.Country
		asn = loc.ASN
	}

	if e.analytics != nil {
		e.analytics.Record(analytics.Detection{
			Score:        verdict.SuspicionScore,
			Suspicious:   verdict.IsSuspicious,
			HighRisk:     highRisk,
			Whitelisted:  bypassType != "",
			TimedOut:     verdict.Metadata.TimeoutOccurred,
			Fallback:     verdict.Metadata.FallbackReason != "",
			Country:      country,
			Fingerprint:  verdict.Fingerprint,
			ProcessingMS: verdict.Metadata.TotalProcessingTime,
		})
	}

	if e.events != nil {
		e.events.Publish(bus.TypeDetection, map[string]interface{}{
			"correlationId": verdict.Metadata.CorrelationID,
			"ip":            ip,
			"method":        view.Method,
			"path":          view.Path,
			"score":         verdict.SuspicionScore,
			"confidence":    verdict.Confidence,
			"suspicious":    verdict.IsSuspicious,
			"highRisk":      highRisk,
			"whitelisted":   bypassType != "",
			"fingerprint":   verdict.Fingerprint,
			"processingMs":  verdict.Metadata.TotalProcessingTime,
		})
	}

	if e.store != nil {
		reasons, err := json.Marshal(verdict.Reasons)
		if err != nil {
			reasons = []byte("[]")
		}
		record := storage.DetectionRecord{
			CorrelationID:  verdict.Metadata.CorrelationID,
			Timestamp:      verdict.Metadata.Timestamp,
			ClientIP:       ip,
			Method:         view.Method,
			Path:           view.Path,
			Score:          verdict.SuspicionScore,
			Confidence:     verdict.Confidence,
			Suspicious:     verdict.IsSuspicious,
			HighRisk:       highRisk,
			BypassType:     bypassType,
			TimedOut:       verdict.Metadata.TimeoutOccurred,
			FallbackReason: verdict.Metadata.FallbackReason,
			Fingerprint:    verdict.Fingerprint,
			Country:        country,
			ASN:            asn,
			ProcessingMs:   verdict.Metadata.TotalProcessingTime,
			Reasons:        reasons,
		}
		if err := e.store.SaveDetection(record); err != nil {
			e.logger.Warn("failed to persist detection",
				"correlationId", verdict.Metadata.CorrelationID, "error", err)
		}
	}

	// Suspicious verdicts additionally ship as full threat records so
	// trace consumers see every fired reason.
	if verdict.IsSuspicious {
		e.telemetry.ExportDetectionRecord(ctx, telemetry.DetectionRecord{
			CorrelationID:  verdict.Metadata.CorrelationID,
			ClientIP:       ip,
			Score:          verdict.SuspicionScore,
			Confidence:     verdict.Confidence,
			Suspicious:     verdict.IsSuspicious,
			HighRisk:       highRisk,
			BypassType:     bypassType,
			TimedOut:       verdict.Metadata.TimeoutOccurred,
			FallbackReason: verdict.Metadata.FallbackReason,
			Country:        country,
			ASN:            asn,
			Fingerprint:    verdict.Fingerprint,
			DurationMs:     verdict.Metadata.TotalProcessingTime,
			Reasons:        telemetryReasons(verdict.Reasons),
		})
	}
}

func (e *Engine) record(kind health.Kind, err error) {
	if e.recorder != nil {
		e.recorder.Record(kind, err)
	}
}

// bypassVerdict is the neutral verdict for whitelisted traffic: zero
// score, full confidence, a single reason naming the bypass.
func bypassVerdict(hit whitelist.Result, started time.Time, correlationID string) *scoring.Result {
	return &scoring.Result{
		SuspicionScore: 0,
		Confidence:     1.0,
		Reasons: []scoring.Reason{{
			Category:    scoring.CategoryReputation,
			Severity:    scoring.SeverityLow,
			Description: "whitelist bypass (" + hit.BypassType + ")",
		}},
		Fingerprint: "unknown",
		Metadata: scoring.Metadata{
			Timestamp:           started,
			CorrelationID:       correlationID,
			TotalProcessingTime: elapsedMS(started),
		},
	}
}

func telemetryReasons(reasons []scoring.Reason) []telemetry.Reason {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]telemetry.Reason, len(reasons))
	for i, r := range reasons {
		out[i] = telemetry.Reason{
			Category:    string(r.Category),
			Severity:    string(r.Severity),
			Description: r.Description,
			Score:       r.Score,
		}
	}
	return out
}

func elapsedMS(since time.Time) float64 {
	return float64(time.Since(since).Microseconds()) / 1000
}
