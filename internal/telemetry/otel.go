// Package telemetry exports detection traces over OpenTelemetry.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("warden"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "warden"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		slog.Debug("creating OTLP exporter")
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		slog.Debug("creating stdout exporter")
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("warden"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter), // Use sync exporter for simplicity
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("warden"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Detection span attributes
const (
	AttrCorrelationID = "warden.correlation_id"
	AttrClientIP      = "warden.client.ip"
	AttrScore         = "warden.score"
	AttrConfidence    = "warden.confidence"
	AttrSuspicious    = "warden.suspicious"
	AttrHighRisk      = "warden.high_risk"
	AttrAnalyzer      = "warden.analyzer"
	AttrTimedOut      = "warden.timed_out"
	AttrFallbackWhy   = "warden.fallback.reason"
	AttrBypassType    = "warden.bypass.type"
	AttrFingerprint   = "warden.fingerprint"
	AttrCountry       = "warden.geo.country"
	AttrASN           = "warden.geo.asn"
	AttrDurationMs    = "warden.duration.ms"
	AttrRequestMethod = "http.request.method"
	AttrRequestPath   = "url.path"

	// Reason roll-up attributes
	AttrReasonCount       = "warden.reasons.count"
	AttrReasonCategories  = "warden.reasons.categories"
	AttrReasonMaxSeverity = "warden.reasons.max_severity"
)

// Reason mirrors one scoring reason for telemetry export
type Reason struct {
	Category    string
	Severity    string
	Description string
	Score       int
}

// DetectionRecord contains all data for telemetry export
type DetectionRecord struct {
	CorrelationID  string
	ClientIP       string
	Score          int
	Confidence     float64
	Suspicious     bool
	HighRisk       bool
	BypassType     string
	TimedOut       bool
	FallbackReason string
	Country        string
	ASN            uint32
	Fingerprint    string
	DurationMs     float64
	Reasons        []Reason
}

// StartDetectionSpan starts the root span for one detection
func (p *Provider) StartDetectionSpan(ctx context.Context, correlationID, ip, method, path string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "detection.analyze",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrCorrelationID, correlationID),
			attribute.String(AttrClientIP, ip),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
	return ctx, span
}

// EndDetectionSpan ends the root span with the verdict
func (p *Provider) EndDetectionSpan(span trace.Span, score int, confidence float64, suspicious bool, err error) {
	span.SetAttributes(
		attribute.Int(AttrScore, score),
		attribute.Float64(AttrConfidence, confidence),
		attribute.Bool(AttrSuspicious, suspicious),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartAnalyzerSpan starts a child span for one analyzer
func (p *Provider) StartAnalyzerSpan(ctx context.Context, analyzer string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "analyzer."+analyzer,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrAnalyzer, analyzer),
		),
	)
	return ctx, span
}

// EndAnalyzerSpan ends an analyzer span, noting whether it hit its deadline
func (p *Provider) EndAnalyzerSpan(span trace.Span, durationMs float64, timedOut bool) {
	span.SetAttributes(
		attribute.Float64(AttrDurationMs, durationMs),
		attribute.Bool(AttrTimedOut, timedOut),
	)
	span.End()
}

// RecordBypass records a whitelist bypass event on the active span
func (p *Provider) RecordBypass(ctx context.Context, bypassType string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("detection.bypassed",
		trace.WithAttributes(
			attribute.String(AttrBypassType, bypassType),
		),
	)
}

// ExportDetectionRecord exports a complete detection record to telemetry
func (p *Provider) ExportDetectionRecord(ctx context.Context, record DetectionRecord) {
	if !p.Enabled() {
		return
	}

	// Build reason categories and the worst severity for attributes
	var categories []string
	maxSeverity := "low"
	severityOrder := map[string]int{"low": 0, "medium": 1, "high": 2}

	for _, r := range record.Reasons {
		categories = append(categories, r.Category)
		if severityOrder[r.Severity] > severityOrder[maxSeverity] {
			maxSeverity = r.Severity
		}
	}

	// Build attributes list
	attrs := []attribute.KeyValue{
		attribute.String(AttrCorrelationID, record.CorrelationID),
		attribute.String(AttrClientIP, record.ClientIP),
		attribute.Int(AttrScore, record.Score),
		attribute.Float64(AttrConfidence, record.Confidence),
		attribute.Bool(AttrSuspicious, record.Suspicious),
		attribute.Bool(AttrHighRisk, record.HighRisk),
		attribute.Bool(AttrTimedOut, record.TimedOut),
		attribute.String(AttrFingerprint, record.Fingerprint),
		attribute.Float64(AttrDurationMs, record.DurationMs),
		attribute.Int(AttrReasonCount, len(record.Reasons)),
		attribute.StringSlice(AttrReasonCategories, categories),
		attribute.String(AttrReasonMaxSeverity, maxSeverity),
	}

	if record.BypassType != "" {
		attrs = append(attrs, attribute.String(AttrBypassType, record.BypassType))
	}
	if record.FallbackReason != "" {
		attrs = append(attrs, attribute.String(AttrFallbackWhy, record.FallbackReason))
	}
	if record.Country != "" {
		attrs = append(attrs,
			attribute.String(AttrCountry, record.Country),
			attribute.Int(AttrASN, int(record.ASN)),
		)
	}

	// Create detection record span with all attributes
	_, span := p.tracer.Start(ctx, "detection.record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	// Add individual reason events for detailed tracking
	for _, r := range record.Reasons {
		span.AddEvent("threat.reason",
			trace.WithAttributes(
				attribute.String("category", r.Category),
				attribute.String("severity", r.Severity),
				attribute.String("description", r.Description),
				attribute.Int("score", r.Score),
			),
		)
	}

	span.End()

	slog.Debug("detection record exported to telemetry",
		"correlation_id", record.CorrelationID,
		"score", record.Score,
		"suspicious", record.Suspicious,
		"reasons", len(record.Reasons),
	)
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "warden",
	}
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("warden-noop"),
	}
}

// SpanFromContext extracts a span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
