package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if provider == nil {
		t.Fatal("provider should not be nil even when disabled")
	}
	if provider.Enabled() {
		t.Error("disabled provider should return Enabled() = false")
	}
	// Tracer should still be available (noop)
	if provider.Tracer() == nil {
		t.Error("tracer should not be nil even when disabled")
	}
}

func TestNewProvider_StdoutExporter(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "warden-test",
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	if !provider.Enabled() {
		t.Error("provider should be enabled with stdout exporter")
	}
	if provider.Tracer() == nil {
		t.Error("tracer should not be nil")
	}
}

func TestNewProvider_NoneExporter(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// "none" exporter should result in disabled provider
	if provider.Enabled() {
		t.Error("provider with 'none' exporter should not be enabled")
	}
}

func TestNoopProvider(t *testing.T) {
	provider := NoopProvider()

	if provider.Enabled() {
		t.Error("noop provider should not be enabled")
	}
	if provider.Tracer() == nil {
		t.Error("noop provider should still have a tracer")
	}

	// Should not panic on shutdown
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("noop provider shutdown should not error: %v", err)
	}
}

func TestStartDetectionSpan(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "warden-test",
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx := context.Background()
	ctx, span := provider.StartDetectionSpan(ctx, "corr-123", "203.0.113.7", "GET", "/api/data")

	if span == nil {
		t.Fatal("span should not be nil")
	}
	if !span.IsRecording() {
		t.Error("span should be recording")
	}

	provider.EndDetectionSpan(span, 85, 0.7, true, nil)

	if SpanFromContext(ctx) == nil {
		t.Error("context should contain span")
	}
}

func TestEndDetectionSpan_WithError(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "warden-test",
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	_, span := provider.StartDetectionSpan(context.Background(), "corr-err", "198.51.100.2", "POST", "/login.php")

	// Should not panic with error
	provider.EndDetectionSpan(span, 0, 0.1, false, context.DeadlineExceeded)
}

func TestAnalyzerSpans(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "warden-test",
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, root := provider.StartDetectionSpan(context.Background(), "corr-456", "203.0.113.7", "GET", "/")

	for _, analyzer := range []string{"http", "behavior", "geo"} {
		_, span := provider.StartAnalyzerSpan(ctx, analyzer)
		if span == nil {
			t.Fatalf("analyzer span %s should not be nil", analyzer)
		}
		provider.EndAnalyzerSpan(span, 3.5, false)
	}

	provider.EndDetectionSpan(root, 0, 0.5, false, nil)
}

func TestRecordBypass(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "warden-test",
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, span := provider.StartDetectionSpan(context.Background(), "corr-789", "10.0.0.5", "GET", "/health")

	// Should not panic
	provider.RecordBypass(ctx, "monitoring")

	span.End()
}

func TestExportDetectionRecord_Disabled(t *testing.T) {
	provider := NoopProvider()

	record := DetectionRecord{
		CorrelationID: "corr-disabled",
		ClientIP:      "203.0.113.7",
		Score:         85,
		Confidence:    0.7,
		Suspicious:    true,
		Reasons: []Reason{
			{Category: "fingerprint", Severity: "high", Description: "automation tool detected", Score: 80},
		},
	}

	// Should not panic when disabled
	provider.ExportDetectionRecord(context.Background(), record)
}

func TestExportDetectionRecord_WithStdout(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "warden-test",
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	record := DetectionRecord{
		CorrelationID: "corr-full",
		ClientIP:      "203.0.113.7",
		Score:         93,
		Confidence:    0.8,
		Suspicious:    true,
		HighRisk:      true,
		TimedOut:      true,
		Country:       "RU",
		ASN:           8359,
		Fingerprint:   "5a3bc:RU:8359:20",
		DurationMs:    42.5,
		Reasons: []Reason{
			{Category: "fingerprint", Severity: "high", Description: "automation tool detected: curl", Score: 80},
			{Category: "geographic", Severity: "medium", Description: "high-risk country: RU", Score: 30},
		},
	}

	// Should not panic - actually exports the span
	provider.ExportDetectionRecord(context.Background(), record)
}

func TestExportDetectionRecord_NoReasons(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "warden-test",
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	record := DetectionRecord{
		CorrelationID: "corr-clean",
		ClientIP:      "198.51.100.9",
		Score:         0,
		Confidence:    0.5,
		Country:       "US",
		ASN:           7922,
		Fingerprint:   "19fe2:US:7922:95",
		DurationMs:    8.1,
		Reasons:       nil, // clean verdict
	}

	// Should not panic with empty reasons
	provider.ExportDetectionRecord(context.Background(), record)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("default config should have Enabled = false")
	}
	if cfg.Exporter != "none" {
		t.Errorf("default exporter should be 'none', got %s", cfg.Exporter)
	}
	if cfg.ServiceName != "warden" {
		t.Errorf("default service name should be 'warden', got %s", cfg.ServiceName)
	}
}

func TestProvider_Shutdown(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "warden-test",
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	provider.ExportDetectionRecord(context.Background(), DetectionRecord{
		CorrelationID: "shutdown-test",
		Score:         10,
	})

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestProvider_ShutdownWhenDisabled(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown on disabled provider should not error: %v", err)
	}
}

func TestSpanFromContext_Empty(t *testing.T) {
	span := SpanFromContext(context.Background())

	// Should return a noop span, not nil
	if span == nil {
		t.Error("SpanFromContext should return a span even for empty context")
	}
}

func TestContextWithTimeout(t *testing.T) {
	ctx, cancel := ContextWithTimeout(100 * time.Millisecond)
	defer cancel()

	if ctx == nil {
		t.Fatal("context should not be nil")
	}
	if _, ok := ctx.Deadline(); !ok {
		t.Error("context should have a deadline")
	}
}
