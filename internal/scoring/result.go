// Package scoring turns analyzer outputs into a verdict: a weighted
// suspicion score over the contributing signal categories, a confidence
// estimate, and one reason per fired rule. The engine is pure; given
// the same inputs it always produces the same verdict.
package scoring

import (
	"fmt"
	"math"
	"time"

	"warden/internal/behavior"
	"warden/internal/fingerprint"
	"warden/internal/geo"
)

// Category tags which signal family a reason came from.
type Category string

const (
	CategoryFingerprint Category = "fingerprint"
	CategoryBehavioral  Category = "behavioral"
	CategoryGeographic  Category = "geographic"
	CategoryReputation  Category = "reputation"
)

// Severity grades a single reason.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Reason records one fired rule and its rounded score contribution.
type Reason struct {
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Score       int      `json:"score"`
}

// Metadata carries the operational context of a verdict. Analyzer
// timings are in milliseconds.
type Metadata struct {
	Timestamp           time.Time          `json:"timestamp"`
	TotalProcessingTime float64            `json:"totalProcessingTime"`
	AnalyzerTimes       map[string]float64 `json:"analyzerTimes,omitempty"`
	AnalyzerVersions    map[string]string  `json:"analyzerVersions,omitempty"`
	FallbackReason      string             `json:"fallbackReason,omitempty"`
	TimeoutOccurred     bool               `json:"timeoutOccurred,omitempty"`
	Geo                 *geo.Location      `json:"geo,omitempty"`
	CorrelationID       string             `json:"correlationId,omitempty"`
}

// Result is the verdict for one request.
type Result struct {
	IsSuspicious   bool     `json:"isSuspicious"`
	SuspicionScore int      `json:"suspicionScore"`
	Confidence     float64  `json:"confidence"`
	Reasons        []Reason `json:"reasons"`
	Fingerprint    string   `json:"fingerprint"`
	Metadata       Metadata `json:"metadata"`
}

// Identity composes the stable per-client fingerprint:
// headerSignature:country:asn:round(humanLike*100). Absent inputs fall
// back to the unknown sentinel and the neutral human-likeness.
func Identity(fp *fingerprint.HTTPFingerprint, loc *geo.Location, metrics *behavior.Metrics) string {
	signature := "unknown"
	if fp != nil && fp.HeaderSignature != "" {
		signature = fp.HeaderSignature
	}

	country := "unknown"
	var asn uint32
	if loc != nil {
		if loc.Country != "" {
			country = loc.Country
		}
		asn = loc.ASN
	}

	humanLike := 0.5
	if metrics != nil {
		humanLike = metrics.HumanLikeScore
	}

	return fmt.Sprintf("%s:%s:%d:%d", signature, country, asn, int(math.Round(humanLike*100)))
}
