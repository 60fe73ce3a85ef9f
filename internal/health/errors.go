package health

import (
	"errors"
	"fmt"
)

// Kind classifies a detection-pipeline failure.
type Kind string

const (
	KindGeoService       Kind = "geo_service_failure"
	KindHTTPFingerprint  Kind = "http_fingerprint_error"
	KindBehaviorAnalysis Kind = "behavior_analysis_error"
	KindTLSAnalysis      Kind = "tls_analysis_error"
	KindScoringEngine    Kind = "scoring_engine_error"
	KindTimeout          Kind = "timeout_error"
	KindNetwork          Kind = "network_error"
	KindConfiguration    Kind = "configuration_error"
	KindCapacityExceeded Kind = "capacity_exceeded"
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. err may be nil for errors
// that originate here (e.g. capacity limits).
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the error chain and returns the first Kind found, or the
// empty Kind when err carries none.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
