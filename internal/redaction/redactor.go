// Package redaction scrubs credentials and other sensitive material from
// detection logs and control-plane responses before they leave the process.
package redaction

import (
	"regexp"
	"strings"
	"sync"
)

// RedactedValue replaces sensitive header values in logs and snapshots.
const RedactedValue = "[REDACTED]"

// Redactor handles redaction of sensitive data.
type Redactor interface {
	Redact(content string) string
}

// Pattern represents a redaction pattern.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// PatternRedactor implements Redactor using regex patterns.
type PatternRedactor struct {
	mu       sync.RWMutex
	patterns []Pattern
	enabled  bool
}

// DefaultPatterns returns the credential patterns applied to free-form log
// fields. Client IPs are deliberately not covered: they are the subject the
// engine tracks and must survive into the audit trail.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_.-]{16,})`),
			Replacement: "$1" + RedactedValue,
		},
		{
			Name:        "jwt_token",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: RedactedValue,
		},
		{
			Name:        "api_key_assignment",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|secret[_-]?key|auth[_-]?token|access[_-]?token)[:\s=]["']?([a-zA-Z0-9_.-]{16,})["']?`),
			Replacement: "$1=" + RedactedValue,
		},
		{
			Name:        "password_json",
			Regex:       regexp.MustCompile(`(?i)"(password|passwd|pwd)":\s*"([^"]{4,})"`),
			Replacement: `"$1": "` + RedactedValue + `"`,
		},
		{
			Name:        "password_field",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)[\s]*[=:][\s]*["']?([^\s"',}]{4,})["']?`),
			Replacement: "$1=" + RedactedValue,
		},
		{
			Name:        "url_basic_auth",
			Regex:       regexp.MustCompile(`(https?://)([^:/\s]+):([^@/\s]+)@`),
			Replacement: "$1$2:" + RedactedValue + "@",
		},
	}
}

// sensitiveHeaders lists request headers whose values never reach a log
// line or a stored snapshot. Names are lowercase.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
}

// IsSensitiveHeader reports whether the named header carries credentials.
func IsSensitiveHeader(name string) bool {
	return sensitiveHeaders[strings.ToLower(name)]
}

// SanitizeHeaders returns a copy of headers with credential-bearing values
// replaced by RedactedValue. Header names are preserved so structural
// signals (presence, ordering) stay intact.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if IsSensitiveHeader(name) {
			out[name] = RedactedValue
			continue
		}
		out[name] = value
	}
	return out
}

// NewPatternRedactor creates a PatternRedactor with the default patterns.
func NewPatternRedactor() *PatternRedactor {
	return &PatternRedactor{
		patterns: DefaultPatterns(),
		enabled:  true,
	}
}

// NewWithPatterns creates a PatternRedactor with custom patterns.
func NewWithPatterns(patterns []Pattern) *PatternRedactor {
	return &PatternRedactor{
		patterns: patterns,
		enabled:  true,
	}
}

// AddPattern compiles and appends a custom pattern.
func (r *PatternRedactor) AddPattern(name, pattern, replacement string) error {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.patterns = append(r.patterns, Pattern{
		Name:        name,
		Regex:       regex,
		Replacement: replacement,
	})
	return nil
}

// SetEnabled enables or disables redaction.
func (r *PatternRedactor) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether redaction is enabled.
func (r *PatternRedactor) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Redact applies all patterns to the content.
func (r *PatternRedactor) Redact(content string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.enabled {
		return content
	}

	result := content
	for _, pattern := range r.patterns {
		result = pattern.Regex.ReplaceAllString(result, pattern.Replacement)
	}
	return result
}

// RedactMap redacts all string values in a map, descending into nested
// maps and slices.
func (r *PatternRedactor) RedactMap(data map[string]interface{}) map[string]interface{} {
	if !r.IsEnabled() {
		return data
	}

	result := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			result[k] = r.Redact(val)
		case map[string]interface{}:
			result[k] = r.RedactMap(val)
		case []interface{}:
			result[k] = r.redactSlice(val)
		default:
			result[k] = v
		}
	}
	return result
}

func (r *PatternRedactor) redactSlice(data []interface{}) []interface{} {
	result := make([]interface{}, len(data))
	for i, v := range data {
		switch val := v.(type) {
		case string:
			result[i] = r.Redact(val)
		case map[string]interface{}:
			result[i] = r.RedactMap(val)
		case []interface{}:
			result[i] = r.redactSlice(val)
		default:
			result[i] = v
		}
	}
	return result
}

// Config holds redaction configuration.
type Config struct {
	Enabled        bool            `yaml:"enabled"`
	CustomPatterns []PatternConfig `yaml:"patterns"`
}

// PatternConfig represents a custom pattern in config.
type PatternConfig struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// NewFromConfig creates a Redactor from configuration.
func NewFromConfig(cfg Config) (*PatternRedactor, error) {
	r := &PatternRedactor{
		patterns: DefaultPatterns(),
		enabled:  cfg.Enabled,
	}

	for _, pc := range cfg.CustomPatterns {
		if err := r.AddPattern(pc.Name, pc.Pattern, pc.Replacement); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// NoopRedactor passes content through unchanged.
type NoopRedactor struct{}

// Redact returns the content unchanged.
func (r *NoopRedactor) Redact(content string) string {
	return content
}
