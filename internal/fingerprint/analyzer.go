// Package fingerprint analyzes the shape of an HTTP request: which
// headers it carries, in what order, and whether any of them betray an
// automation framework. The analyzer is stateless apart from a bounded
// result cache keyed by header signature.
package fingerprint

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"warden/internal/cache"
	"warden/internal/request"
)

// Version tags fingerprint results in verdict metadata.
const Version = "2.1.0"

// canonicalHeaderOrder is the order mainstream browsers emit common
// headers in. Observed orders are scored against it prefix-wise.
var canonicalHeaderOrder = []string{
	"host",
	"connection",
	"cache-control",
	"upgrade-insecure-requests",
	"user-agent",
	"accept",
	"sec-fetch-site",
	"sec-fetch-mode",
	"sec-fetch-dest",
	"accept-encoding",
	"accept-language",
}

// TLSData is the enhanced transport record attached when the request
// arrived over an encrypted connection.
type TLSData struct {
	Protocol          string  `json:"protocol"`
	Cipher            string  `json:"cipher"`
	ConsistencyScore  float64 `json:"consistencyScore"`
	IsKnownBotPattern bool    `json:"isKnownBotPattern"`
}

// HTTPFingerprint is the analyzer output for one request.
type HTTPFingerprint struct {
	HeaderSignature      string   `json:"headerSignature"`
	MissingHeaders       []string `json:"missingHeaders"`
	SuspiciousHeaders    []string `json:"suspiciousHeaders"`
	HeaderOrderScore     float64  `json:"headerOrderScore"`
	AutomationSignatures []string `json:"automationSignatures"`
	TLSFingerprint       string   `json:"tlsFingerprint,omitempty"`
	TLSData              *TLSData `json:"tlsData,omitempty"`
}

// Config holds the analyzer's pattern lists and cache sizing.
type Config struct {
	RequiredHeaders      []string
	SuspiciousPatterns   []string
	AutomationSignatures []string
	MaxCached            int
	CacheTTL             time.Duration
}

// Analyzer computes HTTP fingerprints. Patterns are compiled once at
// construction; Analyze is safe for concurrent use.
type Analyzer struct {
	required   []string
	suspicious []*regexp.Regexp
	automation []*regexp.Regexp
	results    *cache.Cache[*HTTPFingerprint]
}

// NewAnalyzer compiles the configured patterns and sizes the result
// cache. Patterns are case-insensitive regular expressions; an invalid
// pattern fails construction.
func NewAnalyzer(cfg Config) (*Analyzer, error) {
	if cfg.MaxCached <= 0 {
		cfg.MaxCached = 25000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}

	suspicious, err := compilePatterns(cfg.SuspiciousPatterns)
	if err != nil {
		return nil, fmt.Errorf("suspicious patterns: %w", err)
	}
	automation, err := compilePatterns(cfg.AutomationSignatures)
	if err != nil {
		return nil, fmt.Errorf("automation signatures: %w", err)
	}

	results, err := cache.New[*HTTPFingerprint](cfg.MaxCached, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}

	required := make([]string, 0, len(cfg.RequiredHeaders))
	for _, name := range cfg.RequiredHeaders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			required = append(required, name)
		}
	}

	return &Analyzer{
		required:   required,
		suspicious: suspicious,
		automation: automation,
		results:    results,
	}, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Analyze fingerprints one request. Identical header shapes hit the
// result cache, so repeated traffic from the same client is cheap.
func (a *Analyzer) Analyze(ctx context.Context, view *request.View) (*HTTPFingerprint, error) {
	if view == nil {
		return nil, fmt.Errorf("nil request view")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	headers := normalizeHeaders(view.Headers)
	signature := signatureOf(headers)

	if fp, ok := a.results.Get(signature); ok {
		return fp, nil
	}

	names := sortedNames(headers)

	fp := &HTTPFingerprint{
		HeaderSignature:      signature,
		MissingHeaders:       a.missingHeaders(headers),
		SuspiciousHeaders:    a.suspiciousHeaders(names, headers),
		HeaderOrderScore:     orderScore(view.OrderedHeaderNames()),
		AutomationSignatures: a.automationMatches(names, headers, view.UserAgent),
	}

	if view.TLS != nil && view.TLS.Encrypted {
		fp.TLSFingerprint = "tls-present"
		fp.TLSData = analyzeTLS(view.TLS, headers, fp.AutomationSignatures)
	}

	a.results.Set(signature, fp)
	return fp, nil
}

// Fallback builds a minimal fingerprint from the user-agent alone, used
// when full analysis failed or timed out.
func Fallback(view *request.View) *HTTPFingerprint {
	fp := &HTTPFingerprint{
		MissingHeaders:       []string{},
		SuspiciousHeaders:    []string{},
		AutomationSignatures: []string{},
		HeaderOrderScore:     0.3,
	}
	if view == nil {
		return fp
	}

	fp.HeaderSignature = Hash("fallback:" + view.UserAgent)
	ua := strings.ToLower(view.UserAgent)
	for _, token := range []string{"bot", "crawler", "spider", "curl", "wget", "python", "selenium", "puppeteer"} {
		if strings.Contains(ua, token) {
			fp.AutomationSignatures = append(fp.AutomationSignatures, token)
		}
	}
	if view.HasHeader("accept") && view.HasHeader("user-agent") {
		fp.HeaderOrderScore = 0.7
	}
	return fp
}

// Signature returns the header-shape digest for a raw header map.
// Exposed for whitelisting by fingerprint.
func Signature(headers map[string]string) string {
	return signatureOf(normalizeHeaders(headers))
}

// normalizeHeaders lower-cases names and drops empties. Views built by
// request.FromHTTP are already normalized; this keeps hand-built maps
// honest.
func normalizeHeaders(headers map[string]string) map[string]string {
	norm := make(map[string]string, len(headers))
	for name, value := range headers {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		norm[name] = value
	}
	return norm
}

// signatureOf digests the header shape: sorted names rendered as
// "name:valueLength", joined by "|", hashed.
func signatureOf(headers map[string]string) string {
	names := sortedNames(headers)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(headers[name])))
	}
	return Hash(b.String())
}

func sortedNames(headers map[string]string) []string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Analyzer) missingHeaders(headers map[string]string) []string {
	missing := []string{}
	for _, name := range a.required {
		if _, ok := headers[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// suspiciousHeaders returns the names of headers whose name or value
// matches any suspicious pattern. Iteration is in sorted-name order so
// the result is deterministic.
func (a *Analyzer) suspiciousHeaders(names []string, headers map[string]string) []string {
	suspicious := []string{}
	for _, name := range names {
		value := headers[name]
		for _, re := range a.suspicious {
			if re.MatchString(name) || re.MatchString(value) {
				suspicious = append(suspicious, name)
				break
			}
		}
	}
	return suspicious
}

// automationMatches scans the user-agent and every header name and
// value against the automation patterns, collecting the matched text
// lowercased and deduplicated.
func (a *Analyzer) automationMatches(names []string, headers map[string]string, userAgent string) []string {
	matches := []string{}
	seen := make(map[string]bool)
	record := func(match string) {
		match = strings.ToLower(match)
		if match != "" && !seen[match] {
			seen[match] = true
			matches = append(matches, match)
		}
	}

	for _, re := range a.automation {
		record(re.FindString(userAgent))
		for _, name := range names {
			record(re.FindString(name))
			record(re.FindString(headers[name]))
		}
	}
	return matches
}

// orderScore compares the observed header-name order prefix-wise to the
// canonical browser order. No observed order scores 0.
func orderScore(observed []string) float64 {
	if len(observed) == 0 {
		return 0
	}

	matches := 0
	for i, name := range observed {
		if i >= len(canonicalHeaderOrder) {
			break
		}
		if name == canonicalHeaderOrder[i] {
			matches++
		}
	}

	denom := len(observed)
	if len(canonicalHeaderOrder) > denom {
		denom = len(canonicalHeaderOrder)
	}
	score := float64(matches) / float64(denom)
	if score > 1 {
		score = 1
	}
	return score
}

// analyzeTLS grades how well the transport matches the header story: a
// modern browser negotiates TLS 1.2+ and sends sec-fetch-* metadata,
// while automation frameworks often pair fresh TLS stacks with bare
// header sets or vice versa.
func analyzeTLS(info *request.TLSInfo, headers map[string]string, automation []string) *TLSData {
	data := &TLSData{
		Protocol: info.Protocol,
		Cipher:   info.Cipher,
	}

	modernTLS := strings.Contains(info.Protocol, "1.3") || strings.Contains(info.Protocol, "1.2")
	legacyTLS := strings.Contains(info.Protocol, "1.0") || strings.Contains(info.Protocol, "1.1")

	modernHeaders := false
	for name := range headers {
		if strings.HasPrefix(name, "sec-fetch-") || strings.HasPrefix(name, "sec-ch-") {
			modernHeaders = true
			break
		}
	}

	switch {
	case modernTLS && modernHeaders:
		data.ConsistencyScore = 1.0
	case modernTLS && !modernHeaders:
		data.ConsistencyScore = 0.4
	case legacyTLS && modernHeaders:
		data.ConsistencyScore = 0.2
	default:
		data.ConsistencyScore = 0.5
	}

	cipher := strings.ToUpper(info.Cipher)
	data.IsKnownBotPattern = legacyTLS ||
		strings.Contains(cipher, "RC4") ||
		strings.Contains(cipher, "3DES") ||
		(len(automation) > 0 && !modernHeaders)

	return data
}
