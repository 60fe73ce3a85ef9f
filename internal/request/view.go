package request

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
)

// TLSInfo carries transport-layer facts observed by the listener.
type TLSInfo struct {
	Protocol  string `json:"protocol"`
	Cipher    string `json:"cipher"`
	Encrypted bool   `json:"encrypted"`
}

// View is the immutable set of HTTP facts one analysis operates on.
// Headers holds lower-cased names with multi-values joined by ", ".
// RawHeaders preserves the wire order as alternating name/value pairs
// (names at even indices); it is empty when the listener cannot observe
// the original ordering.
type View struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	IP         string            `json:"ip"`
	UserAgent  string            `json:"userAgent"`
	Headers    map[string]string `json:"headers"`
	RawHeaders []string          `json:"rawHeaders,omitempty"`
	TLS        *TLSInfo          `json:"tls,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
}

// Header returns the normalized value for a header name, if present.
func (v *View) Header(name string) (string, bool) {
	if v.Headers == nil {
		return "", false
	}
	val, ok := v.Headers[strings.ToLower(name)]
	return val, ok
}

// HasHeader reports whether the request carried the named header.
func (v *View) HasHeader(name string) bool {
	_, ok := v.Header(name)
	return ok
}

// OrderedHeaderNames extracts the lower-cased header names from the raw
// wire sequence (even indices). Returns nil when no raw sequence was
// captured.
func (v *View) OrderedHeaderNames() []string {
	if len(v.RawHeaders) == 0 {
		return nil
	}
	names := make([]string, 0, (len(v.RawHeaders)+1)/2)
	for i := 0; i < len(v.RawHeaders); i += 2 {
		names = append(names, strings.ToLower(v.RawHeaders[i]))
	}
	return names
}

// NormalizeHeaders lowers header names and joins multi-values with ", ",
// dropping empty names.
func NormalizeHeaders(h http.Header) map[string]string {
	normalized := make(map[string]string, len(h))
	for name, values := range h {
		if name == "" {
			continue
		}
		normalized[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return normalized
}

// FromHTTP builds a View from a parsed request. net/http does not retain
// the wire order of headers, so RawHeaders is left empty unless the caller
// captured it at the listener; pass it through rawHeaders when available.
func FromHTTP(r *http.Request, rawHeaders ...string) *View {
	headers := NormalizeHeaders(r.Header)
	if r.Host != "" {
		headers["host"] = r.Host
	}

	v := &View{
		Method:     r.Method,
		Path:       r.URL.Path,
		IP:         remoteIP(r.RemoteAddr),
		UserAgent:  r.UserAgent(),
		Headers:    headers,
		RawHeaders: rawHeaders,
		RequestID:  r.Header.Get("X-Request-ID"),
	}

	if r.TLS != nil {
		v.TLS = &TLSInfo{
			Protocol:  tls.VersionName(r.TLS.Version),
			Cipher:    tls.CipherSuiteName(r.TLS.CipherSuite),
			Encrypted: true,
		}
	}

	return v
}

// remoteIP strips the port from a RemoteAddr, tolerating bare addresses.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
