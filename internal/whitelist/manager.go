package whitelist

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/bus"
	"warden/internal/geo"
	"warden/internal/health"
)

// Origin values for entries.
const (
	OriginSystem   = "system"
	OriginOperator = "operator"
)

// Result is the outcome of one bypass check. MatchedEntries carries
// every entry that matched; BypassType reflects the first hit in check
// order (ip, userAgent, monitoring, asn, fingerprint).
type Result struct {
	IsWhitelisted  bool    `json:"isWhitelisted"`
	MatchedEntries []Entry `json:"matchedEntries,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	BypassType     string  `json:"bypassType,omitempty"`
}

// Config wires a manager.
type Config struct {
	MaxEntries         int
	EnableMonitoring   bool
	MonitoringPatterns []string
	SweepInterval      time.Duration
	Bus                *bus.Bus
}

// Manager holds the whitelist and answers bypass checks. All methods
// are safe for concurrent use.
type Manager struct {
	maxEntries    int
	monitoring    []*regexp.Regexp
	monitoringOn  bool
	sweepInterval time.Duration
	events        *bus.Bus

	mu     sync.RWMutex
	byID   map[string]*Entry
	byIP   map[string][]*Entry
	byASN  map[uint32][]*Entry
	byFP   map[string][]*Entry
	byUA   []*Entry
	swept  uint64
}

// NewManager builds a manager from cfg. Invalid monitoring patterns
// fail construction.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	monitoring := make([]*regexp.Regexp, 0, len(cfg.MonitoringPatterns))
	for _, p := range cfg.MonitoringPatterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, health.E(health.KindConfiguration, "whitelist.monitoring", fmt.Errorf("compiling %q: %w", p, err))
		}
		monitoring = append(monitoring, re)
	}

	return &Manager{
		maxEntries:    cfg.MaxEntries,
		monitoring:    monitoring,
		monitoringOn:  cfg.EnableMonitoring,
		sweepInterval: cfg.SweepInterval,
		events:        cfg.Bus,
		byID:          make(map[string]*Entry),
		byIP:          make(map[string][]*Entry),
		byASN:         make(map[uint32][]*Entry),
		byFP:          make(map[string][]*Entry),
	}, nil
}

// Seed installs the configured system defaults: trusted IPs, crawler
// user agents as substring matchers, and trusted ASNs. Seeding failures
// are logged, not fatal.
func (m *Manager) Seed(ips, userAgents []string, asns []uint32) {
	for _, ip := range ips {
		m.seedEntry(Entry{Type: TypeIP, IP: ip, Reason: "configured default"})
	}
	for _, ua := range userAgents {
		m.seedEntry(Entry{
			Type:      TypeUserAgent,
			UserAgent: &UAMatcher{Kind: MatchSubstring, Pattern: ua},
			Reason:    "configured default",
		})
	}
	for _, asn := range asns {
		m.seedEntry(Entry{Type: TypeASN, ASN: asn, Reason: "configured default"})
	}
}

func (m *Manager) seedEntry(e Entry) {
	e.Origin = OriginSystem
	if _, err := m.Add(e); err != nil {
		slog.Warn("skipping whitelist default", "type", e.Type, "error", err)
	}
}

// Add validates and inserts an entry, assigning an ID when absent.
// Returns KindCapacityExceeded once the list is full.
func (m *Manager) Add(e Entry) (*Entry, error) {
	switch e.Type {
	case TypeIP:
		e.IP = normalizeIP(e.IP)
		if e.IP == "" {
			return nil, health.E(health.KindConfiguration, "whitelist.add", fmt.Errorf("ip entry needs an address"))
		}
	case TypeUserAgent:
		if e.UserAgent == nil {
			return nil, health.E(health.KindConfiguration, "whitelist.add", fmt.Errorf("user agent entry needs a matcher"))
		}
		matcher := *e.UserAgent
		if err := matcher.compile(); err != nil {
			return nil, health.E(health.KindConfiguration, "whitelist.add", err)
		}
		e.UserAgent = &matcher
	case TypeASN:
		if e.ASN == 0 {
			return nil, health.E(health.KindConfiguration, "whitelist.add", fmt.Errorf("asn entry needs a number"))
		}
	case TypeFingerprint:
		if e.Fingerprint == "" {
			return nil, health.E(health.KindConfiguration, "whitelist.add", fmt.Errorf("fingerprint entry needs a value"))
		}
	default:
		return nil, health.E(health.KindConfiguration, "whitelist.add", fmt.Errorf("unknown entry type %q", e.Type))
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Origin == "" {
		e.Origin = OriginOperator
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	m.mu.Lock()
	if len(m.byID) >= m.maxEntries {
		m.mu.Unlock()
		return nil, health.E(health.KindCapacityExceeded, "whitelist.add",
			fmt.Errorf("whitelist full: %d entries", m.maxEntries))
	}
	if _, dup := m.byID[e.ID]; dup {
		m.mu.Unlock()
		return nil, health.E(health.KindConfiguration, "whitelist.add", fmt.Errorf("duplicate entry id %q", e.ID))
	}
	stored := e
	m.byID[stored.ID] = &stored
	m.index(&stored)
	m.mu.Unlock()

	m.publish(bus.TypeEntryAdded, map[string]interface{}{
		"id":     stored.ID,
		"type":   string(stored.Type),
		"origin": stored.Origin,
		"reason": stored.Reason,
	})
	return &stored, nil
}

// Remove deletes an entry by ID.
func (m *Manager) Remove(id string) (*Entry, error) {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("whitelist entry %q not found", id)
	}
	delete(m.byID, id)
	m.unindex(e)
	m.mu.Unlock()

	m.publish(bus.TypeEntryRemoved, map[string]interface{}{
		"id":   e.ID,
		"type": string(e.Type),
	})
	return e, nil
}

// index and unindex maintain the per-type lookup structures. Callers
// hold the write lock.
func (m *Manager) index(e *Entry) {
	switch e.Type {
	case TypeIP:
		m.byIP[e.IP] = append(m.byIP[e.IP], e)
	case TypeASN:
		m.byASN[e.ASN] = append(m.byASN[e.ASN], e)
	case TypeFingerprint:
		m.byFP[e.Fingerprint] = append(m.byFP[e.Fingerprint], e)
	case TypeUserAgent:
		m.byUA = append(m.byUA, e)
	}
}

func (m *Manager) unindex(e *Entry) {
	switch e.Type {
	case TypeIP:
		m.byIP[e.IP] = withoutEntry(m.byIP[e.IP], e.ID)
		if len(m.byIP[e.IP]) == 0 {
			delete(m.byIP, e.IP)
		}
	case TypeASN:
		m.byASN[e.ASN] = withoutEntry(m.byASN[e.ASN], e.ID)
		if len(m.byASN[e.ASN]) == 0 {
			delete(m.byASN, e.ASN)
		}
	case TypeFingerprint:
		m.byFP[e.Fingerprint] = withoutEntry(m.byFP[e.Fingerprint], e.ID)
		if len(m.byFP[e.Fingerprint]) == 0 {
			delete(m.byFP, e.Fingerprint)
		}
	case TypeUserAgent:
		m.byUA = withoutEntry(m.byUA, e.ID)
	}
}

func withoutEntry(entries []*Entry, id string) []*Entry {
	for i, e := range entries {
		if e.ID == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// Check answers whether the request may bypass detection. loc and
// fingerprint are optional; when absent the ASN and fingerprint stages
// are skipped. Expired entries never match.
func (m *Manager) Check(ip, userAgent string, loc *geo.Location, fingerprint string) Result {
	now := time.Now()
	ip = normalizeIP(ip)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var res Result

	for _, e := range m.byIP[ip] {
		if e.Expired(now) {
			continue
		}
		res.MatchedEntries = append(res.MatchedEntries, *e)
		if res.BypassType == "" {
			res.BypassType = BypassIP
			res.Reason = "whitelisted ip " + ip
		}
	}

	if userAgent != "" {
		for _, e := range m.byUA {
			if e.Expired(now) || !e.UserAgent.Matches(userAgent) {
				continue
			}
			res.MatchedEntries = append(res.MatchedEntries, *e)
			if res.BypassType == "" {
				res.BypassType = BypassUserAgent
				res.Reason = "user agent matches " + e.UserAgent.Pattern
			}
		}

		if m.monitoringOn {
			for _, re := range m.monitoring {
				if re.MatchString(userAgent) {
					if res.BypassType == "" {
						res.BypassType = BypassMonitoring
						res.Reason = "monitoring tool " + re.String()
					}
					break
				}
			}
		}
	}

	if loc != nil && loc.ASN != 0 {
		for _, e := range m.byASN[loc.ASN] {
			if e.Expired(now) {
				continue
			}
			res.MatchedEntries = append(res.MatchedEntries, *e)
			if res.BypassType == "" {
				res.BypassType = BypassASN
				res.Reason = fmt.Sprintf("whitelisted asn %d", loc.ASN)
			}
		}
	}

	if fingerprint != "" {
		for _, e := range m.byFP[fingerprint] {
			if e.Expired(now) {
				continue
			}
			res.MatchedEntries = append(res.MatchedEntries, *e)
			if res.BypassType == "" {
				res.BypassType = BypassFingerprint
				res.Reason = "whitelisted fingerprint"
			}
		}
	}

	res.IsWhitelisted = res.BypassType != ""
	return res
}

// Sweep removes entries expired as of now and publishes one
// entriesExpired event when anything was dropped. Returns the count.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []string
	for id, e := range m.byID {
		if e.Expired(now) {
			delete(m.byID, id)
			m.unindex(e)
			expired = append(expired, id)
		}
	}
	m.swept += uint64(len(expired))
	m.mu.Unlock()

	if len(expired) > 0 {
		slog.Info("whitelist entries expired", "count", len(expired))
		m.publish(bus.TypeEntriesExpired, map[string]interface{}{
			"count": len(expired),
			"ids":   expired,
		})
	}
	return len(expired)
}

// Run sweeps expired entries until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Entries returns a copy of all entries, oldest first.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, *e)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

// Len returns the number of entries.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Stats summarizes the list for the control API.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byType := map[string]int{}
	for _, e := range m.byID {
		byType[string(e.Type)]++
	}
	return map[string]interface{}{
		"entries":            len(m.byID),
		"max_entries":        m.maxEntries,
		"by_type":            byType,
		"expired_total":      m.swept,
		"monitoring_enabled": m.monitoringOn,
		"monitoring_rules":   len(m.monitoring),
	}
}

func (m *Manager) publish(t bus.Type, data map[string]interface{}) {
	if m.events != nil {
		m.events.Publish(t, data)
	}
}
