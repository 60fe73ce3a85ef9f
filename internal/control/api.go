// Package control exposes the operator HTTP surface: health and stats
// snapshots, analytics, whitelist management, runtime settings, on-demand
// analysis, the audit event log, Prometheus metrics and a live event
// stream over WebSocket.
package control

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"warden/internal/analytics"
	"warden/internal/bus"
	"warden/internal/config"
	"warden/internal/detect"
	"warden/internal/health"
	"warden/internal/request"
	"warden/internal/storage"
	"warden/internal/whitelist"
)

// maxEventPage caps one page of the audit event log.
const maxEventPage = 1000

// Deps carries the collaborators the control surface exposes. Store may
// be nil when persistence is disabled; Events may be nil, which disables
// the stream endpoint.
type Deps struct {
	Engine    *detect.Engine
	Monitor   *health.Monitor
	Analytics *analytics.Service
	Settings  *config.SettingsStore
	Store     *storage.SQLiteStore
	Events    *bus.Bus
	Auth      config.ControlAuthConfig
}

// Handler handles control API requests
type Handler struct {
	engine    *detect.Engine
	monitor   *health.Monitor
	analytics *analytics.Service
	settings  *config.SettingsStore
	store     *storage.SQLiteStore
	events    *bus.Bus
	auth      config.ControlAuthConfig
	mux       *http.ServeMux
}

// New creates a new control API handler
func New(deps Deps) *Handler {
	h := &Handler{
		engine:    deps.Engine,
		monitor:   deps.Monitor,
		analytics: deps.Analytics,
		settings:  deps.Settings,
		store:     deps.Store,
		events:    deps.Events,
		auth:      deps.Auth,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/analytics", h.handleAnalytics)
	h.mux.HandleFunc("/control/whitelist", h.handleWhitelist)
	h.mux.HandleFunc("/control/whitelist/", h.handleWhitelistEntry)
	h.mux.HandleFunc("/control/settings", h.handleSettings)
	h.mux.HandleFunc("/control/analyze", h.handleAnalyze)
	h.mux.HandleFunc("/control/events", h.handleEvents)
	h.mux.HandleFunc("/control/events/stats", h.handleEventStats)
	h.mux.HandleFunc("/control/stream", h.handleStream)
	h.mux.Handle("/control/metrics", promhttp.Handler())

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers for dashboard access
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="control"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mux.ServeHTTP(w, r)
}

// authorized checks the bearer token when auth is enabled.
func (h *Handler) authorized(r *http.Request) bool {
	if !h.auth.Enabled {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.auth.APIKey)) == 1
}

// handleHealth handles GET /control/health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.monitor.Get(r.Context(), r.URL.Query().Get("refresh") == "true")

	status := http.StatusOK
	if snapshot.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, snapshot)
}

// handleStats handles GET /control/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.engine.Stats(r.Context()))
}

// handleAnalytics handles GET /control/analytics
func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.analytics.Snapshot())
}

// handleWhitelist handles GET and POST /control/whitelist
func (h *Handler) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries := h.engine.Whitelist().Entries()
		if entries == nil {
			entries = []whitelist.Entry{}
		}
		writeJSON(w, http.StatusOK, WhitelistResponse{
			Total:   len(entries),
			Entries: entries,
		})

	case http.MethodPost:
		var entry whitelist.Entry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}

		stored, err := h.engine.Whitelist().Add(entry)
		if err != nil {
			if health.IsKind(err, health.KindCapacityExceeded) {
				http.Error(w, "Whitelist full", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		slog.Info("whitelist entry added via control API",
			"id", stored.ID,
			"type", stored.Type,
		)
		writeJSON(w, http.StatusCreated, stored)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleWhitelistEntry handles DELETE /control/whitelist/{id}
func (h *Handler) handleWhitelistEntry(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/control/whitelist/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Entry ID required", http.StatusBadRequest)
		return
	}

	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	removed, err := h.engine.Whitelist().Remove(id)
	if err != nil {
		http.Error(w, "Entry not found", http.StatusNotFound)
		return
	}

	slog.Info("whitelist entry removed via control API", "id", id)
	writeJSON(w, http.StatusOK, removed)
}

// handleSettings handles GET, PUT and DELETE /control/settings
func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeSettings(w)

	case http.MethodPut:
		var settings config.Settings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := h.settings.SaveLocal(settings); err != nil {
			slog.Error("settings save failed", "error", err)
			http.Error(w, "Settings save failed", http.StatusInternalServerError)
			return
		}
		slog.Info("runtime settings updated via control API")
		h.writeSettings(w)

	case http.MethodDelete:
		if err := h.settings.ResetToDefault(); err != nil {
			slog.Error("settings reset failed", "error", err)
			http.Error(w, "Settings reset failed", http.StatusInternalServerError)
			return
		}
		slog.Info("runtime settings reset via control API")
		h.writeSettings(w)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) writeSettings(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, SettingsResponse{
		Merged:    h.settings.GetMerged(),
		Overrides: h.settings.GetDiff(),
	})
}

// handleAnalyze handles POST /control/analyze: one-shot detection over
// request facts supplied in the body instead of observed on a listener.
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.IP == "" {
		http.Error(w, "ip is required", http.StatusBadRequest)
		return
	}
	if len(req.RawHeaders)%2 != 0 {
		http.Error(w, "rawHeaders must be alternating name/value pairs", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(req.Headers))
	for name, value := range req.Headers {
		headers[strings.ToLower(name)] = value
	}

	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = headers["user-agent"]
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path := req.Path
	if path == "" {
		path = "/"
	}

	view := &request.View{
		Method:     method,
		Path:       path,
		IP:         req.IP,
		UserAgent:  userAgent,
		Headers:    headers,
		RawHeaders: req.RawHeaders,
	}

	verdict := h.engine.Analyze(r.Context(), view, req.IP, req.Reputation)
	writeJSON(w, http.StatusOK, verdict)
}

// handleEvents handles GET /control/events
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		http.Error(w, "Event storage disabled", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	opts := storage.ListEventsOptions{
		Limit:         100,
		CorrelationID: query.Get("correlation_id"),
		Type:          storage.EventType(query.Get("type")),
		Severity:      query.Get("severity"),
	}

	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxEventPage {
			n = maxEventPage
		}
		opts.Limit = n
	}
	if v := query.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		opts.Offset = n
	}
	if v := query.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid since timestamp", http.StatusBadRequest)
			return
		}
		opts.Since = &ts
	}

	events, err := h.store.ListEvents(opts)
	if err != nil {
		slog.Error("event listing failed", "error", err)
		http.Error(w, "Event listing failed", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []storage.Event{}
	}

	writeJSON(w, http.StatusOK, EventsResponse{
		Total:  len(events),
		Events: events,
	})
}

// handleEventStats handles GET /control/events/stats
func (h *Handler) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.store == nil {
		http.Error(w, "Event storage disabled", http.StatusNotFound)
		return
	}

	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = &ts
	}

	stats, err := h.store.GetEventStats(since)
	if err != nil {
		slog.Error("event stats failed", "error", err)
		http.Error(w, "Event stats failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WhitelistResponse lists the active whitelist entries
type WhitelistResponse struct {
	Total   int               `json:"total"`
	Entries []whitelist.Entry `json:"entries"`
}

// SettingsResponse pairs the effective settings with the local overrides
type SettingsResponse struct {
	Merged    config.Settings               `json:"merged"`
	Overrides map[string]config.SettingDiff `json:"overrides"`
}

// AnalyzeRequest carries the request facts for an on-demand analysis.
// RawHeaders preserves wire order as alternating name/value pairs.
type AnalyzeRequest struct {
	IP         string            `json:"ip"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	UserAgent  string            `json:"userAgent"`
	Headers    map[string]string `json:"headers"`
	RawHeaders []string          `json:"rawHeaders"`
	Reputation *int              `json:"reputation"`
}

// EventsResponse pages through the audit event log
type EventsResponse struct {
	Total  int             `json:"total"`
	Events []storage.Event `json:"events"`
}
