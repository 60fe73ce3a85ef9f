// Package storage persists detection history and the audit event
// journal in SQLite. It is optional; the pipeline runs without it.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// DetectionRecord is one completed detection as persisted.
type DetectionRecord struct {
	CorrelationID  string          `json:"correlation_id"`
	Timestamp      time.Time       `json:"timestamp"`
	ClientIP       string          `json:"client_ip"`
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Score          int             `json:"score"`
	Confidence     float64         `json:"confidence"`
	Suspicious     bool            `json:"suspicious"`
	HighRisk       bool            `json:"high_risk"`
	BypassType     string          `json:"bypass_type,omitempty"`
	TimedOut       bool            `json:"timed_out"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
	Fingerprint    string          `json:"fingerprint"`
	Country        string          `json:"country,omitempty"`
	ASN            uint32          `json:"asn,omitempty"`
	ProcessingMs   float64         `json:"processing_ms"`
	Reasons        json.RawMessage `json:"reasons,omitempty"`
}

// SQLiteStore provides persistent storage for detection history
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed storage
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("SQLite storage initialized", "path", dbPath)
	return store, nil
}

// migrate creates the necessary tables
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		correlation_id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		client_ip TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		score INTEGER NOT NULL,
		confidence REAL NOT NULL,
		suspicious INTEGER NOT NULL DEFAULT 0,
		high_risk INTEGER NOT NULL DEFAULT 0,
		bypass_type TEXT,
		timed_out INTEGER NOT NULL DEFAULT 0,
		fallback_reason TEXT,
		fingerprint TEXT,
		country TEXT,
		asn INTEGER NOT NULL DEFAULT 0,
		processing_ms REAL NOT NULL DEFAULT 0,
		reasons TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp);
	CREATE INDEX IF NOT EXISTS idx_detections_client_ip ON detections(client_ip);
	CREATE INDEX IF NOT EXISTS idx_detections_suspicious ON detections(suspicious);
	CREATE INDEX IF NOT EXISTS idx_detections_country ON detections(country);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		event_type TEXT NOT NULL,
		correlation_id TEXT,
		severity TEXT,
		data TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveDetection saves a completed detection record
func (s *SQLiteStore) SaveDetection(record DetectionRecord) error {
	reasons := "[]"
	if len(record.Reasons) > 0 {
		reasons = string(record.Reasons)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO detections
		(correlation_id, timestamp, client_ip, method, path, score, confidence, suspicious, high_risk, bypass_type, timed_out, fallback_reason, fingerprint, country, asn, processing_ms, reasons)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.CorrelationID,
		record.Timestamp,
		record.ClientIP,
		record.Method,
		record.Path,
		record.Score,
		record.Confidence,
		record.Suspicious,
		record.HighRisk,
		record.BypassType,
		record.TimedOut,
		record.FallbackReason,
		record.Fingerprint,
		record.Country,
		record.ASN,
		record.ProcessingMs,
		reasons,
	)
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}

	slog.Debug("detection saved to history",
		"correlation_id", record.CorrelationID, "score", record.Score)
	return nil
}

// GetDetection retrieves a detection by correlation ID
func (s *SQLiteStore) GetDetection(correlationID string) (*DetectionRecord, error) {
	row := s.db.QueryRow(`
		SELECT correlation_id, timestamp, client_ip, method, path, score, confidence, suspicious, high_risk, bypass_type, timed_out, fallback_reason, fingerprint, country, asn, processing_ms, reasons
		FROM detections WHERE correlation_id = ?`, correlationID)

	record, err := scanDetection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	return record, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDetection(row rowScanner) (*DetectionRecord, error) {
	var record DetectionRecord
	var bypass, fallback, fingerprint, country, reasons sql.NullString

	err := row.Scan(
		&record.CorrelationID,
		&record.Timestamp,
		&record.ClientIP,
		&record.Method,
		&record.Path,
		&record.Score,
		&record.Confidence,
		&record.Suspicious,
		&record.HighRisk,
		&bypass,
		&record.TimedOut,
		&fallback,
		&fingerprint,
		&country,
		&record.ASN,
		&record.ProcessingMs,
		&reasons,
	)
	if err != nil {
		return nil, err
	}

	record.BypassType = bypass.String
	record.FallbackReason = fallback.String
	record.Fingerprint = fingerprint.String
	record.Country = country.String
	if reasons.Valid && reasons.String != "" {
		record.Reasons = json.RawMessage(reasons.String)
	}
	return &record, nil
}

// ListDetectionsOptions contains options for listing detections
type ListDetectionsOptions struct {
	Limit      int
	Offset     int
	ClientIP   string
	Country    string
	Suspicious *bool
	MinScore   int
	Since      *time.Time
	Until      *time.Time
}

// ListDetections retrieves detections with filtering and pagination
func (s *SQLiteStore) ListDetections(opts ListDetectionsOptions) ([]DetectionRecord, error) {
	query := `
		SELECT correlation_id, timestamp, client_ip, method, path, score, confidence, suspicious, high_risk, bypass_type, timed_out, fallback_reason, fingerprint, country, asn, processing_ms, reasons
		FROM detections WHERE 1=1`

	args := []interface{}{}

	if opts.ClientIP != "" {
		query += " AND client_ip = ?"
		args = append(args, opts.ClientIP)
	}
	if opts.Country != "" {
		query += " AND country = ?"
		args = append(args, opts.Country)
	}
	if opts.Suspicious != nil {
		query += " AND suspicious = ?"
		args = append(args, *opts.Suspicious)
	}
	if opts.MinScore > 0 {
		query += " AND score >= ?"
		args = append(args, opts.MinScore)
	}
	if opts.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *opts.Since)
	}
	if opts.Until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *opts.Until)
	}

	query += " ORDER BY timestamp DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	defer rows.Close()

	var records []DetectionRecord
	for rows.Next() {
		record, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		records = append(records, *record)
	}

	return records, nil
}

// Stats represents aggregate detection statistics
type Stats struct {
	TotalDetections      int64            `json:"total_detections"`
	SuspiciousDetections int64            `json:"suspicious_detections"`
	HighRiskDetections   int64            `json:"high_risk_detections"`
	TimedOutDetections   int64            `json:"timed_out_detections"`
	AvgScore             float64          `json:"avg_score"`
	AvgProcessingMs      float64          `json:"avg_processing_ms"`
	DetectionsByCountry  map[string]int64 `json:"detections_by_country"`
	SuspiciousByPath     map[string]int64 `json:"suspicious_by_path"`
}

// GetStats retrieves aggregate statistics
func (s *SQLiteStore) GetStats(since *time.Time) (*Stats, error) {
	stats := &Stats{
		DetectionsByCountry: make(map[string]int64),
		SuspiciousByPath:    make(map[string]int64),
	}

	// Build base WHERE clause
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	if since != nil {
		whereClause += " AND timestamp >= ?"
		args = append(args, *since)
	}

	// Get aggregate stats
	row := s.db.QueryRow(fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(SUM(suspicious), 0),
			COALESCE(SUM(high_risk), 0),
			COALESCE(SUM(timed_out), 0),
			COALESCE(AVG(score), 0),
			COALESCE(AVG(processing_ms), 0)
		FROM detections %s`, whereClause), args...)

	err := row.Scan(
		&stats.TotalDetections,
		&stats.SuspiciousDetections,
		&stats.HighRiskDetections,
		&stats.TimedOutDetections,
		&stats.AvgScore,
		&stats.AvgProcessingMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregate stats: %w", err)
	}

	// Get detections by country
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT COALESCE(country, ''), COUNT(*) FROM detections %s GROUP BY country`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get country stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var country string
		var count int64
		if err := rows.Scan(&country, &count); err != nil {
			return nil, err
		}
		if country == "" {
			country = "unknown"
		}
		stats.DetectionsByCountry[country] = count
	}

	// Get the paths suspicious traffic probes most
	rows, err = s.db.Query(fmt.Sprintf(`
		SELECT path, COUNT(*) as n FROM detections %s AND suspicious = 1
		GROUP BY path ORDER BY n DESC LIMIT 10`, whereClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get path stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var count int64
		if err := rows.Scan(&path, &count); err != nil {
			return nil, err
		}
		stats.SuspiciousByPath[path] = count
	}

	return stats, nil
}

// TimeSeriesPoint represents a point in a time series
type TimeSeriesPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	DetectionCount  int64     `json:"detection_count"`
	SuspiciousCount int64     `json:"suspicious_count"`
	AvgScore        float64   `json:"avg_score"`
	MaxScore        int64     `json:"max_score"`
}

// GetTimeSeries retrieves bucketed detection counts over time
func (s *SQLiteStore) GetTimeSeries(since time.Time, interval string) ([]TimeSeriesPoint, error) {
	// SQLite date truncation based on interval
	// Use datetime() to normalize the timestamp format first
	var dateTrunc string
	switch interval {
	case "hour":
		dateTrunc = "strftime('%Y-%m-%d %H:00:00', datetime(timestamp))"
	case "day":
		dateTrunc = "strftime('%Y-%m-%d', datetime(timestamp))"
	case "minute":
		dateTrunc = "strftime('%Y-%m-%d %H:%M:00', datetime(timestamp))"
	default:
		dateTrunc = "strftime('%Y-%m-%d %H:00:00', datetime(timestamp))" // default to hourly
	}

	query := fmt.Sprintf(`
		SELECT
			COALESCE(%s, 'unknown') as bucket,
			COUNT(*) as detection_count,
			COALESCE(SUM(suspicious), 0) as suspicious_count,
			COALESCE(AVG(score), 0) as avg_score,
			COALESCE(MAX(score), 0) as max_score
		FROM detections
		WHERE timestamp >= ?
		GROUP BY bucket
		HAVING bucket != 'unknown'
		ORDER BY bucket ASC`, dateTrunc)

	rows, err := s.db.Query(query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get time series: %w", err)
	}
	defer rows.Close()

	var points []TimeSeriesPoint
	for rows.Next() {
		var point TimeSeriesPoint
		var bucket string
		if err := rows.Scan(&bucket, &point.DetectionCount, &point.SuspiciousCount, &point.AvgScore, &point.MaxScore); err != nil {
			return nil, err
		}
		point.Timestamp, _ = time.Parse("2006-01-02 15:04:05", bucket)
		if point.Timestamp.IsZero() {
			point.Timestamp, _ = time.Parse("2006-01-02", bucket)
		}
		points = append(points, point)
	}

	return points, nil
}

// Cleanup removes old detection records
func (s *SQLiteStore) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM detections WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old detections: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old detections", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
