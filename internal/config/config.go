package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"warden/internal/redaction"
)

// Config holds all configuration for warden
type Config struct {
	Enabled     bool              `yaml:"enabled"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Fingerprint FingerprintConfig `yaml:"fingerprinting"`
	Behavior    BehaviorConfig    `yaml:"behavioral"`
	Geo         GeoConfig         `yaml:"geographic"`
	Whitelist   WhitelistConfig   `yaml:"whitelist"`
	Cache       CacheConfig       `yaml:"cache"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Session     SessionConfig     `yaml:"session"`
	Control     ControlConfig     `yaml:"control"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Storage     StorageConfig     `yaml:"storage"`
	Redaction   redaction.Config  `yaml:"redaction"`
}

// ScoringConfig holds the weighted-average scoring parameters
type ScoringConfig struct {
	Weights    WeightsConfig    `yaml:"weights"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Preset     string           `yaml:"preset"` // lenient, standard, or strict
}

// WeightsConfig holds per-category scoring weights. Each weight must be
// non-negative and at least one must be positive.
type WeightsConfig struct {
	Fingerprint float64 `yaml:"fingerprint"`
	Behavioral  float64 `yaml:"behavioral"`
	Geographic  float64 `yaml:"geographic"`
	Reputation  float64 `yaml:"reputation"`
}

// ThresholdsConfig holds the verdict cut lines on the 0-100 scale
type ThresholdsConfig struct {
	Suspicious float64 `yaml:"suspicious"` // at or above: flagged
	HighRisk   float64 `yaml:"high_risk"`  // at or above: block-worthy
}

// FingerprintConfig holds HTTP fingerprint analyzer inputs
type FingerprintConfig struct {
	RequiredHeaders      []string `yaml:"required_headers"`
	SuspiciousPatterns   []string `yaml:"suspicious_patterns"`
	AutomationSignatures []string `yaml:"automation_signatures"`
}

// BehaviorConfig holds behavioral analyzer tuning
type BehaviorConfig struct {
	MinHumanInterval time.Duration `yaml:"min_human_interval"` // faster than this looks scripted
	MaxConsistency   float64       `yaml:"max_consistency"`
}

// GeoConfig holds geographic analyzer configuration
type GeoConfig struct {
	Resolver          string   `yaml:"resolver"` // "maxmind" or "simulated"
	DatabasePath      string   `yaml:"database_path"`
	ASNDatabasePath   string   `yaml:"asn_database_path"`
	HighRiskCountries []string `yaml:"high_risk_countries"`
	VPNPenalty        float64  `yaml:"vpn_penalty"`
	HostingPenalty    float64  `yaml:"hosting_penalty"`
}

// WhitelistConfig holds bypass list configuration
type WhitelistConfig struct {
	IPs                    []string `yaml:"ips"`
	UserAgents             []string `yaml:"user_agents"`
	ASNs                   []uint32 `yaml:"asns"`
	MaxEntries             int      `yaml:"max_entries"`
	EnableMonitoringBypass bool     `yaml:"enable_monitoring_bypass"`
	MonitoringPatterns     []string `yaml:"monitoring_patterns"`
}

// CacheConfig holds sizing and TTLs for the bounded caches
type CacheConfig struct {
	MaxSessions     int           `yaml:"max_sessions"`
	MaxGeo          int           `yaml:"max_geo"`
	MaxFingerprints int           `yaml:"max_fingerprints"`
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	GeoTTL          time.Duration `yaml:"geo_ttl"`
	FingerprintTTL  time.Duration `yaml:"fingerprint_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ResilienceConfig holds circuit breaker and timeout budgets
type ResilienceConfig struct {
	GeoBreaker BreakerConfig `yaml:"geo_breaker"`
	Timeouts   TimeoutConfig `yaml:"timeouts"`
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	MinimumRequests  int           `yaml:"minimum_requests"`
}

// TimeoutConfig holds the per-analyzer and whole-request deadlines
type TimeoutConfig struct {
	HTTP     time.Duration `yaml:"http"`
	Behavior time.Duration `yaml:"behavior"`
	Geo      time.Duration `yaml:"geo"`
	Total    time.Duration `yaml:"total"`
}

// SessionConfig selects and configures the session store backend
type SessionConfig struct {
	Store string      `yaml:"store"` // "memory" or "redis"
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ControlConfig holds control API configuration
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API authentication settings
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"` // API key for Bearer token auth
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// StorageConfig holds the detection event journal configuration
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`           // SQLite database path
	RetentionDays int    `yaml:"retention_days"` // how long to keep events
}

// Load reads and parses the configuration file. A missing file is not an
// error: defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	// Apply scoring preset if specified
	cfg.ApplyPreset()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values
func defaults() *Config {
	return &Config{
		Enabled: true,
		Scoring: ScoringConfig{
			Weights: WeightsConfig{
				Fingerprint: 0.3,
				Behavioral:  0.3,
				Geographic:  0.2,
				Reputation:  0.2,
			},
			Thresholds: ThresholdsConfig{
				Suspicious: 30,
				HighRisk:   70,
			},
		},
		Fingerprint: FingerprintConfig{
			RequiredHeaders:      DefaultRequiredHeaders(),
			SuspiciousPatterns:   DefaultSuspiciousPatterns(),
			AutomationSignatures: DefaultAutomationSignatures(),
		},
		Behavior: BehaviorConfig{
			MinHumanInterval: 500 * time.Millisecond,
			MaxConsistency:   0.8,
		},
		Geo: GeoConfig{
			Resolver:          "simulated",
			HighRiskCountries: DefaultHighRiskCountries(),
			VPNPenalty:        25,
			HostingPenalty:    15,
		},
		Whitelist: WhitelistConfig{
			UserAgents:             DefaultWhitelistUserAgents(),
			MaxEntries:             10000,
			EnableMonitoringBypass: true,
			MonitoringPatterns:     DefaultMonitoringPatterns(),
		},
		Cache: CacheConfig{
			MaxSessions:     10000,
			MaxGeo:          50000,
			MaxFingerprints: 25000,
			SessionTimeout:  30 * time.Minute,
			GeoTTL:          24 * time.Hour,
			FingerprintTTL:  time.Hour,
			CleanupInterval: 5 * time.Minute,
		},
		Resilience: ResilienceConfig{
			GeoBreaker: BreakerConfig{
				FailureThreshold: 3,
				RecoveryTimeout:  30 * time.Second,
				MinimumRequests:  5,
			},
			Timeouts: TimeoutConfig{
				HTTP:     15 * time.Millisecond,
				Behavior: 10 * time.Millisecond,
				Geo:      25 * time.Millisecond,
				Total:    50 * time.Millisecond,
			},
		},
		Session: SessionConfig{
			Store: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Password:  "",
				DB:        0,
				KeyPrefix: "warden:session:",
			},
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "warden",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Storage: StorageConfig{
			Enabled:       false,
			Path:          "data/warden.db",
			RetentionDays: 30,
		},
		Redaction: redaction.Config{
			Enabled: true,
		},
	}
}

// DefaultRequiredHeaders lists headers a mainstream browser always sends.
// Each missing one adds to the fingerprint score.
func DefaultRequiredHeaders() []string {
	return []string{
		"accept",
		"accept-language",
		"accept-encoding",
		"connection",
		"cache-control",
		"user-agent",
	}
}

// DefaultSuspiciousPatterns lists substrings that flag a header name or
// value as tooling-related.
func DefaultSuspiciousPatterns() []string {
	return []string{
		"webdriver",
		"selenium",
		"phantomjs",
		"headless",
		"nightmare",
		"automation",
		"python-requests",
		"python-urllib",
		"java/",
		"libwww",
		"go-http-client",
		"x-bot",
		"x-crawler",
		"x-test",
		"sqlmap",
		"nikto",
		"nmap",
	}
}

// DefaultAutomationSignatures lists user-agent substrings identifying
// known automation frameworks and HTTP clients.
func DefaultAutomationSignatures() []string {
	return []string{
		"selenium",
		"webdriver",
		"chromedriver",
		"geckodriver",
		"puppeteer",
		"headlesschrome",
		"playwright",
		"phantomjs",
		"scrapy",
		"python-requests",
		"curl",
		"wget",
		"go-http-client",
		"okhttp",
		"bot",
		"crawler",
		"spider",
		"scraper",
	}
}

// DefaultHighRiskCountries lists ISO country codes that add geographic risk
func DefaultHighRiskCountries() []string {
	return []string{"CN", "RU", "KP", "IR"}
}

// DefaultWhitelistUserAgents lists well-known crawlers bypassed by default
func DefaultWhitelistUserAgents() []string {
	return []string{
		"Googlebot",
		"Bingbot",
		"Slackbot",
		"DuckDuckBot",
		"Twitterbot",
		"facebookexternalhit",
		"LinkedInBot",
		"Applebot",
	}
}

// DefaultMonitoringPatterns lists uptime/monitoring tool user-agent regexes
func DefaultMonitoringPatterns() []string {
	return []string{
		"(?i)pingdom",
		"(?i)uptimerobot",
		"(?i)statuscake",
		"(?i)site24x7",
		"(?i)newrelicpinger",
		"(?i)checkly",
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if os.Getenv("WARDEN_ENABLED") == "false" {
		c.Enabled = false
	}
	if v := os.Getenv("WARDEN_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("WARDEN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WARDEN_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("WARDEN_SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("WARDEN_REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
	}
	if v := os.Getenv("WARDEN_REDIS_PASSWORD"); v != "" {
		c.Session.Redis.Password = v
	}

	// Scoring overrides
	if v := os.Getenv("WARDEN_SCORING_PRESET"); v != "" {
		c.Scoring.Preset = v
	}
	if v := os.Getenv("WARDEN_THRESHOLD_SUSPICIOUS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scoring.Thresholds.Suspicious = f
		}
	}
	if v := os.Getenv("WARDEN_THRESHOLD_HIGH_RISK"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scoring.Thresholds.HighRisk = f
		}
	}

	// Geo overrides
	if v := os.Getenv("WARDEN_GEO_DATABASE"); v != "" {
		c.Geo.DatabasePath = v
		c.Geo.Resolver = "maxmind"
	}
	if v := os.Getenv("WARDEN_GEO_ASN_DATABASE"); v != "" {
		c.Geo.ASNDatabasePath = v
	}
	if v := os.Getenv("WARDEN_GEO_RESOLVER"); v != "" {
		c.Geo.Resolver = v
	}

	// Telemetry overrides
	if os.Getenv("WARDEN_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("WARDEN_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("WARDEN_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("WARDEN_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	// Also support standard OTEL env vars
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	// Storage overrides
	if os.Getenv("WARDEN_STORAGE_ENABLED") == "true" {
		c.Storage.Enabled = true
	}
	if v := os.Getenv("WARDEN_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("WARDEN_STORAGE_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			c.Storage.RetentionDays = days
		}
	}

	// Control API auth overrides
	if os.Getenv("WARDEN_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.Auth.Enabled = true
	}
	if v := os.Getenv("WARDEN_CONTROL_API_KEY"); v != "" {
		c.Control.Auth.APIKey = v
		c.Control.Auth.Enabled = true // Auto-enable if key is set
	}
}

// validate checks that the configuration is valid
func (c *Config) validate() error {
	w := c.Scoring.Weights
	if w.Fingerprint < 0 || w.Behavioral < 0 || w.Geographic < 0 || w.Reputation < 0 {
		return fmt.Errorf("scoring weights must be non-negative")
	}
	if w.Fingerprint+w.Behavioral+w.Geographic+w.Reputation <= 0 {
		return fmt.Errorf("at least one scoring weight must be positive")
	}

	t := c.Scoring.Thresholds
	if t.Suspicious < 0 || t.HighRisk > 100 || t.Suspicious > t.HighRisk {
		return fmt.Errorf("thresholds must satisfy 0 <= suspicious <= high_risk <= 100, got %v/%v", t.Suspicious, t.HighRisk)
	}

	if c.Cache.MaxSessions <= 0 || c.Cache.MaxGeo <= 0 || c.Cache.MaxFingerprints <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}
	if c.Cache.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}

	to := c.Resilience.Timeouts
	if to.HTTP <= 0 || to.Behavior <= 0 || to.Geo <= 0 || to.Total <= 0 {
		return fmt.Errorf("analyzer timeouts must be positive")
	}

	switch c.Session.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("session store must be \"memory\" or \"redis\", got %q", c.Session.Store)
	}

	switch c.Geo.Resolver {
	case "maxmind", "simulated":
	default:
		return fmt.Errorf("geo resolver must be \"maxmind\" or \"simulated\", got %q", c.Geo.Resolver)
	}
	if c.Geo.Resolver == "maxmind" && c.Geo.DatabasePath == "" {
		return fmt.Errorf("geo resolver \"maxmind\" requires database_path")
	}

	if c.Whitelist.MaxEntries <= 0 {
		return fmt.Errorf("whitelist max_entries must be positive")
	}

	if c.Control.Enabled && c.Control.Listen == "" {
		return fmt.Errorf("control listen address is required when control API is enabled")
	}
	return nil
}

// ApplyPreset applies a named sensitivity preset to thresholds and, for
// strict, extends the suspicious pattern list. Unknown presets leave the
// config untouched.
func (c *Config) ApplyPreset() {
	switch c.Scoring.Preset {
	case "lenient":
		c.Scoring.Thresholds = ThresholdsConfig{Suspicious: 50, HighRisk: 85}
	case "standard":
		c.Scoring.Thresholds = ThresholdsConfig{Suspicious: 30, HighRisk: 70}
	case "strict":
		c.Scoring.Thresholds = ThresholdsConfig{Suspicious: 20, HighRisk: 55}
		c.Fingerprint.SuspiciousPatterns = append(c.Fingerprint.SuspiciousPatterns,
			"httpclient", "axios", "node-fetch", "aiohttp")
	}
}
