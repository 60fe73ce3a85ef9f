package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SettingsLayer identifies the source of settings
type SettingsLayer string

const (
	LayerDefault SettingsLayer = "default" // Built-in, read-only
	LayerLocal   SettingsLayer = "local"   // Operator customizations
)

// Settings represents the runtime-tunable subset of configuration. Fields
// are pointers so an unset field falls through to the layer below.
type Settings struct {
	Detection DetectionSettings `json:"detection"`
	Scoring   ScoringSettings   `json:"scoring"`
	Whitelist WhitelistSettings `json:"whitelist"`
}

// DetectionSettings holds the master switch
type DetectionSettings struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// ScoringSettings holds tunable scoring parameters
type ScoringSettings struct {
	Preset     *string            `json:"preset,omitempty"` // "lenient", "standard", "strict"
	Weights    *WeightSettings    `json:"weights,omitempty"`
	Thresholds *ThresholdSettings `json:"thresholds,omitempty"`
}

// WeightSettings holds per-category weight overrides
type WeightSettings struct {
	Fingerprint *float64 `json:"fingerprint,omitempty"`
	Behavioral  *float64 `json:"behavioral,omitempty"`
	Geographic  *float64 `json:"geographic,omitempty"`
	Reputation  *float64 `json:"reputation,omitempty"`
}

// ThresholdSettings holds verdict threshold overrides
type ThresholdSettings struct {
	Suspicious *float64 `json:"suspicious,omitempty"`
	HighRisk   *float64 `json:"high_risk,omitempty"`
}

// WhitelistSettings holds tunable whitelist behavior
type WhitelistSettings struct {
	EnableMonitoringBypass *bool `json:"enable_monitoring_bypass,omitempty"`
}

// SettingsStore manages settings with layered configuration
type SettingsStore struct {
	mu       sync.RWMutex
	defaults Settings
	local    Settings
	path     string // Path to local settings file
}

// NewSettingsStore creates a settings store whose default layer mirrors the
// loaded configuration. base may be nil, in which case built-in defaults
// apply.
func NewSettingsStore(dataDir string, base *Config) (*SettingsStore, error) {
	if base == nil {
		base = defaults()
	}
	store := &SettingsStore{
		defaults: settingsFromConfig(base),
		path:     filepath.Join(dataDir, "settings.json"),
	}

	// Load local settings if they exist
	if err := store.loadLocal(); err != nil {
		// Not an error if file doesn't exist
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load local settings: %w", err)
		}
	}

	return store, nil
}

// settingsFromConfig projects the tunable fields of a Config into the
// default settings layer.
func settingsFromConfig(cfg *Config) Settings {
	enabled := cfg.Enabled
	preset := cfg.Scoring.Preset
	if preset == "" {
		preset = "standard"
	}
	monitoring := cfg.Whitelist.EnableMonitoringBypass

	fingerprint := cfg.Scoring.Weights.Fingerprint
	behavioral := cfg.Scoring.Weights.Behavioral
	geographic := cfg.Scoring.Weights.Geographic
	reputation := cfg.Scoring.Weights.Reputation
	suspicious := cfg.Scoring.Thresholds.Suspicious
	highRisk := cfg.Scoring.Thresholds.HighRisk

	return Settings{
		Detection: DetectionSettings{Enabled: &enabled},
		Scoring: ScoringSettings{
			Preset: &preset,
			Weights: &WeightSettings{
				Fingerprint: &fingerprint,
				Behavioral:  &behavioral,
				Geographic:  &geographic,
				Reputation:  &reputation,
			},
			Thresholds: &ThresholdSettings{
				Suspicious: &suspicious,
				HighRisk:   &highRisk,
			},
		},
		Whitelist: WhitelistSettings{EnableMonitoringBypass: &monitoring},
	}
}

// GetDefaults returns the built-in default settings (read-only)
func (s *SettingsStore) GetDefaults() Settings {
	return s.defaults
}

// GetLocal returns only the operator's customizations
func (s *SettingsStore) GetLocal() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// GetMerged returns settings with local overriding defaults
func (s *SettingsStore) GetMerged() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeSettings(s.defaults, s.local)
}

// SaveLocal saves operator customizations
func (s *SettingsStore) SaveLocal(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = settings

	// Ensure directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	// Write to file
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// ResetToDefault removes all local customizations
func (s *SettingsStore) ResetToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = Settings{}

	// Remove the settings file if it exists
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove settings file: %w", err)
	}

	return nil
}

// loadLocal loads local settings from file
func (s *SettingsStore) loadLocal() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.local); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}

	return nil
}

// GetDiff returns which settings differ from defaults
func (s *SettingsStore) GetDiff() map[string]SettingDiff {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return diffSettings(s.defaults, s.local)
}

// SettingDiff represents a difference from default
type SettingDiff struct {
	Path         string `json:"path"`
	DefaultValue any    `json:"default_value"`
	LocalValue   any    `json:"local_value"`
}

// diffSettings compares local settings against defaults
func diffSettings(defaults, local Settings) map[string]SettingDiff {
	diffs := make(map[string]SettingDiff)

	if local.Detection.Enabled != nil && *local.Detection.Enabled != *defaults.Detection.Enabled {
		diffs["detection.enabled"] = SettingDiff{
			Path:         "detection.enabled",
			DefaultValue: *defaults.Detection.Enabled,
			LocalValue:   *local.Detection.Enabled,
		}
	}
	if local.Scoring.Preset != nil && *local.Scoring.Preset != *defaults.Scoring.Preset {
		diffs["scoring.preset"] = SettingDiff{
			Path:         "scoring.preset",
			DefaultValue: *defaults.Scoring.Preset,
			LocalValue:   *local.Scoring.Preset,
		}
	}

	if local.Scoring.Weights != nil && defaults.Scoring.Weights != nil {
		lw, dw := local.Scoring.Weights, defaults.Scoring.Weights
		if lw.Fingerprint != nil && *lw.Fingerprint != *dw.Fingerprint {
			diffs["scoring.weights.fingerprint"] = SettingDiff{
				Path:         "scoring.weights.fingerprint",
				DefaultValue: *dw.Fingerprint,
				LocalValue:   *lw.Fingerprint,
			}
		}
		if lw.Behavioral != nil && *lw.Behavioral != *dw.Behavioral {
			diffs["scoring.weights.behavioral"] = SettingDiff{
				Path:         "scoring.weights.behavioral",
				DefaultValue: *dw.Behavioral,
				LocalValue:   *lw.Behavioral,
			}
		}
		if lw.Geographic != nil && *lw.Geographic != *dw.Geographic {
			diffs["scoring.weights.geographic"] = SettingDiff{
				Path:         "scoring.weights.geographic",
				DefaultValue: *dw.Geographic,
				LocalValue:   *lw.Geographic,
			}
		}
		if lw.Reputation != nil && *lw.Reputation != *dw.Reputation {
			diffs["scoring.weights.reputation"] = SettingDiff{
				Path:         "scoring.weights.reputation",
				DefaultValue: *dw.Reputation,
				LocalValue:   *lw.Reputation,
			}
		}
	}

	if local.Scoring.Thresholds != nil && defaults.Scoring.Thresholds != nil {
		lt, dt := local.Scoring.Thresholds, defaults.Scoring.Thresholds
		if lt.Suspicious != nil && *lt.Suspicious != *dt.Suspicious {
			diffs["scoring.thresholds.suspicious"] = SettingDiff{
				Path:         "scoring.thresholds.suspicious",
				DefaultValue: *dt.Suspicious,
				LocalValue:   *lt.Suspicious,
			}
		}
		if lt.HighRisk != nil && *lt.HighRisk != *dt.HighRisk {
			diffs["scoring.thresholds.high_risk"] = SettingDiff{
				Path:         "scoring.thresholds.high_risk",
				DefaultValue: *dt.HighRisk,
				LocalValue:   *lt.HighRisk,
			}
		}
	}

	if local.Whitelist.EnableMonitoringBypass != nil &&
		*local.Whitelist.EnableMonitoringBypass != *defaults.Whitelist.EnableMonitoringBypass {
		diffs["whitelist.enable_monitoring_bypass"] = SettingDiff{
			Path:         "whitelist.enable_monitoring_bypass",
			DefaultValue: *defaults.Whitelist.EnableMonitoringBypass,
			LocalValue:   *local.Whitelist.EnableMonitoringBypass,
		}
	}

	return diffs
}

// mergeSettings merges local settings over defaults
func mergeSettings(defaults, local Settings) Settings {
	merged := defaults

	if local.Detection.Enabled != nil {
		merged.Detection.Enabled = local.Detection.Enabled
	}
	if local.Scoring.Preset != nil {
		merged.Scoring.Preset = local.Scoring.Preset
	}

	if local.Scoring.Weights != nil {
		if merged.Scoring.Weights == nil {
			merged.Scoring.Weights = &WeightSettings{}
		} else {
			copied := *merged.Scoring.Weights
			merged.Scoring.Weights = &copied
		}
		lw := local.Scoring.Weights
		if lw.Fingerprint != nil {
			merged.Scoring.Weights.Fingerprint = lw.Fingerprint
		}
		if lw.Behavioral != nil {
			merged.Scoring.Weights.Behavioral = lw.Behavioral
		}
		if lw.Geographic != nil {
			merged.Scoring.Weights.Geographic = lw.Geographic
		}
		if lw.Reputation != nil {
			merged.Scoring.Weights.Reputation = lw.Reputation
		}
	}

	if local.Scoring.Thresholds != nil {
		if merged.Scoring.Thresholds == nil {
			merged.Scoring.Thresholds = &ThresholdSettings{}
		} else {
			copied := *merged.Scoring.Thresholds
			merged.Scoring.Thresholds = &copied
		}
		lt := local.Scoring.Thresholds
		if lt.Suspicious != nil {
			merged.Scoring.Thresholds.Suspicious = lt.Suspicious
		}
		if lt.HighRisk != nil {
			merged.Scoring.Thresholds.HighRisk = lt.HighRisk
		}
	}

	if local.Whitelist.EnableMonitoringBypass != nil {
		merged.Whitelist.EnableMonitoringBypass = local.Whitelist.EnableMonitoringBypass
	}

	return merged
}

// EffectiveScoring applies the merged settings over a base scoring config
// and returns the concrete values the scoring engine should run with.
func (s Settings) EffectiveScoring(base ScoringConfig) ScoringConfig {
	out := base
	if s.Scoring.Preset != nil {
		out.Preset = *s.Scoring.Preset
	}
	if w := s.Scoring.Weights; w != nil {
		if w.Fingerprint != nil {
			out.Weights.Fingerprint = *w.Fingerprint
		}
		if w.Behavioral != nil {
			out.Weights.Behavioral = *w.Behavioral
		}
		if w.Geographic != nil {
			out.Weights.Geographic = *w.Geographic
		}
		if w.Reputation != nil {
			out.Weights.Reputation = *w.Reputation
		}
	}
	if t := s.Scoring.Thresholds; t != nil {
		if t.Suspicious != nil {
			out.Thresholds.Suspicious = *t.Suspicious
		}
		if t.HighRisk != nil {
			out.Thresholds.HighRisk = *t.HighRisk
		}
	}
	return out
}
