package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LeagueProfile is a per-league deployment profile. Leagues differ in how
// quickly games settle and how trustworthy each feed is, so the consensus
// and polling knobs are tuned per league rather than globally.
type LeagueProfile struct {
	Name      string          `yaml:"name" json:"name"`
	Code      string          `yaml:"code" json:"code"`
	Sources   SourcesConfig   `yaml:"sources" json:"sources"`
	Consensus ConsensusConfig `yaml:"consensus" json:"consensus"`
	Polling   PollingConfig   `yaml:"polling" json:"polling"`
}

// SourcesConfig holds per-league source trust and budget overrides.
type SourcesConfig struct {
	StatsFeedWeight float64 `yaml:"statsfeed_weight" json:"statsfeed_weight"`
	LeagueAPIWeight float64 `yaml:"league_api_weight" json:"league_api_weight"`
	StatsFeedRPM    int     `yaml:"statsfeed_rpm,omitempty" json:"statsfeed_rpm,omitempty"`
	LeagueAPIRPM    int     `yaml:"league_api_rpm,omitempty" json:"league_api_rpm,omitempty"`
}

// ConsensusConfig holds per-league agreement thresholds.
type ConsensusConfig struct {
	ApprovalThreshold  float64 `yaml:"approval_threshold" json:"approval_threshold"`
	StalenessHorizonMs int     `yaml:"staleness_horizon_ms" json:"staleness_horizon_ms"`
}

// PollingConfig controls how often tracked games are re-checked.
type PollingConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"interval_ms"`
}

// LoadProfile loads a league profile YAML by league code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*LeagueProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile LeagueProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*LeagueProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*LeagueProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile LeagueProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_nhl.yaml -> nhl
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Apply overlays the profile's non-zero values onto cfg. Environment
// variables win over profile values only where the profile leaves a field
// unset, so a profile is a complete league baseline, not a patch.
func (p *LeagueProfile) Apply(cfg *Config) {
	if p.Sources.StatsFeedWeight > 0 {
		cfg.StatsFeedWeight = p.Sources.StatsFeedWeight
	}
	if p.Sources.LeagueAPIWeight > 0 {
		cfg.LeagueAPIWeight = p.Sources.LeagueAPIWeight
	}
	if p.Sources.StatsFeedRPM > 0 {
		cfg.StatsFeedRPM = p.Sources.StatsFeedRPM
	}
	if p.Sources.LeagueAPIRPM > 0 {
		cfg.LeagueAPIRPM = p.Sources.LeagueAPIRPM
	}
	if p.Consensus.ApprovalThreshold > 0 {
		cfg.ApprovalThreshold = p.Consensus.ApprovalThreshold
	}
	if p.Consensus.StalenessHorizonMs > 0 {
		cfg.StalenessHorizon = time.Duration(p.Consensus.StalenessHorizonMs) * time.Millisecond
	}
	if p.Polling.IntervalMs > 0 {
		cfg.PollInterval = time.Duration(p.Polling.IntervalMs) * time.Millisecond
	}
}
