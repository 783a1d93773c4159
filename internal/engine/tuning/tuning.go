package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickIntervalMs int `yaml:"tick_interval_ms"`

	// Sample decay stages. A sample older than sample_fresh_ms no longer
	// counts for zone activity; a device silent past inactive_timeout_ms is
	// shown as inactive; past prune_timeout_ms it is removed entirely.
	SampleFreshMs     int `yaml:"sample_fresh_ms"`
	InactiveTimeoutMs int `yaml:"inactive_timeout_ms"`
	PruneTimeoutMs    int `yaml:"prune_timeout_ms"`

	DefaultMaxHeartRate int `yaml:"default_max_heart_rate"`
	ZoneHistoryCap      int `yaml:"zone_history_cap"`

	HysteresisMs int `yaml:"hysteresis_ms"`
	GraceSeconds int `yaml:"grace_seconds"`

	Challenge ChallengeTuning `yaml:"challenge"`
}

type ChallengeTuning struct {
	Enabled          bool    `yaml:"enabled"`
	MinIntervalS     int     `yaml:"min_interval_s"`
	MaxIntervalS     int     `yaml:"max_interval_s"`
	DurationS        int     `yaml:"duration_s"`
	ZonesAboveTarget int     `yaml:"zones_above_target"`
	FailGraceFactor  float64 `yaml:"fail_grace_factor"`
}

func Defaults() Tuning {
	return Tuning{
		TickIntervalMs:      2000,
		SampleFreshMs:       5000,
		InactiveTimeoutMs:   15000,
		PruneTimeoutMs:      120000,
		DefaultMaxHeartRate: 190,
		ZoneHistoryCap:      150,
		HysteresisMs:        500,
		GraceSeconds:        30,
		Challenge: ChallengeTuning{
			Enabled:          false,
			MinIntervalS:     180,
			MaxIntervalS:     420,
			DurationS:        45,
			ZonesAboveTarget: 1,
			FailGraceFactor:  0.5,
		},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t.sanitized(), nil
}

// sanitized clamps values that would break the tick loop. Bad knobs
// degrade to defaults instead of failing the session.
func (t Tuning) sanitized() Tuning {
	d := Defaults()
	if t.TickIntervalMs <= 0 {
		t.TickIntervalMs = d.TickIntervalMs
	}
	if t.SampleFreshMs <= 0 {
		t.SampleFreshMs = d.SampleFreshMs
	}
	if t.InactiveTimeoutMs < t.SampleFreshMs {
		t.InactiveTimeoutMs = d.InactiveTimeoutMs
	}
	if t.PruneTimeoutMs < t.InactiveTimeoutMs {
		t.PruneTimeoutMs = d.PruneTimeoutMs
	}
	if t.DefaultMaxHeartRate <= 0 {
		t.DefaultMaxHeartRate = d.DefaultMaxHeartRate
	}
	if t.ZoneHistoryCap <= 0 {
		t.ZoneHistoryCap = d.ZoneHistoryCap
	}
	if t.HysteresisMs < 0 {
		t.HysteresisMs = d.HysteresisMs
	}
	if t.GraceSeconds <= 0 {
		t.GraceSeconds = d.GraceSeconds
	}
	if t.Challenge.MinIntervalS <= 0 {
		t.Challenge.MinIntervalS = d.Challenge.MinIntervalS
	}
	if t.Challenge.MaxIntervalS < t.Challenge.MinIntervalS {
		t.Challenge.MaxIntervalS = t.Challenge.MinIntervalS
	}
	if t.Challenge.DurationS <= 0 {
		t.Challenge.DurationS = d.Challenge.DurationS
	}
	if t.Challenge.ZonesAboveTarget < 0 {
		t.Challenge.ZonesAboveTarget = 0
	}
	if t.Challenge.FailGraceFactor < 0 || t.Challenge.FailGraceFactor > 1 {
		t.Challenge.FailGraceFactor = d.Challenge.FailGraceFactor
	}
	return t
}
