package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/autouam/autouam/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	cfg := config.DefaultConfig().Monitoring
	cfg.LoadThresholds.Upper = 2.0
	cfg.LoadThresholds.Lower = 1.0
	cfg.MinimumUAMDuration = config.Duration{Duration: 300 * time.Second}
	return cfg
}

func TestDecideAbsoluteThresholds(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	enabledLongAgo := now.Add(-time.Hour)

	tests := []struct {
		name      string
		load      float64
		isEnabled bool
		enabledAt *time.Time
		want      Action
	}{
		{"disabled_low_load", 0.5, false, nil, ActionNone},
		{"disabled_at_threshold", 2.0, false, nil, ActionNone},
		{"disabled_above_threshold", 3.0, false, nil, ActionEnable},
		{"enabled_high_load", 3.0, true, &enabledLongAgo, ActionNone},
		{"enabled_between_thresholds", 1.5, true, &enabledLongAgo, ActionNone},
		{"enabled_at_lower", 1.0, true, &enabledLongAgo, ActionNone},
		{"enabled_below_lower", 0.5, true, &enabledLongAgo, ActionDisable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(DecisionInput{
				NormalizedLoad: tt.load,
				IsEnabled:      tt.isEnabled,
				EnabledAt:      tt.enabledAt,
				Now:            now,
			}, testMonitoringConfig())
			assert.Equal(t, tt.want, d.Action)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecideDwellTime(t *testing.T) {
	cfg := testMonitoringConfig()
	enabledAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Load already below the lower threshold, but the dwell time rules.
	in := DecisionInput{
		NormalizedLoad: 0.5,
		IsEnabled:      true,
		EnabledAt:      &enabledAt,
	}

	in.Now = enabledAt.Add(100 * time.Second)
	d := Decide(in, cfg)
	assert.Equal(t, ActionNone, d.Action, "dwell not elapsed at T+100")
	assert.Contains(t, d.Reason, "minimum UAM duration")

	in.Now = enabledAt.Add(299 * time.Second)
	assert.Equal(t, ActionNone, Decide(in, cfg).Action, "dwell not elapsed at T+299")

	in.Now = enabledAt.Add(301 * time.Second)
	d = Decide(in, cfg)
	assert.Equal(t, ActionDisable, d.Action, "eligible after dwell at T+301")
}

func TestDecideRelativeThresholds(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.LoadThresholds.UseRelative = true
	cfg.LoadThresholds.RelativeUpperMultiplier = 2.0
	cfg.LoadThresholds.RelativeLowerMultiplier = 1.5

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Baseline 1.2 → effective upper 2.4.
	d := Decide(DecisionInput{
		NormalizedLoad: 2.2,
		Baseline:       1.2,
		HasBaseline:    true,
		Now:            now,
	}, cfg)
	assert.Equal(t, ActionNone, d.Action)
	assert.Contains(t, d.Reason, "relative")

	d = Decide(DecisionInput{
		NormalizedLoad: 2.5,
		Baseline:       1.2,
		HasBaseline:    true,
		Now:            now,
	}, cfg)
	assert.Equal(t, ActionEnable, d.Action)
	assert.InDelta(t, 2.4, d.Threshold, 1e-9)
}

func TestDecideRelativeFallsBackWithoutBaseline(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.LoadThresholds.UseRelative = true

	d := Decide(DecisionInput{
		NormalizedLoad: 2.5,
		HasBaseline:    false,
		Now:            time.Now(),
	}, cfg)
	assert.Equal(t, ActionEnable, d.Action)
	assert.Contains(t, d.Reason, "absolute", "absolute thresholds apply while baseline is absent")
}

func TestDecideEnableWithoutEnabledAtDisablesPastDwell(t *testing.T) {
	// Enabled state with no EnabledAt timestamp (legacy or hand-edited
	// state file): the dwell guard cannot apply, so low load disables.
	cfg := testMonitoringConfig()
	d := Decide(DecisionInput{
		NormalizedLoad: 0.5,
		IsEnabled:      true,
		EnabledAt:      nil,
		Now:            time.Now(),
	}, cfg)
	assert.Equal(t, ActionDisable, d.Action)
}
