// Package controller orchestrates one control tick: sample load, observe the
// baseline, evaluate thresholds against persisted state, actuate the remote
// security level, and persist the outcome.
package controller

import (
	"fmt"
	"time"

	"github.com/autouam/autouam/internal/config"
)

// Action is the outcome of a threshold evaluation.
type Action int

const (
	ActionNone Action = iota
	ActionEnable
	ActionDisable
)

func (a Action) String() string {
	switch a {
	case ActionEnable:
		return "enable"
	case ActionDisable:
		return "disable"
	default:
		return "none"
	}
}

// Decision is the result of evaluating one tick's load against the
// configured thresholds.
type Decision struct {
	Action Action
	Reason string
	// Threshold is the effective threshold value the decision compared
	// against; recorded in the persisted state.
	Threshold float64
}

// DecisionInput carries everything Decide needs. Decide itself is pure: it
// reads no clocks and mutates nothing.
type DecisionInput struct {
	NormalizedLoad float64
	Baseline       float64
	HasBaseline    bool
	IsEnabled      bool
	EnabledAt      *time.Time
	Now            time.Time
}

// Decide applies hysteresis thresholding to the current normalized load.
//
// When UAM is disabled, only the upper threshold matters; when enabled, the
// lower threshold applies and never before the minimum dwell time has
// elapsed since EnabledAt. The enable and disable branches are mutually
// exclusive on IsEnabled, so no tie-break is needed.
func Decide(in DecisionInput, cfg config.MonitoringConfig) Decision {
	t := cfg.LoadThresholds
	relative := t.UseRelative && in.HasBaseline

	upper := t.Upper
	lower := t.Lower
	kind := "absolute"
	if relative {
		upper = in.Baseline * t.RelativeUpperMultiplier
		lower = in.Baseline * t.RelativeLowerMultiplier
		kind = "relative"
	}

	if !in.IsEnabled {
		if in.NormalizedLoad > upper {
			return Decision{
				Action:    ActionEnable,
				Threshold: upper,
				Reason: fmt.Sprintf("normalized load %.2f above %s upper threshold %.2f",
					in.NormalizedLoad, kind, upper),
			}
		}
		return Decision{
			Action:    ActionNone,
			Threshold: upper,
			Reason: fmt.Sprintf("normalized load %.2f within %s upper threshold %.2f",
				in.NormalizedLoad, kind, upper),
		}
	}

	// Anti-flap: once enabled, UAM stays on for the minimum dwell time
	// no matter how far load has dropped.
	if in.EnabledAt != nil {
		dwell := in.Now.Sub(*in.EnabledAt)
		if dwell < cfg.MinimumUAMDuration.Duration {
			return Decision{
				Action:    ActionNone,
				Threshold: lower,
				Reason: fmt.Sprintf("minimum UAM duration not reached (%s of %s)",
					dwell.Round(time.Second), cfg.MinimumUAMDuration.Duration),
			}
		}
	}

	if in.NormalizedLoad < lower {
		return Decision{
			Action:    ActionDisable,
			Threshold: lower,
			Reason: fmt.Sprintf("normalized load %.2f below %s lower threshold %.2f",
				in.NormalizedLoad, kind, lower),
		}
	}

	return Decision{
		Action:    ActionNone,
		Threshold: lower,
		Reason: fmt.Sprintf("normalized load %.2f still above %s lower threshold %.2f",
			in.NormalizedLoad, kind, lower),
	}
}
