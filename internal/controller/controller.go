package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autouam/autouam/internal/cloudflare"
	"github.com/autouam/autouam/internal/config"
	"github.com/autouam/autouam/internal/monitor"
	"github.com/autouam/autouam/internal/state"
)

// Actuator is the remote security-level interface the controller drives.
// Implemented by cloudflare.Client.
type Actuator interface {
	VerifyCredentials(ctx context.Context) error
	GetSecurityLevel(ctx context.Context) (cloudflare.Level, error)
	SetSecurityLevel(ctx context.Context, target cloudflare.Level) error
}

// LoadSource yields the normalized host load for one decision point.
// Implemented by monitor.Sampler, which also feeds the baseline window as a
// side effect of every call.
type LoadSource interface {
	NormalizedLoad(ctx context.Context) (float64, error)
}

// TickResult is the structured outcome of one control tick. Failures within
// a tick are converted into a result rather than propagated; the control
// loop never terminates the process over a single bad tick.
type TickResult struct {
	Action         Action
	Reason         string
	NormalizedLoad float64
	Err            error
}

// Controller runs the feedback loop that toggles Under Attack Mode based on
// host load. It is driven externally at a fixed cadence; a mutex serializes
// ticks against manual overrides so every decision sees a consistent
// snapshot of state and baseline.
type Controller struct {
	cfg      *config.Config
	sampler  LoadSource
	baseline *monitor.Baseline
	store    *state.Store
	actuator Actuator
	logger   *zap.Logger
	clock    monitor.Clock

	mu           sync.Mutex
	degraded     string
	regularLevel cloudflare.Level
}

// New creates a Controller. The configuration must already be validated.
func New(cfg *config.Config, sampler LoadSource, baseline *monitor.Baseline,
	store *state.Store, actuator Actuator, logger *zap.Logger, clock monitor.Clock) *Controller {
	regular, err := cloudflare.ParseLevel(cfg.Security.RegularMode)
	if err != nil {
		// Validate() rejects unknown levels before we get here.
		regular = cloudflare.LevelMedium
	}
	return &Controller{
		cfg:          cfg,
		sampler:      sampler,
		baseline:     baseline,
		store:        store,
		actuator:     actuator,
		logger:       logger,
		clock:        clock,
		regularLevel: regular,
	}
}

// Initialize verifies credentials and remote reachability. A failure marks
// the controller degraded and returns false; it is never process-fatal, the
// host process decides what to do with an unhealthy controller.
func (c *Controller) Initialize(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.actuator.VerifyCredentials(ctx); err != nil {
		c.degraded = fmt.Sprintf("credential verification failed: %v", err)
		c.logger.Warn("Credential verification failed", zap.Error(err))
		return false
	}

	level, err := c.actuator.GetSecurityLevel(ctx)
	if err != nil {
		c.degraded = fmt.Sprintf("security level query failed: %v", err)
		c.logger.Warn("Security level query failed", zap.Error(err))
		return false
	}

	c.degraded = ""
	c.logger.Info("Controller initialized",
		zap.String("current_level", string(level)),
		zap.String("regular_level", string(c.regularLevel)))
	return true
}

// CheckAndAct runs one full tick: sample, refresh the baseline if due,
// evaluate, actuate when a transition is called for, and persist. State is
// only persisted as transitioned after the remote actuation succeeded.
func (c *Controller) CheckAndAct(ctx context.Context) TickResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	normalized, err := c.sampler.NormalizedLoad(ctx)
	if err != nil {
		// Transient: keep prior state, skip any load-dependent action.
		c.logger.Warn("Load sample unavailable, skipping tick", zap.Error(err))
		return TickResult{Action: ActionNone, Reason: "load sample unavailable", Err: err}
	}

	t := c.cfg.Monitoring.LoadThresholds
	if c.baseline.ShouldRecalculate(t.BaselineUpdateInterval.Duration) {
		c.baseline.Recalculate(t.BaselineWindow.Duration)
	}

	st := c.store.Load()
	baseVal, hasBase := c.baseline.Value()

	decision := Decide(DecisionInput{
		NormalizedLoad: normalized,
		Baseline:       baseVal,
		HasBaseline:    hasBase,
		IsEnabled:      st.IsEnabled,
		EnabledAt:      st.EnabledAt,
		Now:            c.clock.Now(),
	}, c.cfg.Monitoring)

	switch decision.Action {
	case ActionEnable:
		if err := c.actuator.SetSecurityLevel(ctx, cloudflare.LevelUnderAttack); err != nil {
			return c.actuationFailure(decision, normalized, err)
		}
		c.persist(true, normalized, decision)
		c.logger.Info("Under Attack Mode enabled",
			zap.Float64("normalized_load", normalized),
			zap.String("reason", decision.Reason))

	case ActionDisable:
		if err := c.actuator.SetSecurityLevel(ctx, c.regularLevel); err != nil {
			return c.actuationFailure(decision, normalized, err)
		}
		c.persist(false, normalized, decision)
		c.logger.Info("Under Attack Mode disabled",
			zap.Float64("normalized_load", normalized),
			zap.String("reason", decision.Reason))

	default:
		c.persist(st.IsEnabled, normalized, decision)
	}

	return TickResult{
		Action:         decision.Action,
		Reason:         decision.Reason,
		NormalizedLoad: normalized,
	}
}

// actuationFailure converts a failed remote call into a tick result without
// touching persisted state: the transition did not happen remotely, so it
// must not be recorded locally.
func (c *Controller) actuationFailure(d Decision, normalized float64, err error) TickResult {
	kind := "network"
	var authErr *cloudflare.AuthError
	var rateErr *cloudflare.RateLimitError
	var apiErr *cloudflare.APIError
	switch {
	case errors.As(err, &authErr):
		kind = "auth"
	case errors.As(err, &rateErr):
		kind = "rate_limit"
	case errors.As(err, &apiErr):
		kind = "api"
	}
	c.logger.Error("Actuation failed, state unchanged",
		zap.String("intended_action", d.Action.String()),
		zap.String("error_kind", kind),
		zap.Error(err))
	return TickResult{
		Action:         ActionNone,
		Reason:         fmt.Sprintf("actuation failed (%s): %s", kind, d.Reason),
		NormalizedLoad: normalized,
		Err:            err,
	}
}

func (c *Controller) persist(enabled bool, normalized float64, d Decision) {
	// Persistence failures degrade to memory-only state; already logged
	// by the store.
	c.store.Update(enabled, normalized, d.Threshold, d.Reason)
}

// EnableUAM is the manual override: it skips threshold evaluation but still
// actuates remotely and persists identically to an automatic transition.
func (c *Controller) EnableUAM(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.actuator.SetSecurityLevel(ctx, cloudflare.LevelUnderAttack); err != nil {
		return fmt.Errorf("enabling UAM: %w", err)
	}

	c.store.Update(true, c.overrideLoad(ctx), 0, reason)
	c.logger.Info("Under Attack Mode enabled manually", zap.String("reason", reason))
	return nil
}

// ErrDwellNotElapsed is returned by DisableUAM when the minimum dwell time
// has not passed and the bypass flag is off.
var ErrDwellNotElapsed = errors.New("minimum UAM duration has not elapsed")

// DisableUAM is the manual override for disabling. It honors the minimum
// dwell time unless monitoring.manual_disable_bypasses_dwell is set.
func (c *Controller) DisableUAM(ctx context.Context, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Monitoring.ManualDisableBypassesDwell {
		st := c.store.Load()
		if st.IsEnabled && st.EnabledAt != nil {
			dwell := c.clock.Now().Sub(*st.EnabledAt)
			if dwell < c.cfg.Monitoring.MinimumUAMDuration.Duration {
				return fmt.Errorf("%w: %s of %s", ErrDwellNotElapsed,
					dwell.Round(time.Second), c.cfg.Monitoring.MinimumUAMDuration.Duration)
			}
		}
	}

	if err := c.actuator.SetSecurityLevel(ctx, c.regularLevel); err != nil {
		return fmt.Errorf("disabling UAM: %w", err)
	}

	c.store.Update(false, c.overrideLoad(ctx), 0, reason)
	c.logger.Info("Under Attack Mode disabled manually", zap.String("reason", reason))
	return nil
}

// overrideLoad samples the host for a manual override record. When sampling
// fails the last persisted load is carried forward so the override does not
// record a bogus zero.
func (c *Controller) overrideLoad(ctx context.Context) float64 {
	normalized, err := c.sampler.NormalizedLoad(ctx)
	if err != nil {
		prev := c.store.Load()
		c.logger.Warn("Load sample unavailable during manual override, keeping last known load",
			zap.Float64("load_average", prev.LoadAverage),
			zap.Error(err))
		return prev.LoadAverage
	}
	return normalized
}

// Status returns a read-only snapshot of the persisted control state.
func (c *Controller) Status() state.State {
	return c.store.Snapshot()
}

// DegradedReason returns why the controller considers itself unhealthy, or
// empty when the last Initialize succeeded.
func (c *Controller) DegradedReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}
