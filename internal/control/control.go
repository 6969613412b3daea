// Package control implements the operator RPC surface of spec §4.7: a
// single Controller owns one *engine.Engine and translates each named
// operation into a call on it, returning the uniform {status, message?,
// new_value?} envelope spec §6 describes. Its callers are internal/api and
// cmd/layengine (which builds it and starts and stops the engine through
// it); nothing in this package touches net/http.
package control

import (
	"context"
	"sync"

	"layengine/internal/engine"
)

// Result is the uniform response envelope for every control operation
// (spec §6 "Control operations").
type Result struct {
	Status   string      `json:"status"`
	Message  string      `json:"message,omitempty"`
	NewValue interface{} `json:"new_value,omitempty"`
}

func ok(newValue interface{}) Result {
	return Result{Status: "ok", NewValue: newValue}
}

func fail(message string) Result {
	return Result{Status: "error", Message: message}
}

// Controller is the sole owner of one engine instance (spec §9 "reframe
// as an explicit value, not a module singleton"). Every method is atomic
// with respect to the scheduler tick, since each delegates straight into
// an Engine method that itself holds the engine's single mutex for its
// duration.
type Controller struct {
	mu             sync.Mutex
	eng            *engine.Engine
	hasCredentials bool
}

// New wraps eng. hasCredentials reflects whether exchange credentials
// were present at process start (spec §4.7 start() precondition).
func New(eng *engine.Engine, hasCredentials bool) *Controller {
	return &Controller{eng: eng, hasCredentials: hasCredentials}
}

// Start is idempotent. Fails with "not_authenticated" if exchange
// credentials are absent (spec §4.7).
func (c *Controller) Start() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasCredentials {
		return fail("not_authenticated")
	}
	c.eng.Start()
	return ok(nil)
}

// Stop is idempotent; signals the scheduler to drain and halt.
func (c *Controller) Stop() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eng.Stop()
	return ok(nil)
}

// ToggleDryRun flips dry_run, effective on the very next submission.
func (c *Controller) ToggleDryRun() Result {
	return ok(c.eng.ToggleDryRun())
}

// SetProcessWindow sets strategy.process_window_minutes, m ∈ [1,60].
func (c *Controller) SetProcessWindow(m int) Result {
	if err := c.eng.SetProcessWindow(m); err != nil {
		return fail("out_of_range")
	}
	return ok(m)
}

// SetPointValue sets strategy.point_value to an enumerated value.
func (c *Controller) SetPointValue(v float64) Result {
	if err := c.eng.SetPointValue(v); err != nil {
		return fail("invalid_value")
	}
	return ok(v)
}

// SetCountries replaces strategy.countries with a non-empty allowed subset.
func (c *Controller) SetCountries(countries []string) Result {
	if len(countries) == 0 {
		return fail("empty_set")
	}
	if err := c.eng.SetCountries(countries); err != nil {
		return fail("empty_set")
	}
	return ok(countries)
}

// ToggleSpreadControl flips strategy.spread_control_enabled.
func (c *Controller) ToggleSpreadControl() Result {
	return ok(c.eng.ToggleSpreadControl())
}

// ToggleJOFS flips strategy.jofs_enabled.
func (c *Controller) ToggleJOFS() Result {
	return ok(c.eng.ToggleJOFS())
}

// ResetBets clears today's bets, evaluations, dedup sets, and trackers.
func (c *Controller) ResetBets() Result {
	c.eng.ResetBets()
	return ok(nil)
}

// Snapshot renders the spec §6 state-snapshot shape.
func (c *Controller) Snapshot(ctx context.Context) engine.StateSnapshot {
	return c.eng.Snapshot(ctx)
}

// IsRunning reports whether the scheduler tick loop is active.
func (c *Controller) IsRunning() bool {
	return c.eng.IsRunning()
}
