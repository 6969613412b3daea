package engine

import (
	"context"
	"fmt"
	"time"

	"layengine/internal/betpipeline"
	"layengine/internal/config"
	"layengine/pkg/types"
)

// StateSnapshot is the read-only view of engine state consumed by the
// operator UI (spec §6 "State snapshot").
type StateSnapshot struct {
	Status            string                       `json:"status"`
	DryRun            bool                         `json:"dry_run"`
	Date              string                       `json:"date"`
	SessionID         string                       `json:"session_id"`
	SessionStart      time.Time                    `json:"session_start"`
	Countries         []string                     `json:"countries"`
	Config            config.StrategyConfig        `json:"config"`
	Balance           string                       `json:"balance"`
	BalanceAgeSeconds float64                      `json:"balance_age_seconds"`
	Summary           string                       `json:"summary"`
	NextRace          *NextRace                    `json:"next_race"`
	RecentBets        []types.BetRecord            `json:"recent_bets"`
	RecentResults     []types.BetRecord            `json:"recent_results"`
	Errors            []string                     `json:"errors"`
	TrackersSummary   map[types.TrackerState]int   `json:"trackers_summary"`
}

// ToggleDryRun flips dry_run. A mid-session flip takes effect on the
// very next bet submission (spec §4.7); already-recorded bets keep
// whatever mode they were placed under.
func (e *Engine) ToggleDryRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dryRun = !e.dryRun
	return e.dryRun
}

// DryRun reports the current dry-run flag.
func (e *Engine) DryRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dryRun
}

// SetProcessWindow sets strategy.process_window_minutes. m must be in
// [1,60] (spec §4.7); returns an error otherwise.
func (e *Engine) SetProcessWindow(m int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m < 1 || m > 60 {
		return fmt.Errorf("out_of_range")
	}
	e.strategy.ProcessWindowMinutes = m
	return nil
}

// SetPointValue sets strategy.point_value to one of the enumerated
// values (spec §4.7).
func (e *Engine) SetPointValue(v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !config.ValidPointValue(v) {
		return fmt.Errorf("invalid_value")
	}
	e.strategy.PointValue = v
	return nil
}

// SetCountries replaces strategy.countries. Must be a non-empty subset
// of the allowed jurisdictions (spec §4.7); takes effect on the next
// universe refresh.
func (e *Engine) SetCountries(countries []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(countries) == 0 {
		return fmt.Errorf("empty_set")
	}
	for _, cc := range countries {
		if !config.ValidCountry(cc) {
			return fmt.Errorf("invalid_country: %s", cc)
		}
	}
	e.strategy.Countries = countries
	return nil
}

// ToggleSpreadControl flips strategy.spread_control_enabled, effective
// next tick.
func (e *Engine) ToggleSpreadControl() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategy.SpreadControlEnabled = !e.strategy.SpreadControlEnabled
	return e.strategy.SpreadControlEnabled
}

// ToggleJOFS flips strategy.jofs_enabled, effective next tick.
func (e *Engine) ToggleJOFS() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategy.JOFSEnabled = !e.strategy.JOFSEnabled
	return e.strategy.JOFSEnabled
}

// ResetBets clears today's bets, evaluations, dedup sets, and trackers,
// forcing a fresh universe refresh next tick. The session itself is
// kept; its summary counters are zeroed (spec §4.7).
func (e *Engine) ResetBets() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.betsToday = nil
	e.evals = nil
	e.dedup.Reset()
	e.registry.Reset()
	e.agg = betpipeline.NewSessionAggregate()
	e.lastUniverseRefresh = time.Time{}
}

// StrategyConfig returns a copy of the current hot-swappable config.
func (e *Engine) StrategyConfig() config.StrategyConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// Snapshot renders the state-snapshot shape consumed by the operator UI
// (spec §6): status, dry_run, date, session identifiers, config,
// balance, summary, next_race, bounded recent bets/errors, and a
// per-tracker-state count.
func (e *Engine) Snapshot(ctx context.Context) StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	balance, balanceAge := e.balanceLocked(ctx)

	recentBets := e.betsToday
	if len(recentBets) > 200 {
		recentBets = recentBets[len(recentBets)-200:]
	}

	errs := make([]string, 0, len(e.errors))
	for _, er := range e.errors {
		errs = append(errs, er.At.Format("15:04:05")+" "+er.Message)
	}

	trackersSummary := make(map[types.TrackerState]int)
	for _, tr := range e.registry.All() {
		trackersSummary[tr.State]++
	}

	status := "STOPPED"
	if e.running {
		status = "RUNNING"
	}
	if e.authFailed {
		status = "AUTH_FAILED"
	}

	return StateSnapshot{
		Status:            status,
		DryRun:            e.dryRun,
		Date:              e.date,
		SessionID:         e.session.SessionID,
		SessionStart:      e.session.StartedAt,
		Countries:         e.strategy.Countries,
		Config:            e.strategy,
		Balance:           balance,
		BalanceAgeSeconds: balanceAge.Seconds(),
		Summary:           e.agg.Summary(),
		NextRace:          e.nextRace,
		RecentBets:        recentBets,
		RecentResults:     e.recentResultsLocked(),
		Errors:            errs,
		TrackersSummary:   trackersSummary,
	}
}

func (e *Engine) balanceLocked(ctx context.Context) (string, time.Duration) {
	bal, err := e.client.GetBalance(ctx)
	if err != nil {
		return "unavailable", e.client.BalanceAge()
	}
	return bal.StringFixed(2), e.client.BalanceAge()
}
