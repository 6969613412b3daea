// Package engine is the scheduler that drives one trading day end to
// end: day rollover, universe refresh, cohort partitioning, parallel
// book fetch, rule evaluation, and serial bet submission (spec §4.4).
//
// Concurrency model (spec §5): the engine is single-threaded with
// respect to its own state — a single mutex (mu) is held for the
// duration of each tick and by every control-surface mutation, so
// writers never interleave. Inside a tick, book fetches fan out across
// a bounded worker pool (golang.org/x/sync/errgroup, limit 8) before any
// engine state is touched; everything downstream of the fetch runs
// serially again. This generalizes the teacher's goroutine-per-market
// Engine.Start/Stop/manageMarkets into one ticker loop with cohort
// partitioning in place of per-market goroutine lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"layengine/internal/betpipeline"
	"layengine/internal/config"
	"layengine/internal/exchange"
	"layengine/internal/market"
	"layengine/internal/rules"
	"layengine/internal/store"
	"layengine/pkg/types"
)

const (
	universeRefreshMinPeriod = 5 * time.Minute
	hotFlushPeriod           = 150 * time.Second
	tickDrainCap             = 10 * time.Second
	maxErrorsRing            = 50
	maxRecentResultsRing     = 200
	bookFetchConcurrency     = 8
	clearedReconcilePeriod   = 1 * time.Hour
)

// NextRace summarizes the soonest IN_WINDOW or MONITORING market, for
// the state snapshot's `next_race` field (spec §6).
type NextRace struct {
	MarketID     string  `json:"market_id"`
	MarketName   string  `json:"market_name"`
	MinutesToOff float64 `json:"minutes_to_off"`
}

// Engine owns the full mutable state of one trading day. It is
// constructed once in main (spec §9 "reframe as an explicit value, not a
// module singleton") and handed to the control surface, which owns it.
type Engine struct {
	client   *exchange.Client
	pipeline *betpipeline.Pipeline
	registry *market.Registry
	store    *store.Store
	logger   *slog.Logger

	mu        sync.Mutex
	strategy  config.StrategyConfig
	dryRun    bool
	dedup     *betpipeline.DedupSets
	agg       *betpipeline.SessionAggregate
	session   types.Session
	sessions  []types.Session
	betsToday     []types.BetRecord
	evals         []types.RuleDecision
	errors        []errorEntry
	date          string
	nextRace      *NextRace

	lastUniverseRefresh  time.Time
	lastClearedReconcile time.Time

	running    bool
	authFailed bool
	cancel     context.CancelFunc
	done       chan struct{}
}

type errorEntry struct {
	At      time.Time
	Message string
}

// New constructs an Engine. strategy and dryRun are the initial values;
// both are thereafter only mutated through the control-surface setters.
func New(client *exchange.Client, pipeline *betpipeline.Pipeline, st *store.Store, strategy config.StrategyConfig, dryRun bool, logger *slog.Logger) *Engine {
	return &Engine{
		client:   client,
		pipeline: pipeline,
		registry: market.NewRegistry(),
		store:    st,
		logger:   logger.With("component", "engine"),
		strategy: strategy,
		dryRun:   dryRun,
		dedup:    betpipeline.NewDedupSets(),
		agg:      betpipeline.NewSessionAggregate(),
	}
}

// Restore seeds the engine from a previously persisted state document
// (spec §4.6 "Recovery on start"). If the loaded session was RUNNING
// when the process last exited, it's marked CRASHED before a new
// session is created — the caller is expected to call Restore once,
// before Start.
func (e *Engine) Restore(doc *store.StateDocument, today string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if doc == nil {
		e.startNewSessionLocked(today, now)
		return
	}

	if doc.Session.Status == types.SessionRunning {
		doc.Session.Status = types.SessionCrashed
		doc.Session.EndedAt = now
		doc.SessionsIndex = append(doc.SessionsIndex, doc.Session)
	}
	e.sessions = doc.SessionsIndex

	if doc.Date != today {
		e.startNewSessionLocked(today, now)
		return
	}

	e.date = today
	e.betsToday = doc.BetsToday
	e.evals = doc.EvaluationsToday
	for id, td := range doc.Trackers {
		tr := market.NewTracker(types.Market{MarketID: id}, now)
		tr.State = td.State
		tr.SkipReason = td.SkipReason
		tr.Snapshots = td.Snapshots
		e.registry.Put(tr)
	}
	e.dedup.Import(doc.DedupRunners, doc.DedupSelections)
	e.session = types.Session{
		SessionID: uuid.NewString(),
		Date:      today,
		StartedAt: now,
		Status:    types.SessionRunning,
	}
}

func (e *Engine) startNewSessionLocked(today string, now time.Time) {
	e.date = today
	e.registry.Reset()
	e.dedup.Reset()
	e.betsToday = nil
	e.evals = nil
	e.agg = betpipeline.NewSessionAggregate()
	e.session = types.Session{
		SessionID: uuid.NewString(),
		Date:      today,
		StartedAt: now,
		Status:    types.SessionRunning,
	}
}

// Start launches the tick loop at strategy.PollIntervalSeconds. Returns
// immediately; the loop runs in its own goroutine until Stop is called.
// Idempotent: calling Start while already running is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	if e.date == "" {
		e.startNewSessionLocked(time.Now().UTC().Format("2006-01-02"), time.Now().UTC())
	}

	e.authFailed = false
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	interval := time.Duration(e.strategy.PollIntervalSeconds) * time.Second

	go e.loop(ctx, interval)
}

func (e *Engine) loop(ctx context.Context, interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Stop signals the scheduler to drain in-flight book fetches (≤10s) and
// halt. Idempotent. Marks the session STOPPED and flushes state.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	done := e.done
	e.running = false
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(tickDrainCap):
	}

	e.mu.Lock()
	e.session.Status = types.SessionStopped
	e.session.EndedAt = time.Now().UTC()
	e.mu.Unlock()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	e.flush(flushCtx)
}

// IsRunning reports whether the tick loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// tick runs the seven steps of spec §4.4 under the engine's single
// logical mutex.
func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	today := now.Format("2006-01-02")

	// Reset the once-per-tick reauthentication gate (spec §4.4 "Shared
	// resources" / §7: at most one reauth attempt per tick).
	e.client.BeginTick()

	// 1. Day rollover.
	if e.date != today {
		prev := e.session
		prev.Status = types.SessionStopped
		prev.EndedAt = now
		e.sessions = append(e.sessions, prev)
		e.startNewSessionLocked(today, now)
	}

	// 2. Universe refresh, at most every 5 minutes.
	if e.lastUniverseRefresh.IsZero() || now.Sub(e.lastUniverseRefresh) >= universeRefreshMinPeriod {
		markets, err := e.client.ListWinMarkets(ctx, now, e.strategy.Countries)
		if err != nil {
			if !e.handleAuthFailureLocked(err) {
				e.recordErrorLocked(fmt.Sprintf("list win markets: %v", err))
			}
		} else {
			discovered := e.registry.Merge(markets, now)
			e.lastUniverseRefresh = now
			if discovered > 0 {
				e.logger.Info("universe refreshed", "discovered", discovered)
			}
		}
	}
	if e.authFailed {
		return
	}

	// 3. Partition into cohorts.
	cohorts := e.registry.Partition(now, e.strategy.ProcessWindowMinutes)

	// 4. IN_WINDOW: parallel book fetch, then serial evaluate+submit.
	e.processInWindow(ctx, cohorts.InWindow, now)
	if e.authFailed {
		return
	}

	// 5. MONITORING: parallel book fetch, append snapshot if due.
	e.processMonitoring(ctx, cohorts.Monitoring, now)
	if e.authFailed {
		return
	}

	// 6. EXPIRY: transition to EXPIRED.
	for _, tr := range cohorts.Expiry {
		tr.Expire()
	}

	// Reconcile settled bets against listClearedOrders at a low frequency
	// (spec §10 "Cleared-bet reconciliation" supplement).
	if e.lastClearedReconcile.IsZero() || now.Sub(e.lastClearedReconcile) >= clearedReconcilePeriod {
		e.reconcileClearedLocked(ctx, now)
		e.lastClearedReconcile = now
	}

	// 7. Publish next_race, flush if due.
	e.updateNextRaceLocked(now)
	if e.store != nil && e.store.ShouldFlush(hotFlushPeriod) {
		e.flushLocked(ctx)
	}
}

// handleAuthFailureLocked checks err for an unresolved session-auth
// failure — one that survived the client's own once-per-tick reauth
// attempt (spec §4.4/§7) — and, if found, stops the scheduler and marks
// the engine AUTH_FAILED. Returns whether err was an auth failure, so
// callers can skip their own generic error-logging for it.
func (e *Engine) handleAuthFailureLocked(err error) bool {
	if !errors.Is(err, exchange.ErrAuth) {
		return false
	}
	e.authFailed = true
	e.recordErrorLocked(fmt.Sprintf("session re-authentication failed, stopping scheduler: %v", err))
	e.logger.Error("auth failure persisted past reauth attempt, stopping scheduler", "error", err)
	e.stopLocked()
	return true
}

// stopLocked halts the tick loop from inside a locked context (the
// running tick itself). Unlike Stop, it neither waits on the loop
// goroutine nor flushes — the caller is that goroutine.
func (e *Engine) stopLocked() {
	if !e.running {
		return
	}
	e.running = false
	if e.cancel != nil {
		e.cancel()
	}
	e.session.Status = types.SessionStopped
	e.session.EndedAt = time.Now().UTC()
}

func (e *Engine) processInWindow(ctx context.Context, trackers []*market.Tracker, now time.Time) {
	if len(trackers) == 0 {
		return
	}
	books, authErr := e.fetchBooksParallel(ctx, trackers)
	if e.handleAuthFailureLocked(authErr) {
		return
	}

	for _, tr := range trackers {
		tr.EnterWindow()

		book, ok := books[tr.MarketID]
		if !ok {
			// Malformed/unreachable: treated as empty for this market,
			// retried next tick (spec §7).
			continue
		}
		if book.InPlay {
			tr.Skip("in_play_before_window")
			continue
		}

		e.agg.MarketProcessed()
		decision := rules.Evaluate(tr.Market, *book, e.strategy)
		e.recordEvaluationLocked(decision)

		if decision.Reason == "max_odds_exceeded" {
			tr.Skip(decision.Reason)
			continue
		}

		if decision.Reason == "spread" || strings.Contains(decision.Reason, "spread_rejected") {
			e.agg.RecordSpreadRejection()
		}
		if strings.Contains(decision.Reason, "jofs_split") {
			e.agg.RecordJOFSSplit()
		}

		for _, instr := range decision.Instructions {
			rec := e.pipeline.Submit(ctx, instr, tr.Market, e.dryRun, e.dedup, e.agg)
			if rec != nil {
				e.betsToday = append(e.betsToday, *rec)
			}
		}
		tr.MarkProcessed(now)
	}
}

func (e *Engine) processMonitoring(ctx context.Context, trackers []*market.Tracker, now time.Time) {
	if len(trackers) == 0 {
		return
	}
	books, authErr := e.fetchBooksParallel(ctx, trackers)
	if e.handleAuthFailureLocked(authErr) {
		return
	}
	for _, tr := range trackers {
		book, ok := books[tr.MarketID]
		if !ok {
			continue
		}
		tr.AddSnapshot(types.OddsSnapshot{TakenAt: now, Runners: book.Runners})
	}
}

// fetchBooksParallel issues book fetches across a bounded worker pool
// (spec §5: ≤8 concurrent). A failed fetch is logged and omitted from
// the result map rather than aborting its siblings — except a session
// auth failure, which every goroutine folds into a single shared
// authErr for the caller to act on once, back on the tick goroutine
// (spec §4.4/§7 "second failure transitions status to AUTH_FAILED").
func (e *Engine) fetchBooksParallel(ctx context.Context, trackers []*market.Tracker) (map[string]*types.MarketBook, error) {
	results := make(map[string]*types.MarketBook, len(trackers))
	var resultsMu sync.Mutex
	var authErr error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bookFetchConcurrency)

	for _, tr := range trackers {
		tr := tr
		g.Go(func() error {
			book, err := e.client.GetBookFull(gctx, tr.MarketID, 3)
			if err != nil {
				resultsMu.Lock()
				if errors.Is(err, exchange.ErrAuth) {
					if authErr == nil {
						authErr = err
					}
				} else {
					e.logger.Warn("book fetch failed", "market", tr.MarketID, "error", err)
					e.recordErrorLocked(fmt.Sprintf("book fetch %s: %v", tr.MarketID, err))
				}
				resultsMu.Unlock()
				return nil
			}
			resultsMu.Lock()
			results[tr.MarketID] = book
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, authErr
}

// reconcileClearedLocked pulls today's settled bets and stamps matching
// BetRecords with their outcome, populating the `recent_results` field
// of the state snapshot (spec §6; producer supplied in SPEC_FULL.md §10,
// since the distillation names the field but never wires a caller).
func (e *Engine) reconcileClearedLocked(ctx context.Context, now time.Time) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cleared, err := e.client.ListCleared(ctx, dayStart, now)
	if err != nil {
		if !e.handleAuthFailureLocked(err) {
			e.recordErrorLocked(fmt.Sprintf("list cleared: %v", err))
		}
		return
	}

	byBetID := make(map[string]exchange.ClearedBet, len(cleared))
	for _, c := range cleared {
		byBetID[c.BetID] = c
	}

	for i := range e.betsToday {
		rec := &e.betsToday[i]
		if rec.BetfairBetID == "" || rec.SettledOutcome != "" {
			continue
		}
		if c, ok := byBetID[rec.BetfairBetID]; ok {
			rec.SettledOutcome = c.Outcome
			rec.SettledAt = c.SettledDate
		}
	}
}

func (e *Engine) recentResultsLocked() []types.BetRecord {
	results := make([]types.BetRecord, 0, len(e.betsToday))
	for _, rec := range e.betsToday {
		if rec.IsSettled() {
			results = append(results, rec)
		}
	}
	if len(results) > maxRecentResultsRing {
		results = results[len(results)-maxRecentResultsRing:]
	}
	return results
}

func (e *Engine) recordEvaluationLocked(decision types.RuleDecision) {
	e.evals = append(e.evals, decision)
	if len(e.evals) > 500 {
		e.evals = e.evals[len(e.evals)-500:]
	}
}

func (e *Engine) recordErrorLocked(message string) {
	e.errors = append(e.errors, errorEntry{At: time.Now().UTC(), Message: message})
	if len(e.errors) > maxErrorsRing {
		e.errors = e.errors[len(e.errors)-maxErrorsRing:]
	}
}

func (e *Engine) updateNextRaceLocked(now time.Time) {
	candidates := make([]*market.Tracker, 0)
	for _, tr := range e.registry.All() {
		if tr.State == types.StateMonitoring || tr.State == types.StateInWindow {
			candidates = append(candidates, tr)
		}
	}
	if len(candidates) == 0 {
		e.nextRace = nil
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Market.MarketStartTime.Before(candidates[j].Market.MarketStartTime)
	})
	nearest := candidates[0]
	e.nextRace = &NextRace{
		MarketID:     nearest.MarketID,
		MarketName:   nearest.Market.MarketName,
		MinutesToOff: market.MinutesToOff(nearest.Market, now),
	}
}

func (e *Engine) flush(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked(ctx)
}

func (e *Engine) flushLocked(ctx context.Context) {
	if e.store == nil {
		return
	}
	doc := e.buildDocumentLocked()
	if err := e.store.Save(ctx, doc); err != nil {
		e.recordErrorLocked(fmt.Sprintf("persistence: %v", err))
	}
}

func (e *Engine) buildDocumentLocked() *store.StateDocument {
	trackers := make(map[string]store.TrackerDoc, e.registry.Len())
	for _, tr := range e.registry.All() {
		trackers[tr.MarketID] = store.TrackerDoc{
			MarketID:   tr.MarketID,
			State:      tr.State,
			SkipReason: tr.SkipReason,
			Snapshots:  tr.Snapshots,
		}
	}
	runners, selections := e.dedup.Export()

	e.session.BetsPlaced = e.agg.Bets
	e.session.TotalStake = e.agg.TotalStake
	e.session.TotalLiability = e.agg.TotalLiability

	return &store.StateDocument{
		Date:             e.date,
		Session:          e.session,
		SessionsIndex:    e.sessions,
		BetsToday:        e.betsToday,
		EvaluationsToday: e.evals,
		Trackers:         trackers,
		DedupRunners:     runners,
		DedupSelections:  selections,
	}
}
