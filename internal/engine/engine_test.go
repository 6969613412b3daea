package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"layengine/internal/betpipeline"
	"layengine/internal/config"
	"layengine/internal/exchange"
	"layengine/internal/market"
	"layengine/internal/store"
	"layengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient() *exchange.Client {
	cfg := config.Config{Exchange: config.ExchangeConfig{BettingURL: "http://127.0.0.1:1"}}
	session := exchange.NewSession(cfg.Exchange)
	return exchange.NewClient(cfg, session, testLogger())
}

func testStrategy() config.StrategyConfig {
	return config.StrategyConfig{
		PollIntervalSeconds:  30,
		ProcessWindowMinutes: 12,
		Countries:            []string{"GB", "IE"},
		PointValue:           10,
		SpreadControlEnabled: true,
		JOFSEnabled:          true,
		MinOdds:              2.0,
		MaxLayOdds:           50.0,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	pipeline := betpipeline.New(testClient(), testLogger())
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"), nil, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return New(testClient(), pipeline, st, testStrategy(), true, testLogger())
}

func TestNewEngineInitialState(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	if e.IsRunning() {
		t.Error("new engine should not be running")
	}
	if !e.DryRun() {
		t.Error("new engine should start in the dry_run mode it was constructed with")
	}
}

func TestRestoreNilDocumentStartsFreshSession(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	e.Restore(nil, "2026-07-29", now)

	if e.date != "2026-07-29" {
		t.Errorf("date = %q, want 2026-07-29", e.date)
	}
	if e.session.Status != types.SessionRunning {
		t.Errorf("session.Status = %v, want RUNNING", e.session.Status)
	}
	if e.session.SessionID == "" {
		t.Error("session.SessionID should not be empty")
	}
}

func TestRestoreMarksRunningSessionCrashed(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)

	doc := store.NewEmptyDocument(config.Config{}, "2026-07-29", types.Session{
		SessionID: "prior-session",
		Date:      "2026-07-29",
		Status:    types.SessionRunning,
	})
	e.Restore(doc, "2026-07-29", now)

	if len(e.sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(e.sessions))
	}
	if e.sessions[0].Status != types.SessionCrashed {
		t.Errorf("restored prior session.Status = %v, want CRASHED", e.sessions[0].Status)
	}
	if e.session.SessionID == "prior-session" {
		t.Error("a fresh session should be started, not a reuse of the crashed one")
	}
}

func TestRestoreSameDayKeepsBetsAndTrackers(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)

	doc := store.NewEmptyDocument(config.Config{}, "2026-07-29", types.Session{
		SessionID: "prior-session",
		Date:      "2026-07-29",
		Status:    types.SessionStopped,
	})
	doc.BetsToday = []types.BetRecord{{BetID: "b1", MarketID: "1.111"}}
	doc.Trackers["1.111"] = store.TrackerDoc{MarketID: "1.111", State: types.StateMonitoring}
	doc.DedupRunners = []string{"Runner A|1700000000"}
	doc.DedupSelections = []string{"12345|1.111"}

	e.Restore(doc, "2026-07-29", now)

	if len(e.betsToday) != 1 || e.betsToday[0].BetID != "b1" {
		t.Errorf("betsToday not restored: %+v", e.betsToday)
	}
	tr, ok := e.registry.Get("1.111")
	if !ok {
		t.Fatal("tracker 1.111 not restored into registry")
	}
	if tr.State != types.StateMonitoring {
		t.Errorf("restored tracker state = %v, want MONITORING", tr.State)
	}
}

func TestRestoreDifferentDayStartsFreshSession(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)

	doc := store.NewEmptyDocument(config.Config{}, "2026-07-28", types.Session{
		SessionID: "yesterday",
		Date:      "2026-07-28",
		Status:    types.SessionStopped,
	})
	doc.BetsToday = []types.BetRecord{{BetID: "stale", MarketID: "1.999"}}

	e.Restore(doc, "2026-07-29", now)

	if e.date != "2026-07-29" {
		t.Errorf("date = %q, want 2026-07-29", e.date)
	}
	if len(e.betsToday) != 0 {
		t.Errorf("betsToday should be reset on day rollover, got %+v", e.betsToday)
	}
	if e.registry.Len() != 0 {
		t.Errorf("registry should be empty on day rollover, got %d trackers", e.registry.Len())
	}
}

func TestRecordEvaluationBoundedRing(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	for i := 0; i < 550; i++ {
		e.recordEvaluationLocked(types.RuleDecision{MarketID: "m"})
	}
	if len(e.evals) != 500 {
		t.Errorf("len(evals) = %d, want 500", len(e.evals))
	}
}

func TestRecordErrorBoundedRing(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	for i := 0; i < 60; i++ {
		e.recordErrorLocked("boom")
	}
	if len(e.errors) != maxErrorsRing {
		t.Errorf("len(errors) = %d, want %d", len(e.errors), maxErrorsRing)
	}
}

func TestUpdateNextRacePicksNearestNonTerminal(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)

	far := market.NewTracker(types.Market{MarketID: "far", MarketName: "Far Race", MarketStartTime: now.Add(2 * time.Hour)}, now)
	near := market.NewTracker(types.Market{MarketID: "near", MarketName: "Near Race", MarketStartTime: now.Add(10 * time.Minute)}, now)
	done := market.NewTracker(types.Market{MarketID: "done", MarketName: "Done Race", MarketStartTime: now.Add(5 * time.Minute)}, now)
	done.MarkProcessed(now)
	far.AddSnapshot(types.OddsSnapshot{TakenAt: now})
	near.AddSnapshot(types.OddsSnapshot{TakenAt: now})

	e.registry.Put(far)
	e.registry.Put(near)
	e.registry.Put(done)

	e.updateNextRaceLocked(now)

	if e.nextRace == nil {
		t.Fatal("nextRace should not be nil")
	}
	if e.nextRace.MarketID != "near" {
		t.Errorf("nextRace.MarketID = %q, want %q", e.nextRace.MarketID, "near")
	}
}

func TestUpdateNextRaceNilWhenNoCandidates(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	e.updateNextRaceLocked(now)
	if e.nextRace != nil {
		t.Errorf("nextRace = %+v, want nil", e.nextRace)
	}
}

func TestBuildDocumentCarriesDateAndTrackers(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	e.Restore(nil, "2026-07-29", now)

	tr := market.NewTracker(types.Market{MarketID: "1.222", MarketStartTime: now.Add(time.Hour)}, now)
	tr.AddSnapshot(types.OddsSnapshot{TakenAt: now})
	e.registry.Put(tr)

	doc := e.buildDocumentLocked()
	if doc.Date != "2026-07-29" {
		t.Errorf("doc.Date = %q, want 2026-07-29", doc.Date)
	}
	td, ok := doc.Trackers["1.222"]
	if !ok {
		t.Fatal("doc.Trackers missing 1.222")
	}
	if td.State != types.StateMonitoring {
		t.Errorf("td.State = %v, want MONITORING", td.State)
	}
}

func TestControlSettersValidate(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	if err := e.SetProcessWindow(0); err == nil {
		t.Error("SetProcessWindow(0) should fail, window must be >=1")
	}
	if err := e.SetProcessWindow(61); err == nil {
		t.Error("SetProcessWindow(61) should fail, window must be <=60")
	}
	if err := e.SetProcessWindow(15); err != nil {
		t.Errorf("SetProcessWindow(15) should succeed, got %v", err)
	}
	if e.StrategyConfig().ProcessWindowMinutes != 15 {
		t.Errorf("ProcessWindowMinutes = %d, want 15", e.StrategyConfig().ProcessWindowMinutes)
	}

	if err := e.SetPointValue(3); err == nil {
		t.Error("SetPointValue(3) should fail, not an enumerated value")
	}
	if err := e.SetPointValue(20); err != nil {
		t.Errorf("SetPointValue(20) should succeed, got %v", err)
	}

	if err := e.SetCountries(nil); err == nil {
		t.Error("SetCountries(nil) should fail, must be non-empty")
	}
	if err := e.SetCountries([]string{"XX"}); err == nil {
		t.Error("SetCountries([XX]) should fail, not an allowed jurisdiction")
	}
	if err := e.SetCountries([]string{"GB"}); err != nil {
		t.Errorf("SetCountries([GB]) should succeed, got %v", err)
	}

	before := e.StrategyConfig().SpreadControlEnabled
	if got := e.ToggleSpreadControl(); got == before {
		t.Error("ToggleSpreadControl did not flip the flag")
	}

	beforeJOFS := e.StrategyConfig().JOFSEnabled
	if got := e.ToggleJOFS(); got == beforeJOFS {
		t.Error("ToggleJOFS did not flip the flag")
	}

	beforeDry := e.DryRun()
	if got := e.ToggleDryRun(); got == beforeDry {
		t.Error("ToggleDryRun did not flip the flag")
	}
}

func TestResetBetsClearsStateButKeepsSession(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	e.Restore(nil, "2026-07-29", now)
	sessionID := e.session.SessionID

	e.betsToday = []types.BetRecord{{BetID: "b1"}}
	e.evals = []types.RuleDecision{{MarketID: "m"}}
	e.registry.Put(market.NewTracker(types.Market{MarketID: "1.333"}, now))

	e.ResetBets()

	if len(e.betsToday) != 0 {
		t.Error("ResetBets should clear betsToday")
	}
	if len(e.evals) != 0 {
		t.Error("ResetBets should clear evals")
	}
	if e.registry.Len() != 0 {
		t.Error("ResetBets should clear the tracker registry")
	}
	if e.session.SessionID != sessionID {
		t.Error("ResetBets should not start a new session")
	}
}

func TestRecentResultsLockedFiltersSettledOnly(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	e.betsToday = []types.BetRecord{
		{BetID: "b1", SettledOutcome: "WON"},
		{BetID: "b2"},
		{BetID: "b3", SettledOutcome: "LOST"},
	}

	results := e.recentResultsLocked()
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.SettledOutcome == "" {
			t.Errorf("unsettled bet %q leaked into recent results", r.BetID)
		}
	}
}

func TestSnapshotShapesFields(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 7, 29, 9, 0, 0, 0, time.UTC)
	e.Restore(nil, "2026-07-29", now)

	snap := e.Snapshot(context.Background())
	if snap.Status != "STOPPED" {
		t.Errorf("Status = %q, want STOPPED", snap.Status)
	}
	if snap.Date != "2026-07-29" {
		t.Errorf("Date = %q, want 2026-07-29", snap.Date)
	}
	if snap.Balance != "unavailable" {
		t.Errorf("Balance = %q, want unavailable (no live exchange in test)", snap.Balance)
	}
	if snap.TrackersSummary == nil {
		t.Error("TrackersSummary should be a non-nil map")
	}
}

func TestStartStopIsIdempotentAndTogglesRunning(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	e.strategy.PollIntervalSeconds = 1

	e.Start()
	e.Start() // idempotent
	if !e.IsRunning() {
		t.Fatal("engine should be running after Start")
	}

	e.Stop()
	e.Stop() // idempotent
	if e.IsRunning() {
		t.Error("engine should not be running after Stop")
	}
	if e.session.Status != types.SessionStopped {
		t.Errorf("session.Status = %v, want STOPPED", e.session.Status)
	}
}
