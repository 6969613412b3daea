package control

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"layengine/internal/betpipeline"
	"layengine/internal/config"
	"layengine/internal/engine"
	"layengine/internal/exchange"
	"layengine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, hasCredentials bool) *Controller {
	t.Helper()
	exCfg := config.ExchangeConfig{BettingURL: "http://127.0.0.1:1"}
	cfg := config.Config{DryRun: true, Exchange: exCfg}
	session := exchange.NewSession(exCfg)
	client := exchange.NewClient(cfg, session, testLogger())
	pipeline := betpipeline.New(client, testLogger())

	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"), nil, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	strategy := config.StrategyConfig{
		PollIntervalSeconds:  30,
		ProcessWindowMinutes: 12,
		Countries:            []string{"GB"},
		PointValue:           10,
		MinOdds:              2.0,
		MaxLayOdds:           50.0,
	}

	eng := engine.New(client, pipeline, st, strategy, true, testLogger())
	return New(eng, hasCredentials)
}

func TestStartFailsWithoutCredentials(t *testing.T) {
	t.Parallel()
	c := newTestController(t, false)

	res := c.Start()
	if res.Status != "error" || res.Message != "not_authenticated" {
		t.Errorf("Start() = %+v, want error/not_authenticated", res)
	}
	if c.IsRunning() {
		t.Error("engine should not be running after a failed Start()")
	}
}

func TestStartSucceedsWithCredentials(t *testing.T) {
	t.Parallel()
	c := newTestController(t, true)

	res := c.Start()
	if res.Status != "ok" {
		t.Fatalf("Start() = %+v, want ok", res)
	}
	if !c.IsRunning() {
		t.Error("engine should be running after Start()")
	}
	c.Stop()
}

func TestSetProcessWindowOutOfRange(t *testing.T) {
	t.Parallel()
	c := newTestController(t, true)

	res := c.SetProcessWindow(0)
	if res.Status != "error" || res.Message != "out_of_range" {
		t.Errorf("SetProcessWindow(0) = %+v, want error/out_of_range", res)
	}

	res = c.SetProcessWindow(20)
	if res.Status != "ok" {
		t.Errorf("SetProcessWindow(20) = %+v, want ok", res)
	}
}

func TestSetPointValueInvalid(t *testing.T) {
	t.Parallel()
	c := newTestController(t, true)

	res := c.SetPointValue(7)
	if res.Status != "error" || res.Message != "invalid_value" {
		t.Errorf("SetPointValue(7) = %+v, want error/invalid_value", res)
	}

	res = c.SetPointValue(50)
	if res.Status != "ok" {
		t.Errorf("SetPointValue(50) = %+v, want ok", res)
	}
}

func TestSetCountriesEmptySet(t *testing.T) {
	t.Parallel()
	c := newTestController(t, true)

	res := c.SetCountries(nil)
	if res.Status != "error" || res.Message != "empty_set" {
		t.Errorf("SetCountries(nil) = %+v, want error/empty_set", res)
	}

	res = c.SetCountries([]string{"ZZ"})
	if res.Status != "error" {
		t.Errorf("SetCountries([ZZ]) = %+v, want error", res)
	}

	res = c.SetCountries([]string{"GB", "IE"})
	if res.Status != "ok" {
		t.Errorf("SetCountries([GB,IE]) = %+v, want ok", res)
	}
}

func TestToggleFlagsRoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestController(t, true)

	first := c.ToggleDryRun()
	second := c.ToggleDryRun()
	if first.NewValue == second.NewValue {
		t.Error("ToggleDryRun should flip on each call")
	}

	first = c.ToggleSpreadControl()
	second = c.ToggleSpreadControl()
	if first.NewValue == second.NewValue {
		t.Error("ToggleSpreadControl should flip on each call")
	}

	first = c.ToggleJOFS()
	second = c.ToggleJOFS()
	if first.NewValue == second.NewValue {
		t.Error("ToggleJOFS should flip on each call")
	}
}

func TestResetBetsReturnsOK(t *testing.T) {
	t.Parallel()
	c := newTestController(t, true)
	res := c.ResetBets()
	if res.Status != "ok" {
		t.Errorf("ResetBets() = %+v, want ok", res)
	}
}

func TestSnapshotReturnsCurrentState(t *testing.T) {
	t.Parallel()
	c := newTestController(t, true)
	snap := c.Snapshot(context.Background())
	if snap.Status != "STOPPED" {
		t.Errorf("Snapshot().Status = %q, want STOPPED", snap.Status)
	}
}
