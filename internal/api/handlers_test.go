package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"layengine/internal/betpipeline"
	"layengine/internal/config"
	"layengine/internal/control"
	"layengine/internal/engine"
	"layengine/internal/exchange"
	"layengine/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testHandlers(t *testing.T) *Handlers {
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
	controller := control.New(eng, true)
	hub := NewHub(testLogger())
	return NewHandlers(controller, config.ControlConfig{}, hub, testLogger())
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := testHandlers(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestHandleState(t *testing.T) {
	t.Parallel()
	h := testHandlers(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/state", nil)
	h.HandleState(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap["status"] != "STOPPED" {
		t.Errorf("snapshot.status = %v, want STOPPED", snap["status"])
	}
}

func TestHandleWindowValidAndInvalid(t *testing.T) {
	t.Parallel()
	h := testHandlers(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/control/window", strings.NewReader(`{"minutes": 20}`))
	h.HandleWindow(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid window: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/control/window", strings.NewReader(`{"minutes": 0}`))
	h.HandleWindow(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid window: status = %d, want 400", rec.Code)
	}
}

func TestHandleStartWithoutCredentialsFails(t *testing.T) {
	t.Parallel()
	exCfg := config.ExchangeConfig{BettingURL: "http://127.0.0.1:1"}
	cfg := config.Config{DryRun: true, Exchange: exCfg}
	session := exchange.NewSession(exCfg)
	client := exchange.NewClient(cfg, session, testLogger())
	pipeline := betpipeline.New(client, testLogger())
	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"), nil, testLogger())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	strategy := config.StrategyConfig{PollIntervalSeconds: 30, ProcessWindowMinutes: 12, Countries: []string{"GB"}, PointValue: 10, MinOdds: 2.0, MaxLayOdds: 50.0}
	eng := engine.New(client, pipeline, st, strategy, true, testLogger())
	controller := control.New(eng, false)
	h := NewHandlers(controller, config.ControlConfig{}, NewHub(testLogger()), testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/control/start", nil)
	h.HandleStart(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var res control.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Message != "not_authenticated" {
		t.Errorf("message = %q, want not_authenticated", res.Message)
	}
}

func TestIsOriginAllowedLocalhostDefault(t *testing.T) {
	t.Parallel()
	cfg := config.ControlConfig{}
	if !isOriginAllowed("http://localhost:3000", cfg, "localhost:8080") {
		t.Error("localhost origin should be allowed with no configured allow-list")
	}
	if isOriginAllowed("http://evil.example.com", cfg, "localhost:8080") {
		t.Error("arbitrary origin should not be allowed with no configured allow-list")
	}
}

func TestIsOriginAllowedExplicitList(t *testing.T) {
	t.Parallel()
	cfg := config.ControlConfig{AllowedOrigins: []string{"https://ops.example.com"}}
	if !isOriginAllowed("https://ops.example.com", cfg, "api.example.com") {
		t.Error("explicitly allowed origin should pass")
	}
	if isOriginAllowed("https://other.example.com", cfg, "api.example.com") {
		t.Error("origin outside the allow-list should fail")
	}
}
