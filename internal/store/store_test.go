package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"layengine/internal/config"
	"layengine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fake := NewFakeObjectStore()
	st, err := Open(filepath.Join(dir, "state.json"), fake, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	doc := NewEmptyDocument(config.Config{}, "2026-07-29", types.Session{SessionID: "s1", Status: types.SessionRunning})
	doc.Trackers["1.123"] = TrackerDoc{MarketID: "1.123", State: types.StateMonitoring}

	if err := st.Save(context.Background(), doc); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() returned nil after Save()")
	}
	if loaded.Date != "2026-07-29" {
		t.Errorf("Date = %q, want 2026-07-29", loaded.Date)
	}
	if loaded.Session.SessionID != "s1" {
		t.Errorf("Session.SessionID = %q, want s1", loaded.Session.SessionID)
	}
	if loaded.Trackers["1.123"].State != types.StateMonitoring {
		t.Errorf("Trackers[1.123].State = %v, want MONITORING", loaded.Trackers["1.123"].State)
	}
}

func TestLoadFallsBackToDurableWhenHotMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	fake := NewFakeObjectStore()

	writer, err := Open(filepath.Join(dir, "state.json"), fake, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	doc := NewEmptyDocument(config.Config{}, "2026-07-29", types.Session{SessionID: "durable-only"})
	if err := writer.Save(context.Background(), doc); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	reader, err := Open(filepath.Join(t.TempDir(), "state.json"), fake, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	loaded, err := reader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded == nil || loaded.Session.SessionID != "durable-only" {
		t.Fatalf("expected fallback to durable blob, got %+v", loaded)
	}
}

func TestLoadPrefersDurableWhenHotIsStale(t *testing.T) {
	t.Parallel()
	fake := NewFakeObjectStore()
	hotPath := filepath.Join(t.TempDir(), "state.json")

	stale, err := Open(hotPath, fake, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	oldDoc := NewEmptyDocument(config.Config{}, "2026-07-29", types.Session{SessionID: "stale"})
	if err := stale.Save(context.Background(), oldDoc); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	time.Sleep(2 * time.Millisecond)

	// A second store, sharing the same durable tier but a throwaway hot
	// path, saves a fresher document into durable only.
	fresher, err := Open(filepath.Join(t.TempDir(), "state.json"), fake, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	newDoc := NewEmptyDocument(config.Config{}, "2026-07-30", types.Session{SessionID: "fresh"})
	if err := fresher.Save(context.Background(), newDoc); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	// Re-open the original (now stale) hot path against the same durable
	// tier: Load must recover the fresher durable document, not the hot
	// file's stale content (spec §4.6).
	reader, err := Open(hotPath, fake, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	loaded, err := reader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded == nil || loaded.Session.SessionID != "fresh" {
		t.Fatalf("expected the fresher durable document, got %+v", loaded)
	}
}

func TestLoadReturnsNilOnFreshInstall(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "state.json"), nil, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	loaded, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil on fresh install, got %+v", loaded)
	}
}

func TestShouldFlushBeforeFirstSave(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "state.json"), nil, testLogger())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !st.ShouldFlush(0) {
		t.Error("ShouldFlush() should be true before any Save()")
	}
}

func TestAppendEvaluationBoundedRing(t *testing.T) {
	t.Parallel()
	doc := NewEmptyDocument(config.Config{}, "2026-07-29", types.Session{})
	for i := 0; i < maxEvaluationsRing+10; i++ {
		doc.AppendEvaluation(types.RuleDecision{MarketID: "m"})
	}
	if len(doc.EvaluationsToday) != maxEvaluationsRing {
		t.Errorf("len(EvaluationsToday) = %d, want %d", len(doc.EvaluationsToday), maxEvaluationsRing)
	}
}
