// Package store implements the two-tier persistence described in spec
// §4.6: a hot local JSON file (atomic write: temp file, fsync, rename —
// the same technique the teacher's Store.SavePosition used for its
// per-market position files) and a best-effort durable object-store blob
// behind the ObjectStore interface.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const durableKey = "state.json"

// Store owns the hot file path and the durable ObjectStore, and
// serializes all writes through a single mutex (writes only ever happen
// from the scheduler tick, but the control surface may trigger an
// out-of-band flush on stop()).
type Store struct {
	hotPath string
	durable ObjectStore
	logger  *slog.Logger

	mu           sync.Mutex
	lastHotHash  string
	lastFlushAt  time.Time
}

// Open creates a Store. durable may be nil, meaning no durable tier is
// configured (dry-run/dev use); writes to it are then skipped.
func Open(hotPath string, durable ObjectStore, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(hotPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		hotPath: hotPath,
		durable: durable,
		logger:  logger.With("component", "store"),
	}, nil
}

// Save writes the document to the hot file (atomic replace) and, best
// effort, to the durable tier if its content changed (spec §4.6).
func (s *Store) Save(ctx context.Context, doc *StateDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The change check hashes the document without its SavedAt stamp, which
	// differs on every call.
	doc.SavedAt = time.Time{}
	unstamped, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}
	doc.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}

	if err := writeAtomic(s.hotPath, data); err != nil {
		return fmt.Errorf("write hot file: %w", err)
	}
	s.lastFlushAt = time.Now()

	if s.durable == nil {
		return nil
	}
	hash := contentHash(unstamped)
	if hash == s.lastHotHash {
		return nil
	}
	if err := s.durable.Put(ctx, durableKey, data); err != nil {
		s.logger.Error("durable write failed (best-effort, continuing)", "error", err)
		return nil
	}
	s.lastHotHash = hash
	return nil
}

// ShouldFlush reports whether at least interval has passed since the
// last successful Save, for the scheduler's opportunistic 150s flush
// (spec §4.4 step 7 / §4.6).
func (s *Store) ShouldFlush(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlushAt.IsZero() || time.Since(s.lastFlushAt) >= interval
}

// Load reads the hot file, falling back to the durable blob if the hot
// file is missing or older than the durable blob's own SavedAt stamp
// (spec §4.6 "Recovery on start": "reads hot first; if missing or older
// than durable, it reads durable"). Returns (nil, nil) if neither tier
// has anything — a genuinely fresh install.
func (s *Store) Load(ctx context.Context) (*StateDocument, error) {
	var hotDoc *StateDocument
	if hotData, err := os.ReadFile(s.hotPath); err == nil && len(hotData) > 0 {
		var doc StateDocument
		if err := json.Unmarshal(hotData, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal hot state: %w", err)
		}
		hotDoc = &doc
	}

	var durableDoc *StateDocument
	if s.durable != nil {
		if durableData, err := s.durable.Get(ctx, durableKey); err == nil && len(durableData) > 0 {
			var doc StateDocument
			if err := json.Unmarshal(durableData, &doc); err != nil {
				return nil, fmt.Errorf("unmarshal durable state: %w", err)
			}
			durableDoc = &doc
		}
	}

	switch {
	case hotDoc == nil:
		return durableDoc, nil
	case durableDoc == nil:
		return hotDoc, nil
	case durableDoc.SavedAt.After(hotDoc.SavedAt):
		s.logger.Warn("hot state older than durable blob, recovering from durable tier",
			"hot_saved_at", hotDoc.SavedAt, "durable_saved_at", durableDoc.SavedAt)
		return durableDoc, nil
	default:
		return hotDoc, nil
	}
}

// writeAtomic writes data to path via a temp file, fsync, then rename —
// so a crash mid-write never leaves a truncated state document on disk.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
