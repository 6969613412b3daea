package store

import (
	"time"

	"layengine/internal/config"
	"layengine/pkg/types"
)

const maxEvaluationsRing = 500

// TrackerDoc is the persisted shape of one market.Registry entry
// (spec §4.6: `trackers` maps market_id → state + snapshots).
type TrackerDoc struct {
	MarketID   string
	State      types.TrackerState
	SkipReason string
	Snapshots  []types.OddsSnapshot
}

// StateDocument is the single JSON document both persistence tiers store
// (spec §4.6). Every monetary value nested inside it serializes as a
// decimal string via decimal.Decimal's own MarshalJSON/MarshalText.
type StateDocument struct {
	Config config.Config
	Date   string // YYYY-MM-DD, local trading date
	// SavedAt is stamped by Store.Save on every write; Store.Load compares
	// it across tiers to recover from whichever is freshest (spec §4.6
	// "Recovery on start").
	SavedAt          time.Time
	Session          types.Session
	SessionsIndex    []types.Session
	BetsToday        []types.BetRecord
	EvaluationsToday []types.RuleDecision // bounded ring, ≤500 entries
	Trackers         map[string]TrackerDoc
	DedupRunners     []string
	DedupSelections  []string
	ReportsIndex     []string
	APIKeys          []string
}

// NewEmptyDocument creates a StateDocument for a fresh trading day.
func NewEmptyDocument(cfg config.Config, date string, session types.Session) *StateDocument {
	return &StateDocument{
		Config:   cfg,
		Date:     date,
		Session:  session,
		Trackers: make(map[string]TrackerDoc),
	}
}

// AppendEvaluation pushes onto the bounded evaluations ring, dropping the
// oldest entry past maxEvaluationsRing (spec §4.6).
func (d *StateDocument) AppendEvaluation(decision types.RuleDecision) {
	d.EvaluationsToday = append(d.EvaluationsToday, decision)
	if len(d.EvaluationsToday) > maxEvaluationsRing {
		d.EvaluationsToday = d.EvaluationsToday[len(d.EvaluationsToday)-maxEvaluationsRing:]
	}
}
