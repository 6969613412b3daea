// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — market and runner
// metadata, odds snapshots, rule decisions, bet instructions/records, and
// session bookkeeping. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an exchange order: BACK or LAY.
type Side string

const (
	Back Side = "BACK"
	Lay  Side = "LAY"
)

// PersistenceType controls what happens to an unmatched portion of an
// instruction at turn-in-play / market suspension.
type PersistenceType string

const (
	PersistenceLapse      PersistenceType = "LAPSE"
	PersistencePersist    PersistenceType = "PERSIST"
	PersistenceMarketOnClose PersistenceType = "MARKET_ON_CLOSE"
)

// RunnerStatus mirrors the exchange's runner-status enum.
type RunnerStatus string

const (
	RunnerActive       RunnerStatus = "ACTIVE"
	RunnerWinner       RunnerStatus = "WINNER"
	RunnerLoser        RunnerStatus = "LOSER"
	RunnerRemoved      RunnerStatus = "REMOVED"
	RunnerRemovedVacant RunnerStatus = "REMOVED_VACANT"
	RunnerHidden       RunnerStatus = "HIDDEN"
)

// MarketStatus mirrors the exchange's market-status enum.
type MarketStatus string

const (
	MarketInactive MarketStatus = "INACTIVE"
	MarketOpen     MarketStatus = "OPEN"
	MarketSuspended MarketStatus = "SUSPENDED"
	MarketClosed   MarketStatus = "CLOSED"
)

// Discipline classifies a race as flat or jumps racing, derived from the
// market/event name. UNKNOWN is used when the name doesn't match either
// pattern (abandoned/void markets, non-standard naming).
type Discipline string

const (
	DisciplineFlat    Discipline = "FLAT"
	DisciplineJumps   Discipline = "JUMPS"
	DisciplineUnknown Discipline = "UNKNOWN"
)

// TrackerState is the lifecycle state of a MarketTracker (spec §4.3/§4.4).
type TrackerState string

const (
	StateDiscovered TrackerState = "DISCOVERED"
	StateMonitoring TrackerState = "MONITORING"
	StateInWindow   TrackerState = "IN_WINDOW"
	StateProcessed  TrackerState = "PROCESSED"
	StateExpired    TrackerState = "EXPIRED"
	StateSkipped    TrackerState = "SKIPPED"
)

// RuleName identifies which stake rule produced a RuleDecision.
type RuleName string

const (
	Rule1  RuleName = "RULE_1"
	Rule2  RuleName = "RULE_2"
	Rule3A RuleName = "RULE_3A"
	Rule3B RuleName = "RULE_3B"
	RuleNone RuleName = "NONE"
)

// SessionStatus tracks the lifecycle of a daily trading session.
type SessionStatus string

const (
	SessionRunning  SessionStatus = "RUNNING"
	SessionStopped  SessionStatus = "STOPPED"
	SessionCrashed  SessionStatus = "CRASHED"
)

// ————————————————————————————————————————————————————————————————————————
// Market & runner metadata
// ————————————————————————————————————————————————————————————————————————

// Market is the internal representation of a win market on the exchange,
// populated from market-catalogue calls during discovery.
type Market struct {
	MarketID      string
	MarketName    string
	EventID       string
	EventName     string
	CountryCode   string
	Venue         string
	MarketStartTime time.Time
	NumberOfWinners int
	Discipline    Discipline
	Status        MarketStatus
	Runners       []Runner
}

// Runner is one competitor in a Market.
type Runner struct {
	SelectionID  int64
	RunnerName   string
	SortPriority int // 1 = favourite per exchange ordering
	Status       RunnerStatus
}

// ————————————————————————————————————————————————————————————————————————
// Odds & market book
// ————————————————————————————————————————————————————————————————————————

// PriceSize is a single price/size pair on one side of a runner's book.
type PriceSize struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// RunnerBook is one runner's best-available-offers view from get_book.
type RunnerBook struct {
	SelectionID int64
	Status      RunnerStatus
	LastPriceTraded decimal.Decimal
	BestBack    []PriceSize // sorted best-first (highest back price)
	BestLay     []PriceSize // sorted best-first (lowest lay price)
	TotalMatched decimal.Decimal
}

// MarketBook is the exchange's live view of a market: per-runner books.
type MarketBook struct {
	MarketID    string
	Status      MarketStatus
	InPlay      bool
	Runners     []RunnerBook
	PublishTime time.Time
}

// OddsSnapshot is one point-in-time capture of a market's runner prices,
// retained in a bounded FIFO (≤20, spec §3) per tracker for trend analysis.
type OddsSnapshot struct {
	TakenAt time.Time
	Runners []RunnerBook
}

// ————————————————————————————————————————————————————————————————————————
// Rule evaluation
// ————————————————————————————————————————————————————————————————————————

// RuleDecision is the pure output of the rule evaluator for one market at
// one evaluation tick (spec §4.2). Instructions is empty when Applied is
// false. A JOFS split or a RULE_3A favourite/second-favourite pair can
// produce more than one instruction from a single decision.
type RuleDecision struct {
	MarketID    string
	EvaluatedAt time.Time
	Rule        RuleName
	Applied     bool
	Reason      string // machine-readable skip or adjustment code; empty when a rule applied unchanged
	Instructions []BetInstruction
}

// BetInstruction is a candidate lay bet produced by the rule evaluator,
// not yet submitted to the exchange.
type BetInstruction struct {
	MarketID    string
	SelectionID int64
	RunnerName  string
	Side        Side
	Price       decimal.Decimal
	Size        decimal.Decimal
	Liability   decimal.Decimal
	Persistence PersistenceType
	Rule        RuleName
}

// ————————————————————————————————————————————————————————————————————————
// Bets
// ————————————————————————————————————————————————————————————————————————

// BetRecord is the durable record of a submitted bet, successful or not.
type BetRecord struct {
	BetID          string          `json:"bet_id"`
	MarketID       string          `json:"market_id"`
	MarketName     string          `json:"market_name"`
	EventName      string          `json:"event_name"`
	RaceTime       time.Time       `json:"race_time"`
	SelectionID    int64           `json:"selection_id"`
	RunnerName     string          `json:"runner_name"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	Liability      decimal.Decimal `json:"liability"`
	Rule           RuleName        `json:"rule"`
	Discipline     Discipline      `json:"discipline"`
	Status         string          `json:"status"` // "PLACED", "DRY_RUN", "REJECTED", "ERROR"
	BetfairBetID   string          `json:"betfair_bet_id"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	SettledOutcome string          `json:"settled_outcome,omitempty"` // "WON", "LOST", "" when unsettled
	SettledAt      time.Time       `json:"settled_at,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Session
// ————————————————————————————————————————————————————————————————————————

// Session represents one day's run of the engine (spec §3/§4.6).
type Session struct {
	SessionID      string          `json:"session_id"`
	Date           string          `json:"date"` // YYYY-MM-DD
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at,omitempty"`
	Status         SessionStatus   `json:"status"`
	BetsPlaced     int             `json:"bets_placed"`
	TotalStake     decimal.Decimal `json:"total_stake"`
	TotalLiability decimal.Decimal `json:"total_liability"`
}

// IsSettled reports whether a bet record has a recorded outcome.
func (b BetRecord) IsSettled() bool { return b.SettledOutcome != "" }

// IsTerminal reports whether a tracker state will never transition again.
func (s TrackerState) IsTerminal() bool {
	switch s {
	case StateProcessed, StateExpired, StateSkipped:
		return true
	default:
		return false
	}
}
