// Package betpipeline implements the dedup, submission, and session
// aggregate bookkeeping for bets produced by a RuleDecision (spec §4.5).
//
// The pipeline is invoked serially by the scheduler — one instruction at a
// time, in ascending race_time/market_id order — so the dedup sets and
// session counters never need their own lock; the scheduler's single
// logical mutex already serializes every call into this package.
package betpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"layengine/internal/exchange"
	"layengine/pkg/types"
)

// runnerKey and selectionKey are the two dedup keys spec §3/§4.5 requires.
type runnerKey struct {
	runnerName string
	raceTime   int64 // unix seconds, for comparable map keys
}

type selectionKey struct {
	selectionID int64
	marketID    string
}

// DedupSets holds the two per-trading-day dedup sets. Cleared atomically
// on day rollover and on explicit reset (spec §3).
type DedupSets struct {
	runners    map[runnerKey]struct{}
	selections map[selectionKey]struct{}
}

// NewDedupSets creates empty dedup sets.
func NewDedupSets() *DedupSets {
	return &DedupSets{
		runners:    make(map[runnerKey]struct{}),
		selections: make(map[selectionKey]struct{}),
	}
}

// Reset clears both sets, as happens on day rollover or reset_bets().
func (d *DedupSets) Reset() {
	d.runners = make(map[runnerKey]struct{})
	d.selections = make(map[selectionKey]struct{})
}

func (d *DedupSets) has(rk runnerKey, sk selectionKey) bool {
	_, r := d.runners[rk]
	_, s := d.selections[sk]
	return r || s
}

func (d *DedupSets) add(rk runnerKey, sk selectionKey) {
	d.runners[rk] = struct{}{}
	d.selections[sk] = struct{}{}
}

func (d *DedupSets) remove(rk runnerKey, sk selectionKey) {
	delete(d.runners, rk)
	delete(d.selections, sk)
}

// Export renders both dedup sets into plain string keys for the
// persisted state document (spec §4.6 `dedup_runners`/`dedup_selections`).
func (d *DedupSets) Export() (runners []string, selections []string) {
	runners = make([]string, 0, len(d.runners))
	for rk := range d.runners {
		runners = append(runners, fmt.Sprintf("%s|%d", rk.runnerName, rk.raceTime))
	}
	selections = make([]string, 0, len(d.selections))
	for sk := range d.selections {
		selections = append(selections, fmt.Sprintf("%d|%s", sk.selectionID, sk.marketID))
	}
	return runners, selections
}

// Import restores dedup sets from the string keys Export produced. Used
// on cold start when the loaded date equals today (spec §4.6 "Recovery
// on start"); malformed entries are skipped rather than failing load.
func (d *DedupSets) Import(runners, selections []string) {
	for _, r := range runners {
		parts := strings.SplitN(r, "|", 2)
		if len(parts) != 2 {
			continue
		}
		raceTime, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		d.runners[runnerKey{runnerName: parts[0], raceTime: raceTime}] = struct{}{}
	}
	for _, s := range selections {
		parts := strings.SplitN(s, "|", 2)
		if len(parts) != 2 {
			continue
		}
		selectionID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		d.selections[selectionKey{selectionID: selectionID, marketID: parts[1]}] = struct{}{}
	}
}

// Pipeline owns the exchange client used for live submission.
type Pipeline struct {
	client *exchange.Client
	logger *slog.Logger
}

// New creates a Pipeline.
func New(client *exchange.Client, logger *slog.Logger) *Pipeline {
	return &Pipeline{client: client, logger: logger.With("component", "betpipeline")}
}

// Submit processes one BetInstruction against the given dedup sets and
// session aggregate, per spec §4.5 steps 1-6. dryRun is read per-call (not
// cached) so a mid-session toggle_dry_run() takes effect on the next bet.
func (p *Pipeline) Submit(ctx context.Context, instr types.BetInstruction, market types.Market, dryRun bool, dedup *DedupSets, agg *SessionAggregate) *types.BetRecord {
	rk := runnerKey{runnerName: instr.RunnerName, raceTime: market.MarketStartTime.Unix()}
	sk := selectionKey{selectionID: instr.SelectionID, marketID: instr.MarketID}

	if dedup.has(rk, sk) {
		p.logger.Info("duplicate bet skipped", "market", instr.MarketID, "selection", instr.SelectionID)
		return nil
	}

	// Optimistic add before network submission (spec §4.5 step 3).
	dedup.add(rk, sk)

	record := &types.BetRecord{
		BetID:       uuid.NewString(),
		MarketID:    instr.MarketID,
		MarketName:  market.MarketName,
		EventName:   market.EventName,
		RaceTime:    market.MarketStartTime,
		SelectionID: instr.SelectionID,
		RunnerName:  instr.RunnerName,
		Side:        instr.Side,
		Price:       instr.Price,
		Size:        instr.Size,
		Liability:   instr.Liability,
		Rule:        instr.Rule,
		Discipline:  market.Discipline,
		SubmittedAt: time.Now().UTC(),
	}

	if dryRun {
		record.Status = "DRY_RUN"
		agg.Record(*record)
		return record
	}

	ack, err := p.client.SubmitLay(ctx, instr.MarketID, instr.SelectionID, instr.Size, instr.Price)
	if err != nil {
		record.Status = "ERROR"
		record.ErrorMessage = err.Error()
		// Network/transient errors: treat conservatively as recoverable so
		// a future tick may retry rather than silently never re-betting.
		dedup.remove(rk, sk)
		agg.Record(*record)
		return record
	}

	if ack.Success {
		record.Status = "PLACED"
		record.BetfairBetID = ack.BetID
	} else {
		record.Status = "REJECTED"
		record.ErrorMessage = ack.ErrorCode
		if exchange.IsRecoverable(ack.ErrorCode) {
			dedup.remove(rk, sk)
		}
	}

	agg.Record(*record)
	return record
}

// SessionAggregate tracks the running totals for the active session
// (spec §3 Session.summary), updated after every bet. Grounded in the
// teacher's risk.Manager aggregate-on-report pattern: a single mutex-free
// struct recomputed by its sole caller, the scheduler.
type SessionAggregate struct {
	Bets             int
	TotalStake       decimal.Decimal
	TotalLiability   decimal.Decimal
	PerRule          map[types.RuleName]int
	SpreadRejections int
	JOFSSplits       int
	MarketsProcessed int
}

// NewSessionAggregate creates a zeroed aggregate.
func NewSessionAggregate() *SessionAggregate {
	return &SessionAggregate{PerRule: make(map[types.RuleName]int)}
}

// Record folds one BetRecord's outcome into the running totals. Only
// successfully-placed and dry-run bets count toward stake/liability; a
// rejected or errored bet still counts toward PerRule so the operator can
// see rule activity regardless of outcome.
func (a *SessionAggregate) Record(rec types.BetRecord) {
	a.PerRule[rec.Rule]++
	if rec.Status == "PLACED" || rec.Status == "DRY_RUN" {
		a.Bets++
		a.TotalStake = a.TotalStake.Add(rec.Size)
		a.TotalLiability = a.TotalLiability.Add(rec.Liability)
	}
}

// RecordSpreadRejection increments the spread-rejection counter (spec §4.2 step 7).
func (a *SessionAggregate) RecordSpreadRejection() { a.SpreadRejections++ }

// RecordJOFSSplit increments the JOFS-split counter (spec §4.2 step 8).
func (a *SessionAggregate) RecordJOFSSplit() { a.JOFSSplits++ }

// MarketProcessed increments the markets_processed counter.
func (a *SessionAggregate) MarketProcessed() { a.MarketsProcessed++ }

// Summary renders the aggregate into the Session.summary shape.
func (a *SessionAggregate) Summary() string {
	return fmt.Sprintf(
		"bets=%d stake=%s liability=%s markets=%d spread_rejections=%d jofs_splits=%d",
		a.Bets, a.TotalStake.StringFixed(2), a.TotalLiability.StringFixed(2),
		a.MarketsProcessed, a.SpreadRejections, a.JOFSSplits,
	)
}
