// Package rules implements the deterministic stake-rule, spread-gate, and
// JOFS decision pipeline (spec §4.2). Evaluate is a pure function: the
// same (Market, MarketBook, Config) always yields the same RuleDecision.
// No type here holds mutable state across calls.
package rules

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"layengine/internal/config"
	"layengine/pkg/types"
)

var (
	two   = decimal.NewFromInt(2)
	five  = decimal.NewFromInt(5)
	one   = decimal.NewFromInt(1)
)

// runnerView joins a Market's catalogue Runner (name, sort_priority) with
// its live book prices for one evaluation.
type runnerView struct {
	SelectionID  int64
	Name         string
	SortPriority int
	BestLay      decimal.Decimal // zero value means unpriced
	BestBack     decimal.Decimal
	hasLay       bool
}

// Evaluate runs the full decision pipeline for one market at one tick.
func Evaluate(market types.Market, book types.MarketBook, cfg config.StrategyConfig) types.RuleDecision {
	now := book.PublishTime
	decision := types.RuleDecision{
		MarketID:    market.MarketID,
		EvaluatedAt: now,
		Rule:        types.RuleNone,
	}

	// 1. in_play / closed guard.
	if book.InPlay || book.Status != types.MarketOpen {
		decision.Reason = "in_play_or_closed"
		return decision
	}

	views := joinRunnerViews(market, book)
	if len(views) == 0 {
		decision.Reason = "no_runners"
		return decision
	}

	fav := favouriteOf(views)
	if fav == nil {
		decision.Reason = "no_favourite"
		return decision
	}

	// 2. favourite must be priced and within max_lay_odds.
	if !fav.hasLay {
		decision.Reason = "no_price"
		return decision
	}
	maxOdds := decimal.NewFromFloat(cfg.MaxLayOdds)
	if fav.BestLay.GreaterThan(maxOdds) {
		decision.Reason = "max_odds_exceeded"
		return decision
	}

	// 3. min_odds guard.
	minOdds := decimal.NewFromFloat(cfg.MinOdds)
	if fav.BestLay.LessThan(minOdds) {
		decision.Reason = "below_min_odds"
		return decision
	}

	favOdds := fav.BestLay
	second := secondFavouriteOf(views)

	// 5. rule selection.
	var ruleName types.RuleName
	var basePoints decimal.Decimal
	var targets []runnerView

	switch {
	case favOdds.LessThan(two):
		ruleName = types.Rule1
		basePoints = decimal.NewFromInt(3)
		targets = []runnerView{*fav}
	case favOdds.LessThanOrEqual(five):
		ruleName = types.Rule2
		basePoints = two
		targets = []runnerView{*fav}
	default:
		if second != nil && second.hasLay && second.BestLay.Sub(favOdds).LessThan(two) {
			ruleName = types.Rule3A
			basePoints = one
			targets = []runnerView{*fav, *second}
		} else {
			ruleName = types.Rule3B
			basePoints = one
			targets = []runnerView{*fav}
		}
	}

	pointValue := decimal.NewFromFloat(cfg.PointValue)
	baseSize := basePoints.Mul(pointValue).Round(2)

	// 6. Enforce the exchange's minimum order size (spec §4.2 step 6 /
	// §8.3 "size ≥ exchange_min"): a computed stake below the floor is
	// raised to it rather than rejected outright.
	minSize := decimal.NewFromFloat(cfg.MinBetSize)
	if baseSize.LessThan(minSize) {
		baseSize = minSize
	}

	instructions := make([]types.BetInstruction, 0, len(targets))
	for _, t := range targets {
		instructions = append(instructions, types.BetInstruction{
			MarketID:    market.MarketID,
			SelectionID: t.SelectionID,
			RunnerName:  t.Name,
			Side:        types.Lay,
			Price:       t.BestLay,
			Size:        baseSize,
			Liability:   baseSize.Mul(t.BestLay.Sub(one)),
			Persistence: types.PersistenceLapse,
			Rule:        ruleName,
		})
	}

	// 7. spread gate.
	var spreadRejections []string
	if cfg.SpreadControlEnabled {
		kept := make([]types.BetInstruction, 0, len(instructions))
		for _, instr := range instructions {
			view := findView(views, instr.SelectionID)
			if view == nil || !view.hasLay || view.BestBack.IsZero() {
				spreadRejections = append(spreadRejections, instr.RunnerName)
				continue
			}
			spread := view.BestLay.Sub(view.BestBack)
			if spread.GreaterThan(spreadBandThreshold(view.BestLay)) {
				spreadRejections = append(spreadRejections, instr.RunnerName)
				continue
			}
			kept = append(kept, instr)
		}
		instructions = kept
		if len(instructions) == 0 {
			decision.Reason = "spread"
			decision.Rule = ruleName
			return decision
		}
	}

	// 8. JOFS.
	jofsApplied := false
	if cfg.JOFSEnabled {
		instructions, jofsApplied = applyJOFS(instructions, views, *fav, ruleName, targets)
	}

	decision.Rule = ruleName
	decision.Applied = true
	decision.Instructions = instructions
	if len(spreadRejections) > 0 {
		decision.Reason = fmt.Sprintf("spread_rejected:%v", spreadRejections)
	}
	if jofsApplied {
		decision.Reason = decision.Reason + ";jofs_split"
	}
	return decision
}

func joinRunnerViews(market types.Market, book types.MarketBook) []runnerView {
	bookBySelection := make(map[int64]types.RunnerBook, len(book.Runners))
	for _, rb := range book.Runners {
		bookBySelection[rb.SelectionID] = rb
	}

	views := make([]runnerView, 0, len(market.Runners))
	for _, r := range market.Runners {
		v := runnerView{SelectionID: r.SelectionID, Name: r.RunnerName, SortPriority: r.SortPriority}
		if rb, ok := bookBySelection[r.SelectionID]; ok {
			if len(rb.BestLay) > 0 {
				v.BestLay = rb.BestLay[0].Price
				v.hasLay = true
			}
			if len(rb.BestBack) > 0 {
				v.BestBack = rb.BestBack[0].Price
			}
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].SortPriority < views[j].SortPriority })
	return views
}

func favouriteOf(views []runnerView) *runnerView {
	for i := range views {
		if views[i].SortPriority == 1 {
			return &views[i]
		}
	}
	return nil
}

func secondFavouriteOf(views []runnerView) *runnerView {
	for i := range views {
		if views[i].SortPriority == 2 {
			return &views[i]
		}
	}
	return nil
}

func findView(views []runnerView, selectionID int64) *runnerView {
	for i := range views {
		if views[i].SelectionID == selectionID {
			return &views[i]
		}
	}
	return nil
}

// spreadBandThreshold returns the maximum acceptable lay-back spread for a
// runner priced at layOdds (spec §4.2 step 7). Bands are left-inclusive.
func spreadBandThreshold(layOdds decimal.Decimal) decimal.Decimal {
	switch {
	case layOdds.LessThan(decimal.NewFromFloat(2.0)):
		return decimal.NewFromFloat(0.05)
	case layOdds.LessThan(decimal.NewFromFloat(3.0)):
		return decimal.NewFromFloat(0.15)
	case layOdds.LessThan(decimal.NewFromFloat(5.0)):
		return decimal.NewFromFloat(0.30)
	case layOdds.LessThan(decimal.NewFromFloat(8.0)):
		return decimal.NewFromFloat(0.50)
	default:
		return decimal.Zero // >= 8.0 rejects unconditionally
	}
}

// tickSizeFor returns the exchange's minimum legal price increment for a
// price band (spec §4.2 step 8 / GLOSSARY "Tick").
func tickSizeFor(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThan(two):
		return decimal.NewFromFloat(0.01)
	case price.LessThan(decimal.NewFromInt(3)):
		return decimal.NewFromFloat(0.02)
	case price.LessThan(decimal.NewFromInt(4)):
		return decimal.NewFromFloat(0.05)
	case price.LessThan(decimal.NewFromInt(6)):
		return decimal.NewFromFloat(0.1)
	case price.LessThan(decimal.NewFromInt(10)):
		return decimal.NewFromFloat(0.2)
	case price.LessThan(decimal.NewFromInt(20)):
		return decimal.NewFromFloat(0.5)
	case price.LessThan(decimal.NewFromInt(30)):
		return one
	case price.LessThan(decimal.NewFromInt(50)):
		return two
	default:
		return five
	}
}

// applyJOFS splits the favourite's stake across every runner priced equal
// to, or within one exchange tick of, the favourite's lay odds — but only
// when the active rule actually targets the favourite (spec §4.2 step 8).
func applyJOFS(instructions []types.BetInstruction, views []runnerView, fav runnerView, rule types.RuleName, targets []runnerView) ([]types.BetInstruction, bool) {
	favTargeted := false
	var favInstrIdx int
	for i, instr := range instructions {
		if instr.SelectionID == fav.SelectionID {
			favTargeted = true
			favInstrIdx = i
			break
		}
	}
	if !favTargeted {
		return instructions, false
	}

	tick := tickSizeFor(fav.BestLay)
	joint := make([]runnerView, 0, 2)
	for _, v := range views {
		if !v.hasLay {
			continue
		}
		diff := v.BestLay.Sub(fav.BestLay).Abs()
		if diff.IsZero() || diff.LessThanOrEqual(tick) {
			joint = append(joint, v)
		}
	}
	if len(joint) < 2 {
		return instructions, false
	}

	favInstr := instructions[favInstrIdx]
	total := favInstr.Size
	sizeEach := roundDown(total.Div(decimal.NewFromInt(int64(len(joint)))), decimal.NewFromFloat(0.01))

	out := make([]types.BetInstruction, 0, len(instructions)+len(joint))
	for i, instr := range instructions {
		if i == favInstrIdx {
			continue
		}
		out = append(out, instr)
	}
	for _, v := range joint {
		out = append(out, types.BetInstruction{
			MarketID:    favInstr.MarketID,
			SelectionID: v.SelectionID,
			RunnerName:  v.Name,
			Side:        types.Lay,
			Price:       v.BestLay,
			Size:        sizeEach,
			Liability:   sizeEach.Mul(v.BestLay.Sub(one)),
			Persistence: types.PersistenceLapse,
			Rule:        rule,
		})
	}
	return out, true
}

// roundDown truncates v to the nearest multiple of unit, rounding toward zero.
func roundDown(v, unit decimal.Decimal) decimal.Decimal {
	if unit.IsZero() {
		return v
	}
	quotient := v.Div(unit)
	truncated := quotient.Truncate(0)
	return truncated.Mul(unit)
}
