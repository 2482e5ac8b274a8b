package core

import (
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL DETECTOR - Momentum trigger on midpoint snapshots
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure function of its inputs: the same snapshots against the same portfolio
// view always produce the same answer, so re-evaluating a tick can never
// double-trigger.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PortfolioView is the read-only occupancy check the detector needs.
// *risk.Gate satisfies it.
type PortfolioView interface {
	Covered(marketID string) bool
}

// Detect evaluates one market's snapshots against the trigger threshold.
// It returns at most one trigger per market: if both sides read at or above
// the threshold in the same tick (stale or inconsistent data, since the two
// prices are complementary), the higher one wins deterministically.
func Detect(market *types.Market, snaps []types.PriceSnapshot, portfolio PortfolioView, threshold decimal.Decimal) *types.TriggerEvent {
	if market == nil || portfolio.Covered(market.ID) {
		return nil
	}

	var best *types.PriceSnapshot
	for i := range snaps {
		s := &snaps[i]
		if s.MarketID != market.ID {
			continue
		}
		if s.Mid.LessThan(threshold) {
			continue
		}
		if best == nil || s.Mid.GreaterThan(best.Mid) {
			best = s
		}
	}
	if best == nil {
		return nil
	}

	tokenID, ok := market.Tokens[best.Side]
	if !ok {
		return nil
	}

	return &types.TriggerEvent{
		MarketID:     market.ID,
		Side:         best.Side,
		TokenID:      tokenID,
		TriggerPrice: best.Mid,
		ObservedAt:   best.ObservedAt,
	}
}
