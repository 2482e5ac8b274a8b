package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/risk"
	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SUPERVISOR - Protects every open position until exit
// ═══════════════════════════════════════════════════════════════════════════════
//
// State machine per position:
//
//   Pending → Open → Closed                     (held to resolution)
//                 ↘ ExitingStopLoss → Closed    (protective sell)
//
// ExitingStopLoss never goes back to Open. A stop-loss sell that cannot fill
// is retried every tick; if the market resolves first, the residual is
// force-closed at settlement value. Retry is a property of the state, not a
// counter.
//
// ═══════════════════════════════════════════════════════════════════════════════

const half = 0.5

// Supervisor owns every position from creation to closure
type Supervisor struct {
	gate    *risk.Gate
	gateway OrderGateway
	prices  PriceSource
	feed    MarketFeed

	stopLoss decimal.Decimal

	// Last good midpoint per supervised market, used as the settlement
	// fallback when the resolution oracle has not reported yet.
	mu      sync.Mutex
	lastMid map[string]decimal.Decimal

	// Called after a position reaches Closed (persistence, notifications)
	onClose func(pos *types.Position)
}

// NewSupervisor creates the position supervisor
func NewSupervisor(gate *risk.Gate, gateway OrderGateway, prices PriceSource, feed MarketFeed, stopLoss decimal.Decimal) *Supervisor {
	return &Supervisor{
		gate:     gate,
		gateway:  gateway,
		prices:   prices,
		feed:     feed,
		stopLoss: stopLoss,
		lastMid:  make(map[string]decimal.Decimal),
	}
}

// OnClose sets the closed-position callback
func (s *Supervisor) OnClose(fn func(pos *types.Position)) {
	s.onClose = fn
}

// CheckAll runs one supervision pass over the live portfolio. markets must
// contain every market a supervised position belongs to; the engine retains
// market metadata until its position closes even after the feed stops
// listing it.
func (s *Supervisor) CheckAll(ctx context.Context, markets map[string]*types.Market, now time.Time) {
	for _, pos := range s.gate.OpenPositions() {
		if pos.Status != types.StatusOpen && pos.Status != types.StatusExitingStopLoss {
			continue
		}
		market := markets[pos.MarketID]
		if market == nil {
			log.Warn().
				Str("market", pos.MarketID).
				Msg("⚠️ Supervised position has no market metadata, skipping tick")
			continue
		}
		s.check(ctx, pos, market, now)
	}
}

// check advances one position by at most one transition
func (s *Supervisor) check(ctx context.Context, pos *types.Position, market *types.Market, now time.Time) {
	if market.IsExpired(now) {
		s.settle(ctx, pos, market, now)
		return
	}

	switch pos.Status {
	case types.StatusOpen:
		mid, err := s.prices.MidPrice(ctx, market, pos.Side)
		if err != nil {
			// Stale data must never look like a stop-loss; re-check next tick
			log.Debug().
				Str("market", pos.MarketID).
				Err(err).
				Msg("Price unavailable, holding")
			return
		}
		s.remember(pos.MarketID, mid)

		if mid.LessThanOrEqual(s.stopLoss) {
			log.Warn().
				Str("market", pos.MarketID).
				Str("side", string(pos.Side)).
				Str("mid", mid.StringFixed(4)).
				Str("stop", s.stopLoss.StringFixed(2)).
				Msg("🛑 STOP LOSS triggered")
			pos.Status = types.StatusExitingStopLoss
			s.attemptStopLossSell(ctx, pos, market, mid, now)
		}

	case types.StatusExitingStopLoss:
		mid, err := s.prices.MidPrice(ctx, market, pos.Side)
		if err != nil {
			// Sell as aggressively as the stop threshold allows
			mid = s.stopLoss
		} else {
			s.remember(pos.MarketID, mid)
		}
		s.attemptStopLossSell(ctx, pos, market, mid, now)
	}
}

// attemptStopLossSell submits an immediate sell for the unprotected residual.
// Partial fills shrink the residual; full fills close the position. Failures
// leave the state untouched so the next tick retries.
func (s *Supervisor) attemptStopLossSell(ctx context.Context, pos *types.Position, market *types.Market, limit decimal.Decimal, now time.Time) {
	residual := pos.Residual()
	if !residual.IsPositive() {
		return
	}

	fill, err := s.gateway.Submit(ctx, types.OrderRequest{
		MarketID:    pos.MarketID,
		TokenID:     pos.TokenID,
		Side:        pos.Side,
		Direction:   types.Sell,
		LimitPrice:  limit,
		Size:        residual,
		TimeInForce: types.ImmediateOrCancel,
	})
	if err != nil {
		// An unprotected position is the primary risk; keep retrying
		log.Warn().
			Str("market", pos.MarketID).
			Err(err).
			Msg("⚠️ Stop-loss sell failed, retrying next tick")
		return
	}

	switch fill.Status {
	case types.FullFill, types.PartialFill:
		if !fill.FilledSize.IsPositive() {
			return
		}
		pos.SoldSize = pos.SoldSize.Add(fill.FilledSize)
		pos.SaleProceeds = pos.SaleProceeds.Add(fill.AvgFillPrice.Mul(fill.FilledSize))

		if pos.Residual().IsPositive() {
			log.Warn().
				Str("market", pos.MarketID).
				Str("sold", pos.SoldSize.StringFixed(2)).
				Str("residual", pos.Residual().StringFixed(2)).
				Msg("Partial stop-loss fill, residual stays protected")
			return
		}

		exitAvg := pos.SaleProceeds.Div(pos.Size)
		s.finalize(pos, exitAvg, types.ExitStopLoss, now)

	case types.NoFill:
		log.Debug().
			Str("market", pos.MarketID).
			Msg("No liquidity for stop-loss sell, retrying next tick")
	}
}

// settle force-closes a position whose market has resolved. Settlement pays
// 1.0 per share to the winning side and nothing to the other.
func (s *Supervisor) settle(ctx context.Context, pos *types.Position, market *types.Market, now time.Time) {
	winner, resolved, err := s.feed.Outcome(ctx, market)
	if err != nil || !resolved {
		// Oracle not settled yet; the last observed midpoint tells us which
		// side the market converged to.
		last, ok := s.recall(pos.MarketID)
		if !ok {
			log.Debug().
				Str("market", pos.MarketID).
				Msg("Awaiting resolution outcome")
			return
		}
		winner = pos.Side
		if last.LessThan(decimal.NewFromFloat(half)) {
			winner = pos.Side.Opposite()
		}
	}

	settlement := decimal.Zero
	if winner == pos.Side {
		settlement = decimal.NewFromInt(1)
	}

	// Blend any partial stop-loss proceeds with the settled residual
	total := pos.SaleProceeds.Add(settlement.Mul(pos.Residual()))
	exitAvg := total.Div(pos.Size)

	log.Info().
		Str("market", pos.MarketID).
		Str("side", string(pos.Side)).
		Str("winner", string(winner)).
		Str("settlement", settlement.StringFixed(1)).
		Msg("🏁 Market resolved")

	s.finalize(pos, exitAvg, types.ExitResolved, now)
}

// ManualClose unwinds a position on demand with an immediate sell
func (s *Supervisor) ManualClose(ctx context.Context, marketID string, markets map[string]*types.Market) error {
	var pos *types.Position
	for _, p := range s.gate.OpenPositions() {
		if p.MarketID == marketID && p.Status == types.StatusOpen {
			pos = p
			break
		}
	}
	if pos == nil {
		return fmt.Errorf("supervisor: no open position for market %s", marketID)
	}
	market := markets[marketID]
	if market == nil {
		return fmt.Errorf("supervisor: no market metadata for %s", marketID)
	}

	mid, err := s.prices.MidPrice(ctx, market, pos.Side)
	if err != nil {
		return fmt.Errorf("supervisor: manual close: %w", err)
	}

	fill, err := s.gateway.Submit(ctx, types.OrderRequest{
		MarketID:    pos.MarketID,
		TokenID:     pos.TokenID,
		Side:        pos.Side,
		Direction:   types.Sell,
		LimitPrice:  mid,
		Size:        pos.Residual(),
		TimeInForce: types.ImmediateOrCancel,
	})
	if err != nil {
		return fmt.Errorf("supervisor: manual close: %w", err)
	}
	if fill.Status == types.NoFill || !fill.FilledSize.IsPositive() {
		return fmt.Errorf("supervisor: manual close: no liquidity")
	}

	pos.SoldSize = pos.SoldSize.Add(fill.FilledSize)
	pos.SaleProceeds = pos.SaleProceeds.Add(fill.AvgFillPrice.Mul(fill.FilledSize))
	if pos.Residual().IsPositive() {
		// Whatever did not fill stays protected like a stop-loss exit
		pos.Status = types.StatusExitingStopLoss
		return nil
	}

	s.finalize(pos, pos.SaleProceeds.Div(pos.Size), types.ExitManualClose, time.Now())
	return nil
}

// finalize closes the position through the gate and fires the callback
func (s *Supervisor) finalize(pos *types.Position, exitAvg decimal.Decimal, reason types.ExitReason, at time.Time) {
	closed, err := s.gate.Close(pos.MarketID, exitAvg, reason, at)
	if err != nil {
		log.Error().
			Str("market", pos.MarketID).
			Err(err).
			Msg("❌ Failed to close position in gate")
		return
	}
	s.forget(pos.MarketID)

	if s.onClose != nil {
		s.onClose(closed)
	}
}

func (s *Supervisor) remember(marketID string, mid decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMid[marketID] = mid
}

func (s *Supervisor) recall(marketID string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mid, ok := s.lastMid[marketID]
	return mid, ok
}

func (s *Supervisor) forget(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastMid, marketID)
}
