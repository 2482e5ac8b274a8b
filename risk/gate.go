package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Single authority over the portfolio
// ═══════════════════════════════════════════════════════════════════════════════
//
// Detector asks → Gate reserves → Coordinator executes → Supervisor exits
//
// The gate owns the set of non-closed positions. Every other component reads
// it through the gate and mutates it only via TryReserve / Release / Commit /
// Close, all serialized under one mutex. A reservation is a Pending
// placeholder created BEFORE any order leaves the process, so overlapping
// ticks can never double-enter a market.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrRiskLimit: the concurrent-positions cap is in use. Expected control
	// flow, not a fault; the trigger may fire again on a later tick.
	ErrRiskLimit = errors.New("risk: max concurrent positions reached")

	// ErrMarketOccupied: the market already has a non-closed position.
	ErrMarketOccupied = errors.New("risk: market already has a position")
)

// Gate is the mutual-exclusion point for opening positions
type Gate struct {
	mu sync.Mutex

	maxOpen int

	// Non-closed positions by market ID (the live portfolio)
	open map[string]*types.Position

	// Terminal positions kept for reporting
	closed []*types.Position

	nextID int64
}

// NewGate creates the portfolio gate
func NewGate(maxConcurrent int) *Gate {
	g := &Gate{
		maxOpen: maxConcurrent,
		open:    make(map[string]*types.Position),
	}

	log.Info().
		Int("max_positions", maxConcurrent).
		Msg("🛡️ Risk gate initialized")

	return g
}

// TryReserve claims a portfolio slot for marketID and plants a Pending
// placeholder. Returns ErrRiskLimit or ErrMarketOccupied when denied.
// The caller must Release on every non-success path or Commit on fill.
func (g *Gate) TryReserve(marketID string, side types.Side, tokenID string) (*types.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, occupied := g.open[marketID]; occupied {
		return nil, ErrMarketOccupied
	}
	if len(g.open) >= g.maxOpen {
		return nil, ErrRiskLimit
	}

	g.nextID++
	pos := &types.Position{
		ID:       fmt.Sprintf("POS_%d_%d", time.Now().UnixNano(), g.nextID),
		MarketID: marketID,
		Side:     side,
		TokenID:  tokenID,
		Status:   types.StatusPending,
	}
	g.open[marketID] = pos

	log.Debug().
		Str("market", marketID).
		Str("side", string(side)).
		Int("open", len(g.open)).
		Msg("Slot reserved")

	return pos, nil
}

// Release drops a Pending placeholder after a failed entry, freeing the slot.
// Releasing a market with no Pending placeholder is a no-op.
func (g *Gate) Release(marketID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos, ok := g.open[marketID]
	if !ok || pos.Status != types.StatusPending {
		return
	}
	delete(g.open, marketID)

	log.Debug().
		Str("market", marketID).
		Int("open", len(g.open)).
		Msg("Reservation released")
}

// Commit promotes the Pending placeholder to Open with the actual fill
func (g *Gate) Commit(marketID string, fillPrice, fillSize decimal.Decimal, at time.Time) (*types.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos, ok := g.open[marketID]
	if !ok || pos.Status != types.StatusPending {
		return nil, fmt.Errorf("risk: no pending reservation for market %s", marketID)
	}

	pos.Status = types.StatusOpen
	pos.EntryPrice = fillPrice
	pos.Size = fillSize
	pos.EntryTime = at
	pos.SoldSize = decimal.Zero
	pos.SaleProceeds = decimal.Zero

	log.Info().
		Str("market", marketID).
		Str("side", string(pos.Side)).
		Str("entry", fillPrice.StringFixed(4)).
		Str("size", fillSize.StringFixed(2)).
		Int("open", len(g.open)).
		Msg("✅ Position opened")

	return pos, nil
}

// Close finalizes a position: terminal, slot freed, kept in the closed record.
// exitPrice is the blended per-share exit value across sells and settlement.
func (g *Gate) Close(marketID string, exitPrice decimal.Decimal, reason types.ExitReason, at time.Time) (*types.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pos, ok := g.open[marketID]
	if !ok {
		return nil, fmt.Errorf("risk: no open position for market %s", marketID)
	}
	if pos.Status == types.StatusClosed {
		return nil, fmt.Errorf("risk: position %s already closed", pos.ID)
	}

	pos.Status = types.StatusClosed
	pos.ExitPrice = exitPrice
	pos.ExitTime = at
	pos.ExitReason = reason

	delete(g.open, marketID)
	g.closed = append(g.closed, pos)

	log.Info().
		Str("market", marketID).
		Str("side", string(pos.Side)).
		Str("exit", exitPrice.StringFixed(4)).
		Str("reason", string(reason)).
		Str("pnl", pos.RealizedPnL().StringFixed(4)).
		Int("open", len(g.open)).
		Msg("📊 Position closed")

	return pos, nil
}

// Restore re-inserts a recovered position after a restart. The position must
// be Open or ExitingStopLoss; anything else is rejected.
func (g *Gate) Restore(pos *types.Position) error {
	if pos.Status != types.StatusOpen && pos.Status != types.StatusExitingStopLoss {
		return fmt.Errorf("risk: cannot restore position in state %s", pos.Status)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, occupied := g.open[pos.MarketID]; occupied {
		return ErrMarketOccupied
	}
	g.open[pos.MarketID] = pos

	log.Warn().
		Str("market", pos.MarketID).
		Str("side", string(pos.Side)).
		Str("status", string(pos.Status)).
		Msg("📥 Position restored from persistence")

	return nil
}

// Covered reports whether marketID already has a non-closed position.
// The detector uses this for per-market exclusivity.
func (g *Gate) Covered(marketID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.open[marketID]
	return ok
}

// OpenCount returns the number of non-closed positions (Pending included)
func (g *Gate) OpenCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.open)
}

// OpenPositions returns a snapshot of the live portfolio
func (g *Gate) OpenPositions() []*types.Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*types.Position, 0, len(g.open))
	for _, p := range g.open {
		out = append(out, p)
	}
	return out
}

// ClosedPositions returns the closed-positions record
func (g *Gate) ClosedPositions() []*types.Position {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*types.Position, len(g.closed))
	copy(out, g.closed)
	return out
}

// RealizedPnL sums P&L over all closed positions
func (g *Gate) RealizedPnL() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := decimal.Zero
	for _, p := range g.closed {
		total = total.Add(p.RealizedPnL())
	}
	return total
}
