package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is one of the two outcomes of an up/down market
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Opposite returns the other side of the market
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Market is one tradable instance of the recurring 15-minute contract
type Market struct {
	ID        string          // Condition ID
	Slug      string          // e.g. "btc-updown-15m-1767193200"
	Question  string          // Full question text
	Tokens    map[Side]string // Outcome token IDs by side
	ExpiresAt time.Time       // When the market resolves
}

// IsExpired returns true once the market has passed resolution time
func (m *Market) IsExpired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// PriceSnapshot is a single observed midpoint for one side of a market.
// Ephemeral - produced each tick, never persisted.
type PriceSnapshot struct {
	MarketID   string
	Side       Side
	Mid        decimal.Decimal // in [0,1]
	ObservedAt time.Time
}

// TriggerEvent is emitted when a side crosses the trigger threshold
type TriggerEvent struct {
	MarketID     string
	Side         Side
	TokenID      string
	TriggerPrice decimal.Decimal
	ObservedAt   time.Time
}

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	StatusPending         PositionStatus = "PENDING"           // Reserved, order in flight
	StatusOpen            PositionStatus = "OPEN"              // Entry filled
	StatusExitingStopLoss PositionStatus = "EXITING_STOP_LOSS" // Protective sell in progress
	StatusClosed          PositionStatus = "CLOSED"            // Terminal
)

// ExitReason records why a position closed
type ExitReason string

const (
	ExitStopLoss    ExitReason = "STOP_LOSS"
	ExitResolved    ExitReason = "RESOLVED"
	ExitManualClose ExitReason = "MANUAL_CLOSE"
)

// Position is an open or closed exposure on one side of a market.
// At most one non-Closed position exists per market at any time; the risk
// gate enforces that. After creation the supervisor is the only mutator.
type Position struct {
	ID         string
	MarketID   string
	Side       Side
	TokenID    string
	EntryPrice decimal.Decimal
	Size       decimal.Decimal // shares bought at entry
	EntryTime  time.Time
	Status     PositionStatus
	Strategy   string

	// Partial stop-loss accounting: shares already sold and the cash they
	// brought in. Residual = Size - SoldSize stays protected until filled
	// or the market resolves.
	SoldSize     decimal.Decimal
	SaleProceeds decimal.Decimal

	// Set only at closure
	ExitPrice  decimal.Decimal // average across all exit fills / settlement
	ExitTime   time.Time
	ExitReason ExitReason
}

// Residual returns the share count still held
func (p *Position) Residual() decimal.Decimal {
	return p.Size.Sub(p.SoldSize)
}

// RealizedPnL is total exit value minus entry cost. Valid once Closed.
func (p *Position) RealizedPnL() decimal.Decimal {
	return p.ExitPrice.Mul(p.Size).Sub(p.EntryPrice.Mul(p.Size))
}

// Cost returns the USD spent on entry
func (p *Position) Cost() decimal.Decimal {
	return p.EntryPrice.Mul(p.Size)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER PLUMBING
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of an order
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// TimeInForce controls order resting behaviour
type TimeInForce string

const (
	// ImmediateOrCancel fills in full immediately or cancels; nothing rests
	ImmediateOrCancel TimeInForce = "FOK"
	GoodTilCancelled  TimeInForce = "GTC"
)

// FillStatus is the gateway's report for a submitted order
type FillStatus string

const (
	FullFill    FillStatus = "FULL_FILL"
	PartialFill FillStatus = "PARTIAL_FILL"
	NoFill      FillStatus = "NO_FILL"
)

// OrderRequest describes one order to submit
type OrderRequest struct {
	MarketID    string
	TokenID     string
	Side        Side
	Direction   Direction
	LimitPrice  decimal.Decimal
	Size        decimal.Decimal // shares
	TimeInForce TimeInForce
}

// Fill is the gateway's execution report. Transport and protocol failures
// are returned as errors by the gateway, not encoded here.
type Fill struct {
	Status       FillStatus
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
}
