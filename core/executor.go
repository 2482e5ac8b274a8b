package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/risk"
	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION COORDINATOR - Trigger → reservation → FOK buy → open position
// ═══════════════════════════════════════════════════════════════════════════════
//
// Ordering is the whole point here: the gate reservation exists before the
// order leaves the process, and is released on every path that does not end
// in a fill. The entry order is fill-or-kill, so there is never a resting
// remainder to manage.
//
// ═══════════════════════════════════════════════════════════════════════════════

// FailReason classifies a failed entry attempt
type FailReason string

const (
	RiskLimitReached FailReason = "RISK_LIMIT_REACHED" // Expected control flow, no order sent
	NoLiquidity      FailReason = "NO_LIQUIDITY"       // FOK could not fill; retryable next tick
	GatewayError     FailReason = "GATEWAY_ERROR"      // Transport/protocol failure; retryable
)

// ExecError is a failed entry with its classification
type ExecError struct {
	Reason FailReason
	Err    error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execute: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("execute: %s", e.Reason)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Coordinator turns trigger events into open positions
type Coordinator struct {
	gate    *risk.Gate
	gateway OrderGateway

	orderPrice decimal.Decimal
	sizeUSD    decimal.Decimal

	// Failed entry attempts per market; a market that keeps rejecting the
	// FOK is dropped until it rotates out of the active set.
	mu          sync.Mutex
	attempts    map[string]int
	maxAttempts int
}

// NewCoordinator creates the execution coordinator
func NewCoordinator(gate *risk.Gate, gateway OrderGateway, orderPrice, maxSizeUSD decimal.Decimal, maxAttempts int) *Coordinator {
	return &Coordinator{
		gate:        gate,
		gateway:     gateway,
		orderPrice:  orderPrice,
		sizeUSD:     maxSizeUSD,
		attempts:    make(map[string]int),
		maxAttempts: maxAttempts,
	}
}

// OrderSize returns the share count bought per entry: sizeUSD / orderPrice,
// truncated to the CLOB's two-decimal share precision.
func (c *Coordinator) OrderSize() decimal.Decimal {
	return c.sizeUSD.Div(c.orderPrice).Truncate(2)
}

// Execute attempts to convert a trigger into an open position.
// On failure it returns *ExecError with the reservation released.
func (c *Coordinator) Execute(ctx context.Context, trigger *types.TriggerEvent) (*types.Position, error) {
	if c.exhausted(trigger.MarketID) {
		return nil, &ExecError{Reason: NoLiquidity, Err: fmt.Errorf("market %s: entry attempts exhausted", trigger.MarketID)}
	}

	// Reserve before anything leaves the process
	if _, err := c.gate.TryReserve(trigger.MarketID, trigger.Side, trigger.TokenID); err != nil {
		if errors.Is(err, risk.ErrRiskLimit) || errors.Is(err, risk.ErrMarketOccupied) {
			log.Debug().
				Str("market", trigger.MarketID).
				Err(err).
				Msg("Entry deferred")
			return nil, &ExecError{Reason: RiskLimitReached, Err: err}
		}
		return nil, &ExecError{Reason: RiskLimitReached, Err: err}
	}

	size := c.OrderSize()

	log.Info().
		Str("market", trigger.MarketID).
		Str("side", string(trigger.Side)).
		Str("trigger", trigger.TriggerPrice.StringFixed(4)).
		Str("limit", c.orderPrice.StringFixed(2)).
		Str("size", size.StringFixed(2)).
		Msg("🎯 TRIGGER - submitting entry")

	fill, err := c.gateway.Submit(ctx, types.OrderRequest{
		MarketID:    trigger.MarketID,
		TokenID:     trigger.TokenID,
		Side:        trigger.Side,
		Direction:   types.Buy,
		LimitPrice:  c.orderPrice,
		Size:        size,
		TimeInForce: types.ImmediateOrCancel,
	})
	if err != nil {
		c.gate.Release(trigger.MarketID)
		c.recordAttempt(trigger.MarketID)
		log.Warn().
			Str("market", trigger.MarketID).
			Err(err).
			Msg("⚠️ Entry order failed at gateway")
		return nil, &ExecError{Reason: GatewayError, Err: err}
	}

	// The FOK contract forbids partial rests; anything but a full fill
	// means the liquidity was not there.
	if fill.Status != types.FullFill || !fill.FilledSize.Equal(size) {
		c.gate.Release(trigger.MarketID)
		c.recordAttempt(trigger.MarketID)
		log.Info().
			Str("market", trigger.MarketID).
			Str("status", string(fill.Status)).
			Msg("Entry not filled, slot released")
		return nil, &ExecError{Reason: NoLiquidity}
	}

	pos, err := c.gate.Commit(trigger.MarketID, fill.AvgFillPrice, fill.FilledSize, time.Now())
	if err != nil {
		// Reservation vanished under us; nothing holds the slot
		return nil, &ExecError{Reason: GatewayError, Err: err}
	}
	return pos, nil
}

// Forget clears the attempt counter for markets that left the active set
func (c *Coordinator) Forget(activeIDs map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.attempts {
		if !activeIDs[id] {
			delete(c.attempts, id)
		}
	}
}

func (c *Coordinator) exhausted(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[marketID] >= c.maxAttempts
}

func (c *Coordinator) recordAttempt(marketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[marketID]++
}
