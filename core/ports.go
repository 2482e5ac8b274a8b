package core

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTS - External collaborators the engine depends on
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything outside the decision loop is an adapter behind one of these
// interfaces. The feeds and exec packages provide the live implementations;
// tests provide fakes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrPriceUnavailable: the source could not answer for this market this tick.
// The market is skipped for detection; open positions are re-checked next
// tick. A stale price never implies a stop-loss or a resolution.
var ErrPriceUnavailable = errors.New("price unavailable")

// PriceSource yields the current midpoint for one side of a market
type PriceSource interface {
	MidPrice(ctx context.Context, market *types.Market, side types.Side) (decimal.Decimal, error)
}

// MarketFeed enumerates tradable markets and reports resolution outcomes
type MarketFeed interface {
	// ActiveMarkets lists markets currently inside their trading window.
	// A market absent from a refresh is no longer tradable, but resolution
	// of held positions is still governed by ExpiresAt.
	ActiveMarkets(ctx context.Context) ([]*types.Market, error)

	// Outcome reports the winning side of an expired market. resolved is
	// false while the oracle has not settled yet.
	Outcome(ctx context.Context, market *types.Market) (winner types.Side, resolved bool, err error)
}

// OrderGateway submits orders for execution. Transport and protocol failures
// are returned as errors; a successful round trip reports fill status.
type OrderGateway interface {
	Submit(ctx context.Context, req types.OrderRequest) (types.Fill, error)
}
