package core

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyflip/updownbot/internal/config"
	"github.com/polyflip/updownbot/risk"
	"github.com/polyflip/updownbot/types"
)

type fakeStore struct {
	positions []*types.Position
	markets   map[string]*types.Market

	saved        []*types.Position
	savedMarkets []*types.Market
	trades       []*types.Position
	deleted      []string
}

func (s *fakeStore) SaveOpen(pos *types.Position, market *types.Market) error {
	s.saved = append(s.saved, pos)
	s.savedMarkets = append(s.savedMarkets, market)
	return nil
}

func (s *fakeStore) DeleteOpen(marketID string) error {
	s.deleted = append(s.deleted, marketID)
	return nil
}

func (s *fakeStore) RecordTrade(pos *types.Position) error {
	s.trades = append(s.trades, pos)
	return nil
}

func (s *fakeStore) LoadOpen() ([]*types.Position, map[string]*types.Market, error) {
	return s.positions, s.markets, nil
}

func testConfig() *config.Config {
	return &config.Config{
		TriggerThreshold:       dec("0.96"),
		OrderPrice:             dec("0.97"),
		StopLossThreshold:      dec("0.85"),
		MaxPositionSizeUSD:     dec("10"),
		MaxConcurrentPositions: 2,
		MaxAttemptsPerMarket:   3,
		PollInterval:           2 * time.Second,
		RequestTimeout:         5 * time.Second,
		SlugPrefixes:           []string{"btc-updown-15m-"},
	}
}

func newTestEngine(cfg *config.Config, feed MarketFeed, prices PriceSource, gw OrderGateway) (*Engine, *risk.Gate) {
	gate := risk.NewGate(cfg.MaxConcurrentPositions)
	coordinator := NewCoordinator(gate, gw, cfg.OrderPrice, cfg.MaxPositionSizeUSD, cfg.MaxAttemptsPerMarket)
	supervisor := NewSupervisor(gate, gw, prices, feed, cfg.StopLossThreshold)
	return NewEngine(cfg, feed, prices, gate, coordinator, supervisor, nil, nil), gate
}

func namedMarket(id string, upToken, downToken string) *types.Market {
	return &types.Market{
		ID:   id,
		Slug: "btc-updown-15m-" + id,
		Tokens: map[types.Side]string{
			types.SideUp:   upToken,
			types.SideDown: downToken,
		},
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
}

// One market crosses the trigger: one position opens at the order price
func TestEngineOpensPositionOnTrigger(t *testing.T) {
	market := namedMarket("m1", "up1", "dn1")
	feed := &fakeFeed{markets: []*types.Market{market}}
	prices := &fakePrices{mids: map[string]decimal.Decimal{
		"up1": dec("0.97"),
		"dn1": dec("0.03"),
	}}
	gw := &fakeGateway{respond: fullFill}

	engine, gate := newTestEngine(testConfig(), feed, prices, gw)
	engine.Tick(context.Background(), time.Now())

	require.Equal(t, 1, gate.OpenCount())
	pos := gate.OpenPositions()[0]
	assert.Equal(t, types.SideUp, pos.Side)
	assert.Equal(t, types.StatusOpen, pos.Status)
	assert.True(t, pos.EntryPrice.Equal(dec("0.97")))
	assert.True(t, pos.Size.Equal(dec("10.30")))

	// Second tick at the same prices must not double-enter
	engine.Tick(context.Background(), time.Now())
	assert.Equal(t, 1, gate.OpenCount())
	assert.Len(t, gw.submitted(), 1)
}

// Three markets trigger at once against a cap of two: exactly two open
func TestEngineRespectsConcurrencyCap(t *testing.T) {
	markets := []*types.Market{
		namedMarket("m1", "up1", "dn1"),
		namedMarket("m2", "up2", "dn2"),
		namedMarket("m3", "up3", "dn3"),
	}
	feed := &fakeFeed{markets: markets}
	prices := &fakePrices{mids: map[string]decimal.Decimal{
		"up1": dec("0.97"), "dn1": dec("0.03"),
		"up2": dec("0.98"), "dn2": dec("0.02"),
		"up3": dec("0.99"), "dn3": dec("0.01"),
	}}
	gw := &fakeGateway{respond: fullFill}

	engine, gate := newTestEngine(testConfig(), feed, prices, gw)
	engine.Tick(context.Background(), time.Now())

	assert.Equal(t, 2, gate.OpenCount())
	assert.Len(t, gw.submitted(), 2)
}

// A market whose price cannot be read is skipped without stalling the rest
func TestEngineSkipsMarketOnPriceUnavailable(t *testing.T) {
	markets := []*types.Market{
		namedMarket("m1", "up1", "dn1"),
		namedMarket("m2", "up2", "dn2"),
	}
	feed := &fakeFeed{markets: markets}
	prices := &fakePrices{mids: map[string]decimal.Decimal{
		// m1 has no down-side price at all
		"up1": dec("0.97"),
		"up2": dec("0.97"), "dn2": dec("0.03"),
	}}
	gw := &fakeGateway{respond: fullFill}

	engine, gate := newTestEngine(testConfig(), feed, prices, gw)
	engine.Tick(context.Background(), time.Now())

	require.Equal(t, 1, gate.OpenCount())
	assert.Equal(t, "m2", gate.OpenPositions()[0].MarketID)
}

// No side reaches the trigger: nothing happens
func TestEngineQuietTick(t *testing.T) {
	market := namedMarket("m1", "up1", "dn1")
	feed := &fakeFeed{markets: []*types.Market{market}}
	prices := &fakePrices{mids: map[string]decimal.Decimal{
		"up1": dec("0.60"),
		"dn1": dec("0.40"),
	}}
	gw := &fakeGateway{respond: fullFill}

	engine, gate := newTestEngine(testConfig(), feed, prices, gw)
	engine.Tick(context.Background(), time.Now())

	assert.Equal(t, 0, gate.OpenCount())
	assert.Empty(t, gw.submitted())
}

// Market metadata must survive window rotation while its position lives
func TestEngineRetainsMarketForOpenPosition(t *testing.T) {
	market := namedMarket("m1", "up1", "dn1")
	feed := &fakeFeed{markets: []*types.Market{market}}
	prices := &fakePrices{mids: map[string]decimal.Decimal{
		"up1": dec("0.97"),
		"dn1": dec("0.03"),
	}}
	gw := &fakeGateway{respond: fullFill}

	engine, gate := newTestEngine(testConfig(), feed, prices, gw)
	engine.Tick(context.Background(), time.Now())
	require.Equal(t, 1, gate.OpenCount())

	// Window rotates: the feed no longer lists m1, its price collapses,
	// and the supervisor must still be able to stop-loss it
	feed.markets = nil
	prices.mids["up1"] = dec("0.50")
	gw.respond = func(types.OrderRequest) (types.Fill, error) {
		return types.Fill{Status: types.NoFill}, nil
	}

	engine.Tick(context.Background(), time.Now())

	pos := gate.OpenPositions()
	require.Len(t, pos, 1)
	assert.Equal(t, types.StatusExitingStopLoss, pos[0].Status)
	// The protective sell went out even though the market left the window
	assert.Len(t, gw.submitted(), 2)
}

// A position recovered from persistence must settle even when its market
// expired during downtime and the feed never lists it again
func TestEngineSettlesRecoveredPositionAfterRotation(t *testing.T) {
	cfg := testConfig()

	market := namedMarket("m1", "up1", "dn1")
	market.ExpiresAt = time.Now().Add(-5 * time.Minute)

	store := &fakeStore{
		positions: []*types.Position{{
			ID:         "POS_1",
			MarketID:   "m1",
			Side:       types.SideUp,
			TokenID:    "up1",
			EntryPrice: dec("0.97"),
			Size:       dec("10.30"),
			EntryTime:  time.Now().Add(-time.Hour),
			Status:     types.StatusOpen,
		}},
		markets: map[string]*types.Market{"m1": market},
	}
	feed := &fakeFeed{winner: types.SideUp, resolved: true}
	prices := &fakePrices{mids: map[string]decimal.Decimal{}}
	gw := &fakeGateway{respond: fullFill}

	gate := risk.NewGate(cfg.MaxConcurrentPositions)
	coordinator := NewCoordinator(gate, gw, cfg.OrderPrice, cfg.MaxPositionSizeUSD, cfg.MaxAttemptsPerMarket)
	supervisor := NewSupervisor(gate, gw, prices, feed, cfg.StopLossThreshold)
	engine := NewEngine(cfg, feed, prices, gate, coordinator, supervisor, store, nil)

	require.NoError(t, engine.Recover(context.Background()))
	require.Equal(t, 1, gate.OpenCount())

	engine.Tick(context.Background(), time.Now())

	assert.Equal(t, 0, gate.OpenCount())
	require.Len(t, gate.ClosedPositions(), 1)
	closed := gate.ClosedPositions()[0]
	assert.Equal(t, types.ExitResolved, closed.ExitReason)
	assert.True(t, closed.ExitPrice.Equal(dec("1")))
	require.Len(t, store.trades, 1)
	assert.Equal(t, []string{"m1"}, store.deleted)
}

// Persisted state carries the market, and recovery reads it back
func TestEnginePersistsMarketMetadata(t *testing.T) {
	market := namedMarket("m1", "up1", "dn1")
	feed := &fakeFeed{markets: []*types.Market{market}}
	prices := &fakePrices{mids: map[string]decimal.Decimal{
		"up1": dec("0.97"),
		"dn1": dec("0.03"),
	}}
	gw := &fakeGateway{respond: fullFill}

	cfg := testConfig()
	store := &fakeStore{}
	gate := risk.NewGate(cfg.MaxConcurrentPositions)
	coordinator := NewCoordinator(gate, gw, cfg.OrderPrice, cfg.MaxPositionSizeUSD, cfg.MaxAttemptsPerMarket)
	supervisor := NewSupervisor(gate, gw, prices, feed, cfg.StopLossThreshold)
	engine := NewEngine(cfg, feed, prices, gate, coordinator, supervisor, store, nil)

	engine.Tick(context.Background(), time.Now())

	require.NotEmpty(t, store.saved)
	assert.Equal(t, "m1", store.saved[0].MarketID)
	require.NotNil(t, store.savedMarkets[0])
	assert.Equal(t, market.Slug, store.savedMarkets[0].Slug)
}

// Entry failures log at the right level and never drop the event silently
func TestEntryFailureLogging(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = orig }()

	trig := trigger("m1")

	logExecFailure(trig, &ExecError{Reason: RiskLimitReached})
	assert.Contains(t, buf.String(), "risk limit")
	assert.NotContains(t, buf.String(), "Entry failed")

	buf.Reset()
	logExecFailure(trig, &ExecError{Reason: NoLiquidity})
	assert.Contains(t, buf.String(), "not filled")

	buf.Reset()
	logExecFailure(trig, &ExecError{Reason: GatewayError, Err: errors.New("connection reset")})
	assert.Contains(t, buf.String(), "Entry failed")
	assert.Contains(t, buf.String(), "connection reset")
}

// Full lifecycle through the engine: open, resolve, closed with P&L
func TestEngineLifecycleToResolution(t *testing.T) {
	market := namedMarket("m1", "up1", "dn1")
	feed := &fakeFeed{markets: []*types.Market{market}}
	prices := &fakePrices{mids: map[string]decimal.Decimal{
		"up1": dec("0.97"),
		"dn1": dec("0.03"),
	}}
	gw := &fakeGateway{respond: fullFill}

	engine, gate := newTestEngine(testConfig(), feed, prices, gw)
	engine.Tick(context.Background(), time.Now())
	require.Equal(t, 1, gate.OpenCount())

	// Market expires and resolves in our favor
	market.ExpiresAt = time.Now().Add(-time.Minute)
	feed.winner = types.SideUp
	feed.resolved = true

	engine.Tick(context.Background(), time.Now())

	assert.Equal(t, 0, gate.OpenCount())
	require.Len(t, gate.ClosedPositions(), 1)
	closed := gate.ClosedPositions()[0]
	assert.Equal(t, types.ExitResolved, closed.ExitReason)
	assert.True(t, closed.RealizedPnL().Equal(dec("0.3")), "got %s", closed.RealizedPnL())

	stats := engine.Stats()
	assert.Equal(t, 0, stats.OpenPositions)
	assert.Equal(t, 1, stats.ClosedTrades)
	assert.True(t, stats.RealizedPnL.Equal(dec("0.3")))
}
