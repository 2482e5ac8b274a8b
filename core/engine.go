package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polyflip/updownbot/internal/config"
	"github.com/polyflip/updownbot/risk"
	"github.com/polyflip/updownbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - The tick loop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every tick, in order:
//
//   1. Refresh the active market window
//   2. Supervise open positions (stop-loss, resolution)
//   3. Snapshot both sides of every uncovered market
//   4. Detect entry triggers and hand them to the coordinator
//   5. Persist live state
//
// Supervision runs before detection so an exit can never lose its turn to a
// new entry in the same tick.
//
// ═══════════════════════════════════════════════════════════════════════════════

// TradeStore persists positions across restarts. SaveOpen carries the market
// alongside the position: supervision after a restart needs the slug and
// expiry even when the feed no longer lists the market, so LoadOpen hands
// back enough metadata to rebuild it.
type TradeStore interface {
	SaveOpen(pos *types.Position, market *types.Market) error
	DeleteOpen(marketID string) error
	RecordTrade(pos *types.Position) error
	LoadOpen() ([]*types.Position, map[string]*types.Market, error)
}

// Notifier pushes trade events to the operator
type Notifier interface {
	NotifyEntry(pos *types.Position, market *types.Market)
	NotifyExit(pos *types.Position)
}

// WinningsCollector queues settled positions for on-chain redemption
type WinningsCollector interface {
	Enqueue(conditionID string)
}

// Engine wires the feed, detector, coordinator and supervisor together
type Engine struct {
	cfg         *config.Config
	feed        MarketFeed
	prices      PriceSource
	gate        *risk.Gate
	coordinator *Coordinator
	supervisor  *Supervisor
	store       TradeStore
	notifier    Notifier
	collector   WinningsCollector

	// Market metadata survives here until its position closes, even after
	// the feed window rotates past the market.
	mu      sync.Mutex
	markets map[string]*types.Market

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewEngine creates the trading engine
func NewEngine(cfg *config.Config, feed MarketFeed, prices PriceSource, gate *risk.Gate, coordinator *Coordinator, supervisor *Supervisor, store TradeStore, notifier Notifier) *Engine {
	e := &Engine{
		cfg:         cfg,
		feed:        feed,
		prices:      prices,
		gate:        gate,
		coordinator: coordinator,
		supervisor:  supervisor,
		store:       store,
		notifier:    notifier,
		markets:     make(map[string]*types.Market),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	supervisor.OnClose(e.handleClose)
	return e
}

// SetCollector attaches the on-chain redemption queue
func (e *Engine) SetCollector(c WinningsCollector) {
	e.collector = c
}

// Recover restores open positions persisted by a previous run. Their market
// metadata is seeded into the retained map so the supervisor can settle them
// off ExpiresAt even when the feed window has rotated past the market.
func (e *Engine) Recover(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	positions, markets, err := e.store.LoadOpen()
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if err := e.gate.Restore(pos); err != nil {
			log.Warn().
				Str("market", pos.MarketID).
				Err(err).
				Msg("⚠️ Could not restore position, dropping")
			continue
		}
		if m := markets[pos.MarketID]; m != nil {
			e.mu.Lock()
			e.markets[pos.MarketID] = m
			e.mu.Unlock()
		} else {
			log.Warn().
				Str("market", pos.MarketID).
				Msg("⚠️ Restored position without market metadata, supervision waits for the feed")
		}
		log.Info().
			Str("market", pos.MarketID).
			Str("side", string(pos.Side)).
			Str("entry", pos.EntryPrice.StringFixed(2)).
			Msg("♻️ Restored open position")
	}
	return nil
}

// Start launches the tick loop
func (e *Engine) Start(ctx context.Context) {
	if e.started {
		return
	}
	e.started = true

	log.Info().
		Str("trigger", e.cfg.TriggerThreshold.StringFixed(2)).
		Str("stop_loss", e.cfg.StopLossThreshold.StringFixed(2)).
		Int("max_positions", e.cfg.MaxConcurrentPositions).
		Dur("poll", e.cfg.PollInterval).
		Msg("🚀 Engine started")

	go e.run(ctx)
}

// Stop shuts the loop down and waits for the current tick to finish
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	close(e.stopCh)
	<-e.doneCh
	e.persistOpen()
	log.Info().Msg("👋 Engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.Tick(ctx, time.Now())
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Tick(ctx, now)
		}
	}
}

// Tick runs one full cycle. Exported so tests can drive the engine without
// the ticker.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	active := e.refreshMarkets(ctx)

	e.supervisor.CheckAll(ctx, e.snapshotMarkets(), now)

	triggers := e.detect(ctx, active)
	e.execute(ctx, triggers, now)

	e.coordinator.Forget(activeIDs(active))
	e.pruneMarkets()
	e.persistOpen()
}

// refreshMarkets pulls the current market window and folds it into the
// retained metadata map
func (e *Engine) refreshMarkets(ctx context.Context) []*types.Market {
	active, err := e.feed.ActiveMarkets(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Market refresh failed, reusing last window")
		return e.activeRetained()
	}

	e.mu.Lock()
	for _, m := range active {
		e.markets[m.ID] = m
	}
	e.mu.Unlock()
	return active
}

// detect snapshots both sides of every uncovered market and evaluates the
// entry trigger. A market whose price cannot be read is skipped for this
// tick only.
func (e *Engine) detect(ctx context.Context, active []*types.Market) []*types.TriggerEvent {
	var triggers []*types.TriggerEvent
	now := time.Now()

	for _, market := range active {
		if e.gate.Covered(market.ID) {
			continue
		}
		if market.IsExpired(now) {
			continue
		}

		snaps := make([]types.PriceSnapshot, 0, 2)
		unavailable := false
		for _, side := range []types.Side{types.SideUp, types.SideDown} {
			mid, err := e.prices.MidPrice(ctx, market, side)
			if err != nil {
				log.Debug().
					Str("market", market.Slug).
					Str("side", string(side)).
					Err(err).
					Msg("Price unavailable, skipping market this tick")
				unavailable = true
				break
			}
			snaps = append(snaps, types.PriceSnapshot{
				MarketID:   market.ID,
				Side:       side,
				Mid:        mid,
				ObservedAt: now,
			})
		}
		if unavailable {
			continue
		}

		if trig := Detect(market, snaps, e.gate, e.cfg.TriggerThreshold); trig != nil {
			triggers = append(triggers, trig)
		}
	}
	return triggers
}

// execute runs every trigger through the coordinator. Triggers run
// concurrently; the gate's reservation makes the capacity check safe.
func (e *Engine) execute(ctx context.Context, triggers []*types.TriggerEvent, now time.Time) {
	if len(triggers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, trig := range triggers {
		wg.Add(1)
		go func(trig *types.TriggerEvent) {
			defer wg.Done()

			pos, err := e.coordinator.Execute(ctx, trig)
			if err != nil {
				logExecFailure(trig, err)
				return
			}

			log.Info().
				Str("market", trig.MarketID).
				Str("side", string(trig.Side)).
				Str("entry", pos.EntryPrice.StringFixed(2)).
				Str("size", pos.Size.StringFixed(2)).
				Msg("✅ Position opened")

			if e.notifier != nil {
				e.notifier.NotifyEntry(pos, e.market(trig.MarketID))
			}
		}(trig)
	}
	wg.Wait()
}

func logExecFailure(trig *types.TriggerEvent, err error) {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		switch execErr.Reason {
		case RiskLimitReached:
			log.Debug().
				Str("market", trig.MarketID).
				Msg("Trigger dropped, risk limit reached")
			return
		case NoLiquidity:
			log.Warn().
				Str("market", trig.MarketID).
				Str("side", string(trig.Side)).
				Msg("⚠️ Entry order not filled")
			return
		}
	}
	log.Warn().
		Str("market", trig.MarketID).
		Str("side", string(trig.Side)).
		Err(err).
		Msg("⚠️ Entry failed")
}

// handleClose runs after the supervisor closes a position
func (e *Engine) handleClose(pos *types.Position) {
	pnl := pos.RealizedPnL()
	emoji := "💰"
	if pnl.IsNegative() {
		emoji = "📉"
	}
	log.Info().
		Str("market", pos.MarketID).
		Str("side", string(pos.Side)).
		Str("entry", pos.EntryPrice.StringFixed(2)).
		Str("exit", pos.ExitPrice.StringFixed(4)).
		Str("pnl", pnl.StringFixed(2)).
		Str("reason", string(pos.ExitReason)).
		Msgf("%s Position closed", emoji)

	if e.store != nil {
		if err := e.store.RecordTrade(pos); err != nil {
			log.Error().Err(err).Msg("❌ Failed to record trade")
		}
		if err := e.store.DeleteOpen(pos.MarketID); err != nil {
			log.Error().Err(err).Msg("❌ Failed to delete persisted position")
		}
	}
	if e.notifier != nil {
		e.notifier.NotifyExit(pos)
	}

	// Shares held to a winning resolution pay out on-chain, not on the book
	if e.collector != nil && pos.ExitReason == types.ExitResolved && pos.ExitPrice.IsPositive() {
		e.collector.Enqueue(pos.MarketID)
	}
}

// persistOpen writes the live portfolio down so a restart can recover it
func (e *Engine) persistOpen() {
	if e.store == nil {
		return
	}
	for _, pos := range e.gate.OpenPositions() {
		if pos.Status == types.StatusPending {
			continue
		}
		if err := e.store.SaveOpen(pos, e.market(pos.MarketID)); err != nil {
			log.Error().
				Str("market", pos.MarketID).
				Err(err).
				Msg("❌ Failed to persist position")
		}
	}
}

// pruneMarkets drops retained metadata for markets with no live position
// that have also expired out of the window
func (e *Engine) pruneMarkets() {
	now := time.Now()
	grace := 30 * time.Minute

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, m := range e.markets {
		if e.gate.Covered(id) {
			continue
		}
		if now.After(m.ExpiresAt.Add(grace)) {
			delete(e.markets, id)
		}
	}
}

func (e *Engine) snapshotMarkets() map[string]*types.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*types.Market, len(e.markets))
	for id, m := range e.markets {
		out[id] = m
	}
	return out
}

func (e *Engine) market(id string) *types.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markets[id]
}

func (e *Engine) activeRetained() []*types.Market {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*types.Market
	for _, m := range e.markets {
		if !m.IsExpired(now) {
			out = append(out, m)
		}
	}
	return out
}

func activeIDs(markets []*types.Market) map[string]bool {
	ids := make(map[string]bool, len(markets))
	for _, m := range markets {
		ids[m.ID] = true
	}
	return ids
}

// Stats summarizes engine state for the operator surface
type Stats struct {
	OpenPositions int
	ClosedTrades  int
	RealizedPnL   decimal.Decimal
}

// Stats reports the current portfolio summary
func (e *Engine) Stats() Stats {
	return Stats{
		OpenPositions: e.gate.OpenCount(),
		ClosedTrades:  len(e.gate.ClosedPositions()),
		RealizedPnL:   e.gate.RealizedPnL(),
	}
}
