package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyflip/updownbot/types"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func samplePosition(marketID string) *types.Position {
	return &types.Position{
		ID:         "POS_1",
		MarketID:   marketID,
		Side:       types.SideUp,
		TokenID:    "tok-up",
		EntryPrice: decimal.RequireFromString("0.97"),
		Size:       decimal.RequireFromString("10.30"),
		EntryTime:  time.Now().Truncate(time.Second),
		Status:     types.StatusOpen,
	}
}

func sampleMarket(marketID string) *types.Market {
	return &types.Market{
		ID:        marketID,
		Slug:      "btc-updown-15m-1767225600",
		Question:  "Bitcoin Up or Down",
		Tokens:    map[types.Side]string{types.SideUp: "tok-up", types.SideDown: "tok-down"},
		ExpiresAt: time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC),
	}
}

func TestOpenPositionRoundTrip(t *testing.T) {
	db := testDB(t)

	pos := samplePosition("cond-1")
	pos.Status = types.StatusExitingStopLoss
	pos.SoldSize = decimal.RequireFromString("4")
	pos.SaleProceeds = decimal.RequireFromString("3.36")
	require.NoError(t, db.SaveOpen(pos, sampleMarket("cond-1")))

	loaded, _, err := db.LoadOpen()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, "cond-1", got.MarketID)
	assert.Equal(t, types.SideUp, got.Side)
	assert.Equal(t, "tok-up", got.TokenID)
	assert.Equal(t, types.StatusExitingStopLoss, got.Status)
	assert.True(t, got.EntryPrice.Equal(pos.EntryPrice))
	assert.True(t, got.Size.Equal(pos.Size))
	assert.True(t, got.SoldSize.Equal(pos.SoldSize))
	assert.True(t, got.SaleProceeds.Equal(pos.SaleProceeds))
}

func TestLoadOpenRebuildsMarket(t *testing.T) {
	db := testDB(t)

	market := sampleMarket("cond-1")
	require.NoError(t, db.SaveOpen(samplePosition("cond-1"), market))

	_, markets, err := db.LoadOpen()
	require.NoError(t, err)
	require.Contains(t, markets, "cond-1")

	got := markets["cond-1"]
	assert.Equal(t, market.Slug, got.Slug)
	assert.Equal(t, market.Question, got.Question)
	assert.True(t, market.ExpiresAt.Equal(got.ExpiresAt))
	// Only the held side's token survives the round trip
	assert.Equal(t, "tok-up", got.Tokens[types.SideUp])
}

func TestLoadOpenWithoutMarketMetadata(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.SaveOpen(samplePosition("cond-1"), nil))

	positions, markets, err := db.LoadOpen()
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.NotContains(t, markets, "cond-1")
}

func TestSaveOpenUpserts(t *testing.T) {
	db := testDB(t)

	pos := samplePosition("cond-1")
	require.NoError(t, db.SaveOpen(pos, sampleMarket("cond-1")))

	pos.Status = types.StatusExitingStopLoss
	require.NoError(t, db.SaveOpen(pos, sampleMarket("cond-1")))

	loaded, _, err := db.LoadOpen()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, types.StatusExitingStopLoss, loaded[0].Status)
}

func TestDeleteOpen(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.SaveOpen(samplePosition("cond-1"), sampleMarket("cond-1")))
	require.NoError(t, db.SaveOpen(samplePosition("cond-2"), sampleMarket("cond-2")))
	require.NoError(t, db.DeleteOpen("cond-1"))

	loaded, _, err := db.LoadOpen()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "cond-2", loaded[0].MarketID)
}

func TestRecordTradeAndTotalPnL(t *testing.T) {
	db := testDB(t)

	win := samplePosition("cond-1")
	win.Status = types.StatusClosed
	win.ExitPrice = decimal.NewFromInt(1)
	win.ExitReason = types.ExitResolved
	win.ExitTime = time.Now()
	require.NoError(t, db.RecordTrade(win))

	loss := samplePosition("cond-2")
	loss.Status = types.StatusClosed
	loss.ExitPrice = decimal.RequireFromString("0.85")
	loss.ExitReason = types.ExitStopLoss
	loss.ExitTime = time.Now()
	require.NoError(t, db.RecordTrade(loss))

	trades, err := db.RecentTrades(10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	// (1 − 0.97)·10.30 + (0.85 − 0.97)·10.30 = 0.309 − 1.236
	total, err := db.TotalPnL()
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("-0.927")), total.String())
}
