package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyflip/updownbot/types"
)

type fakePortfolio struct {
	covered map[string]bool
}

func (f *fakePortfolio) Covered(marketID string) bool { return f.covered[marketID] }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testMarket() *types.Market {
	return &types.Market{
		ID:   "cond-1",
		Slug: "btc-updown-15m-1767193200",
		Tokens: map[types.Side]string{
			types.SideUp:   "tok-up",
			types.SideDown: "tok-down",
		},
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
}

func snap(marketID string, side types.Side, mid string) types.PriceSnapshot {
	return types.PriceSnapshot{
		MarketID:   marketID,
		Side:       side,
		Mid:        dec(mid),
		ObservedAt: time.Now(),
	}
}

func TestDetectTriggersAtThreshold(t *testing.T) {
	market := testMarket()
	portfolio := &fakePortfolio{covered: map[string]bool{}}
	threshold := dec("0.96")

	// Exactly at the threshold counts
	trig := Detect(market, []types.PriceSnapshot{
		snap("cond-1", types.SideUp, "0.96"),
		snap("cond-1", types.SideDown, "0.04"),
	}, portfolio, threshold)

	require.NotNil(t, trig)
	assert.Equal(t, types.SideUp, trig.Side)
	assert.Equal(t, "tok-up", trig.TokenID)
	assert.True(t, trig.TriggerPrice.Equal(dec("0.96")))
}

func TestDetectBelowThreshold(t *testing.T) {
	market := testMarket()
	portfolio := &fakePortfolio{covered: map[string]bool{}}

	trig := Detect(market, []types.PriceSnapshot{
		snap("cond-1", types.SideUp, "0.9599"),
		snap("cond-1", types.SideDown, "0.0401"),
	}, portfolio, dec("0.96"))

	assert.Nil(t, trig)
}

func TestDetectSkipsCoveredMarket(t *testing.T) {
	market := testMarket()
	portfolio := &fakePortfolio{covered: map[string]bool{"cond-1": true}}

	trig := Detect(market, []types.PriceSnapshot{
		snap("cond-1", types.SideUp, "0.99"),
	}, portfolio, dec("0.96"))

	assert.Nil(t, trig)
}

func TestDetectDownSide(t *testing.T) {
	market := testMarket()
	portfolio := &fakePortfolio{covered: map[string]bool{}}

	trig := Detect(market, []types.PriceSnapshot{
		snap("cond-1", types.SideUp, "0.03"),
		snap("cond-1", types.SideDown, "0.97"),
	}, portfolio, dec("0.96"))

	require.NotNil(t, trig)
	assert.Equal(t, types.SideDown, trig.Side)
	assert.Equal(t, "tok-down", trig.TokenID)
}

// Both sides above threshold can only happen with inconsistent data; the
// detector must still emit exactly one trigger, for the higher print.
func TestDetectBothSidesHighPicksHigher(t *testing.T) {
	market := testMarket()
	portfolio := &fakePortfolio{covered: map[string]bool{}}

	trig := Detect(market, []types.PriceSnapshot{
		snap("cond-1", types.SideUp, "0.97"),
		snap("cond-1", types.SideDown, "0.98"),
	}, portfolio, dec("0.96"))

	require.NotNil(t, trig)
	assert.Equal(t, types.SideDown, trig.Side)
}

func TestDetectIgnoresForeignSnapshots(t *testing.T) {
	market := testMarket()
	portfolio := &fakePortfolio{covered: map[string]bool{}}

	trig := Detect(market, []types.PriceSnapshot{
		snap("cond-other", types.SideUp, "0.99"),
	}, portfolio, dec("0.96"))

	assert.Nil(t, trig)
}

func TestDetectIsDeterministic(t *testing.T) {
	market := testMarket()
	portfolio := &fakePortfolio{covered: map[string]bool{}}
	snaps := []types.PriceSnapshot{
		snap("cond-1", types.SideUp, "0.97"),
		snap("cond-1", types.SideDown, "0.03"),
	}

	first := Detect(market, snaps, portfolio, dec("0.96"))
	second := Detect(market, snaps, portfolio, dec("0.96"))

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Side, second.Side)
	assert.True(t, first.TriggerPrice.Equal(second.TriggerPrice))
}
