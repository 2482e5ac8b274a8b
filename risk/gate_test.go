package risk

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyflip/updownbot/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestTryReserveLifecycle(t *testing.T) {
	g := NewGate(2)

	pos, err := g.TryReserve("mkt-1", types.SideUp, "tok-up")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, pos.Status)
	assert.True(t, g.Covered("mkt-1"))
	assert.Equal(t, 1, g.OpenCount())

	// Same market cannot be reserved twice
	_, err = g.TryReserve("mkt-1", types.SideDown, "tok-down")
	assert.ErrorIs(t, err, ErrMarketOccupied)

	// Second slot still free
	_, err = g.TryReserve("mkt-2", types.SideUp, "tok-up-2")
	require.NoError(t, err)

	// Cap reached
	_, err = g.TryReserve("mkt-3", types.SideUp, "tok-up-3")
	assert.ErrorIs(t, err, ErrRiskLimit)
}

func TestReleaseFreesSlot(t *testing.T) {
	g := NewGate(1)

	_, err := g.TryReserve("mkt-1", types.SideUp, "tok")
	require.NoError(t, err)

	g.Release("mkt-1")
	assert.False(t, g.Covered("mkt-1"))
	assert.Equal(t, 0, g.OpenCount())

	// Slot usable again
	_, err = g.TryReserve("mkt-2", types.SideDown, "tok2")
	require.NoError(t, err)
}

func TestReleaseIgnoresOpenPositions(t *testing.T) {
	g := NewGate(1)

	_, err := g.TryReserve("mkt-1", types.SideUp, "tok")
	require.NoError(t, err)
	_, err = g.Commit("mkt-1", dec("0.97"), dec("10.30"), time.Now())
	require.NoError(t, err)

	// Release only drops Pending placeholders
	g.Release("mkt-1")
	assert.True(t, g.Covered("mkt-1"))
}

func TestCommitPromotesReservation(t *testing.T) {
	g := NewGate(2)

	_, err := g.TryReserve("mkt-1", types.SideUp, "tok")
	require.NoError(t, err)

	at := time.Now()
	pos, err := g.Commit("mkt-1", dec("0.97"), dec("10.30"), at)
	require.NoError(t, err)

	assert.Equal(t, types.StatusOpen, pos.Status)
	assert.True(t, pos.EntryPrice.Equal(dec("0.97")))
	assert.True(t, pos.Size.Equal(dec("10.30")))
	assert.Equal(t, at, pos.EntryTime)
}

func TestCommitWithoutReservation(t *testing.T) {
	g := NewGate(2)
	_, err := g.Commit("ghost", dec("0.97"), dec("10"), time.Now())
	assert.Error(t, err)
}

func TestCloseIsTerminal(t *testing.T) {
	g := NewGate(2)

	_, err := g.TryReserve("mkt-1", types.SideUp, "tok")
	require.NoError(t, err)
	_, err = g.Commit("mkt-1", dec("0.97"), dec("10"), time.Now())
	require.NoError(t, err)

	closed, err := g.Close("mkt-1", dec("1"), types.ExitResolved, time.Now())
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, closed.Status)
	assert.Equal(t, types.ExitResolved, closed.ExitReason)

	// Slot freed, position in the closed record
	assert.False(t, g.Covered("mkt-1"))
	assert.Len(t, g.ClosedPositions(), 1)

	// Closing again fails
	_, err = g.Close("mkt-1", dec("1"), types.ExitResolved, time.Now())
	assert.Error(t, err)

	// Market reusable for a new position
	_, err = g.TryReserve("mkt-1", types.SideDown, "tok2")
	assert.NoError(t, err)
}

func TestRealizedPnL(t *testing.T) {
	g := NewGate(2)

	_, err := g.TryReserve("mkt-1", types.SideUp, "tok")
	require.NoError(t, err)
	_, err = g.Commit("mkt-1", dec("0.97"), dec("10"), time.Now())
	require.NoError(t, err)
	_, err = g.Close("mkt-1", dec("1"), types.ExitResolved, time.Now())
	require.NoError(t, err)

	// (1.00 - 0.97) * 10
	assert.True(t, g.RealizedPnL().Equal(dec("0.3")), "got %s", g.RealizedPnL())
}

func TestRestore(t *testing.T) {
	g := NewGate(2)

	err := g.Restore(&types.Position{
		MarketID:   "mkt-1",
		Side:       types.SideUp,
		EntryPrice: dec("0.97"),
		Size:       dec("10"),
		Status:     types.StatusOpen,
	})
	require.NoError(t, err)
	assert.True(t, g.Covered("mkt-1"))

	// Closed and Pending positions are not restorable
	err = g.Restore(&types.Position{MarketID: "mkt-2", Status: types.StatusClosed})
	assert.Error(t, err)
	err = g.Restore(&types.Position{MarketID: "mkt-3", Status: types.StatusPending})
	assert.Error(t, err)
}

// Concurrent reservations must never exceed the cap or double-book a market
func TestConcurrentReserve(t *testing.T) {
	const workers = 32
	g := NewGate(2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := make(map[string]int)

	markets := []string{"mkt-a", "mkt-b", "mkt-c", "mkt-d"}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			market := markets[i%len(markets)]
			_, err := g.TryReserve(market, types.SideUp, "tok")
			if err != nil {
				if !errors.Is(err, ErrRiskLimit) && !errors.Is(err, ErrMarketOccupied) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			mu.Lock()
			granted[market]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	total := 0
	for market, n := range granted {
		assert.Equal(t, 1, n, "market %s double-booked", market)
		total += n
	}
	assert.LessOrEqual(t, total, 2)
	assert.Equal(t, total, g.OpenCount())
}
