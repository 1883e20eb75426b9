package store

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/taogrid/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestStore() *Store {
	return New(Config{
		Cap:                 dec("5.0"),
		MaxPositions:        100,
		ProfitTargetPercent: dec("15"),
	}, nil)
}

// openPosition reserves and commits one buy in a single step.
func openPosition(t *testing.T, s *Store, amount, entry, qty string) *types.Position {
	t.Helper()
	res, err := s.Reserve(dec(amount))
	require.NoError(t, err)
	pos, err := s.Commit(res, dec(entry), dec(qty))
	require.NoError(t, err)
	return pos
}

func TestSellTargetComputation(t *testing.T) {
	s := newTestStore()
	pos := openPosition(t, s, "0.05", "0.08", "0.625")

	assert.True(t, pos.SellTargetPrice.Equal(dec("0.092")),
		"15%% over 0.08 must be exactly 0.092, got %s", pos.SellTargetPrice)
	assert.Equal(t, types.StatusOpen, pos.Status)
	assert.True(t, pos.StopPrice.IsZero(), "stop price unset when stop-loss disabled")
}

func TestStopPriceComputation(t *testing.T) {
	s := New(Config{
		Cap:                 dec("5.0"),
		MaxPositions:        100,
		ProfitTargetPercent: dec("15"),
		StopLossPercent:     dec("25"),
	}, nil)
	pos := openPosition(t, s, "0.05", "0.08", "0.625")

	assert.True(t, pos.StopPrice.Equal(dec("0.06")), "25%% below 0.08 is 0.06, got %s", pos.StopPrice)
}

func TestRealizedProfit(t *testing.T) {
	s := newTestStore()
	pos := openPosition(t, s, "0.05", "0.08", "0.625")

	profit, err := s.Close(pos.ID, dec("0.092"))
	require.NoError(t, err)
	assert.True(t, profit.Equal(dec("0.0075")),
		"(0.092-0.08)*0.625 must be 0.0075, got %s", profit)

	closed, err := s.Get(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClosed, closed.Status)
	assert.True(t, closed.RealizedProfit.Equal(dec("0.0075")))
	assert.False(t, closed.ClosedAt.IsZero())

	// Closing frees cap space
	assert.True(t, s.TotalInvested().IsZero())
}

func TestCapGuard(t *testing.T) {
	s := New(Config{Cap: dec("0.1"), MaxPositions: 100, ProfitTargetPercent: dec("15")}, nil)

	openPosition(t, s, "0.05", "0.08", "0.625")
	openPosition(t, s, "0.05", "0.08", "0.625")

	_, err := s.Reserve(dec("0.05"))
	assert.ErrorIs(t, err, ErrCapExceeded)
	assert.True(t, s.TotalInvested().Equal(dec("0.1")))
}

func TestReserveCountsInFlightBuys(t *testing.T) {
	s := New(Config{Cap: dec("0.1"), MaxPositions: 100, ProfitTargetPercent: dec("15")}, nil)

	// First buy still in flight; the second cycle must not pass a stale check.
	res1, err := s.Reserve(dec("0.08"))
	require.NoError(t, err)

	_, err = s.Reserve(dec("0.08"))
	assert.ErrorIs(t, err, ErrCapExceeded)

	// Rolled back reservation frees the headroom again
	s.Release(res1)
	_, err = s.Reserve(dec("0.08"))
	assert.NoError(t, err)
}

func TestFailedBuyLeavesNoTrace(t *testing.T) {
	s := newTestStore()

	res, err := s.Reserve(dec("0.05"))
	require.NoError(t, err)
	s.Release(res)

	assert.True(t, s.TotalInvested().IsZero())
	assert.Equal(t, 0, s.ActiveCount())
	assert.Empty(t, s.OpenPositions())

	// Double release is a no-op
	s.Release(res)
	assert.True(t, s.RemainingCap().Equal(dec("5.0")))
}

func TestCapInvariantUnderConcurrentReserves(t *testing.T) {
	s := New(Config{Cap: dec("5.0"), MaxPositions: 1000, ProfitTargetPercent: dec("15")}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := s.Reserve(dec("0.05"))
			if err != nil {
				return
			}
			if n%3 == 0 {
				s.Release(res)
				return
			}
			s.Commit(res, dec("0.08"), dec("0.625"))
		}(i)
	}
	wg.Wait()

	assert.False(t, s.Corrupted())
	assert.True(t, s.TotalInvested().LessThanOrEqual(dec("5.0")),
		"totalInvested %s exceeds cap", s.TotalInvested())
}

func TestPositionLimit(t *testing.T) {
	s := New(Config{Cap: dec("5.0"), MaxPositions: 2, ProfitTargetPercent: dec("15")}, nil)

	openPosition(t, s, "0.05", "0.08", "0.625")
	openPosition(t, s, "0.05", "0.08", "0.625")

	_, err := s.Reserve(dec("0.05"))
	assert.ErrorIs(t, err, ErrPositionLimit)
}

func TestTransitions(t *testing.T) {
	s := newTestStore()
	pos := openPosition(t, s, "0.05", "0.08", "0.625")

	require.NoError(t, s.MarkPending(pos.ID))
	assert.ErrorIs(t, s.MarkPending(pos.ID), ErrInvalidState)

	require.NoError(t, s.RevertToOpen(pos.ID))
	assert.ErrorIs(t, s.RevertToOpen(pos.ID), ErrInvalidState)

	assert.ErrorIs(t, s.MarkPending("no-such-id"), ErrNotFound)
	_, err := s.Close("no-such-id", dec("0.1"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Close(pos.ID, dec("0.092"))
	require.NoError(t, err)
	_, err = s.Close(pos.ID, dec("0.092"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestMarkFailFreesCap(t *testing.T) {
	s := newTestStore()
	pos := openPosition(t, s, "0.05", "0.08", "0.625")

	require.NoError(t, s.MarkPending(pos.ID))
	require.NoError(t, s.MarkFail(pos.ID))

	assert.True(t, s.TotalInvested().IsZero(), "failed positions do not consume cap")
	snap := s.Snapshot()
	assert.Equal(t, 1, snap.FailedCount)
	assert.Equal(t, 0, snap.OpenCount)
}

func TestOpenPositionsOrderedOldestFirst(t *testing.T) {
	s := newTestStore()
	first := openPosition(t, s, "0.05", "0.08", "0.625")
	second := openPosition(t, s, "0.05", "0.09", "0.555")
	third := openPosition(t, s, "0.05", "0.10", "0.5")

	got := s.OpenPositions()
	require.Len(t, got, 3)
	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
	assert.Equal(t, third.ID, got[2].ID)
}

func TestSnapshot(t *testing.T) {
	s := newTestStore()
	a := openPosition(t, s, "0.05", "0.08", "0.625")
	openPosition(t, s, "0.05", "0.08", "0.625")

	_, err := s.Close(a.ID, dec("0.092"))
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.OpenCount)
	assert.Equal(t, 1, snap.ClosedCount)
	assert.Equal(t, 0, snap.FailedCount)
	assert.True(t, snap.TotalInvested.Equal(dec("0.05")))
	assert.True(t, snap.TotalRealizedProfit.Equal(dec("0.0075")))
	assert.True(t, snap.SuccessRate.Equal(dec("1")))
}

func TestSuccessRateUndefinedIsZero(t *testing.T) {
	s := newTestStore()
	assert.True(t, s.Snapshot().SuccessRate.IsZero())
}

func TestRestoreRebuildsAccounting(t *testing.T) {
	s := newTestStore()
	a := openPosition(t, s, "0.05", "0.08", "0.625")
	b := openPosition(t, s, "0.05", "0.09", "0.555")
	openPosition(t, s, "0.05", "0.10", "0.5")
	_, err := s.Close(a.ID, dec("0.092"))
	require.NoError(t, err)
	require.NoError(t, s.MarkPending(b.ID))
	require.NoError(t, s.MarkFail(b.ID))

	before := s.Snapshot()

	// Simulate restart: rebuild a fresh store from copies of every position
	var records []types.Position
	for _, id := range []string{a.ID, b.ID} {
		pos, err := s.Get(id)
		require.NoError(t, err)
		records = append(records, pos)
	}
	for _, pos := range s.OpenPositions() {
		records = append(records, pos)
	}

	restored := newTestStore()
	restored.Restore(records)
	after := restored.Snapshot()

	assert.True(t, after.TotalInvested.Equal(before.TotalInvested))
	assert.Equal(t, before.OpenCount, after.OpenCount)
	assert.Equal(t, before.ClosedCount, after.ClosedCount)
	assert.Equal(t, before.FailedCount, after.FailedCount)
	assert.True(t, after.TotalRealizedProfit.Equal(before.TotalRealizedProfit))
}

func TestRestoreRevertsPendingSell(t *testing.T) {
	s := newTestStore()
	pos := openPosition(t, s, "0.05", "0.08", "0.625")
	require.NoError(t, s.MarkPending(pos.ID))
	pending, err := s.Get(pos.ID)
	require.NoError(t, err)

	restored := newTestStore()
	restored.Restore([]types.Position{pending})

	got, err := restored.Get(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, got.Status,
		"an unconfirmed sell must be re-evaluated after restart")
	assert.True(t, restored.TotalInvested().Equal(dec("0.05")))
}

func TestRestoreOverCapHaltsBuys(t *testing.T) {
	s := New(Config{Cap: dec("0.05"), MaxPositions: 100, ProfitTargetPercent: dec("15")}, nil)
	s.Restore([]types.Position{
		{ID: "a", InvestedAmount: dec("0.05"), Status: types.StatusOpen},
		{ID: "b", InvestedAmount: dec("0.05"), Status: types.StatusOpen},
	})

	assert.True(t, s.Corrupted())
	_, err := s.Reserve(dec("0.05"))
	assert.ErrorIs(t, err, ErrCapInvariant)
}
