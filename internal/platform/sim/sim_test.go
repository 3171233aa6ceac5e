package sim

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func newAdapter() *Adapter {
	return New(DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func buyOp(qty, price string) domain.Operation {
	return domain.Operation{
		ID:       "op-1",
		Platform: domain.Platform("sim"),
		Pair:     domain.TradingPair{Platform: "sim", Base: "BTC", Quote: "USDT", Symbol: "BTC-USDT"},
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.RequireFromString(price),
	}
}

func drain(t *testing.T, a *Adapter, n int) []domain.PlatformEvent {
	t.Helper()
	out := make([]domain.PlatformEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-a.events:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestSubmitRestsUntilPriceCrosses(t *testing.T) {
	a := newAdapter()
	a.Deposit("USDT", decimal.RequireFromString("1000"))

	id, err := a.Submit(context.Background(), buyOp("2", "100"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	evs := drain(t, a, 1)
	assert.Equal(t, domain.EventSubmissionAck, evs[0].Kind)
	assert.Equal(t, id, evs[0].PlatformOrderID)
	assert.Equal(t, uint64(1), evs[0].Seq)

	open, err := a.SnapshotOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Price drops through the limit: the order fills completely.
	a.SetPrice("BTC-USDT", decimal.RequireFromString("99"))
	evs = drain(t, a, 1)
	assert.Equal(t, domain.EventFill, evs[0].Kind)
	assert.True(t, evs[0].Quantity.Equal(decimal.RequireFromString("2")))
	assert.True(t, evs[0].Price.Equal(decimal.RequireFromString("99")))
	assert.Equal(t, uint64(2), evs[0].Seq)

	open, err = a.SnapshotOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	balances, err := a.SnapshotBalances(context.Background())
	require.NoError(t, err)
	assert.True(t, balances["USDT"].Equal(decimal.RequireFromString("802")), "usdt %s", balances["USDT"])
	assert.True(t, balances["BTC"].Equal(decimal.RequireFromString("2")))
}

func TestMarketableLimitFillsImmediately(t *testing.T) {
	a := newAdapter()
	a.SetPrice("BTC-USDT", decimal.RequireFromString("95"))

	_, err := a.Submit(context.Background(), buyOp("1", "100"))
	require.NoError(t, err)

	evs := drain(t, a, 2)
	assert.Equal(t, domain.EventSubmissionAck, evs[0].Kind)
	assert.Equal(t, domain.EventFill, evs[1].Kind)
	assert.True(t, evs[1].Price.Equal(decimal.RequireFromString("95")))
}

func TestPartialFillThenCancel(t *testing.T) {
	a := newAdapter()
	id, err := a.Submit(context.Background(), buyOp("2", "100"))
	require.NoError(t, err)
	drain(t, a, 1)

	require.NoError(t, a.Fill(id, decimal.RequireFromString("0.5"), decimal.RequireFromString("100")))
	evs := drain(t, a, 1)
	assert.Equal(t, domain.EventFill, evs[0].Kind)
	assert.True(t, evs[0].Quantity.Equal(decimal.RequireFromString("0.5")))

	open, _ := a.SnapshotOpenOrders(context.Background())
	require.Len(t, open, 1)
	assert.Equal(t, domain.StatePartiallyFilled, open[0].State)
	assert.True(t, open[0].Remaining.Equal(decimal.RequireFromString("1.5")))

	require.NoError(t, a.Cancel(context.Background(), id))
	evs = drain(t, a, 1)
	assert.Equal(t, domain.EventCancelConfirmed, evs[0].Kind)

	open, _ = a.SnapshotOpenOrders(context.Background())
	assert.Empty(t, open)
}

func TestCancelClosedOrderRejected(t *testing.T) {
	a := newAdapter()
	a.SetPrice("BTC-USDT", decimal.RequireFromString("90"))
	id, err := a.Submit(context.Background(), buyOp("1", "100"))
	require.NoError(t, err)
	drain(t, a, 2)

	require.NoError(t, a.Cancel(context.Background(), id))
	evs := drain(t, a, 1)
	assert.Equal(t, domain.EventCancelRejected, evs[0].Kind)

	err = a.Cancel(context.Background(), "sim-999")
	require.ErrorIs(t, err, domain.ErrCancelRejected)
}

func TestStreamEventsClosesOnCancel(t *testing.T) {
	a := newAdapter()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := a.StreamEvents(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream did not close")
	}
}

func TestDropSimulatesSilentTermination(t *testing.T) {
	a := newAdapter()
	id, err := a.Submit(context.Background(), buyOp("1", "100"))
	require.NoError(t, err)
	drain(t, a, 1)

	a.Drop(id)
	open, _ := a.SnapshotOpenOrders(context.Background())
	assert.Empty(t, open)
}
