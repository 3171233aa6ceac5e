package lifecycle

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestMachine() *Machine {
	return NewMachine(dec("0.00000001"), slog.Default())
}

func newBuyOp() *domain.Operation {
	return &domain.Operation{
		ID:       "op-1",
		Platform: "testex",
		Pair: domain.TradingPair{
			Platform: "testex",
			Base:     "BASE",
			Quote:    "QUOTE",
			Symbol:   "BASEQUOTE",
		},
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeLimit,
		TimeInForce:   domain.TIFGoodTillCancel,
		Quantity:      dec("10"),
		Price:         dec("100"),
		State:         domain.StateCreated,
		Fills:         make(map[string]domain.Fill),
		ReservationID: "res-1",
		CreatedAt:     time.Now().UTC(),
	}
}

func openBuyOp(t *testing.T, m *Machine) *domain.Operation {
	t.Helper()
	op := newBuyOp()
	_, err := m.MarkPendingSubmit(op)
	require.NoError(t, err)
	out, err := m.Apply(op, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		PlatformOrderID: "ex-1",
	})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, domain.StateOpen, op.State)
	return op
}

func fill(id string, qty, price string, seq uint64) domain.PlatformEvent {
	return domain.PlatformEvent{
		Kind:     domain.EventFill,
		FillID:   id,
		Quantity: dec(qty),
		Price:    dec(price),
		Seq:      seq,
		At:       time.Now().UTC(),
	}
}

func TestSubmitAckOpensOperation(t *testing.T) {
	m := newTestMachine()
	op := newBuyOp()

	out, err := m.MarkPendingSubmit(op)
	require.NoError(t, err)
	require.Equal(t, domain.StatePendingSubmit, op.State)
	require.Equal(t, domain.StateCreated, out.Transition.From)

	out, err = m.Apply(op, domain.PlatformEvent{Kind: domain.EventSubmissionAck, PlatformOrderID: "ex-1"})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, domain.StateOpen, op.State)
	require.Equal(t, "ex-1", op.PlatformOrderID)
	require.Nil(t, out.Effect)
}

func TestDuplicateAckIsNoOp(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	out, err := m.Apply(op, domain.PlatformEvent{Kind: domain.EventSubmissionAck, PlatformOrderID: "ex-1"})
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, domain.StateOpen, op.State)
}

func TestSubmissionRejectReleasesReservation(t *testing.T) {
	m := newTestMachine()
	op := newBuyOp()
	_, err := m.MarkPendingSubmit(op)
	require.NoError(t, err)

	out, err := m.Apply(op, domain.PlatformEvent{Kind: domain.EventSubmissionReject, Reason: "min notional"})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, domain.StateRejected, op.State)
	require.NotNil(t, out.Effect)
	require.Equal(t, EffectRelease, out.Effect.Kind)
	require.Equal(t, "res-1", out.Effect.ReservationID)
}

func TestFillsAccumulateWeightedAverage(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	out, err := m.Apply(op, fill("f1", "4", "100", 1))
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, domain.StatePartiallyFilled, op.State)
	require.Nil(t, out.Effect)

	out, err = m.Apply(op, fill("f2", "6", "100", 2))
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, domain.StateFilled, op.State)
	require.True(t, op.AvgFillPrice.Equal(dec("100")))
	require.True(t, op.FilledQuantity.Equal(dec("10")))

	require.NotNil(t, out.Effect)
	require.Equal(t, EffectSettle, out.Effect.Kind)
	require.True(t, out.Effect.Consumed.Equal(dec("1000")))
	require.Equal(t, "BASE", out.Effect.Proceeds.Asset)
	require.True(t, out.Effect.Proceeds.Amount.Equal(dec("10")))
}

func TestMixedPriceAverage(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	_, err := m.Apply(op, fill("f1", "5", "90", 1))
	require.NoError(t, err)
	_, err = m.Apply(op, fill("f2", "5", "100", 2))
	require.NoError(t, err)

	require.True(t, op.AvgFillPrice.Equal(dec("95")))
	require.Equal(t, domain.StateFilled, op.State)
}

func TestSellSettlementCreditsQuote(t *testing.T) {
	m := newTestMachine()
	op := newBuyOp()
	op.Side = domain.SideSell
	op.ReservationID = "res-sell"
	_, err := m.MarkPendingSubmit(op)
	require.NoError(t, err)
	_, err = m.Apply(op, domain.PlatformEvent{Kind: domain.EventSubmissionAck, PlatformOrderID: "ex-2"})
	require.NoError(t, err)

	out, err := m.Apply(op, fill("f1", "10", "101", 1))
	require.NoError(t, err)
	require.Equal(t, domain.StateFilled, op.State)
	require.Equal(t, EffectSettle, out.Effect.Kind)
	// Sells consume base and earn quote.
	require.True(t, out.Effect.Consumed.Equal(dec("10")))
	require.Equal(t, "QUOTE", out.Effect.Proceeds.Asset)
	require.True(t, out.Effect.Proceeds.Amount.Equal(dec("1010")))
}

func TestDuplicateFillDiscarded(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	_, err := m.Apply(op, fill("f1", "4", "100", 0))
	require.NoError(t, err)

	out, err := m.Apply(op, fill("f1", "4", "100", 0))
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.True(t, op.FilledQuantity.Equal(dec("4")))
}

func TestStaleSequenceDiscarded(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	// Fills without a fill id have nothing to dedup on, so the sequence
	// gate decides.
	_, err := m.Apply(op, fill("", "6", "100", 5))
	require.NoError(t, err)

	// Same and lower sequences are both stale.
	out, err := m.Apply(op, fill("", "4", "100", 5))
	require.NoError(t, err)
	require.False(t, out.Applied)
	out, err = m.Apply(op, fill("", "4", "100", 3))
	require.NoError(t, err)
	require.False(t, out.Applied)

	require.True(t, op.FilledQuantity.Equal(dec("6")))
}

func TestStaleSequenceGatesStateEvents(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	_, err := m.Apply(op, fill("f1", "4", "100", 3))
	require.NoError(t, err)
	_, err = m.RequestCancel(op)
	require.NoError(t, err)

	// A cancel rejection from before the last applied sequence is stale.
	out, err := m.Apply(op, domain.PlatformEvent{Kind: domain.EventCancelRejected, Seq: 2})
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, domain.StatePendingCancel, op.State)
}

// Identified fills bypass the sequence gate and dedup by fill id, so any
// arrival order converges to the same totals.
func TestFillOrderInsensitive(t *testing.T) {
	m := newTestMachine()

	apply := func(events []domain.PlatformEvent) *domain.Operation {
		op := openBuyOp(t, m)
		for _, ev := range events {
			_, err := m.Apply(op, ev)
			require.NoError(t, err)
		}
		return op
	}

	inOrder := apply([]domain.PlatformEvent{
		fill("f1", "4", "90", 1),
		fill("f2", "6", "110", 2),
	})
	outOfOrder := apply([]domain.PlatformEvent{
		fill("f2", "6", "110", 2),
		fill("f1", "4", "90", 1),
		// A replayed fill id is still a duplicate after arriving late.
		fill("f1", "4", "90", 1),
	})

	for _, op := range []*domain.Operation{inOrder, outOfOrder} {
		require.Equal(t, domain.StateFilled, op.State)
		require.True(t, op.FilledQuantity.Equal(dec("10")), op.FilledQuantity.String())
		require.True(t, op.AvgFillPrice.Equal(dec("102")), op.AvgFillPrice.String())
	}
}

// A fill beating the submission ack must leave a transition whose origin is
// pending_submit, not a fabricated open state.
func TestFillBeforeAckRecordsPendingSubmitOrigin(t *testing.T) {
	m := newTestMachine()
	op := newBuyOp()
	_, err := m.MarkPendingSubmit(op)
	require.NoError(t, err)

	out, err := m.Apply(op, fill("f1", "4", "100", 1))
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.NotNil(t, out.Transition)
	require.Equal(t, domain.StatePendingSubmit, out.Transition.From)
	require.Equal(t, domain.StatePartiallyFilled, out.Transition.To)
	require.Equal(t, domain.StatePartiallyFilled, op.State)

	// The late ack is still absorbed without disturbing the fill state.
	out, err = m.Apply(op, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		PlatformOrderID: "ex-1",
		Seq:             2,
	})
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, domain.StatePartiallyFilled, op.State)
}

func TestTwoPhaseCancel(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	out, err := m.RequestCancel(op)
	require.NoError(t, err)
	require.Equal(t, domain.StatePendingCancel, op.State)
	require.Nil(t, out.Effect)

	out, err = m.Apply(op, domain.PlatformEvent{Kind: domain.EventCancelConfirmed})
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, op.State)
	require.Equal(t, EffectRelease, out.Effect.Kind)
}

func TestCancelRejectedAfterFillIsAuthoritative(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	_, err := m.RequestCancel(op)
	require.NoError(t, err)

	// The order filled while the cancel was in flight.
	_, err = m.Apply(op, fill("f1", "10", "100", 1))
	require.NoError(t, err)
	require.Equal(t, domain.StateFilled, op.State)

	// The late rejection lands on a terminal operation and is discarded.
	out, err := m.Apply(op, domain.PlatformEvent{Kind: domain.EventCancelRejected})
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, domain.StateFilled, op.State)
}

func TestCancelRejectedReopens(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	_, err := m.Apply(op, fill("f1", "4", "100", 1))
	require.NoError(t, err)
	_, err = m.RequestCancel(op)
	require.NoError(t, err)

	out, err := m.Apply(op, domain.PlatformEvent{Kind: domain.EventCancelRejected, Seq: 2})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, domain.StatePartiallyFilled, op.State)
}

func TestPartialFillDuringPendingCancelKeepsCancel(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	_, err := m.RequestCancel(op)
	require.NoError(t, err)

	_, err = m.Apply(op, fill("f1", "4", "100", 1))
	require.NoError(t, err)
	require.Equal(t, domain.StatePendingCancel, op.State)

	out, err := m.Apply(op, domain.PlatformEvent{Kind: domain.EventCancelConfirmed, Seq: 2})
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, op.State)
	// Cancellation after a partial fill settles the executed part and
	// releases the rest.
	require.Equal(t, EffectSettle, out.Effect.Kind)
	require.True(t, out.Effect.Consumed.Equal(dec("400")))
	require.True(t, out.Effect.Proceeds.Amount.Equal(dec("4")))
}

func TestExpire(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)

	out := m.Expire(op)
	require.True(t, out.Applied)
	require.Equal(t, domain.StateExpired, op.State)
	require.Equal(t, EffectRelease, out.Effect.Kind)

	// Expiry on a terminal operation is a no-op.
	require.False(t, m.Expire(op).Applied)
}

func TestResolveMissing(t *testing.T) {
	m := newTestMachine()

	op := openBuyOp(t, m)
	out := m.ResolveMissing(op)
	require.Equal(t, domain.StateCancelled, op.State)
	require.Equal(t, EffectRelease, out.Effect.Kind)

	filled := openBuyOp(t, m)
	_, err := m.Apply(filled, fill("f1", "10", "100", 0))
	require.NoError(t, err)
	require.Equal(t, domain.StateFilled, filled.State)
	require.False(t, m.ResolveMissing(filled).Applied)
}

func TestResolveLost(t *testing.T) {
	m := newTestMachine()
	op := newBuyOp()
	_, err := m.MarkPendingSubmit(op)
	require.NoError(t, err)

	out := m.ResolveLost(op)
	require.True(t, out.Applied)
	require.Equal(t, domain.StateRejected, op.State)
	require.Equal(t, EffectRelease, out.Effect.Kind)
}

func TestEventsOnTerminalDiscarded(t *testing.T) {
	m := newTestMachine()
	op := openBuyOp(t, m)
	_, err := m.Apply(op, fill("f1", "10", "100", 1))
	require.NoError(t, err)
	require.Equal(t, domain.StateFilled, op.State)

	for _, kind := range []domain.EventKind{
		domain.EventSubmissionAck,
		domain.EventSubmissionReject,
		domain.EventFill,
		domain.EventCancelConfirmed,
		domain.EventCancelRejected,
	} {
		out, err := m.Apply(op, domain.PlatformEvent{Kind: kind, FillID: "f9", Quantity: dec("1"), Price: dec("1"), Seq: 99})
		require.NoError(t, err)
		require.False(t, out.Applied, "kind %s must not reopen a terminal operation", kind)
	}
	require.Equal(t, domain.StateFilled, op.State)
	require.True(t, op.FilledQuantity.Equal(dec("10")))
}
