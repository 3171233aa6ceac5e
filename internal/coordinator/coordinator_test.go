package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/ledger"
	"github.com/alanyoungcy/tradecore/internal/lifecycle"
	"github.com/alanyoungcy/tradecore/internal/registry"
	"github.com/alanyoungcy/tradecore/internal/rules"
)

const testPlatform = domain.Platform("alpha")

type fakeAdapter struct {
	mu        sync.Mutex
	submitted []domain.Operation
	cancelled []string

	submitFn func(op domain.Operation) (string, error)
	cancelFn func(platformOrderID string) error

	openOrders []domain.OpenOrder
	balances   map[string]decimal.Decimal
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		balances: map[string]decimal.Decimal{},
	}
}

func (f *fakeAdapter) Platform() domain.Platform { return testPlatform }

func (f *fakeAdapter) Submit(_ context.Context, op domain.Operation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, op)
	if f.submitFn != nil {
		return f.submitFn(op)
	}
	return fmt.Sprintf("remote-%d", len(f.submitted)), nil
}

func (f *fakeAdapter) Cancel(_ context.Context, platformOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, platformOrderID)
	if f.cancelFn != nil {
		return f.cancelFn(platformOrderID)
	}
	return nil
}

func (f *fakeAdapter) StreamEvents(ctx context.Context) (<-chan domain.PlatformEvent, error) {
	ch := make(chan domain.PlatformEvent)
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) SnapshotOpenOrders(context.Context) ([]domain.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.OpenOrder, len(f.openOrders))
	copy(out, f.openOrders)
	return out, nil
}

func (f *fakeAdapter) SnapshotBalances(context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAdapter) lastSubmitted() domain.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[len(f.submitted)-1]
}

func (f *fakeAdapter) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

type recordSink struct {
	mu          sync.Mutex
	transitions []domain.LifecycleEvent
	signals     []domain.Signal
}

func (s *recordSink) LifecycleChanged(_ context.Context, ev domain.LifecycleEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, ev)
}

func (s *recordSink) SignalRaised(_ context.Context, sig domain.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
}

func (s *recordSink) signalsOfType(t string) []domain.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Signal
	for _, sig := range s.signals {
		if sig.SignalType() == t {
			out = append(out, sig)
		}
	}
	return out
}

type fixture struct {
	coord   *Coordinator
	ledger  *ledger.Ledger
	adapter *fakeAdapter
	sink    *recordSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New()
	require.NoError(t, reg.RegisterAsset(domain.Asset{Symbol: "BTC", Name: "Bitcoin", Precision: 8}))
	require.NoError(t, reg.RegisterAsset(domain.Asset{Symbol: "USDT", Name: "Tether", Precision: 6}))
	require.NoError(t, reg.RegisterPair(domain.TradingPair{
		Platform: testPlatform,
		Base:     "BTC",
		Quote:    "USDT",
		Symbol:   "BTC-USDT",
	}))

	led := ledger.New(decimal.RequireFromString("0.00000001"), logger)
	machine := lifecycle.NewMachine(decimal.RequireFromString("0.00000001"), logger)
	engine := rules.NewEngine()

	coord := New(reg, led, engine, machine, DefaultConfig(), logger)
	adapter := newFakeAdapter()
	coord.RegisterAdapter(adapter)
	sink := &recordSink{}
	coord.SetSink(sink)

	return &fixture{coord: coord, ledger: led, adapter: adapter, sink: sink}
}

func (fx *fixture) deposit(t *testing.T, asset, amount string) {
	t.Helper()
	require.NoError(t, fx.ledger.Deposit(testPlatform, asset, decimal.RequireFromString(amount)))
}

func buyRequest(qty, price string) SubmitRequest {
	return SubmitRequest{
		Platform:    testPlatform,
		Symbol:      "BTC-USDT",
		Side:        domain.SideBuy,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TIFGoodTillCancel,
		Quantity:    decimal.RequireFromString(qty),
		Price:       decimal.RequireFromString(price),
	}
}

func TestSubmitReservesAndSends(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")

	op, err := fx.coord.Submit(context.Background(), buyRequest("2", "100"))
	require.NoError(t, err)

	assert.Equal(t, domain.StatePendingSubmit, op.State)
	assert.Equal(t, "remote-1", op.PlatformOrderID)
	assert.NotEmpty(t, op.ReservationID)

	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Available.Equal(decimal.RequireFromString("800")), "available %s", usdt.Available)
	assert.True(t, usdt.Locked.Equal(decimal.RequireFromString("200")), "locked %s", usdt.Locked)

	assert.Equal(t, op.ID, fx.adapter.lastSubmitted().ID)
}

func TestSubmitValidationFailureHasNoSideEffects(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")

	engine := rules.NewEngine()
	engine.SetRule(rules.Rule{
		Pair:         domain.TradingPair{Platform: testPlatform, Base: "BTC", Quote: "USDT", Symbol: "BTC-USDT"},
		MinOrderSize: decimal.RequireFromString("1"),
		Live:         true,
	})
	fx.coord.rules = engine

	_, err := fx.coord.Submit(context.Background(), buyRequest("0.5", "100"))
	require.ErrorIs(t, err, domain.ErrValidation)

	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Locked.IsZero())
	assert.True(t, usdt.Available.Equal(decimal.RequireFromString("1000")))
	assert.Zero(t, fx.ledger.OpenReservations())
}

func TestSubmitInsufficientFunds(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "100")

	_, err := fx.coord.Submit(context.Background(), buyRequest("2", "100"))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Zero(t, fx.ledger.OpenReservations())
}

func TestSubmitTransportFailureRejectsAndReleases(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	fx.adapter.submitFn = func(domain.Operation) (string, error) {
		return "", errors.New("connection reset")
	}

	op, err := fx.coord.Submit(context.Background(), buyRequest("2", "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, op.State)

	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Available.Equal(decimal.RequireFromString("1000")))
	assert.True(t, usdt.Locked.IsZero())
	assert.Zero(t, fx.ledger.OpenReservations())
}

func TestSubmitUnknownSymbol(t *testing.T) {
	fx := newFixture(t)
	req := buyRequest("1", "100")
	req.Symbol = "DOGE-USDT"
	_, err := fx.coord.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrUnknownSymbol)
}

func TestFullLifecycleBuyFill(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	op, err := fx.coord.Submit(ctx, buyRequest("2", "100"))
	require.NoError(t, err)

	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             1,
		At:              time.Now(),
	})
	snap, err := fx.coord.Operation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, snap.State)

	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventFill,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             2,
		FillID:          "f1",
		Quantity:        decimal.RequireFromString("0.5"),
		Price:           decimal.RequireFromString("99"),
		At:              time.Now(),
	})
	snap, err = fx.coord.Operation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePartiallyFilled, snap.State)

	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventFill,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             3,
		FillID:          "f2",
		Quantity:        decimal.RequireFromString("1.5"),
		Price:           decimal.RequireFromString("100"),
		At:              time.Now(),
	})
	snap, err = fx.coord.Operation(op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFilled, snap.State)
	assert.True(t, snap.FilledQuantity.Equal(decimal.RequireFromString("2")))
	// (0.5*99 + 1.5*100) / 2 = 99.75
	assert.True(t, snap.AvgFillPrice.Equal(decimal.RequireFromString("99.75")),
		"avg %s", snap.AvgFillPrice)

	// Consumed 199.5 USDT, 0.5 returned to available, 2 BTC credited.
	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Total.Equal(decimal.RequireFromString("800.5")), "usdt total %s", usdt.Total)
	assert.True(t, usdt.Locked.IsZero())
	btc := fx.ledger.Balance(testPlatform, "BTC")
	assert.True(t, btc.Available.Equal(decimal.RequireFromString("2")))
	assert.Zero(t, fx.ledger.OpenReservations())
}

func TestCancelConfirmedReleasesRemainder(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	op, err := fx.coord.Submit(ctx, buyRequest("2", "100"))
	require.NoError(t, err)
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             1,
		At:              time.Now(),
	})

	require.NoError(t, fx.coord.Cancel(ctx, op.ID))
	assert.Equal(t, 1, fx.adapter.cancelCount())
	snap, _ := fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StatePendingCancel, snap.State)

	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventCancelConfirmed,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             2,
		At:              time.Now(),
	})
	snap, _ = fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StateCancelled, snap.State)

	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Available.Equal(decimal.RequireFromString("1000")))
	assert.True(t, usdt.Locked.IsZero())
}

func TestCancelBeforeAckRefused(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	fx.adapter.submitFn = func(domain.Operation) (string, error) {
		// Platform assigns the order id asynchronously.
		return "", nil
	}

	op, err := fx.coord.Submit(context.Background(), buyRequest("1", "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingSubmit, op.State)

	err = fx.coord.Cancel(context.Background(), op.ID)
	require.ErrorIs(t, err, domain.ErrRequestInFlight)
}

func TestFillDuringPendingCancelWins(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	op, err := fx.coord.Submit(ctx, buyRequest("1", "100"))
	require.NoError(t, err)
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             1,
		At:              time.Now(),
	})
	require.NoError(t, fx.coord.Cancel(ctx, op.ID))

	// The platform filled the order before processing the cancel.
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventFill,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             2,
		FillID:          "f1",
		Quantity:        decimal.RequireFromString("1"),
		Price:           decimal.RequireFromString("100"),
		At:              time.Now(),
	})
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventCancelRejected,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             3,
		Reason:          "already filled",
		At:              time.Now(),
	})

	snap, _ := fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StateFilled, snap.State)
	btc := fx.ledger.Balance(testPlatform, "BTC")
	assert.True(t, btc.Available.Equal(decimal.RequireFromString("1")))
}

func TestDuplicateFillIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	op, err := fx.coord.Submit(ctx, buyRequest("2", "100"))
	require.NoError(t, err)
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             1,
		At:              time.Now(),
	})
	fill := domain.PlatformEvent{
		Kind:            domain.EventFill,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             2,
		FillID:          "f1",
		Quantity:        decimal.RequireFromString("1"),
		Price:           decimal.RequireFromString("100"),
		At:              time.Now(),
	}
	fx.coord.HandleEvent(ctx, fill)
	fx.coord.HandleEvent(ctx, fill)

	snap, _ := fx.coord.Operation(op.ID)
	assert.True(t, snap.FilledQuantity.Equal(decimal.RequireFromString("1")),
		"filled %s", snap.FilledQuantity)
	assert.Len(t, snap.Fills, 1)
}

func TestEventForUnknownOperationDiscarded(t *testing.T) {
	fx := newFixture(t)
	fx.coord.HandleEvent(context.Background(), domain.PlatformEvent{
		Kind:            domain.EventFill,
		Platform:        testPlatform,
		PlatformOrderID: "no-such-order",
		FillID:          "f1",
		Quantity:        decimal.RequireFromString("1"),
		Price:           decimal.RequireFromString("100"),
		At:              time.Now(),
	})
	// Nothing to assert beyond not panicking; the event has no route.
}

func TestBalanceSnapshotRaisesDrift(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")

	fx.coord.HandleEvent(context.Background(), domain.PlatformEvent{
		Kind:     domain.EventBalanceSnapshot,
		Platform: testPlatform,
		Balances: map[string]decimal.Decimal{
			"USDT": decimal.RequireFromString("999"),
		},
		At: time.Now(),
	})

	sigs := fx.sink.signalsOfType("balance_drift")
	require.Len(t, sigs, 1)
	drift := sigs[0].(domain.DriftSignal)
	assert.Equal(t, "USDT", drift.Asset)
	assert.True(t, drift.Diff.Equal(decimal.RequireFromString("-1")), "diff %s", drift.Diff)

	// Tracked balance is never silently corrected.
	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Total.Equal(decimal.RequireFromString("1000")))
}

func TestRecoveryResolvesMissingPartialAsCancelled(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	op, err := fx.coord.Submit(ctx, buyRequest("2", "100"))
	require.NoError(t, err)
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             1,
		At:              time.Now(),
	})
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventFill,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             2,
		FillID:          "f1",
		Quantity:        decimal.RequireFromString("0.5"),
		Price:           decimal.RequireFromString("100"),
		At:              time.Now(),
	})

	// The platform no longer lists the order after reconnect.
	fx.adapter.openOrders = nil
	fx.adapter.balances = map[string]decimal.Decimal{"USDT": decimal.RequireFromString("950")}
	require.NoError(t, fx.coord.Recover(ctx, testPlatform))

	snap, _ := fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StateCancelled, snap.State)
	assert.True(t, snap.FilledQuantity.Equal(decimal.RequireFromString("0.5")))

	// Consumed 50, remainder 150 back to available.
	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Total.Equal(decimal.RequireFromString("950")), "total %s", usdt.Total)
	assert.True(t, usdt.Locked.IsZero())
}

func TestRecoveryResolvesMissingCompleteAsFilled(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	op, err := fx.coord.Submit(ctx, buyRequest("1", "100"))
	require.NoError(t, err)
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             1,
		At:              time.Now(),
	})
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventFill,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             2,
		FillID:          "f1",
		Quantity:        decimal.RequireFromString("1"),
		Price:           decimal.RequireFromString("100"),
		At:              time.Now(),
	})
	// Already terminal before recovery; recovery must leave it alone.
	require.NoError(t, fx.coord.Recover(ctx, testPlatform))
	snap, _ := fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StateFilled, snap.State)
}

func TestRecoveryLostOperationLimit(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()
	fx.adapter.submitFn = func(domain.Operation) (string, error) {
		return "", nil // ack never arrives
	}

	op, err := fx.coord.Submit(ctx, buyRequest("1", "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingSubmit, op.State)

	for i := 0; i < 2; i++ {
		require.NoError(t, fx.coord.Recover(ctx, testPlatform))
		snap, _ := fx.coord.Operation(op.ID)
		assert.Equal(t, domain.StatePendingSubmit, snap.State, "after miss %d", i+1)
	}
	require.NoError(t, fx.coord.Recover(ctx, testPlatform))

	snap, _ := fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StateRejected, snap.State)
	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Available.Equal(decimal.RequireFromString("1000")))

	sigs := fx.sink.signalsOfType("lost_operation")
	require.Len(t, sigs, 1)
	lost := sigs[0].(domain.LostOperationSignal)
	assert.Equal(t, op.ID, lost.OperationID)
	assert.Equal(t, 3, lost.Misses)
}

func TestRecoveryUnknownRemoteOrderSignalled(t *testing.T) {
	fx := newFixture(t)
	fx.adapter.openOrders = []domain.OpenOrder{{
		PlatformOrderID: "mystery-1",
		Remaining:       decimal.RequireFromString("3"),
		State:           domain.StateOpen,
	}}
	require.NoError(t, fx.coord.Recover(context.Background(), testPlatform))

	sigs := fx.sink.signalsOfType("unknown_remote_order")
	require.Len(t, sigs, 1)
	unknown := sigs[0].(domain.UnknownRemoteOrderSignal)
	assert.Equal(t, "mystery-1", unknown.PlatformOrderID)
	// The engine never cancels or adopts orders it did not place.
	assert.Zero(t, fx.adapter.cancelCount())
}

func TestRecoveryStillOpenResetsMissCount(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	op, err := fx.coord.Submit(ctx, buyRequest("1", "100"))
	require.NoError(t, err)
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             1,
		At:              time.Now(),
	})
	fx.adapter.openOrders = []domain.OpenOrder{{
		PlatformOrderID: op.PlatformOrderID,
		Remaining:       decimal.RequireFromString("1"),
		State:           domain.StateOpen,
	}}

	require.NoError(t, fx.coord.Recover(ctx, testPlatform))
	snap, _ := fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StateOpen, snap.State)
	assert.Zero(t, snap.NotFoundCount)
}

func TestExpiryReleasesReservation(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	req := buyRequest("1", "100")
	req.TimeInForce = domain.TIFGoodTillDate
	req.ExpiresAt = time.Now().Add(-time.Second)
	op, err := fx.coord.Submit(ctx, req)
	require.NoError(t, err)
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventSubmissionAck,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             1,
		At:              time.Now(),
	})

	fx.coord.expireElapsed(ctx)

	snap, _ := fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StateExpired, snap.State)
	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Available.Equal(decimal.RequireFromString("1000")))
	assert.True(t, usdt.Locked.IsZero())

	// A fill arriving after local expiry lands on a terminal operation.
	fx.coord.HandleEvent(ctx, domain.PlatformEvent{
		Kind:            domain.EventFill,
		Platform:        testPlatform,
		PlatformOrderID: op.PlatformOrderID,
		Seq:             2,
		FillID:          "late",
		Quantity:        decimal.RequireFromString("1"),
		Price:           decimal.RequireFromString("100"),
		At:              time.Now(),
	})
	snap, _ = fx.coord.Operation(op.ID)
	assert.Equal(t, domain.StateExpired, snap.State)
	assert.Empty(t, snap.Fills)
}

func TestOperationsByPlatform(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := fx.coord.Submit(ctx, buyRequest("1", "100"))
		require.NoError(t, err)
	}
	ops := fx.coord.OperationsByPlatform(testPlatform)
	assert.Len(t, ops, 3)
	assert.Empty(t, fx.coord.OperationsByPlatform(domain.Platform("other")))
}

func TestClosedOperationsEvictedPastLimit(t *testing.T) {
	fx := newFixture(t)
	fx.deposit(t, "USDT", "1000")
	fx.coord.closedLimit = 2
	ctx := context.Background()

	fx.adapter.submitFn = func(domain.Operation) (string, error) {
		return "", errors.New("gateway unavailable")
	}

	var ids []string
	for i := 0; i < 3; i++ {
		op, err := fx.coord.Submit(ctx, buyRequest("1", "100"))
		require.NoError(t, err)
		require.Equal(t, domain.StateRejected, op.State)
		ids = append(ids, op.ID)
	}

	// The oldest rejected operation falls out of the in-memory table; the
	// two most recent stay queryable.
	_, err := fx.coord.Operation(ids[0])
	assert.ErrorIs(t, err, domain.ErrUnknownOperation)
	for _, id := range ids[1:] {
		snap, err := fx.coord.Operation(id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateRejected, snap.State)
	}

	// Every reservation was released regardless of eviction.
	usdt := fx.ledger.Balance(testPlatform, "USDT")
	assert.True(t, usdt.Available.Equal(decimal.RequireFromString("1000")), usdt.Available.String())
	assert.True(t, usdt.Locked.IsZero())
}
