// Package sim is an in-memory trading venue used for paper mode. It
// implements the full platform adapter contract, including event sequencing,
// open-order and balance snapshots, so the engine runs against it unchanged.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Config holds simulator tuning.
type Config struct {
	// Platform is the venue name reported to the engine.
	Platform domain.Platform
	// EventBuffer is the capacity of the outbound event channel.
	EventBuffer int
}

// DefaultConfig returns the simulator defaults.
func DefaultConfig() Config {
	return Config{
		Platform:    domain.Platform("sim"),
		EventBuffer: 256,
	}
}

type order struct {
	operationID     string
	platformOrderID string
	symbol          string
	side            domain.Side
	typ             domain.OrderType
	quantity        decimal.Decimal
	price           decimal.Decimal
	remaining       decimal.Decimal
	seq             uint64
	fillCount       int
	open            bool
}

// Adapter is the simulated venue. Limit orders rest until a price set via
// SetPrice crosses them; market orders execute immediately at the current
// price. Fills debit and credit the simulator's own balance book, so balance
// snapshots stay consistent with the fills it reports.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int
	orders   map[string]*order
	prices   map[string]decimal.Decimal
	balances map[string]decimal.Decimal
	events   chan domain.PlatformEvent
}

// New creates a simulator venue.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Platform == "" {
		cfg.Platform = DefaultConfig().Platform
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "sim"), slog.String("platform", string(cfg.Platform))),
		orders:   make(map[string]*order),
		prices:   make(map[string]decimal.Decimal),
		balances: make(map[string]decimal.Decimal),
		events:   make(chan domain.PlatformEvent, cfg.EventBuffer),
	}
}

// Platform returns the simulated venue name.
func (a *Adapter) Platform() domain.Platform { return a.cfg.Platform }

// Deposit funds the simulator's balance book. Paper mode funds the simulator
// and the ledger identically so drift stays at zero until a bug diverges them.
func (a *Adapter) Deposit(asset string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[asset] = a.balances[asset].Add(amount)
}

// SetPrice records the last trade price for a symbol and crosses any resting
// limit orders it makes marketable. Each crossed order fills completely.
func (a *Adapter) SetPrice(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	a.prices[symbol] = price
	var pending []domain.PlatformEvent
	for _, o := range a.orders {
		if !o.open || o.symbol != symbol {
			continue
		}
		if marketable(o.side, o.price, price) {
			pending = append(pending, a.fillLocked(o, o.remaining, price)...)
		}
	}
	a.mu.Unlock()
	a.send(pending)
}

// Fill executes part of a resting order at the given price. It is the lever
// for driving partial-fill scenarios deterministically.
func (a *Adapter) Fill(platformOrderID string, quantity, price decimal.Decimal) error {
	a.mu.Lock()
	o, ok := a.orders[platformOrderID]
	if !ok || !o.open {
		a.mu.Unlock()
		return fmt.Errorf("sim: fill %s: %w", platformOrderID, domain.ErrNotFound)
	}
	if quantity.GreaterThan(o.remaining) {
		quantity = o.remaining
	}
	pending := a.fillLocked(o, quantity, price)
	a.mu.Unlock()
	a.send(pending)
	return nil
}

// Submit places an order on the simulated book. The order id is assigned
// synchronously and an acknowledgement event follows on the stream.
func (a *Adapter) Submit(_ context.Context, op domain.Operation) (string, error) {
	a.mu.Lock()
	a.nextID++
	o := &order{
		operationID:     op.ID,
		platformOrderID: fmt.Sprintf("sim-%d", a.nextID),
		symbol:          op.Pair.Symbol,
		side:            op.Side,
		typ:             op.Type,
		quantity:        op.Quantity,
		price:           op.Price,
		remaining:       op.Quantity,
		open:            true,
	}
	a.orders[o.platformOrderID] = o

	pending := []domain.PlatformEvent{a.eventLocked(o, domain.PlatformEvent{
		Kind: domain.EventSubmissionAck,
	})}

	last, havePrice := a.prices[o.symbol]
	switch {
	case o.typ == domain.OrderTypeMarket:
		execPrice := o.price
		if havePrice {
			execPrice = last
		}
		pending = append(pending, a.fillLocked(o, o.remaining, execPrice)...)
	case havePrice && marketable(o.side, o.price, last):
		pending = append(pending, a.fillLocked(o, o.remaining, last)...)
	}
	id := o.platformOrderID
	a.mu.Unlock()

	a.send(pending)
	return id, nil
}

// Cancel removes a resting order. Orders already filled or unknown refuse the
// cancel the way a real venue does.
func (a *Adapter) Cancel(_ context.Context, platformOrderID string) error {
	a.mu.Lock()
	o, ok := a.orders[platformOrderID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("sim: cancel %s: unknown order: %w", platformOrderID, domain.ErrCancelRejected)
	}
	if !o.open {
		ev := a.eventLocked(o, domain.PlatformEvent{
			Kind:   domain.EventCancelRejected,
			Reason: "order already closed",
		})
		a.mu.Unlock()
		a.send([]domain.PlatformEvent{ev})
		return nil
	}
	o.open = false
	ev := a.eventLocked(o, domain.PlatformEvent{
		Kind: domain.EventCancelConfirmed,
	})
	a.mu.Unlock()
	a.send([]domain.PlatformEvent{ev})
	return nil
}

// StreamEvents returns the simulator's event stream. The channel closes when
// ctx is cancelled.
func (a *Adapter) StreamEvents(ctx context.Context) (<-chan domain.PlatformEvent, error) {
	out := make(chan domain.PlatformEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-a.events:
				select {
				case <-ctx.Done():
					return
				case out <- ev:
				}
			}
		}
	}()
	return out, nil
}

// SnapshotOpenOrders lists orders still resting on the simulated book.
func (a *Adapter) SnapshotOpenOrders(context.Context) ([]domain.OpenOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range a.orders {
		if !o.open {
			continue
		}
		state := domain.StateOpen
		if o.remaining.LessThan(o.quantity) {
			state = domain.StatePartiallyFilled
		}
		out = append(out, domain.OpenOrder{
			PlatformOrderID: o.platformOrderID,
			Remaining:       o.remaining,
			State:           state,
		})
	}
	return out, nil
}

// SnapshotBalances reports the simulator's own totals per asset.
func (a *Adapter) SnapshotBalances(context.Context) (map[string]decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(a.balances))
	for asset, total := range a.balances {
		out[asset] = total
	}
	return out, nil
}

// Drop removes an open order without emitting any event, simulating an order
// that terminates during a connection gap.
func (a *Adapter) Drop(platformOrderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.orders[platformOrderID]; ok {
		o.open = false
	}
}

func marketable(side domain.Side, limit, last decimal.Decimal) bool {
	if side == domain.SideBuy {
		return last.LessThanOrEqual(limit)
	}
	return last.GreaterThanOrEqual(limit)
}

// fillLocked executes quantity at price, updates the balance book, and
// returns the fill event. Caller holds a.mu.
func (a *Adapter) fillLocked(o *order, quantity, price decimal.Decimal) []domain.PlatformEvent {
	if quantity.IsZero() {
		return nil
	}
	o.remaining = o.remaining.Sub(quantity)
	o.fillCount++
	if o.remaining.IsZero() {
		o.open = false
	}

	base, quote := splitSymbol(o.symbol)
	notional := quantity.Mul(price)
	if o.side == domain.SideBuy {
		a.balances[quote] = a.balances[quote].Sub(notional)
		a.balances[base] = a.balances[base].Add(quantity)
	} else {
		a.balances[base] = a.balances[base].Sub(quantity)
		a.balances[quote] = a.balances[quote].Add(notional)
	}

	return []domain.PlatformEvent{a.eventLocked(o, domain.PlatformEvent{
		Kind:     domain.EventFill,
		FillID:   fmt.Sprintf("%s-f%d", o.platformOrderID, o.fillCount),
		Quantity: quantity,
		Price:    price,
	})}
}

// eventLocked stamps the common fields and the per-order sequence. Caller
// holds a.mu.
func (a *Adapter) eventLocked(o *order, ev domain.PlatformEvent) domain.PlatformEvent {
	o.seq++
	ev.Platform = a.cfg.Platform
	ev.OperationID = o.operationID
	ev.PlatformOrderID = o.platformOrderID
	ev.Seq = o.seq
	ev.At = time.Now().UTC()
	return ev
}

func (a *Adapter) send(evs []domain.PlatformEvent) {
	for _, ev := range evs {
		select {
		case a.events <- ev:
		default:
			// A full buffer means no consumer is draining; dropping keeps
			// the simulator from wedging callers.
			a.logger.Warn("event buffer full, dropping",
				slog.String("kind", string(ev.Kind)),
				slog.String("platform_order_id", ev.PlatformOrderID),
			)
		}
	}
}

// splitSymbol derives base and quote assets from a BASE-QUOTE symbol.
func splitSymbol(symbol string) (base, quote string) {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' || symbol[i] == '/' {
			return symbol[:i], symbol[i+1:]
		}
	}
	return symbol, symbol
}
