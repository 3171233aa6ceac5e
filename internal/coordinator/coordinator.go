// Package coordinator is the single entry point for outbound commands
// (submit, cancel) and inbound platform events. It owns the operation table,
// routes events to the right state machine instance, executes the ledger
// effects transitions require, and drives snapshot-diff recovery after
// disconnects.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/keymutex"
	"github.com/alanyoungcy/tradecore/internal/ledger"
	"github.com/alanyoungcy/tradecore/internal/lifecycle"
	"github.com/alanyoungcy/tradecore/internal/registry"
)

// Validator is the trading-rules gate consulted before any reservation.
type Validator interface {
	Validate(op domain.Operation) error
}

// Sink receives every lifecycle transition and surfaced signal. The app layer
// fans these out to the audit store, the signal bus, and the notifier. Sink
// calls must not block for long; they run on the event path.
type Sink interface {
	LifecycleChanged(ctx context.Context, ev domain.LifecycleEvent)
	SignalRaised(ctx context.Context, sig domain.Signal)
}

// Config holds coordinator tuning.
type Config struct {
	// LostOperationLimit is how many consecutive recovery snapshots an
	// unacknowledged operation may be missing from before it is rejected.
	LostOperationLimit int
	// ExpiryInterval is how often locally tracked GTD deadlines are checked.
	ExpiryInterval time.Duration
	// SubmitRateLimit/SubmitRateWindow throttle outbound submissions per
	// platform when a rate limiter is attached.
	SubmitRateLimit  int
	SubmitRateWindow time.Duration
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		LostOperationLimit: 3,
		ExpiryInterval:     time.Second,
		SubmitRateLimit:    10,
		SubmitRateWindow:   time.Second,
	}
}

type pidKey struct {
	platform domain.Platform
	orderID  string
}

type requestKind string

const (
	requestSubmit requestKind = "submit"
	requestCancel requestKind = "cancel"
)

// defaultClosedLimit bounds how many terminal operations stay tracked in
// memory for late-event logging.
const defaultClosedLimit = 512

// Coordinator reconciles caller commands and platform events into the
// operation table and ledger. All mutations of one operation are serialized
// through a per-operation keyed mutex; adapter calls never run under any
// lock.
type Coordinator struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	rules    Validator
	machine  *lifecycle.Machine
	cfg      Config
	logger   *slog.Logger

	opmu *keymutex.KeyedMutex

	mu           sync.RWMutex
	adapters     map[domain.Platform]domain.PlatformAdapter
	ops          map[string]*domain.Operation
	byPlatformID map[pidKey]string
	inFlight     map[string]requestKind
	// closedOrder lists terminal operations oldest first; the oldest are
	// evicted past closedLimit so late events on long-dead orders are still
	// logged without the table growing forever.
	closedOrder []string
	closedLimit int

	store   domain.OperationStore
	limiter domain.RateLimiter
	sink    Sink
}

// New creates a Coordinator over the given collaborators.
func New(
	reg *registry.Registry,
	led *ledger.Ledger,
	rules Validator,
	machine *lifecycle.Machine,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.LostOperationLimit <= 0 {
		cfg.LostOperationLimit = DefaultConfig().LostOperationLimit
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = DefaultConfig().ExpiryInterval
	}
	return &Coordinator{
		registry:     reg,
		ledger:       led,
		rules:        rules,
		machine:      machine,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "coordinator")),
		opmu:         keymutex.New(0),
		adapters:     make(map[domain.Platform]domain.PlatformAdapter),
		ops:          make(map[string]*domain.Operation),
		byPlatformID: make(map[pidKey]string),
		inFlight:     make(map[string]requestKind),
		closedLimit:  defaultClosedLimit,
	}
}

// RegisterAdapter attaches a platform connector. Must be called before
// submitting to or pumping events for that platform.
func (c *Coordinator) RegisterAdapter(a domain.PlatformAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapters[a.Platform()] = a
}

// SetStore attaches the operation journal. Optional; without it the
// coordinator is purely in-memory.
func (c *Coordinator) SetStore(s domain.OperationStore) { c.store = s }

// SetSink attaches the lifecycle/signal observer.
func (c *Coordinator) SetSink(s Sink) { c.sink = s }

// SetRateLimiter attaches a distributed rate limiter for outbound submits.
func (c *Coordinator) SetRateLimiter(rl domain.RateLimiter) { c.limiter = rl }

func (c *Coordinator) adapter(platform domain.Platform) (domain.PlatformAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("coordinator: %s: %w", platform, domain.ErrUnknownPlatform)
	}
	return a, nil
}

// SubmitRequest describes one proposed operation.
type SubmitRequest struct {
	Platform    domain.Platform
	Symbol      string
	Side        domain.Side
	Type        domain.OrderType
	TimeInForce domain.TimeInForce
	Quantity    decimal.Decimal
	// Price is the limit price, or the reservation reference price for
	// market orders.
	Price     decimal.Decimal
	ExpiresAt time.Time
}

// Submit validates, reserves funds for, records, and sends one operation.
// Validation and reservation failures have no side effects. The returned
// snapshot reflects the operation after the submit call's synchronous
// outcome; the authoritative open/reject decision arrives via events.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (domain.Operation, error) {
	pair, err := c.registry.Resolve(req.Platform, req.Symbol)
	if err != nil {
		return domain.Operation{}, err
	}
	adapter, err := c.adapter(req.Platform)
	if err != nil {
		return domain.Operation{}, err
	}

	now := time.Now().UTC()
	op := &domain.Operation{
		ID:          uuid.New().String(),
		Platform:    req.Platform,
		Pair:        pair,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Quantity:    req.Quantity,
		Price:       req.Price,
		ExpiresAt:   req.ExpiresAt,
		State:       domain.StateCreated,
		Fills:       make(map[string]domain.Fill),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Pre-submission gate: a rejection here never touches the ledger.
	if err := c.rules.Validate(*op); err != nil {
		return domain.Operation{}, err
	}

	resID, err := c.ledger.Reserve(req.Platform, op.ReservedAsset(), op.ReservedAmount())
	if err != nil {
		return domain.Operation{}, err
	}
	op.ReservationID = resID

	unlock := c.opmu.Lock(op.ID)
	out, err := c.machine.MarkPendingSubmit(op)
	if err != nil {
		unlock()
		// Unreachable for a freshly created operation; release defensively
		// is not needed because the transition cannot fail after Created.
		return domain.Operation{}, err
	}
	c.mu.Lock()
	c.ops[op.ID] = op
	c.inFlight[op.ID] = requestSubmit
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Create(ctx, op.Snapshot()); err != nil {
			c.logger.Error("operation journal create failed",
				slog.String("operation_id", op.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	c.emit(ctx, out)
	snapshot := op.Snapshot()
	unlock()

	if err := c.waitRate(ctx, req.Platform); err != nil {
		c.failSubmit(ctx, op, "rate limit wait aborted: "+err.Error())
		c.clearInFlight(op.ID)
		return c.OperationSnapshot(op.ID)
	}

	// The network call runs with no ledger or operation lock held.
	platformOrderID, submitErr := adapter.Submit(ctx, snapshot)

	unlock = c.opmu.Lock(op.ID)
	if submitErr != nil {
		reason := submitErr.Error()
		if !errors.Is(submitErr, domain.ErrSubmissionRejected) {
			reason = "submit failed: " + reason
		}
		out, applyErr := c.machine.Apply(op, domain.PlatformEvent{
			Kind:     domain.EventSubmissionReject,
			Platform: op.Platform,
			Reason:   reason,
			At:       time.Now().UTC(),
		})
		if applyErr == nil {
			c.execute(ctx, op, out)
		}
	} else if platformOrderID != "" {
		op.PlatformOrderID = platformOrderID
		c.mapPlatformID(op.Platform, platformOrderID, op.ID)
		c.persist(ctx, op)
	}
	snapshot = op.Snapshot()
	unlock()
	c.clearInFlight(op.ID)

	return snapshot, nil
}

// Cancel requests cancellation of a working operation. The cancel itself is
// only cancellable until the request leaves for the platform; afterwards the
// outcome is decided by platform events or disconnect recovery.
func (c *Coordinator) Cancel(ctx context.Context, operationID string) error {
	op, err := c.lookup(operationID)
	if err != nil {
		return err
	}
	adapter, err := c.adapter(op.Platform)
	if err != nil {
		return err
	}

	unlock := c.opmu.Lock(op.ID)
	if kind, busy := c.requestInFlight(op.ID); busy {
		unlock()
		return fmt.Errorf("coordinator: cancel %s while %s in flight: %w",
			operationID, kind, domain.ErrRequestInFlight)
	}
	if op.PlatformOrderID == "" {
		unlock()
		return fmt.Errorf("coordinator: cancel %s: not yet acknowledged: %w",
			operationID, domain.ErrRequestInFlight)
	}
	out, err := c.machine.RequestCancel(op)
	if err != nil {
		unlock()
		return err
	}
	c.setInFlight(op.ID, requestCancel)
	c.persist(ctx, op)
	c.emit(ctx, out)
	platformOrderID := op.PlatformOrderID
	unlock()

	cancelErr := adapter.Cancel(ctx, platformOrderID)
	if cancelErr != nil {
		unlock = c.opmu.Lock(op.ID)
		reason := cancelErr.Error()
		out, applyErr := c.machine.Apply(op, domain.PlatformEvent{
			Kind:     domain.EventCancelRejected,
			Platform: op.Platform,
			Reason:   reason,
			At:       time.Now().UTC(),
		})
		if applyErr == nil {
			c.execute(ctx, op, out)
		}
		unlock()
	}
	c.clearInFlight(op.ID)

	if cancelErr != nil && !errors.Is(cancelErr, domain.ErrCancelRejected) {
		return fmt.Errorf("coordinator: cancel %s: %w", operationID, cancelErr)
	}
	return cancelErr
}

// HandleEvent routes one normalized inbound event. Unroutable
// operation-scoped events are logged and dropped; they never halt processing
// of other operations or platforms.
func (c *Coordinator) HandleEvent(ctx context.Context, ev domain.PlatformEvent) {
	switch ev.Kind {
	case domain.EventBalanceSnapshot:
		c.mergeBalances(ctx, ev.Platform, ev.Balances)
		return
	case domain.EventConnectionLost:
		c.logger.Warn("platform connection lost",
			slog.String("platform", string(ev.Platform)),
		)
		return
	case domain.EventConnectionRestored:
		c.logger.Info("platform connection restored, starting recovery",
			slog.String("platform", string(ev.Platform)),
		)
		if err := c.Recover(ctx, ev.Platform); err != nil {
			c.logger.Error("recovery failed",
				slog.String("platform", string(ev.Platform)),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	op := c.route(ev)
	if op == nil {
		c.logger.Warn("event for unknown operation discarded",
			slog.String("platform", string(ev.Platform)),
			slog.String("kind", string(ev.Kind)),
			slog.String("operation_id", ev.OperationID),
			slog.String("platform_order_id", ev.PlatformOrderID),
		)
		return
	}

	unlock := c.opmu.Lock(op.ID)
	defer unlock()

	if ev.Kind == domain.EventSubmissionAck && ev.PlatformOrderID != "" && op.PlatformOrderID == "" {
		c.mapPlatformID(op.Platform, ev.PlatformOrderID, op.ID)
	}
	out, err := c.machine.Apply(op, ev)
	if err != nil {
		c.logger.Error("event application failed",
			slog.String("operation_id", op.ID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	c.execute(ctx, op, out)
}

// RunPlatform pumps the adapter's event stream into HandleEvent until ctx is
// cancelled, re-opening the stream when it ends. Intended to run in its own
// goroutine per platform.
func (c *Coordinator) RunPlatform(ctx context.Context, adapter domain.PlatformAdapter) error {
	c.RegisterAdapter(adapter)
	platform := adapter.Platform()
	log := c.logger.With(slog.String("platform", string(platform)))
	log.Info("platform event pump started")
	defer log.Info("platform event pump stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ch, err := adapter.StreamEvents(ctx)
		if err != nil {
			log.Error("open event stream failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for ev := range ch {
			c.HandleEvent(ctx, ev)
		}
	}
}

// RunExpiry checks GTD deadlines periodically and expires elapsed operations.
// Expiry races incoming fills; the per-operation lock decides the winner.
func (c *Coordinator) RunExpiry(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.expireElapsed(ctx)
		}
	}
}

func (c *Coordinator) expireElapsed(ctx context.Context) {
	now := time.Now().UTC()
	for _, op := range c.workingOps("") {
		if op.TimeInForce != domain.TIFGoodTillDate || op.ExpiresAt.IsZero() || op.ExpiresAt.After(now) {
			continue
		}
		unlock := c.opmu.Lock(op.ID)
		out := c.machine.Expire(op)
		c.execute(ctx, op, out)
		platformOrderID := op.PlatformOrderID
		platform := op.Platform
		unlock()

		if !out.Applied || platformOrderID == "" {
			continue
		}
		// Best-effort remote cancel so the platform side converges too; a
		// fill that still lands arrives on a terminal operation and is
		// discarded, with recovery reconciling any resulting drift.
		if adapter, err := c.adapter(platform); err == nil {
			go func() {
				cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := adapter.Cancel(cancelCtx, platformOrderID); err != nil {
					c.logger.Warn("post-expiry platform cancel failed",
						slog.String("platform_order_id", platformOrderID),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}
}

// Operation returns a read-only snapshot of one operation.
func (c *Coordinator) Operation(id string) (domain.Operation, error) {
	return c.OperationSnapshot(id)
}

// OperationSnapshot returns a read-only snapshot of one operation.
func (c *Coordinator) OperationSnapshot(id string) (domain.Operation, error) {
	op, err := c.lookup(id)
	if err != nil {
		return domain.Operation{}, err
	}
	unlock := c.opmu.Lock(op.ID)
	defer unlock()
	return op.Snapshot(), nil
}

// OperationsByPlatform returns snapshots of every tracked operation on a
// platform.
func (c *Coordinator) OperationsByPlatform(platform domain.Platform) []domain.Operation {
	c.mu.RLock()
	ids := make([]string, 0, len(c.ops))
	for id, op := range c.ops {
		if op.Platform == platform {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	out := make([]domain.Operation, 0, len(ids))
	for _, id := range ids {
		if snap, err := c.OperationSnapshot(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// --- internals ---

func (c *Coordinator) lookup(id string) (*domain.Operation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	op, ok := c.ops[id]
	if !ok {
		return nil, fmt.Errorf("coordinator: operation %s: %w", id, domain.ErrUnknownOperation)
	}
	return op, nil
}

func (c *Coordinator) route(ev domain.PlatformEvent) *domain.Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if ev.OperationID != "" {
		if op, ok := c.ops[ev.OperationID]; ok {
			return op
		}
	}
	if ev.PlatformOrderID != "" {
		if id, ok := c.byPlatformID[pidKey{platform: ev.Platform, orderID: ev.PlatformOrderID}]; ok {
			return c.ops[id]
		}
	}
	return nil
}

func (c *Coordinator) mapPlatformID(platform domain.Platform, platformOrderID, operationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPlatformID[pidKey{platform: platform, orderID: platformOrderID}] = operationID
}

func (c *Coordinator) requestInFlight(opID string) (requestKind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kind, ok := c.inFlight[opID]
	return kind, ok
}

func (c *Coordinator) setInFlight(opID string, kind requestKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[opID] = kind
}

func (c *Coordinator) clearInFlight(opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, opID)
}

// workingOps returns live references to non-terminal operations, optionally
// filtered by platform. Callers must take the per-operation lock before
// acting on one.
func (c *Coordinator) workingOps(platform domain.Platform) []*domain.Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*domain.Operation
	for _, op := range c.ops {
		if platform != "" && op.Platform != platform {
			continue
		}
		if !op.State.Terminal() {
			out = append(out, op)
		}
	}
	return out
}

// execute applies a transition outcome: ledger effect first, then journal
// and observers. Caller holds the operation's lock.
func (c *Coordinator) execute(ctx context.Context, op *domain.Operation, out lifecycle.Outcome) {
	if !out.Applied {
		return
	}
	if out.Effect != nil {
		c.runEffect(op, out.Effect)
	}
	c.persist(ctx, op)
	c.emit(ctx, out)
	if op.State.Terminal() {
		c.retire(op.ID)
	}
}

// retire moves a newly terminal operation into the bounded recently-closed
// window, evicting the oldest entries past the limit. Evicted operations
// remain in the journal; only the in-memory table forgets them.
func (c *Coordinator) retire(opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closedOrder = append(c.closedOrder, opID)
	for len(c.closedOrder) > c.closedLimit {
		oldest := c.closedOrder[0]
		c.closedOrder = c.closedOrder[1:]
		if op, ok := c.ops[oldest]; ok {
			delete(c.ops, oldest)
			if op.PlatformOrderID != "" {
				delete(c.byPlatformID, pidKey{platform: op.Platform, orderID: op.PlatformOrderID})
			}
		}
	}
}

func (c *Coordinator) runEffect(op *domain.Operation, eff *lifecycle.Effect) {
	var err error
	switch eff.Kind {
	case lifecycle.EffectRelease:
		err = c.ledger.Release(eff.ReservationID)
	case lifecycle.EffectSettle:
		err = c.ledger.Settle(eff.ReservationID, eff.Consumed, eff.Proceeds)
	}
	if err == nil {
		return
	}
	if errors.Is(err, domain.ErrAlreadyReleased) {
		// The racing disposition won; first to arrive commits, later ones
		// are no-ops.
		c.logger.Info("reservation already disposed",
			slog.String("operation_id", op.ID),
			slog.String("reservation_id", eff.ReservationID),
		)
		return
	}
	c.logger.Error("ledger effect failed",
		slog.String("operation_id", op.ID),
		slog.String("reservation_id", eff.ReservationID),
		slog.String("error", err.Error()),
	)
}

func (c *Coordinator) persist(ctx context.Context, op *domain.Operation) {
	if c.store == nil {
		return
	}
	if err := c.store.Update(ctx, op.Snapshot()); err != nil {
		// Journal failures are logged, never allowed to stall the engine.
		c.logger.Error("operation journal write failed",
			slog.String("operation_id", op.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) emit(ctx context.Context, out lifecycle.Outcome) {
	if c.sink == nil || out.Transition == nil {
		return
	}
	c.sink.LifecycleChanged(ctx, *out.Transition)
}

func (c *Coordinator) raise(ctx context.Context, sig domain.Signal) {
	if c.sink == nil {
		return
	}
	c.sink.SignalRaised(ctx, sig)
}

func (c *Coordinator) mergeBalances(ctx context.Context, platform domain.Platform, totals map[string]decimal.Decimal) {
	for asset, observed := range totals {
		if sig := c.ledger.MergeSnapshot(platform, asset, observed); sig != nil {
			c.raise(ctx, *sig)
		}
	}
}

func (c *Coordinator) waitRate(ctx context.Context, platform domain.Platform) error {
	if c.limiter == nil || c.cfg.SubmitRateLimit <= 0 {
		return nil
	}
	key := "submit:" + string(platform)
	for {
		ok, err := c.limiter.Allow(ctx, key, c.cfg.SubmitRateLimit, c.cfg.SubmitRateWindow)
		if err != nil {
			// A broken limiter must not wedge trading.
			c.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
			return nil
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// failSubmit rejects an operation that never reached the platform.
func (c *Coordinator) failSubmit(ctx context.Context, op *domain.Operation, reason string) {
	unlock := c.opmu.Lock(op.ID)
	defer unlock()
	out, err := c.machine.Apply(op, domain.PlatformEvent{
		Kind:     domain.EventSubmissionReject,
		Platform: op.Platform,
		Reason:   reason,
		At:       time.Now().UTC(),
	})
	if err == nil {
		c.execute(ctx, op, out)
	}
}
