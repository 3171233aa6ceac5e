// Package lifecycle implements the per-operation state machine. Transitions
// are computed against the operation and returned as an outcome carrying the
// required ledger side effects; the machine itself never touches the ledger,
// so the coordinator can execute effects without holding conflicting locks.
package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/ledger"
)

// EffectKind identifies the ledger action a transition requires.
type EffectKind int

const (
	// EffectRelease returns the operation's full reservation to available.
	EffectRelease EffectKind = iota + 1
	// EffectSettle consumes the executed portion of the reservation and
	// credits proceeds; the ledger releases the unconsumed remainder.
	EffectSettle
)

// Effect is one required ledger action. An operation produces at most one
// disposition effect over its whole lifetime, on its terminal transition.
type Effect struct {
	Kind          EffectKind
	ReservationID string
	Consumed      decimal.Decimal
	Proceeds      ledger.Credit
}

// Outcome reports what a transition did. Applied is false for discarded
// events (duplicates, stale sequences, events on terminal operations); a nil
// Transition means no state change happened even if the event was fresh.
type Outcome struct {
	Applied    bool
	Transition *domain.LifecycleEvent
	Effect     *Effect
}

// Machine computes operation state transitions. fillTolerance is the
// remaining base quantity at or under which an operation counts as
// completely filled, absorbing platform rounding.
type Machine struct {
	fillTolerance decimal.Decimal
	logger        *slog.Logger
}

// NewMachine creates a Machine with the given fill tolerance.
func NewMachine(fillTolerance decimal.Decimal, logger *slog.Logger) *Machine {
	return &Machine{
		fillTolerance: fillTolerance,
		logger:        logger.With(slog.String("component", "lifecycle")),
	}
}

// MarkPendingSubmit moves a freshly created operation to PENDING_SUBMIT after
// its reservation succeeded.
func (m *Machine) MarkPendingSubmit(op *domain.Operation) (Outcome, error) {
	if op.State != domain.StateCreated {
		return Outcome{}, fmt.Errorf("lifecycle: mark pending submit from %s: invalid transition", op.State)
	}
	return m.transition(op, domain.StatePendingSubmit, "reservation taken", nil), nil
}

// RequestCancel moves a working operation to PENDING_CANCEL. Cancellation is
// two-phase: the platform acknowledges asynchronously and may still reject it
// if the order filled concurrently.
func (m *Machine) RequestCancel(op *domain.Operation) (Outcome, error) {
	switch op.State {
	case domain.StateOpen, domain.StatePartiallyFilled:
		return m.transition(op, domain.StatePendingCancel, "cancel requested", nil), nil
	case domain.StatePendingCancel:
		return Outcome{}, fmt.Errorf("lifecycle: cancel %s: %w", op.ID, domain.ErrRequestInFlight)
	default:
		if op.State.Terminal() {
			return Outcome{}, fmt.Errorf("lifecycle: cancel %s: %w", op.ID, domain.ErrTerminalOperation)
		}
		return Outcome{}, fmt.Errorf("lifecycle: cancel %s in %s: invalid transition", op.ID, op.State)
	}
}

// Expire resolves a locally elapsed time-in-force. It races an in-flight
// fill; the coordinator serializes the two per operation, and whichever runs
// first wins.
func (m *Machine) Expire(op *domain.Operation) Outcome {
	if op.State.Terminal() || op.State == domain.StateCreated {
		return Outcome{}
	}
	return m.transition(op, domain.StateExpired, "time in force elapsed", m.disposeEffect(op))
}

// ResolveMissing resolves an operation that a recovery snapshot shows absent
// on the platform: filled when its recorded fills account for the requested
// quantity, cancelled otherwise.
func (m *Machine) ResolveMissing(op *domain.Operation) Outcome {
	if op.State.Terminal() {
		return Outcome{}
	}
	if m.completelyFilled(op) {
		return m.transition(op, domain.StateFilled, "resolved filled from recovery snapshot", m.disposeEffect(op))
	}
	return m.transition(op, domain.StateCancelled, "absent from recovery snapshot", m.disposeEffect(op))
}

// ResolveLost rejects an operation that never acknowledged and has exceeded
// the not-found limit across recovery snapshots.
func (m *Machine) ResolveLost(op *domain.Operation) Outcome {
	if op.State.Terminal() {
		return Outcome{}
	}
	return m.transition(op, domain.StateRejected, "lost: not found on platform", m.disposeEffect(op))
}

// Apply processes one inbound platform event against the operation. Events
// referencing a terminal operation, carrying a stale sequence, or repeating a
// known fill id are discarded with Applied == false. Fills that carry a fill
// id are exempt from the sequence gate: they are deduplicated by id, and
// weighted-average accumulation converges to the same totals whatever order
// they land in.
func (m *Machine) Apply(op *domain.Operation, ev domain.PlatformEvent) (Outcome, error) {
	if op.State.Terminal() {
		m.logger.Info("event on terminal operation discarded",
			slog.String("operation_id", op.ID),
			slog.String("kind", string(ev.Kind)),
			slog.String("state", string(op.State)),
		)
		return Outcome{}, nil
	}
	seqGated := ev.Kind != domain.EventFill || ev.FillID == ""
	if seqGated && ev.Seq != 0 && ev.Seq <= op.LastSeq {
		m.logger.Debug("stale event discarded",
			slog.String("operation_id", op.ID),
			slog.String("kind", string(ev.Kind)),
			slog.Uint64("seq", ev.Seq),
			slog.Uint64("last_seq", op.LastSeq),
		)
		return Outcome{}, nil
	}

	var out Outcome
	switch ev.Kind {
	case domain.EventSubmissionAck:
		out = m.applyAck(op, ev)
	case domain.EventSubmissionReject:
		out = m.applyReject(op, ev)
	case domain.EventFill:
		out = m.applyFill(op, ev)
	case domain.EventCancelConfirmed:
		out = m.applyCancelConfirmed(op, ev)
	case domain.EventCancelRejected:
		out = m.applyCancelRejected(op, ev)
	default:
		return Outcome{}, fmt.Errorf("lifecycle: apply %s to %s: not an operation event", ev.Kind, op.ID)
	}

	// LastSeq only moves forward; a late identified fill must not rewind the
	// gate for the events behind it.
	if out.Applied && ev.Seq > op.LastSeq {
		op.LastSeq = ev.Seq
	}
	return out, nil
}

func (m *Machine) applyAck(op *domain.Operation, ev domain.PlatformEvent) Outcome {
	if op.State != domain.StatePendingSubmit {
		// The operation already left pending_submit, either through an
		// earlier ack or a fill that raced ahead of it.
		m.logger.Debug("duplicate submission ack discarded",
			slog.String("operation_id", op.ID),
			slog.String("state", string(op.State)),
		)
		return Outcome{}
	}
	if ev.PlatformOrderID != "" {
		op.PlatformOrderID = ev.PlatformOrderID
	}
	op.NotFoundCount = 0
	return m.transition(op, domain.StateOpen, "submission acknowledged", nil)
}

func (m *Machine) applyReject(op *domain.Operation, ev domain.PlatformEvent) Outcome {
	if op.State != domain.StatePendingSubmit {
		m.logger.Warn("submission reject in unexpected state discarded",
			slog.String("operation_id", op.ID),
			slog.String("state", string(op.State)),
		)
		return Outcome{}
	}
	reason := ev.Reason
	if reason == "" {
		reason = "submission rejected"
	}
	return m.transition(op, domain.StateRejected, reason, m.disposeEffect(op))
}

func (m *Machine) applyFill(op *domain.Operation, ev domain.PlatformEvent) Outcome {
	if ev.FillID != "" && op.HasFill(ev.FillID) {
		m.logger.Debug("duplicate fill discarded",
			slog.String("operation_id", op.ID),
			slog.String("fill_id", ev.FillID),
		)
		return Outcome{}
	}
	if !ev.Quantity.IsPositive() {
		m.logger.Warn("non-positive fill quantity discarded",
			slog.String("operation_id", op.ID),
			slog.String("quantity", ev.Quantity.String()),
		)
		return Outcome{}
	}

	// A fill racing ahead of the ack is proof the platform accepted the
	// order. The transition below records the jump out of pending_submit so
	// the published history stays complete.

	// Weighted average accumulation:
	// newAvg = (oldAvg*oldQty + fillPrice*fillQty) / (oldQty + fillQty)
	oldNotional := op.AvgFillPrice.Mul(op.FilledQuantity)
	newQty := op.FilledQuantity.Add(ev.Quantity)
	op.AvgFillPrice = oldNotional.Add(ev.Price.Mul(ev.Quantity)).Div(newQty)
	op.FilledQuantity = newQty

	fillID := ev.FillID
	if fillID == "" {
		fillID = fmt.Sprintf("seq-%d", ev.Seq)
	}
	op.Fills[fillID] = domain.Fill{
		ID:       fillID,
		Quantity: ev.Quantity,
		Price:    ev.Price,
		Seq:      ev.Seq,
		At:       ev.At,
	}

	if m.completelyFilled(op) {
		return m.transition(op, domain.StateFilled, "completely filled", m.disposeEffect(op))
	}
	// A partial fill while a cancel is pending must not forget the cancel.
	if op.State == domain.StatePendingCancel {
		return m.transition(op, domain.StatePendingCancel, "partial fill", nil)
	}
	return m.transition(op, domain.StatePartiallyFilled, "partial fill", nil)
}

func (m *Machine) applyCancelConfirmed(op *domain.Operation, ev domain.PlatformEvent) Outcome {
	switch op.State {
	case domain.StatePendingCancel, domain.StateOpen, domain.StatePartiallyFilled:
		// Unsolicited platform-side cancellations resolve the same way as
		// confirmations of our own request.
		reason := ev.Reason
		if reason == "" {
			reason = "cancellation confirmed"
		}
		return m.transition(op, domain.StateCancelled, reason, m.disposeEffect(op))
	default:
		m.logger.Warn("cancel confirmation in unexpected state discarded",
			slog.String("operation_id", op.ID),
			slog.String("state", string(op.State)),
		)
		return Outcome{}
	}
}

func (m *Machine) applyCancelRejected(op *domain.Operation, ev domain.PlatformEvent) Outcome {
	if op.State != domain.StatePendingCancel {
		m.logger.Debug("cancel rejection without pending cancel discarded",
			slog.String("operation_id", op.ID),
			slog.String("state", string(op.State)),
		)
		return Outcome{}
	}
	// The order filled (or kept working) before the platform could cancel;
	// the fills are authoritative, so fall back to the working state.
	if m.completelyFilled(op) {
		return m.transition(op, domain.StateFilled, "cancel rejected, already filled", m.disposeEffect(op))
	}
	if op.FilledQuantity.IsPositive() {
		return m.transition(op, domain.StatePartiallyFilled, "cancel rejected", nil)
	}
	return m.transition(op, domain.StateOpen, "cancel rejected", nil)
}

func (m *Machine) completelyFilled(op *domain.Operation) bool {
	return op.Quantity.Sub(op.FilledQuantity).LessThanOrEqual(m.fillTolerance)
}

// disposeEffect builds the single terminal disposition for the operation's
// reservation: settle when anything executed, release otherwise. Consumed is
// capped at the reserved amount; a market buy filling above its reference
// price shows up later as balance drift rather than a broken reservation.
func (m *Machine) disposeEffect(op *domain.Operation) *Effect {
	if op.ReservationID == "" {
		return nil
	}
	if !op.FilledQuantity.IsPositive() {
		return &Effect{Kind: EffectRelease, ReservationID: op.ReservationID}
	}
	consumed := decimal.Min(op.ConsumedAmount(), op.ReservedAmount())
	return &Effect{
		Kind:          EffectSettle,
		ReservationID: op.ReservationID,
		Consumed:      consumed,
		Proceeds: ledger.Credit{
			Platform: op.Platform,
			Asset:    op.ProceedsAsset(),
			Amount:   op.ProceedsAmount(),
		},
	}
}

func (m *Machine) transition(op *domain.Operation, to domain.OperationState, reason string, effect *Effect) Outcome {
	from := op.State
	op.State = to
	op.UpdatedAt = time.Now().UTC()

	ev := &domain.LifecycleEvent{
		OperationID:     op.ID,
		Platform:        op.Platform,
		PlatformOrderID: op.PlatformOrderID,
		From:            from,
		To:              to,
		Reason:          reason,
		FilledQuantity:  op.FilledQuantity,
		AvgFillPrice:    op.AvgFillPrice,
		At:              op.UpdatedAt,
	}
	m.logger.Info("operation transition",
		slog.String("operation_id", op.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
		slog.String("filled", op.FilledQuantity.String()),
	)
	return Outcome{Applied: true, Transition: ev, Effect: effect}
}
