package notify

import (
	"fmt"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Event types emitted by the engine, used for notification filtering.
const (
	EventOperationTerminal = "operation_terminal"
	EventBalanceDrift      = "balance_drift"
	EventUnknownOrder      = "unknown_remote_order"
	EventLostOperation     = "lost_operation"
)

// FormatLifecycle renders a terminal lifecycle transition as a notification.
// Non-terminal transitions are too chatty to notify on; callers filter first.
func FormatLifecycle(ev domain.LifecycleEvent) (title, message string) {
	title = fmt.Sprintf("Operation %s: %s", ev.To, ev.OperationID)
	message = fmt.Sprintf(
		"platform=%s order=%s %s -> %s filled=%s avg_price=%s",
		ev.Platform, ev.PlatformOrderID, ev.From, ev.To,
		ev.FilledQuantity.String(), ev.AvgFillPrice.String(),
	)
	if ev.Reason != "" {
		message += " reason=" + ev.Reason
	}
	return title, message
}

// FormatSignal renders a reconciliation signal as a notification.
func FormatSignal(sig domain.Signal) (event, title, message string) {
	switch s := sig.(type) {
	case domain.DriftSignal:
		return EventBalanceDrift,
			fmt.Sprintf("Balance drift: %s/%s", s.Platform, s.Asset),
			fmt.Sprintf("tracked=%s observed=%s diff=%s",
				s.Tracked.String(), s.Observed.String(), s.Diff.String())
	case domain.UnknownRemoteOrderSignal:
		return EventUnknownOrder,
			fmt.Sprintf("Unknown remote order on %s", s.Platform),
			fmt.Sprintf("order=%s remaining=%s", s.PlatformOrderID, s.Remaining.String())
	case domain.LostOperationSignal:
		return EventLostOperation,
			fmt.Sprintf("Lost operation on %s", s.Platform),
			fmt.Sprintf("operation=%s misses=%d resolved as rejected", s.OperationID, s.Misses)
	default:
		return sig.SignalType(),
			"Signal: " + sig.SignalType(),
			fmt.Sprintf("%+v", sig)
	}
}
