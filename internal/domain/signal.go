package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is a non-fatal inconsistency surfaced to operator-level code. The
// engine never auto-remediates signals; it reports them through the audit
// store, the signal bus, and the notifier.
type Signal interface {
	SignalType() string
}

// DriftSignal reports a divergence between the internally tracked and the
// platform-reported total balance beyond the configured tolerance.
type DriftSignal struct {
	Platform Platform        `json:"platform"`
	Asset    string          `json:"asset"`
	Tracked  decimal.Decimal `json:"tracked"`
	Observed decimal.Decimal `json:"observed"`
	Diff     decimal.Decimal `json:"diff"`
	At       time.Time       `json:"at"`
}

func (DriftSignal) SignalType() string { return "balance_drift" }

// UnknownRemoteOrderSignal reports an order present on the platform but not
// tracked locally. The engine cannot know caller intent, so the order is
// surfaced instead of adopted.
type UnknownRemoteOrderSignal struct {
	Platform        Platform        `json:"platform"`
	PlatformOrderID string          `json:"platform_order_id"`
	Remaining       decimal.Decimal `json:"remaining"`
	At              time.Time       `json:"at"`
}

func (UnknownRemoteOrderSignal) SignalType() string { return "unknown_remote_order" }

// LostOperationSignal reports an operation that was absent from too many
// consecutive recovery snapshots and has been resolved as rejected.
type LostOperationSignal struct {
	Platform    Platform  `json:"platform"`
	OperationID string    `json:"operation_id"`
	Misses      int       `json:"misses"`
	At          time.Time `json:"at"`
}

func (LostOperationSignal) SignalType() string { return "lost_operation" }
