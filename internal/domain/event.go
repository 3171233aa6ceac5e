package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind enumerates the normalized inbound facts a platform connector can
// report. Events may arrive duplicated or out of order; Seq and FillID carry
// the ordering and dedup indicators where the platform supplies them.
type EventKind string

const (
	EventSubmissionAck      EventKind = "submission_ack"
	EventSubmissionReject   EventKind = "submission_reject"
	EventFill               EventKind = "fill"
	EventCancelConfirmed    EventKind = "cancel_confirmed"
	EventCancelRejected     EventKind = "cancel_rejected"
	EventBalanceSnapshot    EventKind = "balance_snapshot"
	EventConnectionLost     EventKind = "connection_lost"
	EventConnectionRestored EventKind = "connection_restored"
)

// PlatformEvent is one normalized inbound fact from a platform connector.
// Operation-scoped events reference the operation by local id, platform order
// id, or both.
type PlatformEvent struct {
	Kind            EventKind       `json:"kind"`
	Platform        Platform        `json:"platform"`
	OperationID     string          `json:"operation_id,omitempty"`
	PlatformOrderID string          `json:"platform_order_id,omitempty"`
	// Seq is a platform-assigned, per-operation non-decreasing sequence
	// indicator. Zero means the platform supplies none.
	Seq      uint64          `json:"seq,omitempty"`
	FillID   string          `json:"fill_id,omitempty"`
	Quantity decimal.Decimal `json:"quantity,omitempty"`
	Price    decimal.Decimal `json:"price,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	// Balances carries asset -> observed total for balance_snapshot events.
	Balances map[string]decimal.Decimal `json:"balances,omitempty"`
	At       time.Time                  `json:"at"`
}

// LifecycleEvent is the outbound observable record of one state transition,
// keyed by operation id so a caller can reconstruct full lifecycle history.
type LifecycleEvent struct {
	OperationID     string          `json:"operation_id"`
	Platform        Platform        `json:"platform"`
	PlatformOrderID string          `json:"platform_order_id,omitempty"`
	From            OperationState  `json:"from"`
	To              OperationState  `json:"to"`
	Reason          string          `json:"reason,omitempty"`
	FilledQuantity  decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	At              time.Time       `json:"at"`
}
