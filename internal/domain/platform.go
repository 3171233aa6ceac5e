package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// OpenOrder is one entry in a platform's open-orders snapshot.
type OpenOrder struct {
	PlatformOrderID string          `json:"platform_order_id"`
	Remaining       decimal.Decimal `json:"remaining"`
	State           OperationState  `json:"state"`
}

// PlatformAdapter is the contract the engine requires from each platform
// connector. Implementations live outside the core; the engine only ever
// calls them without holding ledger or operation locks, since every method
// may be slow and fallible.
type PlatformAdapter interface {
	// Platform returns the venue this adapter connects to.
	Platform() Platform

	// Submit places the operation on the platform. It returns the platform
	// order id when the platform assigns one synchronously; an empty id with
	// a nil error means the id will arrive via a SubmissionAck event. A
	// rejection is reported as an error wrapping ErrSubmissionRejected.
	// Submit is not assumed idempotent: the engine never retries a submit
	// under the same operation id.
	Submit(ctx context.Context, op Operation) (platformOrderID string, err error)

	// Cancel requests cancellation of the given platform order. Acceptance of
	// the request is not confirmation of cancellation; the outcome arrives as
	// a CancelConfirmed or CancelRejected event. A synchronous refusal is
	// reported as an error wrapping ErrCancelRejected.
	Cancel(ctx context.Context, platformOrderID string) error

	// StreamEvents returns the adapter's infinite normalized event stream.
	// The channel is closed when ctx is cancelled or the stream terminates;
	// it is restartable after a ConnectionRestored event.
	StreamEvents(ctx context.Context) (<-chan PlatformEvent, error)

	// SnapshotOpenOrders returns every order currently open on the platform.
	SnapshotOpenOrders(ctx context.Context) ([]OpenOrder, error)

	// SnapshotBalances returns asset -> platform-reported total balance.
	SnapshotBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}
