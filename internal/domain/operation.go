package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side indicates whether an operation buys or sells the base asset.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the execution style of an operation.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce controls how long an operation stays working on the platform.
type TimeInForce string

const (
	TIFGoodTillCancel TimeInForce = "GTC"
	TIFGoodTillDate   TimeInForce = "GTD"
	TIFImmediate      TimeInForce = "IOC"
)

// OperationState is the lifecycle state of an operation.
type OperationState string

const (
	StateCreated         OperationState = "created"
	StatePendingSubmit   OperationState = "pending_submit"
	StateOpen            OperationState = "open"
	StatePartiallyFilled OperationState = "partially_filled"
	StatePendingCancel   OperationState = "pending_cancel"
	StateFilled          OperationState = "filled"
	StateCancelled       OperationState = "cancelled"
	StateRejected        OperationState = "rejected"
	StateExpired         OperationState = "expired"
)

// Terminal reports whether the state is final. Terminal operations are
// immutable and retained only for audit and query.
func (s OperationState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// Working reports whether the operation is live on the platform, i.e. it can
// still receive fills.
func (s OperationState) Working() bool {
	switch s {
	case StateOpen, StatePartiallyFilled, StatePendingCancel:
		return true
	default:
		return false
	}
}

// Fill is one recorded execution against an operation, deduplicated by ID.
type Fill struct {
	ID       string
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Seq      uint64
	At       time.Time
}

// Operation represents one trading intent and its execution lifecycle. The
// local ID is stable for the object's life; PlatformOrderID is assigned
// asynchronously by the platform and may be empty until acknowledged.
type Operation struct {
	ID              string
	PlatformOrderID string
	Platform        Platform
	Pair            TradingPair
	Side            Side
	Type            OrderType
	TimeInForce     TimeInForce

	Quantity decimal.Decimal
	// Price is the limit price. For market orders it is the reference price
	// used to size the funds reservation.
	Price     decimal.Decimal
	ExpiresAt time.Time // GTD only

	State          OperationState
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	LastSeq        uint64
	Fills          map[string]Fill

	// ReservationID is the ledger hold backing this operation. It is
	// released or settled exactly once over the operation's lifetime.
	ReservationID string

	// NotFoundCount counts consecutive recovery snapshots in which the
	// operation was expected on the platform but absent.
	NotFoundCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RemainingQuantity returns the unfilled base quantity.
func (o *Operation) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// ReservedAsset returns the asset held to back the operation: quote for buys,
// base for sells.
func (o *Operation) ReservedAsset() string {
	if o.Side == SideBuy {
		return o.Pair.Quote
	}
	return o.Pair.Base
}

// ReservedAmount returns the amount of ReservedAsset the operation locks:
// quantity*price for buys, quantity for sells.
func (o *Operation) ReservedAmount() decimal.Decimal {
	if o.Side == SideBuy {
		return o.Quantity.Mul(o.Price)
	}
	return o.Quantity
}

// ProceedsAsset returns the asset credited by executions: base for buys,
// quote for sells.
func (o *Operation) ProceedsAsset() string {
	if o.Side == SideBuy {
		return o.Pair.Base
	}
	return o.Pair.Quote
}

// ConsumedAmount returns how much of the reservation executions have
// permanently consumed so far.
func (o *Operation) ConsumedAmount() decimal.Decimal {
	if o.Side == SideBuy {
		return o.FilledQuantity.Mul(o.AvgFillPrice)
	}
	return o.FilledQuantity
}

// ProceedsAmount returns the amount of ProceedsAsset executions have earned
// so far.
func (o *Operation) ProceedsAmount() decimal.Decimal {
	if o.Side == SideBuy {
		return o.FilledQuantity
	}
	return o.FilledQuantity.Mul(o.AvgFillPrice)
}

// HasFill reports whether a fill with the given platform fill id was already
// applied.
func (o *Operation) HasFill(fillID string) bool {
	_, ok := o.Fills[fillID]
	return ok
}

// Snapshot returns a deep copy safe to hand to callers. The engine never
// exposes live Operation references.
func (o *Operation) Snapshot() Operation {
	cp := *o
	cp.Fills = make(map[string]Fill, len(o.Fills))
	for id, f := range o.Fills {
		cp.Fills[id] = f
	}
	return cp
}
