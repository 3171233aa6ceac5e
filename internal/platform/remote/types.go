package remote

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// placeOrderRequest is the body of POST /v1/orders.
type placeOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// placeOrderResponse is the body returned by POST /v1/orders.
type placeOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// openOrderEntry is one element of GET /v1/orders?status=open.
type openOrderEntry struct {
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	Status    string `json:"status"`
	Remaining string `json:"remaining"`
}

// balancesResponse is the body of GET /v1/balances.
type balancesResponse struct {
	Balances map[string]string `json:"balances"`
}

// errorResponse is the gateway's error envelope.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsEnvelope identifies the channel of an inbound stream message.
type wsEnvelope struct {
	Type string `json:"type"`
}

// orderMessage is one order-channel stream message.
type orderMessage struct {
	Type          string `json:"type"`
	ClientOrderID string `json:"client_order_id"`
	OrderID       string `json:"order_id"`
	Seq           uint64 `json:"seq"`
	FillID        string `json:"fill_id,omitempty"`
	Quantity      string `json:"quantity,omitempty"`
	Price         string `json:"price,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// balanceSnapshotMessage is one balance-channel stream message.
type balanceSnapshotMessage struct {
	Type      string            `json:"type"`
	Balances  map[string]string `json:"balances"`
	Timestamp string            `json:"timestamp"`
}

// wsCommand is an outbound stream command.
type wsCommand struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func parseTimestamp(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// orderEventToDomain converts one order-channel message into a normalized
// engine event.
func orderEventToDomain(platform domain.Platform, msg *orderMessage) (domain.PlatformEvent, error) {
	ev := domain.PlatformEvent{
		Platform:        platform,
		OperationID:     msg.ClientOrderID,
		PlatformOrderID: msg.OrderID,
		Seq:             msg.Seq,
		Reason:          msg.Reason,
		At:              parseTimestamp(msg.Timestamp),
	}
	switch msg.Type {
	case "order_accepted":
		ev.Kind = domain.EventSubmissionAck
	case "order_rejected":
		ev.Kind = domain.EventSubmissionReject
	case "order_filled":
		ev.Kind = domain.EventFill
		ev.FillID = msg.FillID
		qty, err := decimal.NewFromString(msg.Quantity)
		if err != nil {
			return domain.PlatformEvent{}, fmt.Errorf("remote: fill quantity %q: %w", msg.Quantity, err)
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			return domain.PlatformEvent{}, fmt.Errorf("remote: fill price %q: %w", msg.Price, err)
		}
		ev.Quantity = qty
		ev.Price = price
	case "order_cancelled":
		ev.Kind = domain.EventCancelConfirmed
	case "cancel_rejected":
		ev.Kind = domain.EventCancelRejected
	default:
		return domain.PlatformEvent{}, fmt.Errorf("remote: unknown order event type %q", msg.Type)
	}
	return ev, nil
}

// balanceSnapshotToDomain converts one balance-channel message into a
// normalized engine event.
func balanceSnapshotToDomain(platform domain.Platform, msg *balanceSnapshotMessage) (domain.PlatformEvent, error) {
	balances := make(map[string]decimal.Decimal, len(msg.Balances))
	for asset, raw := range msg.Balances {
		total, err := decimal.NewFromString(raw)
		if err != nil {
			return domain.PlatformEvent{}, fmt.Errorf("remote: balance %s=%q: %w", asset, raw, err)
		}
		balances[asset] = total
	}
	return domain.PlatformEvent{
		Kind:     domain.EventBalanceSnapshot,
		Platform: platform,
		Balances: balances,
		At:       parseTimestamp(msg.Timestamp),
	}, nil
}
