// Package remote connects the engine to a trading gateway exposing a REST
// order API and a WebSocket event stream. The wire protocol is the gateway's
// generic order/balance schema; one Adapter instance serves one venue.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Client is the REST client for the gateway order API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a gateway REST client.
//
// baseURL is the API root, e.g. "https://gateway.example.com/v1".
// apiKey is sent on every request as the X-API-Key header.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PlaceOrder submits one order. The gateway echoes its order id on
// acceptance; a synchronous rejection carries a reason.
func (c *Client) PlaceOrder(ctx context.Context, op domain.Operation) (string, error) {
	body := placeOrderRequest{
		ClientOrderID: op.ID,
		Symbol:        op.Pair.Symbol,
		Side:          string(op.Side),
		Type:          string(op.Type),
		TimeInForce:   string(op.TimeInForce),
		Quantity:      op.Quantity.String(),
	}
	if !op.Price.IsZero() {
		body.Price = op.Price.String()
	}
	if !op.ExpiresAt.IsZero() {
		body.ExpiresAt = op.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	var resp placeOrderResponse
	if err := c.doRequest(ctx, http.MethodPost, "/orders", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Status == "rejected" {
		return "", fmt.Errorf("remote: %s: %w", resp.Reason, domain.ErrSubmissionRejected)
	}
	return resp.OrderID, nil
}

// CancelOrder requests cancellation of one order by the gateway's order id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil, nil)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return fmt.Errorf("remote: cancel %s: %s: %w", orderID, apiErr.Message, domain.ErrCancelRejected)
	}
	return err
}

// OpenOrders returns every order currently open on the gateway.
func (c *Client) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	params := url.Values{}
	params.Set("status", "open")

	var entries []openOrderEntry
	if err := c.doRequest(ctx, http.MethodGet, "/orders", params, nil, &entries); err != nil {
		return nil, err
	}

	out := make([]domain.OpenOrder, 0, len(entries))
	for _, e := range entries {
		remaining, err := decimal.NewFromString(e.Remaining)
		if err != nil {
			return nil, fmt.Errorf("remote: order %s remaining %q: %w", e.OrderID, e.Remaining, err)
		}
		state := domain.StateOpen
		if e.Status == "partially_filled" {
			state = domain.StatePartiallyFilled
		}
		out = append(out, domain.OpenOrder{
			PlatformOrderID: e.OrderID,
			Remaining:       remaining,
			State:           state,
		})
	}
	return out, nil
}

// Balances returns asset -> total balance as reported by the gateway.
func (c *Client) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var resp balancesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/balances", nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(resp.Balances))
	for asset, raw := range resp.Balances {
		total, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("remote: balance %s=%q: %w", asset, raw, err)
		}
		out[asset] = total
	}
	return out, nil
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote: gateway returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("remote: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope errorResponse
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Code
			apiErr.Message = envelope.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = string(data)
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("remote: decode response: %w", err)
		}
	}
	return nil
}
