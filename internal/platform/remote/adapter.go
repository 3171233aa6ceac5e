package remote

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Config holds one gateway venue's connection settings.
type Config struct {
	// Platform is the venue name this adapter reports to the engine.
	Platform domain.Platform
	// BaseURL is the REST API root.
	BaseURL string
	// WSURL is the event stream endpoint.
	WSURL string
	// APIKey authenticates both the REST and stream connections.
	APIKey string
}

// Adapter implements the engine's platform contract over the gateway's REST
// and WebSocket APIs.
type Adapter struct {
	cfg    Config
	client *Client
	logger *slog.Logger
}

// NewAdapter creates a gateway-backed platform adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL, cfg.APIKey),
		logger: logger.With(slog.String("component", "remote"), slog.String("platform", string(cfg.Platform))),
	}
}

// Platform returns the venue name.
func (a *Adapter) Platform() domain.Platform { return a.cfg.Platform }

// Submit places the operation via the REST API.
func (a *Adapter) Submit(ctx context.Context, op domain.Operation) (string, error) {
	return a.client.PlaceOrder(ctx, op)
}

// Cancel requests cancellation via the REST API.
func (a *Adapter) Cancel(ctx context.Context, platformOrderID string) error {
	return a.client.CancelOrder(ctx, platformOrderID)
}

// StreamEvents opens the gateway event stream. The returned channel stays
// open across reconnects, with connection gaps reported as ConnectionLost
// and ConnectionRestored events; it closes when ctx is cancelled.
func (a *Adapter) StreamEvents(ctx context.Context) (<-chan domain.PlatformEvent, error) {
	stream := newWSStream(a.cfg.WSURL, a.cfg.APIKey, a.cfg.Platform, a.logger)
	out := make(chan domain.PlatformEvent, 64)
	go func() {
		defer close(out)
		stream.run(ctx, out)
	}()
	return out, nil
}

// SnapshotOpenOrders fetches the venue's open orders via the REST API.
func (a *Adapter) SnapshotOpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	return a.client.OpenOrders(ctx)
}

// SnapshotBalances fetches the venue's totals via the REST API.
func (a *Adapter) SnapshotBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	return a.client.Balances(ctx)
}
