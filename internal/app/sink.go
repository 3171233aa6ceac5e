package app

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/tradecore/internal/cache/redis"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/feed"
	"github.com/alanyoungcy/tradecore/internal/ledger"
)

// engineSink fans coordinator output out to the audit log, the signal bus,
// and the balance views. Bus and store failures are logged, never propagated;
// the engine's own state is already committed by the time the sink runs.
type engineSink struct {
	ledger   *ledger.Ledger
	audit    domain.AuditStore
	bus      domain.SignalBus
	balances domain.BalanceStore
	cache    domain.BalanceCache
	logger   *slog.Logger
}

func newEngineSink(led *ledger.Ledger, deps *Dependencies, logger *slog.Logger) *engineSink {
	return &engineSink{
		ledger:   led,
		audit:    deps.AuditStore,
		bus:      deps.SignalBus,
		balances: deps.BalanceStore,
		cache:    deps.BalanceCache,
		logger:   logger.With(slog.String("component", "engine_sink")),
	}
}

// LifecycleChanged publishes the transition and refreshes persisted balance
// views for the affected platform.
func (s *engineSink) LifecycleChanged(ctx context.Context, ev domain.LifecycleEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal lifecycle event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, redis.ChannelLifecycle, payload); err != nil {
		s.logger.WarnContext(ctx, "publish lifecycle event", slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, redis.StreamLifecycle, payload); err != nil {
		s.logger.WarnContext(ctx, "append lifecycle stream", slog.String("error", err.Error()))
	}

	if err := s.audit.Append(ctx, "operation."+string(ev.To), map[string]any{
		"operation_id":      ev.OperationID,
		"platform":          string(ev.Platform),
		"platform_order_id": ev.PlatformOrderID,
		"from":              string(ev.From),
		"to":                string(ev.To),
		"reason":            ev.Reason,
		"filled_quantity":   ev.FilledQuantity.String(),
		"avg_fill_price":    ev.AvgFillPrice.String(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit lifecycle event", slog.String("error", err.Error()))
	}

	s.refreshBalances(ctx, ev.Platform)
}

// SignalRaised publishes the signal and records it in the audit log.
func (s *engineSink) SignalRaised(ctx context.Context, sig domain.Signal) {
	payload, err := feed.EncodeSignal(sig)
	if err != nil {
		s.logger.WarnContext(ctx, "encode signal", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, redis.ChannelSignals, payload); err != nil {
		s.logger.WarnContext(ctx, "publish signal", slog.String("error", err.Error()))
	}
	if err := s.bus.StreamAppend(ctx, redis.StreamSignals, payload); err != nil {
		s.logger.WarnContext(ctx, "append signal stream", slog.String("error", err.Error()))
	}

	detail := map[string]any{}
	if raw, err := json.Marshal(sig); err == nil {
		_ = json.Unmarshal(raw, &detail)
	}
	if err := s.audit.Append(ctx, "signal."+sig.SignalType(), detail); err != nil {
		s.logger.WarnContext(ctx, "audit signal", slog.String("error", err.Error()))
	}
}

// refreshBalances writes the ledger's current view of a platform to the
// database and cache so dashboards read fresh numbers without touching the
// ledger.
func (s *engineSink) refreshBalances(ctx context.Context, platform domain.Platform) {
	for _, b := range s.ledger.Balances(platform) {
		if err := s.balances.Upsert(ctx, b); err != nil {
			s.logger.WarnContext(ctx, "persist balance",
				slog.String("asset", b.Asset),
				slog.String("error", err.Error()),
			)
		}
		if err := s.cache.Set(ctx, b); err != nil {
			s.logger.WarnContext(ctx, "cache balance",
				slog.String("asset", b.Asset),
				slog.String("error", err.Error()),
			)
		}
	}
}
