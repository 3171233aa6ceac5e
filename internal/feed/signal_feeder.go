// Package feed bridges the Redis signal bus to downstream consumers. The
// engine publishes lifecycle transitions and reconciliation signals to the
// bus; the feeders here subscribe and fan them out to operator channels.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/notify"
)

// signalEnvelope wraps a published signal with its type tag so subscribers
// can decode the concrete payload.
type signalEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeSignal serializes a signal for the bus.
func EncodeSignal(sig domain.Signal) ([]byte, error) {
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("feed: marshal signal %s: %w", sig.SignalType(), err)
	}
	return json.Marshal(signalEnvelope{Type: sig.SignalType(), Data: data})
}

// DecodeSignal parses a bus payload back into its concrete signal type.
func DecodeSignal(payload []byte) (domain.Signal, error) {
	var env signalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("feed: unmarshal signal envelope: %w", err)
	}

	switch env.Type {
	case domain.DriftSignal{}.SignalType():
		var s domain.DriftSignal
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("feed: unmarshal drift signal: %w", err)
		}
		return s, nil
	case domain.UnknownRemoteOrderSignal{}.SignalType():
		var s domain.UnknownRemoteOrderSignal
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("feed: unmarshal unknown-order signal: %w", err)
		}
		return s, nil
	case domain.LostOperationSignal{}.SignalType():
		var s domain.LostOperationSignal
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("feed: unmarshal lost-operation signal: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("feed: unknown signal type %q", env.Type)
	}
}

// SignalFeeder subscribes to the lifecycle and signal channels and forwards
// operator-relevant messages to the notifier. It runs out of band so a slow
// webhook never sits on the engine's event path.
type SignalFeeder struct {
	bus              domain.SignalBus
	notifier         *notify.Notifier
	lifecycleChannel string
	signalChannel    string
	logger           *slog.Logger
}

// NewSignalFeeder creates a SignalFeeder over the given bus channels.
func NewSignalFeeder(bus domain.SignalBus, notifier *notify.Notifier, lifecycleChannel, signalChannel string, logger *slog.Logger) *SignalFeeder {
	return &SignalFeeder{
		bus:              bus,
		notifier:         notifier,
		lifecycleChannel: lifecycleChannel,
		signalChannel:    signalChannel,
		logger:           logger.With(slog.String("component", "signal_feeder")),
	}
}

// Run consumes both channels until ctx is cancelled.
func (f *SignalFeeder) Run(ctx context.Context) error {
	lifecycle, err := f.bus.Subscribe(ctx, f.lifecycleChannel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.lifecycleChannel, err)
	}
	signals, err := f.bus.Subscribe(ctx, f.signalChannel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.signalChannel, err)
	}

	f.logger.Info("signal feeder started")
	defer f.logger.Info("signal feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-lifecycle:
			if !ok {
				return nil
			}
			f.handleLifecycle(ctx, payload)
		case payload, ok := <-signals:
			if !ok {
				return nil
			}
			f.handleSignal(ctx, payload)
		}
	}
}

func (f *SignalFeeder) handleLifecycle(ctx context.Context, payload []byte) {
	var ev domain.LifecycleEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		f.logger.Debug("lifecycle payload dropped",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(payload)),
		)
		return
	}
	// Only terminal transitions reach operators; working-state churn stays
	// on the bus for dashboards.
	if !ev.To.Terminal() {
		return
	}
	title, message := notify.FormatLifecycle(ev)
	if err := f.notifier.Notify(ctx, notify.EventOperationTerminal, title, message); err != nil {
		f.logger.Warn("lifecycle notification failed", slog.String("error", err.Error()))
	}
}

func (f *SignalFeeder) handleSignal(ctx context.Context, payload []byte) {
	sig, err := DecodeSignal(payload)
	if err != nil {
		f.logger.Debug("signal payload dropped", slog.String("error", err.Error()))
		return
	}
	event, title, message := notify.FormatSignal(sig)
	if err := f.notifier.Notify(ctx, event, title, message); err != nil {
		f.logger.Warn("signal notification failed", slog.String("error", err.Error()))
	}
}
