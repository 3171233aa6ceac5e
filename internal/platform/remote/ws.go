package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// wsStream maintains the gateway WebSocket connection for one venue and
// emits normalized engine events. Disconnects and reconnects are reported as
// ConnectionLost and ConnectionRestored events so the engine can run
// snapshot recovery.
type wsStream struct {
	wsURL    string
	apiKey   string
	platform domain.Platform
	logger   *slog.Logger
}

func newWSStream(wsURL, apiKey string, platform domain.Platform, logger *slog.Logger) *wsStream {
	return &wsStream{
		wsURL:    wsURL,
		apiKey:   apiKey,
		platform: platform,
		logger:   logger.With(slog.String("component", "remote_ws"), slog.String("platform", string(platform))),
	}
}

// run dials, subscribes, and pumps events into out until ctx is cancelled.
// The caller owns and closes out.
func (s *wsStream) run(ctx context.Context, out chan<- domain.PlatformEvent) {
	connected := false
	delay := reconnectDelay

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("gateway ws connect failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = reconnectDelay

		if connected {
			// Reconnect after a gap: the engine must reconcile from
			// snapshots before trusting the stream again.
			s.emit(ctx, out, domain.PlatformEvent{
				Kind:     domain.EventConnectionRestored,
				Platform: s.platform,
				At:       time.Now().UTC(),
			})
		}
		connected = true

		s.readUntilClosed(ctx, conn, out)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.emit(ctx, out, domain.PlatformEvent{
			Kind:     domain.EventConnectionLost,
			Platform: s.platform,
			At:       time.Now().UTC(),
		})
	}
}

func (s *wsStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	headers := map[string][]string{}
	if s.apiKey != "" {
		headers["X-API-Key"] = []string{s.apiKey}
	}

	conn, _, err := dialer.DialContext(ctx, s.wsURL, headers)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	cmd := wsCommand{Type: "subscribe", Channels: []string{"orders", "balances"}}
	data, err := json.Marshal(cmd)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return nil, err
	}

	s.logger.Info("gateway ws subscribed")
	return conn, nil
}

func (s *wsStream) readUntilClosed(ctx context.Context, conn *websocket.Conn, out chan<- domain.PlatformEvent) {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	// ReadMessage only unblocks on conn errors, so a context cancellation
	// has to close the connection out from under it.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("gateway ws read failed", slog.String("error", err.Error()))
			}
			return
		}
		if ev, ok := s.decode(raw); ok {
			s.emit(ctx, out, ev)
		}
	}
}

func (s *wsStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// decode parses one raw stream message. Unparseable messages are dropped
// with a log line; the stream itself stays up.
func (s *wsStream) decode(raw []byte) (domain.PlatformEvent, bool) {
	var envelope wsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.logger.Debug("unparseable stream message dropped", slog.Int("payload_len", len(raw)))
		return domain.PlatformEvent{}, false
	}

	switch envelope.Type {
	case "order_accepted", "order_rejected", "order_filled", "order_cancelled", "cancel_rejected":
		var msg orderMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("order message decode failed", slog.String("error", err.Error()))
			return domain.PlatformEvent{}, false
		}
		ev, err := orderEventToDomain(s.platform, &msg)
		if err != nil {
			s.logger.Warn("order message rejected", slog.String("error", err.Error()))
			return domain.PlatformEvent{}, false
		}
		return ev, true

	case "balance_snapshot":
		var msg balanceSnapshotMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("balance message decode failed", slog.String("error", err.Error()))
			return domain.PlatformEvent{}, false
		}
		ev, err := balanceSnapshotToDomain(s.platform, &msg)
		if err != nil {
			s.logger.Warn("balance message rejected", slog.String("error", err.Error()))
			return domain.PlatformEvent{}, false
		}
		return ev, true

	case "subscribed", "pong", "":
		return domain.PlatformEvent{}, false

	default:
		s.logger.Debug("unknown stream message type", slog.String("type", envelope.Type))
		return domain.PlatformEvent{}, false
	}
}

func (s *wsStream) emit(ctx context.Context, out chan<- domain.PlatformEvent, ev domain.PlatformEvent) {
	select {
	case <-ctx.Done():
	case out <- ev:
	}
}
