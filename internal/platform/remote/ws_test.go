package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

func nextEvent(t *testing.T, out <-chan domain.PlatformEvent) domain.PlatformEvent {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return domain.PlatformEvent{}
	}
}

func TestStreamSynthesizesReconnectEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Consume the subscribe command before emitting anything.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}

		n := conns.Add(1)
		msg := fmt.Sprintf(`{"type":"order_accepted","order_id":"po-%d","seq":1,"timestamp":%q}`,
			n, time.Now().UTC().Format(time.RFC3339Nano))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}

		if n == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := newWSStream(wsURL, "key", domain.Platform("alpha"), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := make(chan domain.PlatformEvent, 16)
	go stream.run(ctx, out)

	ev := nextEvent(t, out)
	assert.Equal(t, domain.EventSubmissionAck, ev.Kind)
	assert.Equal(t, "po-1", ev.PlatformOrderID)

	// The server dropped the connection: the stream must report the gap,
	// then the successful reconnect, then resume delivering events.
	assert.Equal(t, domain.EventConnectionLost, nextEvent(t, out).Kind)
	assert.Equal(t, domain.EventConnectionRestored, nextEvent(t, out).Kind)

	ev = nextEvent(t, out)
	assert.Equal(t, domain.EventSubmissionAck, ev.Kind)
	assert.Equal(t, "po-2", ev.PlatformOrderID)
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := newWSStream(wsURL, "", domain.Platform("alpha"), logger)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.PlatformEvent, 4)
	done := make(chan struct{})
	go func() {
		stream.run(ctx, out)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}

	// No synthetic gap events on a deliberate shutdown.
	select {
	case ev := <-out:
		require.NotEqual(t, domain.EventConnectionLost, ev.Kind)
	default:
	}
}
