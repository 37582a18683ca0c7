package socketmode

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// socketServer greets each connection, runs script on it and forwards every
// message the client sends to received.
func socketServer(t *testing.T, script func(conn *websocket.Conn, n int), received chan<- map[string]any) *httptest.Server {
	t.Helper()

	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := context.Background()
		n := int(connections.Add(1))
		if script != nil {
			script(conn, n)
		}

		for {
			var msg map[string]any
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if received != nil {
				received <- msg
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	client, err := New(Config{AppToken: "xapp-1"})
	require.NoError(t, err)
	require.Equal(t, DefaultOpenURL, client.cfg.OpenURL)
	require.False(t, client.Connected())
}

func TestAckWithoutConnection(t *testing.T) {
	t.Parallel()

	client, err := New(Config{URL: "ws://127.0.0.1:1"})
	require.NoError(t, err)
	require.ErrorIs(t, client.Ack(context.Background(), "e1", nil), ErrNotConnected)
}

func TestEnvelopeDeliveredAndAcknowledged(t *testing.T) {
	t.Parallel()

	acks := make(chan map[string]any, 1)
	server := socketServer(t, func(conn *websocket.Conn, _ int) {
		ctx := context.Background()
		_ = wsjson.Write(ctx, conn, map[string]any{"type": TypeHello})
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "keepalive"})
		_ = wsjson.Write(ctx, conn, map[string]any{
			"envelope_id":              "env-1",
			"type":                     "events_api",
			"accepts_response_payload": true,
			"payload":                  map[string]any{"type": "event_callback"},
		})
	}, acks)

	client, err := New(Config{URL: wsURL(server)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envelopes := make(chan Envelope, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(ctx, func(ctx context.Context, env Envelope) {
			envelopes <- env
			_ = client.Ack(ctx, env.ID, json.RawMessage(`{"text":"ok"}`))
		})
	}()

	select {
	case env := <-envelopes:
		require.Equal(t, "env-1", env.ID)
		require.Equal(t, "events_api", env.Type)
		require.True(t, env.AcceptsResponsePayload)
		require.JSONEq(t, `{"type":"event_callback"}`, string(env.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}

	select {
	case msg := <-acks:
		require.Equal(t, "env-1", msg["envelope_id"])
		require.Equal(t, map[string]any{"text": "ok"}, msg["payload"])
	case <-time.After(5 * time.Second):
		t.Fatal("ack not received")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestAckWithoutPayloadOmitsField(t *testing.T) {
	t.Parallel()

	acks := make(chan map[string]any, 1)
	server := socketServer(t, func(conn *websocket.Conn, _ int) {
		_ = wsjson.Write(context.Background(), conn, map[string]any{"envelope_id": "env-2", "type": "slash_commands"})
	}, acks)

	client, err := New(Config{URL: wsURL(server)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = client.Run(ctx, func(ctx context.Context, env Envelope) {
			_ = client.Ack(ctx, env.ID, nil)
		})
	}()

	select {
	case msg := <-acks:
		require.Equal(t, "env-2", msg["envelope_id"])
		_, hasPayload := msg["payload"]
		require.False(t, hasPayload)
	case <-time.After(5 * time.Second):
		t.Fatal("ack not received")
	}
}

func TestReconnectsAfterDisconnect(t *testing.T) {
	t.Parallel()

	server := socketServer(t, func(conn *websocket.Conn, n int) {
		ctx := context.Background()
		if n == 1 {
			_ = wsjson.Write(ctx, conn, map[string]any{"type": TypeDisconnect, "reason": "refresh_requested"})
			return
		}
		_ = wsjson.Write(ctx, conn, map[string]any{"type": TypeHello})
		_ = wsjson.Write(ctx, conn, map[string]any{"envelope_id": "after-reconnect", "type": "interactive"})
	}, nil)

	client, err := New(Config{URL: wsURL(server), MinBackoff: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envelopes := make(chan Envelope, 1)
	go func() {
		_ = client.Run(ctx, func(_ context.Context, env Envelope) {
			envelopes <- env
		})
	}()

	select {
	case env := <-envelopes:
		require.Equal(t, "after-reconnect", env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope after reconnect")
	}
}

func TestOpenConnectionWithAppToken(t *testing.T) {
	t.Parallel()

	socket := socketServer(t, func(conn *websocket.Conn, _ int) {
		_ = wsjson.Write(context.Background(), conn, map[string]any{"envelope_id": "env-3", "type": "events_api"})
	}, nil)

	var authorization atomic.Value
	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"url":"`+wsURL(socket)+`"}`)
	}))
	t.Cleanup(open.Close)

	client, err := New(Config{AppToken: "xapp-secret", OpenURL: open.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envelopes := make(chan Envelope, 1)
	go func() {
		_ = client.Run(ctx, func(_ context.Context, env Envelope) {
			envelopes <- env
		})
	}()

	select {
	case env := <-envelopes:
		require.Equal(t, "env-3", env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not delivered")
	}
	require.Equal(t, "Bearer xapp-secret", authorization.Load())
}

func TestOpenRejectionIsFatal(t *testing.T) {
	t.Parallel()

	open := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"ok":false,"error":"invalid_auth"}`)
	}))
	t.Cleanup(open.Close)

	client, err := New(Config{AppToken: "xapp-bad", OpenURL: open.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Run(ctx, func(context.Context, Envelope) {})
	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	require.Equal(t, "invalid_auth", openErr.Code)
}
