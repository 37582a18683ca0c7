// Package socketmode keeps a persistent websocket connection to the platform
// and exchanges envelopes and acknowledgments over it.
package socketmode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"boltgate/pkg/jsoncodec"
	"boltgate/pkg/metrics"
)

const (
	DefaultOpenURL = "https://slack.com/api/apps.connections.open"

	defaultMinBackoff   = time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxMessageBytes     = 1 << 20
	maxOpenResponse     = 64 << 10
)

// Envelope types the client reacts to itself.
const (
	TypeHello      = "hello"
	TypeDisconnect = "disconnect"
)

// ErrNotConnected is returned by Ack while no connection is open.
var ErrNotConnected = errors.New("socketmode: not connected")

var errDisconnectRequested = errors.New("socketmode: server requested reconnect")

// Envelope wraps one message delivered over the socket.
type Envelope struct {
	ID                     string          `json:"envelope_id"`
	Type                   string          `json:"type"`
	Payload                json.RawMessage `json:"payload,omitempty"`
	AcceptsResponsePayload bool            `json:"accepts_response_payload,omitempty"`
	RetryAttempt           int             `json:"retry_attempt,omitempty"`
	RetryReason            string          `json:"retry_reason,omitempty"`
	Reason                 string          `json:"reason,omitempty"`
}

type ackMessage struct {
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// OpenError reports a connection request the platform rejected. It is not
// retried.
type OpenError struct {
	Code string
}

func (e *OpenError) Error() string {
	return "socketmode: connection open rejected: " + e.Code
}

// HTTPDoer sends the connection open request.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Client. Either AppToken or URL must be set; URL
// skips the connection open request.
type Config struct {
	AppToken   string
	OpenURL    string
	URL        string
	HTTPClient HTTPDoer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Handler receives every envelope that carries an envelope id. It runs on
// the read loop and should hand long work to its own goroutine.
type Handler func(ctx context.Context, env Envelope)

// Client is a reconnecting socket client.
type Client struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Client, error) {
	cfg.AppToken = strings.TrimSpace(cfg.AppToken)
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.AppToken == "" && cfg.URL == "" {
		return nil, errors.New("socketmode: app token is required")
	}
	if cfg.OpenURL == "" {
		cfg.OpenURL = DefaultOpenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.MinBackoff)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{cfg: cfg, log: log.With("component", "socketmode")}, nil
}

// Run connects and reads envelopes until ctx is canceled, reconnecting with
// exponential backoff when the connection drops.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	if handle == nil {
		return errors.New("socketmode: handler is required")
	}

	backoff := c.cfg.MinBackoff
	for {
		greeted, err := c.session(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}

		var openErr *OpenError
		if errors.As(err, &openErr) {
			metrics.SocketConnectionsTotal.WithLabelValues("rejected").Inc()
			return err
		}

		if greeted {
			backoff = c.cfg.MinBackoff
		}
		if errors.Is(err, errDisconnectRequested) {
			c.log.Info("Reconnecting at server request")
			continue
		}

		metrics.SocketConnectionsTotal.WithLabelValues("lost").Inc()
		c.log.Warn("Socket connection lost", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// Ack acknowledges envelopeID, attaching payload when it is not empty.
func (c *Client) Ack(ctx context.Context, envelopeID string, payload json.RawMessage) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}

	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if err := wsjson.Write(writeCtx, conn, ackMessage{EnvelopeID: envelopeID, Payload: payload}); err != nil {
		return fmt.Errorf("socketmode: write ack: %w", err)
	}
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	return c.current() != nil
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// session runs one connection until it fails. greeted reports whether the
// server sent hello on it.
func (c *Client) session(ctx context.Context, handle Handler) (greeted bool, err error) {
	wsURL, err := c.connectionURL(ctx)
	if err != nil {
		return false, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("socketmode: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)
	metrics.SocketConnectionsTotal.WithLabelValues("opened").Inc()

	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		_ = conn.CloseNow()
	}()

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return greeted, fmt.Errorf("socketmode: read: %w", err)
		}

		switch env.Type {
		case TypeHello:
			greeted = true
			c.log.Info("Socket connection established")
		case TypeDisconnect:
			c.log.Info("Server requested disconnect", "reason", env.Reason)
			_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
			return greeted, errDisconnectRequested
		default:
			if env.ID == "" {
				c.log.Debug("Ignoring message without envelope id", "type", env.Type)
				continue
			}
			handle(ctx, env)
		}
	}
}

func (c *Client) connectionURL(ctx context.Context) (string, error) {
	if c.cfg.URL != "" {
		return c.cfg.URL, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OpenURL, nil)
	if err != nil {
		return "", fmt.Errorf("socketmode: build open request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AppToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("socketmode: open request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOpenResponse))
	if err != nil {
		return "", fmt.Errorf("socketmode: read open response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("socketmode: open request failed with status %d", resp.StatusCode)
	}

	var opened struct {
		OK    bool   `json:"ok"`
		URL   string `json:"url"`
		Error string `json:"error"`
	}
	if err := jsoncodec.Unmarshal(body, &opened); err != nil {
		return "", fmt.Errorf("socketmode: decode open response: %w", err)
	}
	if !opened.OK {
		return "", &OpenError{Code: opened.Error}
	}
	if opened.URL == "" {
		return "", errors.New("socketmode: open response has no url")
	}

	return opened.URL, nil
}
