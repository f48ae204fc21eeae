// Package stream implements the push delivery mode: a persistent
// websocket channel carrying reconciliation updates. Both this channel and
// the poller funnel into the same ordering check, so duplicate or
// out-of-order delivery across the two cannot corrupt state.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remediate-run/remedy/internal/models"
)

const (
	defaultReconnectDelay = 5 * time.Second
	wsHandshakeWait       = 15 * time.Second
	wsPongWait            = 70 * time.Second
	wsPingInterval        = 25 * time.Second
	wsWriteWait           = 10 * time.Second
	wsMaxMessageSize      = 1024 * 1024
)

// ErrSnapshotExpected is returned when the server opens a session with an
// incremental update instead of a full snapshot.
var ErrSnapshotExpected = errors.New("first message after connect must be a snapshot")

// Message frames server pushes on the wire.
type Message struct {
	Type string        `json:"type"` // "snapshot" or "update"
	Data models.Update `json:"data"`
}

// Applier consumes normalized updates. Satisfied by the tracker.
type Applier interface {
	ApplyUpdate(models.Update) (terminal bool)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(models.Update) bool

func (f ApplierFunc) ApplyUpdate(u models.Update) bool { return f(u) }

// Config configures the push client.
type Config struct {
	URL            string // ws:// or wss:// endpoint for the batch
	ReconnectDelay time.Duration
}

// ClientStatus describes the connection state.
type ClientStatus struct {
	Connected  bool   `json:"connected"`
	Reconnects int    `json:"reconnects"`
	LastError  string `json:"last_error,omitempty"`
}

// Client maintains the push channel for one batch. On disconnect it
// reconnects with a fixed delay for as long as the job is non-terminal; on
// every (re)connect the first message must be a full snapshot so missed
// events cannot cause drift.
type Client struct {
	cfg     Config
	applier Applier
	logger  zerolog.Logger

	mu         sync.RWMutex
	connected  bool
	reconnects int
	lastError  string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a push client delivering into the given applier.
func NewClient(cfg Config, applier Applier, logger zerolog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Client{
		cfg:     cfg,
		applier: applier,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run blocks until the job goes terminal, the context is cancelled or
// Close is called. Connection failures are retried indefinitely with the
// fixed reconnect delay.
func (c *Client) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	defer close(c.done)

	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		terminal, err := c.connectAndRead(ctx)
		if terminal {
			c.logger.Info().Str("url", c.cfg.URL).Msg("Job terminal, push channel closed")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.mu.Lock()
			c.lastError = err.Error()
			if !first {
				c.reconnects++
			}
			c.mu.Unlock()
			c.logger.Debug().Err(err).
				Dur("retry_in", c.cfg.ReconnectDelay).
				Msg("Push channel interrupted, reconnecting")
		}
		first = false

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// Close tears the channel down and waits for Run to return.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
}

// Status returns the current connection state.
func (c *Client) Status() ClientStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ClientStatus{
		Connected:  c.connected,
		Reconnects: c.reconnects,
		LastError:  c.lastError,
	}
}

func (c *Client) connectAndRead(ctx context.Context) (terminal bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close()

	c.setConnected(true)
	defer c.setConnected(false)

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Close the socket when ctx ends so ReadMessage unblocks.
	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-readCtx.Done()
		_ = conn.Close()
	}()

	go c.pingLoop(readCtx, conn)

	sawSnapshot := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("read push channel: %w", err)
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed push message")
			continue
		}

		switch msg.Type {
		case "snapshot":
			sawSnapshot = true
		case "update":
			if !sawSnapshot {
				// Resync: force a reconnect so the server leads with a
				// snapshot.
				return false, ErrSnapshotExpected
			}
		default:
			c.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown push message type")
			continue
		}

		if c.applier.ApplyUpdate(msg.Data) {
			return true, nil
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	if v {
		c.lastError = ""
	}
	c.mu.Unlock()
}
