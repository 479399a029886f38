package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tradelab/labclient/go/internal/events"
)

// WSConfig holds configuration for the websocket transport.
type WSConfig struct {
	URL              string // ws:// or wss:// endpoint
	SessionID        string
	ParticipantID    string
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
	ReconnectWait    time.Duration
	MaxReconnectWait time.Duration
}

// DefaultWSConfig returns default websocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   64 * 1024,
		HandshakeTimeout: 10 * time.Second,
		ReconnectWait:    time.Second,
		MaxReconnectWait: 30 * time.Second,
	}
}

// WSClient is the websocket Transport: it dials the session event endpoint,
// keeps the connection alive with pings, and redials with capped backoff
// when it drops.
type WSClient struct {
	config WSConfig
	clock  clockwork.Clock

	eventCh     chan events.Envelope
	reconnectCh chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool
}

// NewWSClient creates a websocket transport.
func NewWSClient(config WSConfig, clock clockwork.Clock) *WSClient {
	return &WSClient{
		config:      config,
		clock:       clock,
		eventCh:     make(chan events.Envelope, 256),
		reconnectCh: make(chan struct{}, 1),
	}
}

// Events implements Transport.
func (c *WSClient) Events() <-chan events.Envelope { return c.eventCh }

// Reconnects implements Transport.
func (c *WSClient) Reconnects() <-chan struct{} { return c.reconnectCh }

// Start begins the dial/read loop in the background.
func (c *WSClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("websocket transport already closed")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close tears the transport down.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

func (c *WSClient) run(ctx context.Context) {
	wait := c.config.ReconnectWait

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			log.Error().
				Err(err).
				Str("url", c.config.URL).
				Dur("retry_in", wait).
				Msg("websocket dial failed")
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(wait):
			}
			wait *= 2
			if wait > c.config.MaxReconnectWait {
				wait = c.config.MaxReconnectWait
			}
			continue
		}
		wait = c.config.ReconnectWait

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		log.Info().
			Str("session_id", c.config.SessionID).
			Str("participant_id", c.config.ParticipantID).
			Msg("websocket connected")
		c.signalReconnect()

		c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("session_id", c.config.SessionID)
	q.Set("participant_id", c.config.ParticipantID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return conn, nil
}

// serve reads events off one connection until it fails. A companion write
// pump keeps the connection alive with pings.
func (c *WSClient) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go c.pingPump(conn, done)

	conn.SetReadLimit(c.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var envelope events.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			log.Warn().Err(err).Msg("dropping unparseable websocket message")
			continue
		}

		select {
		case c.eventCh <- envelope:
		case <-ctx.Done():
			return
		}
	}
}

func (c *WSClient) pingPump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := c.clock.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		}
	}
}

func (c *WSClient) signalReconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}
