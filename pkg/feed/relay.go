package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"spyglass/pkg/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Filter narrows a relay subscription.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Subscription names a set of filters the relay streams matches for.
type Subscription struct {
	ID      string
	Filters []Filter
}

// VideoSubscription builds the standing subscription for short-video
// kinds, optionally bounded to events after since.
func VideoSubscription(since time.Time, limit int) Subscription {
	f := Filter{
		Kinds: []int{KindShortVideo, KindShortVideoLegacy, KindRepost},
		Limit: limit,
	}
	if !since.IsZero() {
		s := since.Unix()
		f.Since = &s
	}
	return Subscription{ID: uuid.New().String(), Filters: []Filter{f}}
}

// RelayConfig configures a RelayClient.
type RelayConfig struct {
	URL    string
	Logger logging.Logger

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	// ReconnectDelay is the initial backoff after a lost connection; it
	// doubles per consecutive failure up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// ReadLimit caps a single frame, EventBuffer the dispatch channel.
	ReadLimit   int64
	EventBuffer int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Logger == nil {
		c.Logger = logging.NewNopLogger()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = time.Minute
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 512 * 1024
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 100
	}
	return c
}

// RelayStats is a point-in-time snapshot of one relay connection.
type RelayStats struct {
	URL       string
	Connected bool
	Events    uint64
	LastEvent time.Time
}

// RelayClient maintains one relay connection: it dials, replays the
// registered subscriptions, dispatches EVENT frames to a buffered
// channel and reconnects with capped backoff until its context ends.
type RelayClient struct {
	cfg    RelayConfig
	logger logging.Logger

	mu        sync.RWMutex
	subs      map[string]Subscription
	conn      *websocket.Conn
	connected bool
	events    uint64
	lastEvent time.Time

	writeMu   sync.Mutex
	eventChan chan Event
}

// NewRelayClient constructs a client for one relay URL. Call Subscribe
// before or after Run; registered subscriptions are replayed on every
// (re)connect.
func NewRelayClient(cfg RelayConfig) (*RelayClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: relay URL is required")
	}
	cfg = cfg.withDefaults()
	return &RelayClient{
		cfg:       cfg,
		logger:    cfg.Logger,
		subs:      make(map[string]Subscription),
		eventChan: make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events returns the dispatch channel. It closes when Run returns.
func (c *RelayClient) Events() <-chan Event {
	return c.eventChan
}

// IsConnected reports whether a connection is currently up.
func (c *RelayClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats snapshots the connection counters.
func (c *RelayClient) Stats() RelayStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return RelayStats{
		URL:       c.cfg.URL,
		Connected: c.connected,
		Events:    c.events,
		LastEvent: c.lastEvent,
	}
}

// Subscribe registers a subscription and sends it immediately when a
// connection is up. An empty ID gets a generated one.
func (c *RelayClient) Subscribe(sub Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	c.mu.Lock()
	c.subs[sub.ID] = sub
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if connected && conn != nil {
		return c.sendReq(conn, sub)
	}
	return nil
}

// Unsubscribe drops a subscription and tells the relay to stop it.
func (c *RelayClient) Unsubscribe(id string) error {
	c.mu.Lock()
	delete(c.subs, id)
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if connected && conn != nil {
		return c.writeJSON(conn, []interface{}{"CLOSE", id})
	}
	return nil
}

// Run dials and reads until ctx ends, reconnecting with capped backoff.
// The event channel closes when Run returns.
func (c *RelayClient) Run(ctx context.Context) {
	defer close(c.eventChan)

	delay := c.cfg.ReconnectDelay
	for {
		start := time.Now()
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		// A connection that lived for a while earns a fresh backoff.
		if time.Since(start) > c.cfg.MaxReconnectDelay {
			delay = c.cfg.ReconnectDelay
		}
		c.logger.WithError(err).WithFields(logging.Fields{
			"relay":    c.cfg.URL,
			"retry_in": delay.String(),
		}).Warn("Relay connection lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
}

func (c *RelayClient) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("relay dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("relay dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	pending := make([]Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		pending = append(pending, sub)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.conn = nil
		c.mu.Unlock()
	}()

	c.logger.WithFields(logging.Fields{"relay": c.cfg.URL}).Info("Connected to relay")

	for _, sub := range pending {
		if err := c.sendReq(conn, sub); err != nil {
			return err
		}
	}

	// Closing the conn is the only way to unblock ReadMessage when the
	// context ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	go c.pingLoop(conn, stop)

	conn.SetReadLimit(c.cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay read failed: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.dispatch(data)
	}
}

func (c *RelayClient) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *RelayClient) sendReq(conn *websocket.Conn, sub Subscription) error {
	frame := make([]interface{}, 0, len(sub.Filters)+2)
	frame = append(frame, "REQ", sub.ID)
	for _, f := range sub.Filters {
		frame = append(frame, f)
	}
	if err := c.writeJSON(conn, frame); err != nil {
		return fmt.Errorf("failed to send subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (c *RelayClient) writeJSON(conn *websocket.Conn, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// dispatch routes one inbound frame. Malformed frames are logged and
// dropped; they never tear the connection down.
func (c *RelayClient) dispatch(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		c.logger.WithFields(logging.Fields{"relay": c.cfg.URL}).Warn("Dropping malformed relay frame")
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		c.logger.WithFields(logging.Fields{"relay": c.cfg.URL}).Warn("Dropping unlabeled relay frame")
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var ev Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			c.logger.WithError(err).WithFields(logging.Fields{"relay": c.cfg.URL}).Warn("Dropping undecodable event")
			return
		}
		c.mu.Lock()
		c.events++
		c.lastEvent = time.Now()
		c.mu.Unlock()
		select {
		case c.eventChan <- ev:
		default:
			c.logger.WithFields(logging.Fields{"relay": c.cfg.URL}).Warn("Event channel full, dropping event")
		}
	case "EOSE":
		c.logger.WithFields(logging.Fields{"relay": c.cfg.URL}).Debug("Relay reached end of stored events")
	case "NOTICE":
		msg := ""
		if len(frame) >= 2 {
			_ = json.Unmarshal(frame[1], &msg)
		}
		c.logger.WithFields(logging.Fields{"relay": c.cfg.URL, "notice": msg}).Info("Relay notice")
	case "OK", "CLOSED":
		c.logger.WithFields(logging.Fields{"relay": c.cfg.URL, "label": label}).Debug("Relay acknowledgement")
	default:
		c.logger.WithFields(logging.Fields{"relay": c.cfg.URL, "label": label}).Debug("Ignoring unknown relay frame")
	}
}
