package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sessrun/sessrun/internal/domain"
)

// WSConfig tunes the websocket adapter.
type WSConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	EventBuffer      int
	// SubscribesPerSec throttles outbound subscription messages.
	SubscribesPerSec float64
}

func (c *WSConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.SubscribesPerSec <= 0 {
		c.SubscribesPerSec = 5
	}
}

type wsRequest struct {
	Event   string   `json:"event"`
	Symbols []string `json:"symbols"`
}

type wsMessage struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Message   string  `json:"message"`
}

// WSClient is the websocket feed adapter. Run owns the connection:
// dial through a circuit breaker, resubscribe the tracked symbol set,
// pump reads until failure, back off, repeat.
type WSClient struct {
	cfg     WSConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	events  chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
	closed  bool

	dials   atomic.Uint64
	dropped atomic.Uint64
}

// NewWSClient builds the adapter; Run must be started for events to
// flow.
func NewWSClient(cfg WSConfig) *WSClient {
	cfg.applyDefaults()
	settings := gobreaker.Settings{
		Name:     "feed-ws",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &WSClient{
		cfg:     cfg,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.SubscribesPerSec), 1),
		events:  make(chan Event, cfg.EventBuffer),
		symbols: make(map[string]struct{}),
	}
}

// Run drives the connect/read/reconnect loop until ctx is done or the
// adapter is closed. Run owns the send side of Events and closes it on
// exit.
func (c *WSClient) Run(ctx context.Context) error {
	defer close(c.events)

	backoff := c.cfg.BackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Str("url", c.cfg.URL).
				Msg("feed dial failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
			continue
		}
		backoff = c.cfg.BackoffMin

		c.mu.Lock()
		c.conn = conn
		tracked := make([]string, 0, len(c.symbols))
		for s := range c.symbols {
			tracked = append(tracked, s)
		}
		c.mu.Unlock()

		if len(tracked) > 0 {
			if err := c.send(ctx, wsRequest{Event: "subscribe", Symbols: tracked}); err != nil {
				log.Warn().Err(err).Msg("feed resubscribe failed")
			}
		}

		// Unblock the read when the context ends mid-read.
		watch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-watch:
			}
		}()

		c.readPump(ctx, conn)
		close(watch)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", c.cfg.URL, err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	c.dials.Add(1)
	return res.(*websocket.Conn), nil
}

func (c *WSClient) readPump(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, conn, done)

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("feed connection closed by peer")
			} else if ctx.Err() == nil {
				log.Warn().Err(err).Msg("feed read failed")
			}
			return
		}
		if err := c.handleMessage(data); err != nil {
			log.Warn().Err(err).Msg("feed message rejected")
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Msg("feed ping failed")
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse feed message: %w", err)
	}
	switch msg.Type {
	case "bar":
		return c.handleBar(msg)
	case "error":
		log.Warn().Str("message", msg.Message).Str("symbol", msg.Symbol).
			Msg("feed reported error")
		return nil
	default:
		log.Debug().Str("type", msg.Type).Msg("feed message ignored")
		return nil
	}
}

func (c *WSClient) handleBar(msg wsMessage) error {
	iv, err := domain.ParseInterval(msg.Interval)
	if err != nil {
		return fmt.Errorf("bar %s: %w", msg.Symbol, err)
	}
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("bar %s: bad timestamp %q: %w", msg.Symbol, msg.Timestamp, err)
	}
	bar := domain.Bar{
		Symbol:    domain.NormalizeSymbol(msg.Symbol),
		Interval:  iv,
		Timestamp: ts.UTC(),
		Open:      msg.Open,
		High:      msg.High,
		Low:       msg.Low,
		Close:     msg.Close,
		Volume:    msg.Volume,
	}
	if err := bar.Validate(); err != nil {
		return err
	}
	ev := Event{Symbol: bar.Symbol, Bar: bar, ReceivedAt: time.Now().UTC()}
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
	}
	return nil
}

func (c *WSClient) send(ctx context.Context, req wsRequest) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", req.Event, err)
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s request: %w", req.Event, err)
	}
	return nil
}

// Subscribe tracks the symbols and, when connected, requests delivery.
// Tracked symbols are resubscribed automatically after a reconnect.
func (c *WSClient) Subscribe(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	connected := c.conn != nil
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = domain.NormalizeSymbol(s)
		c.symbols[s] = struct{}{}
		norm = append(norm, s)
	}
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, wsRequest{Event: "subscribe", Symbols: norm})
}

// Unsubscribe stops tracking and, when connected, requests the stop.
func (c *WSClient) Unsubscribe(ctx context.Context, symbols []string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	connected := c.conn != nil
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = domain.NormalizeSymbol(s)
		delete(c.symbols, s)
		norm = append(norm, s)
	}
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(ctx, wsRequest{Event: "unsubscribe", Symbols: norm})
}

// KnownSymbol is optimistic: the wire protocol has no probe, so the
// subscribe path surfaces rejections instead.
func (c *WSClient) KnownSymbol(_ context.Context, symbol string) (bool, error) {
	if err := domain.ValidateSymbol(symbol); err != nil {
		return false, nil
	}
	return true, nil
}

// Events is the delivery channel.
func (c *WSClient) Events() <-chan Event { return c.events }

// Dropped counts events lost to a full buffer.
func (c *WSClient) Dropped() uint64 { return c.dropped.Load() }

// Dials counts successful connections, for reconnect assertions.
func (c *WSClient) Dials() uint64 { return c.dials.Load() }

// Close marks the adapter closed and tears the connection down. Run
// notices, closes the event stream, and returns.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
