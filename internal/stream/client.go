package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"livescore-dash/internal/metrics"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client keeps a named-event subscription alive across reconnects. Handlers
// belong to the client rather than to a connection, so any number of
// reconnect cycles delivers each event to each handler once.
type Client struct {
	url            string
	reconnectDelay time.Duration
	gapDetection   bool
	transport      Transport
	httpClient     *http.Client
	log            *zap.Logger
	metrics        *metrics.Metrics

	mu          sync.Mutex
	nextID      uint64
	handlers    map[string]map[uint64]Handler
	onConnect   map[uint64]func(reconnect bool)
	lastEventID string
	retry       time.Duration
	lastSeq     uint64
	haveSeq     bool
	connections int
}

type Option func(*Client)

func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithGapDetection turns a skipped numeric event id into a synthetic
// stream-reset.
func WithGapDetection(enabled bool) Option {
	return func(c *Client) { c.gapDetection = enabled }
}

func New(url string, reconnectDelay time.Duration, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		url:            url,
		reconnectDelay: reconnectDelay,
		gapDetection:   true,
		log:            log,
		handlers:       make(map[string]map[uint64]Handler),
		onConnect:      make(map[uint64]func(bool)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = metrics.OrNoop(c.metrics)
	if c.transport == nil {
		c.transport = NewSSETransport(url, c.httpClient)
	}
	return c
}

// On registers handler for eventName and returns a func that removes it.
func (c *Client) On(eventName string, handler Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[eventName] == nil {
		c.handlers[eventName] = make(map[uint64]Handler)
	}
	c.handlers[eventName][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[eventName], id)
	}
}

// OnConnect registers fn to run on the dispatch goroutine after every
// successful connect, before the first event of that connection.
func (c *Client) OnConnect(fn func(reconnect bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.onConnect[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.onConnect, id)
	}
}

// RemoveAll deregisters every handler and connect hook.
func (c *Client) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = make(map[string]map[uint64]Handler)
	c.onConnect = make(map[uint64]func(bool))
}

// HandlerCount returns how many event handlers and connect hooks are
// registered.
func (c *Client) HandlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.onConnect)
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Run connects and reads until ctx is cancelled, reconnecting after every
// transport failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logStreamError(err)
		c.metrics.Reconnects.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay()):
		}
	}
}

func (c *Client) runConn(ctx context.Context) error {
	conn, err := c.transport.Open(ctx, c.LastEventID())
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.connections++
	reconnect := c.connections > 1
	hooks := make([]func(bool), 0, len(c.onConnect))
	for _, fn := range c.onConnect {
		hooks = append(hooks, fn)
	}
	c.mu.Unlock()
	c.log.Info("event stream connected", zap.String("url", c.url), zap.Bool("reconnect", reconnect))
	for _, fn := range hooks {
		c.invoke("connect", func(Event) error {
			fn(reconnect)
			return nil
		}, Event{})
	}

	for {
		frame, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if frame.Retry > 0 {
			c.retry = frame.Retry
		}
		if frame.ID != "" {
			c.lastEventID = frame.ID
		}
		c.mu.Unlock()
		if frame.Event != nil {
			c.dispatch(*frame.Event)
		}
	}
}

func (c *Client) dispatch(ev Event) {
	if c.gapDetected(ev.ID) {
		c.log.Warn("event id gap detected, requesting resync", zap.String("event_id", ev.ID))
		c.deliver(Event{ID: ev.ID, Name: EventStreamReset})
	}
	c.deliver(ev)
}

func (c *Client) deliver(ev Event) {
	c.metrics.EventsReceived.Inc()
	if ev.Name == EventStreamReset {
		c.metrics.StreamResets.Inc()
	}
	c.mu.Lock()
	registered := c.handlers[ev.Name]
	ids := make([]uint64, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, registered[id])
	}
	c.mu.Unlock()
	for _, h := range handlers {
		c.invoke(ev.Name, h, ev)
	}
}

func (c *Client) invoke(name string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.HandlerFailures.Inc()
			c.log.Error("stream handler panicked", zap.String("event", name), zap.Any("panic", r))
		}
	}()
	if err := h(ev); err != nil {
		c.metrics.HandlerFailures.Inc()
		c.log.Warn("stream handler failed", zap.String("event", name), zap.String("event_id", ev.ID), zap.Error(err))
	}
}

func (c *Client) gapDetected(id string) bool {
	if !c.gapDetection || id == "" {
		return false
	}
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	gap := c.haveSeq && seq > c.lastSeq+1
	c.lastSeq = seq
	c.haveSeq = true
	return gap
}

func (c *Client) delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retry > 0 {
		return c.retry
	}
	return c.reconnectDelay
}

func (c *Client) logStreamError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.log.Info("event stream closed by server", zap.Error(err))
		return
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			c.log.Info("event stream closed", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
			return
		}
	}
	c.log.Warn("event stream ended", zap.Error(err))
}
