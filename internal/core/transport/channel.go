// Package transport manages the backend socket connections. A Channel
// owns one logical connection: it dials, runs the read loop, and
// reconnects with exponential backoff after unclean closes until the
// attempt cap is reached or Disconnect is called.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/core/state"
)

// ErrNotOpen is returned by Send when no connection is open.
var ErrNotOpen = errors.New("transport: channel not open")

// Backoff returns min(base*2^attempt, max).
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Options configures a Channel.
type Options struct {
	// Name identifies the channel in logs and health reports.
	Name        string
	URL         string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (o *Options) defaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
}

// Handler receives channel callbacks. Nil fields are skipped. Callbacks
// run on the channel's goroutines and must not call Connect.
type Handler struct {
	OnOpen    func(connID string)
	OnMessage func(kind MessageKind, data []byte)
	OnClose   func(info CloseInfo)
	// OnGiveUp fires once the reconnect cap is exhausted.
	OnGiveUp func(attempts int)
}

// Snapshot describes the current connection instance.
type Snapshot struct {
	ConnectionID      string          `json:"connection_id,omitempty"`
	State             state.ConnState `json:"state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	ShouldReconnect   bool            `json:"should_reconnect"`
	// NextDelays lists the backoff delays scheduled so far, oldest first.
	NextDelays []time.Duration `json:"-"`
}

// Channel is a managed socket connection.
type Channel struct {
	opts    Options
	dialer  Dialer
	clock   clock.Clock
	store   *state.Store
	handler Handler
	log     *slog.Logger

	mu              sync.Mutex
	conn            Conn
	connID          string
	state           state.ConnState
	attempts        int
	shouldReconnect bool
	timer           clock.Timer
	ctx             context.Context
	cancel          context.CancelFunc
	gen             uint64
	lastErr         string
	delays          []time.Duration
}

// NewChannel creates a closed channel. store may be nil.
func NewChannel(opts Options, dialer Dialer, clk clock.Clock, store *state.Store, handler Handler, log *slog.Logger) *Channel {
	opts.defaults()
	return &Channel{
		opts:    opts,
		dialer:  dialer,
		clock:   clk,
		store:   store,
		handler: handler,
		log:     log.With("channel", opts.Name),
		state:   state.ConnClosed,
	}
}

// Connect enables reconnection and dials. ctx bounds only the first dial;
// the connection and its reconnects live until Disconnect. A failed first
// dial is returned but a reconnect is still scheduled. Connecting an open
// channel is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.shouldReconnect && (c.state == state.ConnOpen || c.state == state.ConnConnecting) {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	life := c.ctx
	c.shouldReconnect = true
	c.attempts = 0
	c.delays = nil
	c.mu.Unlock()

	first, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()
	return c.dial(first)
}

func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if !c.shouldReconnect {
		c.mu.Unlock()
		return ErrNotOpen
	}
	c.gen++
	gen := c.gen
	c.state = state.ConnConnecting
	c.mu.Unlock()
	c.report()

	conn, err := c.dialer.Dial(ctx, c.opts.URL)

	c.mu.Lock()
	if gen != c.gen || !c.shouldReconnect {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}
		return ErrNotOpen
	}
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("dial failed", "url", c.opts.URL, "error", err)
		c.handleClose(gen, nil, CloseInfo{Code: CloseAbnormal, Err: err})
		return fmt.Errorf("transport: %s: %w", c.opts.Name, err)
	}
	c.conn = conn
	c.connID = uuid.NewString()
	c.state = state.ConnOpen
	c.attempts = 0
	c.lastErr = ""
	id := c.connID
	c.mu.Unlock()

	c.log.Info("channel open", "connection_id", id)
	c.report()
	if c.handler.OnOpen != nil {
		c.guard("open", func() { c.handler.OnOpen(id) })
	}

	go c.readLoop(gen, conn)
	return nil
}

func (c *Channel) readLoop(gen uint64, conn Conn) {
	for {
		kind, data, err := conn.Read()
		if err != nil {
			c.handleClose(gen, conn, CloseInfoFromError(err))
			return
		}
		if c.handler.OnMessage != nil {
			c.guard("message", func() { c.handler.OnMessage(kind, data) })
		}
	}
}

// handleClose retires connection gen. conn is the ended connection, nil
// when the dial itself failed; it is closed here so the socket is released
// whichever side ended it.
func (c *Channel) handleClose(gen uint64, conn Conn, info CloseInfo) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connID = ""
	c.state = state.ConnClosed
	if info.Err != nil {
		c.lastErr = info.Err.Error()
	}

	giveUp := false
	switch {
	case !c.shouldReconnect || info.Clean():
		c.shouldReconnect = false
	case c.attempts >= c.opts.MaxAttempts:
		c.shouldReconnect = false
		giveUp = true
	default:
		delay := Backoff(c.opts.BaseDelay, c.opts.MaxDelay, c.attempts)
		c.attempts++
		c.delays = append(c.delays, delay)
		c.log.Info("connection lost, reconnecting", "code", info.Code, "clean", info.WasClean,
			"attempt", c.attempts, "retry_in", delay)
		c.timer = c.clock.AfterFunc(delay, c.reconnect)
	}
	attempts := c.attempts
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(CloseNormal, ""); err != nil {
			c.log.Debug("close after read failure", "error", err)
		}
	}
	c.report()
	if c.handler.OnClose != nil {
		c.guard("close", func() { c.handler.OnClose(info) })
	}
	if giveUp {
		c.log.Error("reconnect attempts exhausted", "attempts", attempts)
		if c.handler.OnGiveUp != nil {
			c.guard("give up", func() { c.handler.OnGiveUp(attempts) })
		}
	}
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	c.timer = nil
	ok := c.shouldReconnect && c.state == state.ConnClosed
	ctx := c.ctx
	c.mu.Unlock()
	if ok {
		_ = c.dial(ctx)
	}
}

// Disconnect closes the connection with the normal closure code and
// disables reconnection. It is safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.shouldReconnect = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	wasClosed := c.state == state.ConnClosed && conn == nil
	c.conn = nil
	c.connID = ""
	c.gen++
	c.state = state.ConnClosing
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(CloseNormal, "client disconnect"); err != nil {
			c.log.Debug("close failed", "error", err)
		}
	}

	c.mu.Lock()
	c.state = state.ConnClosed
	c.mu.Unlock()
	if !wasClosed {
		c.log.Info("channel closed")
	}
	c.report()
}

// Send writes one message if the channel is open.
func (c *Channel) Send(kind MessageKind, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == state.ConnOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}
	return conn.Write(kind, data)
}

// SendJSON marshals v and sends it as a text message.
func (c *Channel) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	return c.Send(TextMessage, data)
}

// State returns the connection state.
func (c *Channel) State() state.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open reports whether messages can be sent.
func (c *Channel) Open() bool { return c.State() == state.ConnOpen }

// Snapshot describes the current connection.
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ConnectionID:      c.connID,
		State:             c.state,
		ReconnectAttempts: c.attempts,
		ShouldReconnect:   c.shouldReconnect,
		NextDelays:        append([]time.Duration(nil), c.delays...),
	}
}

func (c *Channel) report() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	h := state.ChannelHealth{
		State:             c.state,
		ConnectionID:      c.connID,
		ReconnectAttempts: c.attempts,
		LastError:         c.lastErr,
	}
	c.mu.Unlock()
	c.store.SetChannel(c.opts.Name, h)
}

func (c *Channel) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("channel callback panicked", "callback", what, "panic", r)
		}
	}()
	fn()
}
