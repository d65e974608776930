// Package notify runs the push-event socket: it routes external camera
// control to the session manager and keeps the notification log in sync
// with the backend.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trymwestin/beewatch/internal/backend"
	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/core/state"
	"github.com/trymwestin/beewatch/internal/core/transport"
)

// EventsPath is the socket endpoint relative to the socket base.
const EventsPath = "/video/notifications"

// Message types carried on the socket.
const (
	TypeExternalCameraControl = "external_camera_control"
	TypeBeeNotification       = "bee_notification"
)

// Control actions.
const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
)

// CameraController starts and stops the external camera.
type CameraController interface {
	ActivateExternal(ctx context.Context) error
	DeactivateExternal(ctx context.Context) error
}

// NotificationAPI is the REST side of the notification log.
type NotificationAPI interface {
	Notifications(ctx context.Context) ([]state.Notification, error)
	MarkAllRead(ctx context.Context) error
	DeleteAll(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	URL            string
	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
	MaxAttempts    int
}

// Client is the event bus channel.
type Client struct {
	api        NotificationAPI
	controller CameraController
	store      *state.Store
	clock      clock.Clock
	log        *slog.Logger
	ch         *transport.Channel

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	synced bool
	wg     sync.WaitGroup
}

// New creates a stopped Client. controller may be nil until SetController
// is called.
func New(opts Options, dialer transport.Dialer, api NotificationAPI, controller CameraController, store *state.Store, clk clock.Clock, log *slog.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	c := &Client{
		api:        api,
		controller: controller,
		store:      store,
		clock:      clk,
		log:        log,
	}
	c.ch = transport.NewChannel(transport.Options{
		Name:        state.ChannelEventBus,
		URL:         opts.URL,
		BaseDelay:   opts.ReconnectDelay,
		MaxDelay:    opts.ReconnectMax,
		MaxAttempts: opts.MaxAttempts,
	}, dialer, clk, store, transport.Handler{
		OnOpen:    c.onOpen,
		OnMessage: c.onMessage,
		OnGiveUp:  c.onGiveUp,
	}, log)
	return c
}

// SetController installs the camera controller.
func (c *Client) SetController(ctrl CameraController) {
	c.mu.Lock()
	c.controller = ctrl
	c.mu.Unlock()
}

// Start connects the socket. The notification log is synced over REST
// after the first successful connection. ctx bounds only the first dial;
// the client runs until Stop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	if err := c.ch.Connect(ctx); err != nil {
		return fmt.Errorf("notify: start: %w", err)
	}
	return nil
}

// Stop closes the socket and waits for in-flight work.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.ch.Disconnect()
	c.wg.Wait()
}

// Channel exposes the connection snapshot.
func (c *Client) Channel() transport.Snapshot { return c.ch.Snapshot() }

// Synced reports whether the initial REST sync has completed.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Sync replaces the local notification log with the server's. On failure
// the local log is left untouched.
func (c *Client) Sync(ctx context.Context) error {
	list, err := c.api.Notifications(ctx)
	if err != nil {
		c.log.Warn("notification sync failed", "error", err)
		return fmt.Errorf("notify: sync: %w", err)
	}
	c.store.ReplaceNotifications(list)
	c.mu.Lock()
	c.synced = true
	c.mu.Unlock()
	c.log.Info("notifications synced", "count", len(list))
	return nil
}

// MarkAllRead marks the server log read, then mirrors it locally.
func (c *Client) MarkAllRead(ctx context.Context) error {
	if err := c.api.MarkAllRead(ctx); err != nil {
		c.log.Warn("mark all read failed", "error", err)
		return fmt.Errorf("notify: mark all read: %w", err)
	}
	c.store.MarkNotificationsRead()
	return nil
}

// DeleteAll deletes the server log, then clears it locally.
func (c *Client) DeleteAll(ctx context.Context) error {
	if err := c.api.DeleteAll(ctx); err != nil {
		c.log.Warn("delete notifications failed", "error", err)
		return fmt.Errorf("notify: delete all: %w", err)
	}
	c.store.ClearNotifications()
	return nil
}

// Notifications returns the local log, newest first.
func (c *Client) Notifications() []state.Notification {
	return c.store.Notifications()
}

func (c *Client) onOpen(string) {
	c.mu.Lock()
	first := !c.synced
	ctx := c.ctx
	c.mu.Unlock()
	if !first || ctx == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Sync(ctx)
	}()
}

type message struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	backend.WireNotification
}

func (c *Client) onMessage(kind transport.MessageKind, data []byte) {
	if kind != transport.TextMessage {
		return
	}
	data = bytes.TrimSpace(data)
	var msg message
	if len(data) == 0 || data[0] != '{' || json.Unmarshal(data, &msg) != nil {
		c.log.Debug("ignoring malformed event", "bytes", len(data))
		return
	}

	switch msg.Type {
	case TypeExternalCameraControl:
		c.handleControl(msg.Action)
	case TypeBeeNotification:
		n := msg.Notification()
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.Timestamp == "" {
			n.Timestamp = c.clock.Now().UTC().Format(time.RFC3339)
		}
		c.store.AddNotification(n)
	default:
		c.store.Bus().Publish(state.Event{Type: state.EventPassthrough, Data: state.Passthrough{
			Kind:    msg.Type,
			Payload: json.RawMessage(append([]byte(nil), data...)),
		}})
	}
}

func (c *Client) handleControl(action string) {
	c.mu.Lock()
	ctrl := c.controller
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	c.store.Bus().Publish(state.Event{Type: state.EventExternalControl, Data: map[string]string{"action": action}})
	if ctrl == nil {
		c.log.Warn("external camera control without a controller", "action", action)
		return
	}

	var err error
	switch action {
	case ActionActivate:
		err = ctrl.ActivateExternal(ctx)
	case ActionDeactivate:
		err = ctrl.DeactivateExternal(ctx)
	default:
		c.log.Warn("unknown external camera action", "action", action)
		return
	}
	if err != nil {
		c.log.Warn("external camera control failed", "action", action, "error", err)
		return
	}
	c.log.Info("external camera control applied", "action", action)
}

func (c *Client) onGiveUp(attempts int) {
	c.store.Bus().Publish(state.Event{Type: state.EventStreamingError, Data: state.StreamingError{
		Channel:  state.ChannelEventBus,
		Kind:     "connection_lost",
		Attempts: attempts,
		Message:  fmt.Sprintf("event bus gave up after %d reconnect attempts", attempts),
	}})
}
