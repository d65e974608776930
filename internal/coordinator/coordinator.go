// Package coordinator owns every long-lived component of the orchestrator.
// It starts them together, reports their combined health and tears them
// down in reverse order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/beewatch/internal/backend"
	"github.com/trymwestin/beewatch/internal/core/device"
	"github.com/trymwestin/beewatch/internal/core/notify"
	"github.com/trymwestin/beewatch/internal/core/session"
	"github.com/trymwestin/beewatch/internal/core/state"
	"github.com/trymwestin/beewatch/internal/core/stream"
	"github.com/trymwestin/beewatch/internal/mqtt"
)

// BackendAPI is the slice of the REST client the coordinator uses beyond
// notifications.
type BackendAPI interface {
	CameraConfig(ctx context.Context) (backend.CameraConfig, error)
	SaveCameraConfig(ctx context.Context, cfg backend.CameraConfig) error
	ExternalCameraStatus(ctx context.Context) (backend.ExternalCameraStatus, error)
}

// Deps are the components a Coordinator owns. Publisher and API may be
// nil.
type Deps struct {
	Store     *state.Store
	Registry  *device.Registry
	Sessions  *session.Manager
	Transport *stream.Streamer
	Relay     *stream.Streamer
	Events    *notify.Client
	API       BackendAPI
	Publisher mqtt.Publisher
}

// Options tunes Initialize.
type Options struct {
	// RequestPermissions unlocks device labels during the first
	// enumeration.
	RequestPermissions bool
	// AutoStart acquires the internal camera once devices are known.
	AutoStart bool
	// Internal and External override the backend's stored selections.
	Internal string
	External string
}

// Health is the aggregate status of every component.
type Health struct {
	Ready    bool                              `json:"ready"`
	Degraded map[string]string                 `json:"degraded,omitempty"`
	Channels map[string]state.ChannelHealth    `json:"channels"`
	Quality  state.Quality                     `json:"transport_quality"`
	Cameras  map[state.Role]state.CameraStatus `json:"cameras"`
	Recovery session.Ledger                    `json:"recovery"`
	Frames   stream.Stats                      `json:"frames"`
	Synced   bool                              `json:"notifications_synced"`
}

// Coordinator starts and stops the orchestrator as a unit.
type Coordinator struct {
	deps Deps
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	initialized bool
	destroyed   bool
	ready       bool
	degraded    map[string]string
}

// New wires deps together. Nothing is started until Initialize.
func New(deps Deps, opts Options, log *slog.Logger) *Coordinator {
	if deps.Events != nil && deps.Sessions != nil {
		deps.Events.SetController(deps.Sessions)
	}
	return &Coordinator{
		deps:     deps,
		opts:     opts,
		log:      log,
		degraded: make(map[string]string),
	}
}

// Store returns the shared state store.
func (c *Coordinator) Store() *state.Store { return c.deps.Store }

// Registry returns the device registry.
func (c *Coordinator) Registry() *device.Registry { return c.deps.Registry }

// Sessions returns the camera session manager.
func (c *Coordinator) Sessions() *session.Manager { return c.deps.Sessions }

// Events returns the event bus client.
func (c *Coordinator) Events() *notify.Client { return c.deps.Events }

// Initialize starts the event bus channel, the transport channel, the
// camera session manager and the MQTT publisher concurrently. A component
// that fails is recorded as degraded and does not hold back the others.
// Initialize reports false only when ctx ends before coordination
// completes or the coordinator was already destroyed. Repeated calls
// return the first result.
func (c *Coordinator) Initialize(ctx context.Context) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return false
	}
	if c.initialized {
		ready := c.ready
		c.mu.Unlock()
		return ready
	}
	c.initialized = true
	c.mu.Unlock()

	c.log.Info("initializing")

	var g errgroup.Group
	c.start(&g, "event_bus", func() error {
		if c.deps.Events == nil {
			return nil
		}
		return c.deps.Events.Start(ctx)
	})
	c.start(&g, "transport", func() error {
		if c.deps.Transport == nil {
			return nil
		}
		return c.deps.Transport.Start(ctx, nil)
	})
	c.start(&g, "cameras", func() error { return c.startCameras(ctx) })
	c.start(&g, "mqtt", func() error {
		if c.deps.Publisher == nil {
			return nil
		}
		return c.deps.Publisher.Start(ctx)
	})
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ctx.Err() == nil && !c.destroyed
	c.log.Info("initialized", "ready", c.ready, "degraded", len(c.degraded))
	return c.ready
}

// start runs fn on g inside its own failure boundary. Errors and panics
// mark the component degraded; the group itself never fails.
func (c *Coordinator) start(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
			if err != nil {
				c.log.Warn("component degraded", "component", name, "error", err)
				c.mu.Lock()
				c.degraded[name] = err.Error()
				c.mu.Unlock()
			}
			err = nil
		}()
		return fn()
	})
}

// startCameras enumerates devices, applies configured or stored
// selections and optionally starts the internal camera.
func (c *Coordinator) startCameras(ctx context.Context) error {
	if c.deps.Registry == nil {
		return nil
	}
	if _, err := c.deps.Registry.Enumerate(ctx, c.opts.RequestPermissions, false); err != nil {
		return err
	}

	internal, external := c.opts.Internal, c.opts.External
	if c.deps.API != nil && (internal == "" || external == "") {
		stored, err := c.deps.API.CameraConfig(ctx)
		if err != nil {
			c.log.Warn("camera config unavailable, keeping defaults", "error", err)
		} else {
			if internal == "" {
				internal = stored.InternalCameraID
			}
			if external == "" {
				external = stored.ExternalCameraID
			}
		}
	}
	c.selectIfKnown(state.RoleInternal, internal)
	c.selectIfKnown(state.RoleExternal, external)

	if !c.opts.AutoStart || c.deps.Sessions == nil {
		return nil
	}
	if _, err := c.deps.Sessions.Acquire(ctx, state.RoleInternal, ""); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) selectIfKnown(role state.Role, id string) {
	if id == "" {
		return
	}
	if err := c.deps.Registry.Select(role, id); err != nil {
		c.log.Warn("stored camera selection not present", "role", role, "device_id", id)
	}
}

// SaveSelection persists the registry's current selections to the
// backend.
func (c *Coordinator) SaveSelection(ctx context.Context) error {
	if c.deps.API == nil || c.deps.Registry == nil {
		return nil
	}
	sel := c.deps.Registry.Selection()
	if err := c.deps.API.SaveCameraConfig(ctx, backend.CameraConfig{
		InternalCameraID: sel.Internal,
		ExternalCameraID: sel.External,
	}); err != nil {
		return fmt.Errorf("coordinator: save selection: %w", err)
	}
	return nil
}

// ExternalStatus asks the backend what it knows about the external
// camera.
func (c *Coordinator) ExternalStatus(ctx context.Context) (backend.ExternalCameraStatus, error) {
	if c.deps.API == nil {
		return backend.ExternalCameraStatus{}, errors.New("coordinator: no backend configured")
	}
	st, err := c.deps.API.ExternalCameraStatus(ctx)
	if err != nil {
		return st, fmt.Errorf("coordinator: external status: %w", err)
	}
	return st, nil
}

// Destroy stops everything in reverse start order: MQTT, camera sessions,
// the external relay, the transport channel, then the event bus channel.
// Each step runs in its own failure boundary so a failing step never
// leaves a later socket open or camera held. Repeated calls are no-ops.
func (c *Coordinator) Destroy(ctx context.Context) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.ready = false
	c.mu.Unlock()

	c.log.Info("destroying")
	if c.deps.Publisher != nil {
		c.isolate("mqtt", func() error { return c.deps.Publisher.Stop(ctx) })
	}
	if c.deps.Sessions != nil {
		c.isolate("cameras", func() error { c.deps.Sessions.Close(); return nil })
	}
	if c.deps.Relay != nil {
		c.isolate("external_relay", func() error { c.deps.Relay.Stop(); return nil })
	}
	if c.deps.Transport != nil {
		c.isolate("transport", func() error { c.deps.Transport.Stop(); return nil })
	}
	if c.deps.Events != nil {
		c.isolate("event_bus", func() error { c.deps.Events.Stop(); return nil })
	}
	c.log.Info("destroyed")
}

func (c *Coordinator) isolate(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("teardown panicked", "component", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		c.log.Warn("teardown failed", "component", name, "error", err)
	}
}

// Ready reports the result of Initialize, false after Destroy.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Health aggregates the state of every component.
func (c *Coordinator) Health() Health {
	c.mu.Lock()
	h := Health{Ready: c.ready}
	if len(c.degraded) > 0 {
		h.Degraded = make(map[string]string, len(c.degraded))
		for k, v := range c.degraded {
			h.Degraded[k] = v
		}
	}
	c.mu.Unlock()

	if c.deps.Store != nil {
		snap := c.deps.Store.Snapshot()
		h.Channels = snap.Channels
		h.Cameras = snap.Cameras
	}
	if c.deps.Transport != nil {
		h.Quality = c.deps.Transport.Quality()
		h.Frames = c.deps.Transport.Stats()
	}
	if c.deps.Sessions != nil {
		h.Recovery = c.deps.Sessions.Ledger()
	}
	if c.deps.Events != nil {
		h.Synced = c.deps.Events.Synced()
	}
	return h
}

// ErrUnknownRole is returned for role names other than internal and
// external.
var ErrUnknownRole = errors.New("coordinator: unknown role")

// ParseRole maps a path segment to a role.
func ParseRole(s string) (state.Role, error) {
	r := state.Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

var _ session.Relay = (*stream.Streamer)(nil)
var _ session.Sink = (*stream.Streamer)(nil)
var _ notify.CameraController = (*session.Manager)(nil)
var _ BackendAPI = (*backend.Client)(nil)
