// Package session owns camera acquisition for the internal and external
// roles, the stream-sharing path between them, and the external role's
// bounded retry policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/core/device"
	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/state"
	"github.com/trymwestin/beewatch/internal/core/stream"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: manager closed")
	// ErrSuperseded is returned by an acquisition that was released or
	// replaced before it completed. Its result has been discarded.
	ErrSuperseded = errors.New("session: acquisition superseded")
	// ErrInvalidRole is returned for unknown roles.
	ErrInvalidRole = errors.New("session: invalid role")
)

// Sink receives the internal role's frames; the shared live stream.
type Sink interface {
	Attach(src stream.FrameSource)
}

// Relay carries the external role's frames over its own socket.
type Relay interface {
	Start(ctx context.Context, src stream.FrameSource) error
	Stop()
}

// Options configures a Manager.
type Options struct {
	MaxRetries       int
	RetryCooldown    time.Duration
	RetryResetPeriod time.Duration
	SettleDelay      time.Duration

	Internal media.Constraints
	External media.Constraints
}

// DefaultOptions returns the stock retry policy and role constraints.
func DefaultOptions() Options {
	return Options{
		MaxRetries:       2,
		RetryCooldown:    5 * time.Second,
		RetryResetPeriod: 30 * time.Second,
		SettleDelay:      time.Second,
		Internal:         media.Constraints{Width: 1280, Height: 720, FrameRate: 30, Exact: true},
		External:         media.Constraints{Width: 640, Height: 480, FrameRate: 15, Exact: true},
	}
}

// Session describes the live capture of a role.
type Session struct {
	Role     state.Role         `json:"role"`
	DeviceID string             `json:"device_id"`
	StreamID string             `json:"stream_id,omitempty"`
	Status   state.CameraStatus `json:"status"`
	Shared   bool               `json:"shared"`
}

// ErrorEvent is the Data of state.EventCameraError.
type ErrorEvent struct {
	Role state.Role `json:"role"`
	*media.Error
}

type roleState struct {
	status   state.CameraStatus
	deviceID string
	stream   media.Stream
	shared   bool
	gen      uint64
	lastErr  *media.Error
}

// Manager owns the camera sessions of both roles.
type Manager struct {
	platform media.Platform
	registry *device.Registry
	store    *state.Store
	clock    clock.Clock
	log      *slog.Logger
	opts     Options
	sink     Sink
	relay    Relay

	ctx    context.Context
	cancel context.CancelFunc

	// relayMu serialises relay start/stop against release.
	relayMu sync.Mutex

	mu       sync.Mutex
	roles    map[state.Role]*roleState
	recovery recovery
	closed   bool
}

// NewManager creates a Manager. sink and relay may be nil.
func NewManager(platform media.Platform, registry *device.Registry, store *state.Store, sink Sink, relay Relay, clk clock.Clock, opts Options, log *slog.Logger) *Manager {
	d := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = d.MaxRetries
	}
	if opts.RetryCooldown <= 0 {
		opts.RetryCooldown = d.RetryCooldown
	}
	if opts.RetryResetPeriod <= 0 {
		opts.RetryResetPeriod = d.RetryResetPeriod
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = d.SettleDelay
	}
	if opts.Internal == (media.Constraints{}) {
		opts.Internal = d.Internal
	}
	if opts.External == (media.Constraints{}) {
		opts.External = d.External
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		platform: platform,
		registry: registry,
		store:    store,
		clock:    clk,
		log:      log,
		opts:     opts,
		sink:     sink,
		relay:    relay,
		ctx:      ctx,
		cancel:   cancel,
		roles: map[state.Role]*roleState{
			state.RoleInternal: {status: state.CameraInactive},
			state.RoleExternal: {status: state.CameraInactive},
		},
		recovery: newRecovery(),
	}
}

// Acquire activates role on deviceID. An empty deviceID uses the
// registry's selection for the role. Acquiring an active role on the same
// device is a no-op; a different device replaces the session.
func (m *Manager) Acquire(ctx context.Context, role state.Role, deviceID string) (Session, error) {
	if !role.Valid() {
		return Session{}, fmt.Errorf("session: acquire %q: %w", role, ErrInvalidRole)
	}
	if deviceID == "" && m.registry != nil {
		deviceID = m.registry.Selection().Get(role)
	}
	if deviceID == "" {
		return Session{}, fmt.Errorf("session: acquire %s: no camera selected: %w", role, media.ErrDeviceNotFound)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Session{}, ErrClosed
	}
	rs := m.roles[role]
	if rs.status == state.CameraActive {
		if rs.deviceID == deviceID {
			sess := m.sessionLocked(role)
			m.mu.Unlock()
			m.log.Debug("camera already active", "role", role, "device_id", deviceID)
			return sess, nil
		}
		m.mu.Unlock()
		m.log.Info("switching camera", "role", role, "from", rs.deviceID, "to", deviceID)
		m.Release(role)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Session{}, ErrClosed
		}
	}

	rs.gen++
	gen := rs.gen
	rs.status = state.CameraStarting
	rs.deviceID = deviceID
	var src media.Stream
	if other := m.roles[role.Other()]; other.status == state.CameraActive && other.stream != nil && other.deviceID == deviceID {
		src = other.stream
	}
	m.mu.Unlock()

	m.store.SetCameraStatus(role, state.CameraStarting, deviceID)

	var (
		s      media.Stream
		err    error
		shared bool
	)
	if src != nil {
		if s, err = src.Clone(); err != nil {
			m.log.Warn("stream clone failed, opening hardware", "role", role, "error", err)
			s = nil
		} else {
			shared = true
		}
	}
	if s == nil {
		s, err = m.open(ctx, role, deviceID)
	}

	m.mu.Lock()
	if m.closed || rs.gen != gen {
		m.mu.Unlock()
		if s != nil {
			s.Stop()
		}
		m.log.Info("discarding superseded acquisition", "role", role, "device_id", deviceID)
		return Session{}, ErrSuperseded
	}
	if err != nil {
		merr := m.failLocked(role, deviceID, err)
		m.mu.Unlock()

		m.log.Warn("camera acquisition failed", "role", role, "device_id", deviceID,
			"kind", merr.Kind, "attempts", merr.Attempts, "can_retry", merr.CanRetry)
		m.store.SetCameraStatus(role, state.CameraError, deviceID)
		m.store.Bus().Publish(state.Event{Type: state.EventCameraError, Data: ErrorEvent{Role: role, Error: merr}})
		if role == state.RoleExternal && merr.Kind == media.KindDeviceUnreadable {
			m.scheduleRecovery(deviceID)
		}
		return Session{}, merr
	}

	rs.stream = s
	rs.status = state.CameraActive
	rs.shared = shared
	rs.lastErr = nil
	if role == state.RoleExternal {
		m.recovery.reset()
	}
	sess := m.sessionLocked(role)
	m.mu.Unlock()

	m.log.Info("camera active", "role", role, "device_id", deviceID, "shared", shared, "stream_id", s.ID())
	m.store.SetCameraStatus(role, state.CameraActive, deviceID)
	if shared {
		m.store.Bus().Publish(state.Event{Type: state.EventStreamShared, Data: state.StreamShared{
			Role: role, From: role.Other(), DeviceID: deviceID,
		}})
	}
	m.startRelay(ctx, role, gen, s)
	return sess, nil
}

// open requests hardware with the role's constraints, relaxing them once
// if the platform cannot satisfy them.
func (m *Manager) open(ctx context.Context, role state.Role, deviceID string) (media.Stream, error) {
	c := m.opts.Internal
	if role == state.RoleExternal {
		c = m.opts.External
	}
	c.DeviceID = deviceID

	s, err := m.platform.Open(ctx, c)
	if err != nil && media.KindOf(err) == media.KindConstraintUnsatisfiable {
		m.log.Info("constraints rejected, retrying relaxed", "role", role, "device_id", deviceID)
		s, err = m.platform.Open(ctx, c.Relaxed())
	}
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", deviceID, err)
	}
	return s, nil
}

func (m *Manager) failLocked(role state.Role, deviceID string, err error) *media.Error {
	rs := m.roles[role]
	rs.status = state.CameraError
	rs.stream = nil
	rs.shared = false

	attempts := 0
	if role == state.RoleExternal {
		attempts = m.recovery.ledger[deviceID]
		if media.KindOf(err) == media.KindDeviceUnreadable {
			attempts++
		}
	}
	merr := media.NewError(err, deviceID, attempts, m.opts.MaxRetries)
	rs.lastErr = merr
	return merr
}

func (m *Manager) startRelay(ctx context.Context, role state.Role, gen uint64, s media.Stream) {
	m.relayMu.Lock()
	defer m.relayMu.Unlock()

	m.mu.Lock()
	current := !m.closed && m.roles[role].gen == gen
	m.mu.Unlock()
	if !current {
		return
	}

	switch role {
	case state.RoleInternal:
		if m.sink != nil {
			m.sink.Attach(s)
		}
	case state.RoleExternal:
		if m.relay != nil {
			if err := m.relay.Start(ctx, s); err != nil {
				m.log.Warn("external relay not connected yet", "error", err)
			}
		}
	}
}

// Release stops the role's session and returns it to inactive. For the
// external role it also closes the relay socket and clears the retry
// ledger. Releasing an inactive role is a no-op, and releasing during an
// in-flight acquisition discards that acquisition's result.
func (m *Manager) Release(role state.Role) {
	if !role.Valid() {
		return
	}
	m.relayMu.Lock()
	defer m.relayMu.Unlock()

	m.mu.Lock()
	rs := m.roles[role]
	rs.gen++
	s := rs.stream
	prev := rs.status
	deviceID := rs.deviceID
	rs.stream = nil
	rs.shared = false
	rs.status = state.CameraInactive
	rs.lastErr = nil
	if role == state.RoleExternal {
		m.recovery.reset()
	}
	m.mu.Unlock()

	switch role {
	case state.RoleInternal:
		if m.sink != nil {
			m.sink.Attach(nil)
		}
	case state.RoleExternal:
		if m.relay != nil {
			m.relay.Stop()
		}
	}
	if s != nil {
		s.Stop()
	}
	if prev != state.CameraInactive {
		m.log.Info("camera released", "role", role, "device_id", deviceID)
		m.store.SetCameraStatus(role, state.CameraInactive, deviceID)
	}
}

// ActivateExternal starts the external camera on its selected device.
func (m *Manager) ActivateExternal(ctx context.Context) error {
	_, err := m.Acquire(ctx, state.RoleExternal, "")
	return err
}

// DeactivateExternal stops the external camera.
func (m *Manager) DeactivateExternal(context.Context) error {
	m.Release(state.RoleExternal)
	return nil
}

// Retry clears the retry ledger and re-acquires role on its last device.
func (m *Manager) Retry(ctx context.Context, role state.Role) (Session, error) {
	if !role.Valid() {
		return Session{}, fmt.Errorf("session: retry %q: %w", role, ErrInvalidRole)
	}
	m.mu.Lock()
	deviceID := m.roles[role].deviceID
	if role == state.RoleExternal {
		m.recovery.reset()
	}
	m.mu.Unlock()
	return m.Acquire(ctx, role, deviceID)
}

// ResetRetries clears the ledger, the cooldown stamp and any pending
// automatic retry.
func (m *Manager) ResetRetries() {
	m.mu.Lock()
	m.recovery.reset()
	m.mu.Unlock()
	m.log.Info("retry ledger reset")
}

// Status returns the status of role.
func (m *Manager) Status(role state.Role) state.CameraStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.roles[role]; ok {
		return rs.status
	}
	return state.CameraInactive
}

// Session returns the live session of role, if any.
func (m *Manager) Session(role state.Role) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.roles[role]
	if !ok || rs.status != state.CameraActive {
		return Session{}, false
	}
	return m.sessionLocked(role), true
}

func (m *Manager) sessionLocked(role state.Role) Session {
	rs := m.roles[role]
	sess := Session{Role: role, DeviceID: rs.deviceID, Status: rs.status, Shared: rs.shared}
	if rs.stream != nil {
		sess.StreamID = rs.stream.ID()
	}
	return sess
}

// LastError returns the most recent failure of role, or nil.
func (m *Manager) LastError(role state.Role) *media.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rs, ok := m.roles[role]; ok {
		return rs.lastErr
	}
	return nil
}

// Ledger returns a copy of the external role's retry ledger.
func (m *Manager) Ledger() Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery.snapshot()
}

// Close releases both roles and cancels every timer. It is safe to call
// repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.Release(state.RoleExternal)
	m.Release(state.RoleInternal)

	m.mu.Lock()
	m.recovery.reset()
	m.mu.Unlock()
	m.cancel()
	m.log.Info("session manager closed")
}
