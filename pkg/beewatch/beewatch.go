// Package beewatch provides a public facade re-exporting core types
// for external consumers of this module.
package beewatch

import (
	"log/slog"

	"github.com/trymwestin/beewatch/internal/config"
	"github.com/trymwestin/beewatch/internal/coordinator"
	"github.com/trymwestin/beewatch/internal/core/device"
	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/session"
	"github.com/trymwestin/beewatch/internal/core/state"
	"github.com/trymwestin/beewatch/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Config is the daemon configuration.
	Config = config.Config
	// Coordinator owns every long-lived component.
	Coordinator = coordinator.Coordinator
	// Health is the aggregate component status.
	Health = coordinator.Health
	// Role is a logical capture slot.
	Role = state.Role
	// CameraStatus is the per-role activation state.
	CameraStatus = state.CameraStatus
	// StreamingState is the backend's bee-tracking state.
	StreamingState = state.StreamingState
	// Notification is a bee event notification.
	Notification = state.Notification
	// Snapshot is a copy of all shared state.
	Snapshot = state.Snapshot
	// Event represents a state change event.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// Camera is a deduplicated capture device.
	Camera = device.Camera
	// Session describes the live capture of a role.
	Session = session.Session
	// MediaError is a classified camera failure.
	MediaError = media.Error
	// Dialer creates WebSocket connections to the backend.
	Dialer = transport.Dialer
	// Conn represents a WebSocket connection.
	Conn = transport.Conn
)

// Role constants.
const (
	RoleInternal = state.RoleInternal
	RoleExternal = state.RoleExternal
)

// Event type constants.
const (
	EventCameraStatus        = state.EventCameraStatus
	EventCameraError         = state.EventCameraError
	EventChannelState        = state.EventChannelState
	EventStreamingUpdate     = state.EventStreamingUpdate
	EventBeeStatusChanged    = state.EventBeeStatusChanged
	EventBeeNotification     = state.EventBeeNotification
	EventNotificationsSynced = state.EventNotificationsSynced
)

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config { return config.Defaults() }

// LoadConfig reads a YAML file and applies environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// New builds a coordinator from cfg. Call Initialize to start it and
// Destroy to release cameras and sockets.
func New(cfg Config, log *slog.Logger) (*Coordinator, error) {
	return coordinator.Build(cfg, log)
}
