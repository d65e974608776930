package state

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Role is a logical capture slot.
type Role string

const (
	RoleInternal Role = "internal"
	RoleExternal Role = "external"
)

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleInternal {
		return RoleExternal
	}
	return RoleInternal
}

// Valid reports whether r names a known role.
func (r Role) Valid() bool { return r == RoleInternal || r == RoleExternal }

// CameraStatus is the per-role activation state.
type CameraStatus string

const (
	CameraInactive CameraStatus = "inactive"
	CameraStarting CameraStatus = "starting"
	CameraActive   CameraStatus = "active"
	CameraError    CameraStatus = "error"
)

// ConnState is the lifecycle state of a socket channel.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClosing    ConnState = "closing"
	ConnClosed     ConnState = "closed"
)

// Quality is the advisory link quality derived from heartbeats.
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityPoor    Quality = "poor"
)

// Detections counts consecutive per-side detections.
type Detections struct {
	Inside  int `json:"inside"`
	Outside int `json:"outside"`
}

// StreamingState is the UI-facing snapshot fed by the live-stream socket.
type StreamingState struct {
	LastBeeStatus         string     `json:"last_bee_status,omitempty"`
	EventActive           bool       `json:"event_active"`
	EventAction           *string    `json:"event_action"`
	TransitionDetected    bool       `json:"transition_detected"`
	PositionHistoryCount  int        `json:"position_history_count"`
	ConsecutiveDetections Detections `json:"consecutive_detections"`
	StatusSequence        []string   `json:"status_sequence"`
}

// Notification is one entry of the bee notification log.
type Notification struct {
	ID        string `json:"id"`
	EventType string `json:"event_type,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	Read      bool   `json:"read"`
}

// ChannelHealth summarises one socket channel.
type ChannelHealth struct {
	State             ConnState `json:"state"`
	ConnectionID      string    `json:"connection_id,omitempty"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
	Quality           Quality   `json:"quality,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

// Channel names used for health reporting.
const (
	ChannelTransport     = "transport"
	ChannelEventBus      = "event_bus"
	ChannelExternalRelay = "external_relay"
)

// EventType identifies event categories.
type EventType string

const (
	EventDevicesChanged        EventType = "devices_changed"
	EventCapabilityUnavailable EventType = "capability_unavailable"
	EventCameraStatus          EventType = "camera_status"
	EventCameraError           EventType = "camera_error"
	EventStreamShared          EventType = "stream_shared"
	EventChannelState          EventType = "channel_state"
	EventQualityChanged        EventType = "quality_changed"
	EventStreamingError        EventType = "streaming_error"
	EventStreamingUpdate       EventType = "streaming_update"
	EventBeeStatusChanged      EventType = "bee_status_changed"
	EventExternalControl       EventType = "external_camera_control"
	EventBeeNotification       EventType = "bee_notification"
	EventNotificationsSynced   EventType = "notifications_synced"
	EventPassthrough           EventType = "passthrough"
)

// Event represents a state change.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// CameraStatusChange is the Data of EventCameraStatus.
type CameraStatusChange struct {
	Role     Role         `json:"role"`
	Status   CameraStatus `json:"status"`
	DeviceID string       `json:"device_id,omitempty"`
}

// StreamShared is the Data of EventStreamShared.
type StreamShared struct {
	Role     Role   `json:"role"`
	From     Role   `json:"from"`
	DeviceID string `json:"device_id"`
}

// ChannelStateChange is the Data of EventChannelState.
type ChannelStateChange struct {
	Channel string `json:"channel"`
	ChannelHealth
}

// BeeStatusChange is the Data of EventBeeStatusChanged.
type BeeStatusChange struct {
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current"`
}

// StreamingError is the Data of EventStreamingError.
type StreamingError struct {
	Channel  string `json:"channel"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Message  string `json:"message"`
}

// Passthrough is the Data of EventPassthrough.
type Passthrough struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event", "subscriber_id", id, "event_type", evt.Type)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function. The
// channel is closed by unsubscribe.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
