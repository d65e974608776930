package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxNotifications caps the local notification log.
const DefaultMaxNotifications = 50

// Snapshot is a copy of everything the Store holds.
type Snapshot struct {
	Streaming     StreamingState           `json:"streaming"`
	Cameras       map[Role]CameraStatus    `json:"cameras"`
	Channels      map[string]ChannelHealth `json:"channels"`
	Notifications []Notification           `json:"notifications"`
	Unread        int                      `json:"unread"`
}

// StateReader provides read-only access to state.
type StateReader interface {
	Snapshot() Snapshot
	Streaming() StreamingState
	CameraStatus(role Role) CameraStatus
	Notifications() []Notification
}

// StreamingDelta reports what ApplyStreamingDelta changed.
type StreamingDelta struct {
	Fields           []string
	BeeStatusChanged bool
	PreviousStatus   string
	CurrentStatus    string
	// EventActionSet is true when the payload carried a non-null
	// event_action.
	EventActionSet bool
}

// Store holds the orchestrator's UI-facing state with thread-safe access.
// Every mutation publishes an event on the bus.
type Store struct {
	mu               sync.RWMutex
	streaming        StreamingState
	cameras          map[Role]CameraStatus
	channels         map[string]ChannelHealth
	notifications    []Notification
	maxNotifications int
	bus              *EventBus
	log              *slog.Logger
}

var _ StateReader = (*Store)(nil)

// NewStore creates a new store wired to the event bus.
func NewStore(bus *EventBus, maxNotifications int, log *slog.Logger) *Store {
	if maxNotifications <= 0 {
		maxNotifications = DefaultMaxNotifications
	}
	return &Store{
		cameras: map[Role]CameraStatus{
			RoleInternal: CameraInactive,
			RoleExternal: CameraInactive,
		},
		channels:         make(map[string]ChannelHealth),
		maxNotifications: maxNotifications,
		bus:              bus,
		log:              log,
	}
}

// Bus returns the bus the store publishes on.
func (s *Store) Bus() *EventBus { return s.bus }

// Snapshot returns a copy of all state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cams := make(map[Role]CameraStatus, len(s.cameras))
	for k, v := range s.cameras {
		cams[k] = v
	}
	chans := make(map[string]ChannelHealth, len(s.channels))
	for k, v := range s.channels {
		chans[k] = v
	}
	return Snapshot{
		Streaming:     s.streamingLocked(),
		Cameras:       cams,
		Channels:      chans,
		Notifications: s.notificationsLocked(),
		Unread:        s.unreadLocked(),
	}
}

// Streaming returns a copy of the streaming state.
func (s *Store) Streaming() StreamingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamingLocked()
}

func (s *Store) streamingLocked() StreamingState {
	cp := s.streaming
	if s.streaming.EventAction != nil {
		v := *s.streaming.EventAction
		cp.EventAction = &v
	}
	cp.StatusSequence = append([]string(nil), s.streaming.StatusSequence...)
	return cp
}

// ApplyStreamingDelta merges a JSON state payload. Only fields present in
// the payload are touched, so applying the same payload twice is a no-op
// the second time. Non-object payloads return an error and change nothing.
func (s *Store) ApplyStreamingDelta(payload []byte) (StreamingDelta, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return StreamingDelta{}, fmt.Errorf("state: streaming delta: %w", err)
	}

	s.mu.Lock()
	var d StreamingDelta
	st := &s.streaming
	for key, raw := range fields {
		ok := true
		switch key {
		case "bee_status":
			var v *string
			if ok = decode(raw, &v); ok && v != nil && *v != st.LastBeeStatus {
				d.BeeStatusChanged = true
				d.PreviousStatus = st.LastBeeStatus
				d.CurrentStatus = *v
				st.LastBeeStatus = *v
			}
		case "event_active":
			ok = decodeInto(raw, &st.EventActive)
		case "event_action":
			var v *string
			if ok = decode(raw, &v); ok {
				st.EventAction = v
				d.EventActionSet = v != nil
			}
		case "transition_detected":
			ok = decodeInto(raw, &st.TransitionDetected)
		case "position_history_count":
			ok = decodeInto(raw, &st.PositionHistoryCount)
		case "consecutive_detections":
			ok = decodeInto(raw, &st.ConsecutiveDetections)
		case "status_sequence":
			var seq []string
			if ok = decode(raw, &seq); ok {
				st.StatusSequence = seq
			}
		default:
			continue
		}
		if !ok {
			s.log.Debug("ignoring malformed streaming field", "field", key)
			continue
		}
		d.Fields = append(d.Fields, key)
	}
	snap := s.streamingLocked()
	s.mu.Unlock()

	if len(d.Fields) > 0 {
		s.bus.Publish(Event{Type: EventStreamingUpdate, Data: snap})
	}
	if d.BeeStatusChanged {
		s.bus.Publish(Event{Type: EventBeeStatusChanged, Data: BeeStatusChange{Previous: d.PreviousStatus, Current: d.CurrentStatus}})
	}
	return d, nil
}

func decode(raw json.RawMessage, v interface{}) bool {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		// null leaves non-pointer fields untouched and clears pointers
		if p, ok := v.(**string); ok {
			*p = nil
			return true
		}
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// decodeInto decodes into a copy of *dst and stores it only when the whole
// value parsed. Object fields absent from raw keep their current values.
func decodeInto[T any](raw json.RawMessage, dst *T) bool {
	v := *dst
	if !decode(raw, &v) {
		return false
	}
	*dst = v
	return true
}

// ClearEventAction resets the transient event display.
func (s *Store) ClearEventAction() {
	s.mu.Lock()
	s.streaming.EventAction = nil
	s.streaming.TransitionDetected = false
	snap := s.streamingLocked()
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventStreamingUpdate, Data: snap})
}

// ResetStreaming clears streaming state when the stream stops.
func (s *Store) ResetStreaming() {
	s.mu.Lock()
	s.streaming = StreamingState{}
	s.mu.Unlock()
	s.bus.Publish(Event{Type: EventStreamingUpdate, Data: StreamingState{}})
}

// SetCameraStatus records the status of a role.
func (s *Store) SetCameraStatus(role Role, status CameraStatus, deviceID string) {
	s.mu.Lock()
	s.cameras[role] = status
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventCameraStatus, Data: CameraStatusChange{Role: role, Status: status, DeviceID: deviceID}})
}

// CameraStatus returns the status of role.
func (s *Store) CameraStatus(role Role) CameraStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.cameras[role]; ok {
		return st
	}
	return CameraInactive
}

// SetChannel records the health of a socket channel.
func (s *Store) SetChannel(name string, h ChannelHealth) {
	s.mu.Lock()
	prev := s.channels[name]
	if h.Quality == "" {
		h.Quality = prev.Quality
	}
	s.channels[name] = h
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventChannelState, Data: ChannelStateChange{Channel: name, ChannelHealth: h}})
}

// SetQuality updates only the quality of a channel.
func (s *Store) SetQuality(name string, q Quality) {
	s.mu.Lock()
	h := s.channels[name]
	changed := h.Quality != q
	h.Quality = q
	s.channels[name] = h
	s.mu.Unlock()

	if changed {
		s.bus.Publish(Event{Type: EventQualityChanged, Data: ChannelStateChange{Channel: name, ChannelHealth: h}})
	}
}

// Channel returns the recorded health of a channel.
func (s *Store) Channel(name string) ChannelHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.channels[name]
	if !ok {
		return ChannelHealth{State: ConnClosed, Quality: QualityUnknown}
	}
	return h
}

// --- notifications ---

// AddNotification prepends n, dropping the oldest entries beyond the cap.
func (s *Store) AddNotification(n Notification) {
	s.mu.Lock()
	s.notifications = append([]Notification{n}, s.notifications...)
	if len(s.notifications) > s.maxNotifications {
		s.notifications = s.notifications[:s.maxNotifications]
	}
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventBeeNotification, Data: n})
}

// ReplaceNotifications installs a list fetched from the backend, newest
// first.
func (s *Store) ReplaceNotifications(list []Notification) {
	s.mu.Lock()
	if len(list) > s.maxNotifications {
		list = list[:s.maxNotifications]
	}
	s.notifications = append([]Notification(nil), list...)
	out := s.notificationsLocked()
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventNotificationsSynced, Data: out})
}

// MarkNotificationsRead flags every notification as read.
func (s *Store) MarkNotificationsRead() {
	s.mu.Lock()
	for i := range s.notifications {
		s.notifications[i].Read = true
	}
	out := s.notificationsLocked()
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventNotificationsSynced, Data: out})
}

// ClearNotifications empties the log.
func (s *Store) ClearNotifications() {
	s.mu.Lock()
	s.notifications = nil
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventNotificationsSynced, Data: []Notification{}})
}

// Notifications returns the log, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notificationsLocked()
}

func (s *Store) notificationsLocked() []Notification {
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

func (s *Store) unreadLocked() int {
	n := 0
	for _, v := range s.notifications {
		if !v.Read {
			n++
		}
	}
	return n
}
