// Package stream pumps camera frames to the backend over a managed socket
// and folds the backend's state messages into the Store.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/trymwestin/beewatch/internal/clock"
	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/state"
	"github.com/trymwestin/beewatch/internal/core/transport"
)

// Endpoint paths relative to the socket base.
const (
	LiveStreamPath     = "/video/live-stream"
	ExternalStreamPath = "/video/external-camera-stream"
)

// FrameSource is the video sink frames are pulled from.
type FrameSource interface {
	Playing() bool
	Frame() (image.Image, error)
}

// Options configures a Streamer.
type Options struct {
	// Name is the channel name used for health reporting.
	Name              string
	URL               string
	FrameInterval     time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	EventActionTTL    time.Duration
	JPEGQuality       int

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	// ApplyState feeds inbound JSON into the Store's StreamingState. Only
	// the primary live stream does this.
	ApplyState bool
}

func (o *Options) defaults() {
	if o.FrameInterval <= 0 {
		o.FrameInterval = 100 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 15 * time.Second
	}
	if o.EventActionTTL <= 0 {
		o.EventActionTTL = 3 * time.Second
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = 80
	}
}

// Stats counts frame traffic.
type Stats struct {
	FramesSent    uint64        `json:"frames_sent"`
	FramesDropped uint64        `json:"frames_dropped"`
	FrameErrors   uint64        `json:"frame_errors"`
	Quality       state.Quality `json:"quality"`
	LastPong      time.Time     `json:"last_pong,omitempty"`
}

// Streamer is the frame pump plus heartbeat for one socket.
type Streamer struct {
	opts  Options
	clock clock.Clock
	store *state.Store
	log   *slog.Logger
	ch    *transport.Channel

	mu          sync.Mutex
	running     bool
	run         uint64
	sink        FrameSource
	pumpTimer   clock.Timer
	beatTimer   clock.Timer
	actionTimer clock.Timer
	lastPong    time.Time
	quality     state.Quality
	stats       Stats
}

// New creates a stopped Streamer.
func New(opts Options, dialer transport.Dialer, clk clock.Clock, store *state.Store, log *slog.Logger) *Streamer {
	opts.defaults()
	s := &Streamer{
		opts:    opts,
		clock:   clk,
		store:   store,
		log:     log.With("stream", opts.Name),
		quality: state.QualityUnknown,
	}
	s.ch = transport.NewChannel(transport.Options{
		Name:        opts.Name,
		URL:         opts.URL,
		BaseDelay:   opts.ReconnectBase,
		MaxDelay:    opts.ReconnectMax,
		MaxAttempts: opts.MaxReconnectAttempts,
	}, dialer, clk, store, transport.Handler{
		OnOpen:    s.onOpen,
		OnMessage: s.onMessage,
		OnGiveUp:  s.onGiveUp,
	}, log)
	return s
}

// Start connects and begins pumping frames. A non-nil sink replaces the
// attached source; nil keeps whatever Attach installed. Starting a running
// Streamer only swaps the sink. A failed first connection is returned;
// reconnection continues in the background.
func (s *Streamer) Start(ctx context.Context, sink FrameSource) error {
	s.mu.Lock()
	if sink != nil {
		s.sink = sink
	}
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.run++
	run := s.run
	s.stats = Stats{}
	s.mu.Unlock()

	s.log.Info("starting stream", "url", s.opts.URL)
	s.schedulePump(run)
	s.scheduleHeartbeat(run)

	if err := s.ch.Connect(ctx); err != nil {
		return fmt.Errorf("stream: start %s: %w", s.opts.Name, err)
	}
	return nil
}

// Attach replaces the frame source. nil detaches it.
func (s *Streamer) Attach(sink FrameSource) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Stop halts the pump, cancels every timer and closes the socket cleanly.
// Reconnection is disabled. It is safe to call repeatedly.
func (s *Streamer) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.run++
	s.sink = nil
	for _, t := range []clock.Timer{s.pumpTimer, s.beatTimer, s.actionTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.pumpTimer, s.beatTimer, s.actionTimer = nil, nil, nil
	s.quality = state.QualityUnknown
	s.mu.Unlock()

	s.ch.Disconnect()
	if wasRunning {
		s.log.Info("stream stopped")
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Quality returns the advisory link quality.
func (s *Streamer) Quality() state.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality
}

// Stats returns frame counters.
func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Quality = s.quality
	st.LastPong = s.lastPong
	return st
}

// Channel exposes the connection snapshot.
func (s *Streamer) Channel() transport.Snapshot { return s.ch.Snapshot() }

// --- frame pump ---

// Each Start begins a new run. Ticks carry the run that armed them and only
// re-arm while it is current, so a Stop and Start inside a tick cannot leave
// two loops going.

func (s *Streamer) schedulePump(run uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.run == run {
		s.pumpTimer = s.clock.AfterFunc(s.opts.FrameInterval, func() { s.pumpTick(run) })
	}
}

func (s *Streamer) pumpTick(run uint64) {
	defer s.schedulePump(run)
	defer s.recoverTick("frame")

	s.mu.Lock()
	sink := s.sink
	running := s.running && s.run == run
	s.mu.Unlock()
	if !running || sink == nil || !sink.Playing() {
		return
	}
	if !s.ch.Open() {
		s.count(func(st *Stats) { st.FramesDropped++ })
		return
	}

	img, err := sink.Frame()
	if err != nil {
		s.log.Debug("frame read failed", "error", err)
		s.count(func(st *Stats) { st.FrameErrors++ })
		return
	}
	data, err := media.EncodeJPEG(img, s.opts.JPEGQuality)
	if err != nil {
		s.log.Debug("frame encode failed", "error", err)
		s.count(func(st *Stats) { st.FrameErrors++ })
		return
	}
	if err := s.ch.Send(transport.BinaryMessage, data); err != nil {
		s.count(func(st *Stats) { st.FramesDropped++ })
		return
	}
	s.count(func(st *Stats) { st.FramesSent++ })
}

func (s *Streamer) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// --- heartbeat ---

type ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Streamer) scheduleHeartbeat(run uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.run == run {
		s.beatTimer = s.clock.AfterFunc(s.opts.HeartbeatInterval, func() { s.heartbeatTick(run) })
	}
}

func (s *Streamer) heartbeatTick(run uint64) {
	defer s.scheduleHeartbeat(run)
	defer s.recoverTick("heartbeat")

	if !s.ch.Open() {
		return
	}
	now := s.clock.Now()
	if err := s.ch.SendJSON(ping{Type: "ping", Timestamp: now.UnixMilli()}); err != nil {
		s.log.Debug("ping failed", "error", err)
	}

	s.mu.Lock()
	stale := now.Sub(s.lastPong) > s.opts.PongTimeout
	s.mu.Unlock()
	if stale {
		s.setQuality(state.QualityPoor)
	}
}

func (s *Streamer) setQuality(q state.Quality) {
	s.mu.Lock()
	changed := s.quality != q
	s.quality = q
	s.mu.Unlock()
	if changed {
		s.log.Info("link quality changed", "quality", q)
		if s.store != nil {
			s.store.SetQuality(s.opts.Name, q)
		}
	}
}

// --- inbound ---

func (s *Streamer) onOpen(string) {
	s.mu.Lock()
	s.lastPong = s.clock.Now()
	s.mu.Unlock()
}

type envelope struct {
	Type string `json:"type"`
}

func (s *Streamer) onMessage(kind transport.MessageKind, data []byte) {
	if kind != transport.TextMessage {
		return
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		s.log.Debug("ignoring non-JSON message", "bytes", len(data))
		return
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		s.log.Debug("ignoring malformed message", "error", err)
		return
	}
	if env.Type == "pong" {
		s.mu.Lock()
		s.lastPong = s.clock.Now()
		s.mu.Unlock()
		s.setQuality(state.QualityGood)
		return
	}
	if !s.opts.ApplyState || s.store == nil {
		return
	}

	delta, err := s.store.ApplyStreamingDelta(trimmed)
	if err != nil {
		s.log.Debug("ignoring state message", "error", err)
		return
	}
	if delta.BeeStatusChanged {
		s.log.Info("bee status changed", "from", delta.PreviousStatus, "to", delta.CurrentStatus)
	}
	if delta.EventActionSet {
		s.armEventActionClear()
	}
}

// armEventActionClear restarts the display window of the current event
// action. Later messages without an event_action do not extend it.
func (s *Streamer) armEventActionClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actionTimer != nil {
		s.actionTimer.Stop()
	}
	s.actionTimer = s.clock.AfterFunc(s.opts.EventActionTTL, func() {
		defer s.recoverTick("event action")
		s.mu.Lock()
		s.actionTimer = nil
		s.mu.Unlock()
		s.store.ClearEventAction()
	})
}

func (s *Streamer) onGiveUp(attempts int) {
	s.setQuality(state.QualityUnknown)
	if s.store == nil {
		return
	}
	s.store.Bus().Publish(state.Event{Type: state.EventStreamingError, Data: state.StreamingError{
		Channel:  s.opts.Name,
		Kind:     string(media.KindConnectionLost),
		Attempts: attempts,
		Message:  fmt.Sprintf("gave up after %d reconnect attempts", attempts),
	}})
}

func (s *Streamer) recoverTick(what string) {
	if r := recover(); r != nil {
		s.log.Error("stream tick panicked", "tick", what, "panic", r)
	}
}
