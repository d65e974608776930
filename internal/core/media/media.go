// Package media models camera devices and exclusively owned capture
// streams. A Stream is a handle onto one hardware capture; Clone hands out
// further handles onto the same capture, which stays open until every
// handle has been stopped.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Device is one platform-reported video input. Several Devices may refer
// to the same physical sensor.
type Device struct {
	ID      string `json:"device_id"`
	Label   string `json:"label"`
	GroupID string `json:"group_id,omitempty"`
}

// Constraints describe the capture mode requested from the platform.
type Constraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64
	// Exact makes the quality fields hard requirements.
	Exact bool
}

// Relaxed drops quality requirements so the platform can pick its own
// mode for the same device.
func (c Constraints) Relaxed() Constraints {
	return Constraints{DeviceID: c.DeviceID}
}

// Platform is the host's media capability.
type Platform interface {
	// Available reports whether video capture exists at all on this host.
	Available() bool
	// Devices lists video inputs. Labels may be empty until a capture has
	// been opened once.
	Devices(ctx context.Context) ([]Device, error)
	// Open acquires hardware capture. An empty DeviceID selects any device.
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Capture is the platform's raw hardware handle behind a Stream.
type Capture interface {
	Read() (image.Image, error)
	Close() error
}

// Stream is a handle onto a hardware capture.
type Stream interface {
	ID() string
	DeviceID() string
	// Playing reports whether frames can currently be read.
	Playing() bool
	Frame() (image.Image, error)
	// Clone returns an independent handle on the same capture.
	Clone() (Stream, error)
	// Stop releases this handle. It is safe to call more than once.
	Stop()
}

// ErrStreamStopped is returned when reading from a stopped handle.
var ErrStreamStopped = errors.New("media: stream stopped")

// source is the shared, refcounted hardware capture.
type source struct {
	deviceID string
	capture  Capture

	mu     sync.Mutex
	refs   int
	closed bool
	onLast func()
}

type handle struct {
	id      string
	src     *source
	stopped atomic.Bool
}

// NewStream wraps capture in the first handle. onClose, if non-nil, runs
// after the capture has been closed.
func NewStream(deviceID string, capture Capture, onClose func()) Stream {
	src := &source{deviceID: deviceID, capture: capture, refs: 1, onLast: onClose}
	return &handle{id: uuid.NewString(), src: src}
}

func (h *handle) ID() string       { return h.id }
func (h *handle) DeviceID() string { return h.src.deviceID }

func (h *handle) Playing() bool {
	if h.stopped.Load() {
		return false
	}
	h.src.mu.Lock()
	defer h.src.mu.Unlock()
	return !h.src.closed
}

func (h *handle) Frame() (image.Image, error) {
	if !h.Playing() {
		return nil, ErrStreamStopped
	}
	return h.src.capture.Read()
}

func (h *handle) Clone() (Stream, error) {
	if h.stopped.Load() {
		return nil, ErrStreamStopped
	}
	h.src.mu.Lock()
	defer h.src.mu.Unlock()
	if h.src.closed {
		return nil, ErrStreamStopped
	}
	h.src.refs++
	return &handle{id: uuid.NewString(), src: h.src}, nil
}

func (h *handle) Stop() {
	if h.stopped.Swap(true) {
		return
	}
	h.src.release()
}

func (s *source) release() {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0 && !s.closed
	if last {
		s.closed = true
	}
	s.mu.Unlock()

	if !last {
		return
	}
	_ = s.capture.Close()
	if s.onLast != nil {
		s.onLast()
	}
}

// EncodeJPEG compresses img for the wire. quality is clamped to 1..100.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	} else if quality > 100 {
		quality = 100
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("media: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// NullPlatform is used on hosts without capture support.
type NullPlatform struct{}

func (NullPlatform) Available() bool { return false }

func (NullPlatform) Devices(context.Context) ([]Device, error) {
	return nil, ErrCapabilityUnavailable
}

func (NullPlatform) Open(context.Context, Constraints) (Stream, error) {
	return nil, ErrCapabilityUnavailable
}
