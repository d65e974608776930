// Package mediatest provides an in-memory media.Platform for tests.
package mediatest

import (
	"context"
	"image"
	"image/color"
	"sync"

	"github.com/trymwestin/beewatch/internal/core/media"
)

// Platform is a scriptable fake. Open failures are queued per device id
// and consumed in order; once a device's queue is empty, opens succeed.
type Platform struct {
	mu sync.Mutex

	Unavailable bool
	devices     []media.Device
	// labelsAfterOpen replaces the device list after the first successful
	// open, mimicking label unlocking after permission is granted.
	labelsAfterOpen []media.Device
	failures        map[string][]error
	permissionErr   error
	gates           map[string]chan struct{}

	opens     []media.Constraints
	openCount map[string]int
	closed    map[string]int
}

var _ media.Platform = (*Platform)(nil)

// New returns a platform listing devices.
func New(devices ...media.Device) *Platform {
	return &Platform{
		devices:   devices,
		failures:  make(map[string][]error),
		gates:     make(map[string]chan struct{}),
		openCount: make(map[string]int),
		closed:    make(map[string]int),
	}
}

// SetDevices replaces the enumerated device list.
func (p *Platform) SetDevices(devices ...media.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = devices
}

// UnlockLabels makes devices the enumerated list after the first open.
func (p *Platform) UnlockLabels(devices ...media.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.labelsAfterOpen = devices
}

// FailOpen queues errs to be returned by the next opens of deviceID.
func (p *Platform) FailOpen(deviceID string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[deviceID] = append(p.failures[deviceID], errs...)
}

// DenyPermission makes device-agnostic opens fail with err.
func (p *Platform) DenyPermission(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permissionErr = err
}

// HoldOpen makes opens of deviceID block until the returned func is
// called.
func (p *Platform) HoldOpen(deviceID string) func() {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gates[deviceID] = gate
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.gates, deviceID)
			p.mu.Unlock()
			close(gate)
		})
	}
}

func (p *Platform) Available() bool { return !p.Unavailable }

func (p *Platform) Devices(context.Context) ([]media.Device, error) {
	if p.Unavailable {
		return nil, media.ErrCapabilityUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Device, len(p.devices))
	copy(out, p.devices)
	return out, nil
}

func (p *Platform) Open(ctx context.Context, c media.Constraints) (media.Stream, error) {
	if p.Unavailable {
		return nil, media.ErrCapabilityUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	gate := p.gates[c.DeviceID]
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.opens = append(p.opens, c)
	if c.DeviceID == "" && p.permissionErr != nil {
		return nil, p.permissionErr
	}
	if q := p.failures[c.DeviceID]; len(q) > 0 {
		err := q[0]
		p.failures[c.DeviceID] = q[1:]
		return nil, err
	}
	if c.DeviceID != "" && !p.knownLocked(c.DeviceID) {
		return nil, media.ErrDeviceNotFound
	}

	p.openCount[c.DeviceID]++
	if p.labelsAfterOpen != nil {
		p.devices = p.labelsAfterOpen
		p.labelsAfterOpen = nil
	}
	id := c.DeviceID
	return media.NewStream(id, &capture{}, func() {
		p.mu.Lock()
		p.closed[id]++
		p.mu.Unlock()
	}), nil
}

func (p *Platform) knownLocked(id string) bool {
	for _, d := range p.devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Opens returns every constraint set passed to Open, including failures.
func (p *Platform) Opens() []media.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Constraints, len(p.opens))
	copy(out, p.opens)
	return out
}

// OpenHandles reports how many hardware captures of deviceID are live.
func (p *Platform) OpenHandles(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCount[deviceID] - p.closed[deviceID]
}

// OpenCount reports how many times deviceID was opened successfully.
func (p *Platform) OpenCount(deviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openCount[deviceID]
}

type capture struct{}

func (capture) Read() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, G: 180, A: 255})
	}
	return img, nil
}

func (capture) Close() error { return nil }

// Source is a FrameSource that can be toggled between playing and paused.
type Source struct {
	mu      sync.Mutex
	playing bool
	reads   int
}

// NewSource returns a playing source.
func NewSource() *Source { return &Source{playing: true} }

func (s *Source) SetPlaying(v bool) {
	s.mu.Lock()
	s.playing = v
	s.mu.Unlock()
}

func (s *Source) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Source) Frame() (image.Image, error) {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
	return capture{}.Read()
}

// Reads reports how many frames were pulled.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}
