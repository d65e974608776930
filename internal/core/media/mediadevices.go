package media

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the host camera driver
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
)

// DevicePlatform captures from local cameras through pion/mediadevices.
type DevicePlatform struct {
	log *slog.Logger

	// mediadevices drivers are not safe to open concurrently.
	openMu sync.Mutex
}

var _ Platform = (*DevicePlatform)(nil)

// NewDevicePlatform creates the mediadevices-backed platform.
func NewDevicePlatform(log *slog.Logger) *DevicePlatform {
	return &DevicePlatform{log: log}
}

// Available is true once the camera driver package is linked in.
func (p *DevicePlatform) Available() bool { return true }

// Devices returns every video input mediadevices knows about.
func (p *DevicePlatform) Devices(_ context.Context) ([]Device, error) {
	var out []Device
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		out = append(out, Device{ID: info.DeviceID, Label: info.Label})
	}
	return out, nil
}

// Open acquires the camera named by c.DeviceID (any camera if empty).
func (p *DevicePlatform) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.openMu.Lock()
	defer p.openMu.Unlock()

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(tc *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				tc.DeviceID = prop.StringExact(c.DeviceID)
			}
			switch {
			case c.Exact && c.Width > 0:
				tc.Width = prop.IntExact(c.Width)
				tc.Height = prop.IntExact(c.Height)
			case c.Width > 0:
				tc.Width = prop.Int(c.Width)
				tc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				if c.Exact {
					tc.FrameRate = prop.FloatExact(float32(c.FrameRate))
				} else {
					tc.FrameRate = prop.Float(float32(c.FrameRate))
				}
			}
		},
	})
	if err != nil {
		return nil, p.classify(c, err)
	}

	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("media: open %q: no video track: %w", c.DeviceID, ErrDeviceUnreadable)
	}
	vt, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		closeTracks(ms)
		return nil, fmt.Errorf("media: open %q: unexpected track type %T: %w", c.DeviceID, tracks[0], ErrDeviceUnreadable)
	}

	deviceID := c.DeviceID
	if deviceID == "" {
		deviceID = vt.ID()
	}
	p.log.Info("camera opened", "device_id", deviceID, "width", c.Width, "height", c.Height)

	capture := &trackCapture{stream: ms, reader: vt.NewReader(true)}
	return NewStream(deviceID, capture, func() {
		p.log.Info("camera released", "device_id", deviceID)
	}), nil
}

// classify maps mediadevices' untyped errors onto the capture taxonomy.
func (p *DevicePlatform) classify(c Constraints, err error) error {
	msg := strings.ToLower(err.Error())
	var kind error
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"), strings.Contains(msg, "not permitted"):
		kind = ErrPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		kind = ErrDeviceUnreadable
	case strings.Contains(msg, "fits the constraints") && c.Width > 0:
		kind = ErrConstraintUnsatisfiable
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"), strings.Contains(msg, "fits the constraints"):
		kind = ErrDeviceNotFound
	default:
		kind = ErrDeviceUnreadable
	}
	return fmt.Errorf("media: open %q: %w: %v", c.DeviceID, kind, err)
}

type trackCapture struct {
	stream mediadevices.MediaStream
	reader video.Reader
}

func (t *trackCapture) Read() (image.Image, error) {
	img, release, err := t.reader.Read()
	if err != nil {
		return nil, fmt.Errorf("media: read frame: %w", err)
	}
	// The reader was created with frame copying, so img outlives release.
	release()
	return img, nil
}

func (t *trackCapture) Close() error {
	closeTracks(t.stream)
	return nil
}

func closeTracks(ms mediadevices.MediaStream) {
	for _, track := range ms.GetTracks() {
		_ = track.Close()
	}
}
