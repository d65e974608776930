// Package device enumerates local cameras and collapses the duplicate
// entries platforms report for a single physical sensor.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/state"
)

// Selection is the device chosen for each role.
type Selection struct {
	Internal string `json:"internal_camera_id"`
	External string `json:"external_camera_id"`
}

// Get returns the device selected for role.
func (s Selection) Get(role state.Role) string {
	if role == state.RoleExternal {
		return s.External
	}
	return s.Internal
}

// Registry is the process-wide camera list. Only Enumerate and Select
// write to it.
type Registry struct {
	platform media.Platform
	bus      *state.EventBus
	log      *slog.Logger

	mu        sync.RWMutex
	cameras   []Camera
	selection Selection
}

// NewRegistry creates an empty registry.
func NewRegistry(platform media.Platform, bus *state.EventBus, log *slog.Logger) *Registry {
	return &Registry{platform: platform, bus: bus, log: log}
}

// Enumerate refreshes the camera list.
//
// requestPermissions opens and immediately releases a throwaway capture so
// the platform reveals device labels. When labels come back empty without
// it, one silent probe is attempted before giving up on labels.
// preserveSelections keeps current role selections whose device is still
// present.
func (r *Registry) Enumerate(ctx context.Context, requestPermissions, preserveSelections bool) ([]Camera, error) {
	if !r.platform.Available() {
		r.log.Warn("camera enumeration unavailable on this host")
		r.bus.Publish(state.Event{Type: state.EventCapabilityUnavailable})
		return nil, fmt.Errorf("device: enumerate: %w", media.ErrCapabilityUnavailable)
	}

	if requestPermissions {
		r.probe(ctx)
	}

	raw, err := r.platform.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("device: enumerate: %w", err)
	}

	if !requestPermissions && len(raw) > 0 && labelsMissing(raw) {
		r.log.Info("camera labels withheld, probing once")
		if r.probe(ctx) {
			if again, err := r.platform.Devices(ctx); err == nil {
				raw = again
			}
		}
	}

	cams := Dedup(raw, r.log)

	r.mu.Lock()
	r.cameras = cams
	r.selection = r.reconcileLocked(preserveSelections)
	sel := r.selection
	r.mu.Unlock()

	r.log.Info("cameras enumerated", "raw", len(raw), "unique", len(cams),
		"internal", sel.Internal, "external", sel.External)
	r.bus.Publish(state.Event{Type: state.EventDevicesChanged, Data: cams})

	return copyCameras(cams), nil
}

// probe opens any camera and releases it straight away. Failure is not
// fatal; enumeration continues with whatever labels are available.
func (r *Registry) probe(ctx context.Context) bool {
	s, err := r.platform.Open(ctx, media.Constraints{})
	if err != nil {
		r.log.Warn("permission probe failed", "error", err, "kind", media.KindOf(err))
		return false
	}
	s.Stop()
	return true
}

func labelsMissing(raw []media.Device) bool {
	for _, d := range raw {
		if d.Label != "" {
			return false
		}
	}
	return true
}

func (r *Registry) reconcileLocked(preserve bool) Selection {
	var sel Selection
	if preserve {
		if r.containsLocked(r.selection.Internal) {
			sel.Internal = r.selection.Internal
		}
		if r.containsLocked(r.selection.External) {
			sel.External = r.selection.External
		}
	}
	if sel.Internal == "" && len(r.cameras) > 0 {
		for _, c := range r.cameras {
			if c.ID != sel.External {
				sel.Internal = c.ID
				break
			}
		}
	}
	if sel.External == "" {
		for _, c := range r.cameras {
			if c.ID != sel.Internal {
				sel.External = c.ID
				break
			}
		}
	}
	return sel
}

func (r *Registry) containsLocked(id string) bool {
	if id == "" {
		return false
	}
	for _, c := range r.cameras {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Cameras returns the last enumerated list.
func (r *Registry) Cameras() []Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyCameras(r.cameras)
}

// Lookup returns the camera with id.
func (r *Registry) Lookup(id string) (Camera, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.cameras {
		if c.ID == id {
			return c, true
		}
	}
	return Camera{}, false
}

// Selection returns the selected device per role.
func (r *Registry) Selection() Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selection
}

// Select records id as the device for role. Unknown ids are rejected
// unless the list has never been enumerated.
func (r *Registry) Select(role state.Role, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cameras) > 0 && !r.containsLocked(id) {
		return fmt.Errorf("device: select %s: %w", id, media.ErrDeviceNotFound)
	}
	if role == state.RoleExternal {
		r.selection.External = id
	} else {
		r.selection.Internal = id
	}
	return nil
}

// Alternatives lists cameras other than the excluded ids, in ranking
// order.
func (r *Registry) Alternatives(exclude ...string) []Camera {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Camera
next:
	for _, c := range r.cameras {
		for _, x := range exclude {
			if x != "" && c.ID == x {
				continue next
			}
		}
		out = append(out, c)
	}
	return out
}

func copyCameras(in []Camera) []Camera {
	out := make([]Camera, len(in))
	copy(out, in)
	return out
}
