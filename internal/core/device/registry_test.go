package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"reflect"
	"testing"

	"github.com/trymwestin/beewatch/internal/core/media"
	"github.com/trymwestin/beewatch/internal/core/media/mediatest"
	"github.com/trymwestin/beewatch/internal/core/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(p media.Platform) (*Registry, <-chan state.Event) {
	bus := state.NewEventBus(testLogger())
	ch, _ := bus.Subscribe(64)
	return NewRegistry(p, bus, testLogger()), ch
}

func TestDedupScenario(t *testing.T) {
	raw := []media.Device{
		{Label: "OBS Virtual Camera", GroupID: "g1"},
		{Label: "Logi C920", GroupID: "g2"},
		{Label: "Logi C920", GroupID: "g2"},
	}
	got := Dedup(raw, testLogger())

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[0].Label != "Logi C920" || got[0].Priority != PriorityPrimary {
		t.Errorf("got[0] = %+v, want Logi C920 primary", got[0])
	}
	if got[1].Label != "OBS Virtual Camera" || got[1].Priority != PriorityFallback {
		t.Errorf("got[1] = %+v, want OBS Virtual Camera fallback", got[1])
	}
}

func TestDedupLaterPrimariesRankFirst(t *testing.T) {
	raw := []media.Device{
		{ID: "aaaa-0001", Label: "Built-in"},
		{ID: "vvvv-0001", Label: "ManyCam Virtual"},
		{ID: "bbbb-0002", Label: "USB Hive Cam"},
		{ID: "vvvv-0002", Label: "Snap Camera"},
	}
	got := Dedup(raw, nil)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	want := []string{"bbbb-0002", "aaaa-0001", "vvvv-0001", "vvvv-0002"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
}

func TestIdentityKeyPrecedence(t *testing.T) {
	testCases := []struct {
		name string
		dev  media.Device
		want string
	}{
		{"group wins", media.Device{ID: "0123456789abcdef", Label: "Cam", GroupID: "g"}, "cam|g:g"},
		{"device suffix", media.Device{ID: "0123456789abcdef", Label: "Cam"}, "cam|d:89abcdef"},
		{"short id", media.Device{ID: "abc", Label: "Cam"}, "cam|d:abc"},
		{"label only", media.Device{Label: "Cam"}, "cam"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IdentityKey(tc.dev); got != tc.want {
				t.Errorf("IdentityKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIsVirtual(t *testing.T) {
	for label, want := range map[string]bool{
		"OBS Virtual Camera":  true,
		"obs-camera":          true,
		"Snap Camera":         true,
		"Lobster Cam":         false,
		"Logitech BRIO":       false,
		"Dummy video device":  true,
		"Integrated Camera":   false,
		"NVIDIA Broadcast":    true,
		"v4l2loopback device": true,
	} {
		if got := IsVirtual(label); got != want {
			t.Errorf("IsVirtual(%q) = %v, want %v", label, got, want)
		}
	}
}

func randomDevices(r *rand.Rand, n int) []media.Device {
	labels := []string{"Logi C920", "OBS Virtual Camera", "Hive Cam", "", "FaceTime HD"}
	groups := []string{"", "g1", "g2"}
	out := make([]media.Device, n)
	for i := range out {
		out[i] = media.Device{
			ID:      fmt.Sprintf("dev-%08d", r.Intn(6)),
			Label:   labels[r.Intn(len(labels))],
			GroupID: groups[r.Intn(len(groups))],
		}
	}
	return out
}

func TestDedupProperties(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		raw := randomDevices(r, r.Intn(12))

		first := Dedup(raw, nil)
		second := Dedup(raw, nil)
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("non-deterministic output for %+v", raw)
		}

		keys := map[string]bool{}
		seenFallback := false
		for _, c := range first {
			k := IdentityKey(c.Device)
			if keys[k] {
				t.Fatalf("duplicate key %q in %+v", k, first)
			}
			keys[k] = true
			if c.Priority == PriorityFallback {
				seenFallback = true
			} else if seenFallback {
				t.Fatalf("primary after fallback in %+v", first)
			}
		}
	}
}

func TestEnumerateCapabilityUnavailable(t *testing.T) {
	p := mediatest.New()
	p.Unavailable = true
	reg, events := newRegistry(p)

	cams, err := reg.Enumerate(context.Background(), true, false)
	if !errors.Is(err, media.ErrCapabilityUnavailable) {
		t.Fatalf("err = %v, want capability unavailable", err)
	}
	if len(cams) != 0 {
		t.Fatalf("cams = %v", cams)
	}
	if e := <-events; e.Type != state.EventCapabilityUnavailable {
		t.Fatalf("event = %s", e.Type)
	}
}

func TestEnumerateProbesOnceWhenLabelsMissing(t *testing.T) {
	p := mediatest.New(media.Device{ID: "cam-1"}, media.Device{ID: "cam-2"})
	p.UnlockLabels(media.Device{ID: "cam-1", Label: "Hive Cam"}, media.Device{ID: "cam-2", Label: "Logi C920"})
	reg, _ := newRegistry(p)

	cams, err := reg.Enumerate(context.Background(), false, false)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(p.Opens()) != 1 {
		t.Fatalf("probe opens = %d, want 1", len(p.Opens()))
	}
	for _, c := range cams {
		if c.Label == "" {
			t.Errorf("label not recovered for %s", c.ID)
		}
	}
	if p.OpenHandles("") != 0 {
		t.Error("probe capture left open")
	}
}

func TestEnumeratePermissionFailureIsNotFatal(t *testing.T) {
	p := mediatest.New(media.Device{ID: "cam-1", Label: "Hive Cam"})
	p.DenyPermission(media.ErrPermissionDenied)
	reg, _ := newRegistry(p)

	cams, err := reg.Enumerate(context.Background(), true, false)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(cams) != 1 {
		t.Fatalf("cams = %v", cams)
	}
}

func TestEnumerateSelections(t *testing.T) {
	p := mediatest.New(
		media.Device{ID: "cam-a", Label: "Hive Cam A"},
		media.Device{ID: "cam-b", Label: "Hive Cam B"},
	)
	reg, _ := newRegistry(p)
	ctx := context.Background()

	if _, err := reg.Enumerate(ctx, false, false); err != nil {
		t.Fatal(err)
	}
	sel := reg.Selection()
	if sel.Internal != "cam-b" || sel.External != "cam-a" {
		t.Fatalf("default selection = %+v", sel)
	}

	if err := reg.Select(state.RoleInternal, "cam-a"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Select(state.RoleExternal, "cam-b"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Select(state.RoleExternal, "missing"); !errors.Is(err, media.ErrDeviceNotFound) {
		t.Fatalf("Select unknown: %v", err)
	}

	if _, err := reg.Enumerate(ctx, false, true); err != nil {
		t.Fatal(err)
	}
	if sel := reg.Selection(); sel.Internal != "cam-a" || sel.External != "cam-b" {
		t.Fatalf("preserved selection = %+v", sel)
	}

	p.SetDevices(media.Device{ID: "cam-c", Label: "Hive Cam C"}, media.Device{ID: "cam-a", Label: "Hive Cam A"})
	if _, err := reg.Enumerate(ctx, false, true); err != nil {
		t.Fatal(err)
	}
	if sel := reg.Selection(); sel.Internal != "cam-a" || sel.External != "cam-c" {
		t.Fatalf("selection after unplug = %+v", sel)
	}

	if alts := reg.Alternatives("cam-a"); len(alts) != 1 || alts[0].ID != "cam-c" {
		t.Fatalf("Alternatives = %+v", alts)
	}
}
