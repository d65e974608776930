package device

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/trymwestin/beewatch/internal/core/media"
)

// Priority ranks a camera for default selection.
type Priority string

const (
	PriorityPrimary  Priority = "primary"
	PriorityFallback Priority = "fallback"
)

// Camera is a deduplicated physical camera.
type Camera struct {
	media.Device
	Priority Priority `json:"priority"`
}

// virtualPattern matches labels of software cameras that should never win
// default selection over real hardware.
var virtualPattern = regexp.MustCompile(`(?i)(\bobs\b|virtual|snap camera|manycam|xsplit|droidcam|epoccam|\bcamo\b|mmhmm|nvidia broadcast|v4l2loopback|dummy)`)

// IsVirtual reports whether label names a software camera.
func IsVirtual(label string) bool {
	return virtualPattern.MatchString(label)
}

// IdentityKey derives the physical identity of d. The label is combined
// with the group id when present, else with the last eight characters of
// the device id, else used alone.
func IdentityKey(d media.Device) string {
	label := strings.ToLower(strings.TrimSpace(d.Label))
	switch {
	case d.GroupID != "":
		return label + "|g:" + d.GroupID
	case d.ID != "":
		id := d.ID
		if len(id) > 8 {
			id = id[len(id)-8:]
		}
		return label + "|d:" + id
	default:
		return label
	}
}

// Dedup collapses platform duplicates. The first entry per identity key
// survives. Hardware cameras come first with later discoveries ranked
// ahead of earlier ones so a freshly plugged camera is preferred; virtual
// cameras follow in discovery order.
func Dedup(raw []media.Device, log *slog.Logger) []Camera {
	seen := make(map[string]bool, len(raw))
	var primary, fallback []Camera

	for _, d := range raw {
		key := IdentityKey(d)
		if seen[key] {
			if log != nil {
				log.Debug("dropping duplicate camera", "device_id", d.ID, "label", d.Label, "key", key)
			}
			continue
		}
		seen[key] = true

		if IsVirtual(d.Label) {
			fallback = append(fallback, Camera{Device: d, Priority: PriorityFallback})
			continue
		}
		primary = append([]Camera{{Device: d, Priority: PriorityPrimary}}, primary...)
	}

	return append(primary, fallback...)
}
