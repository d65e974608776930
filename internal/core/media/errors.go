package media

import (
	"errors"
	"fmt"
)

// Kind classifies capture and transport failures.
type Kind string

const (
	KindUnknown                 Kind = "unknown"
	KindCapabilityUnavailable   Kind = "capability_unavailable"
	KindPermissionDenied        Kind = "permission_denied"
	KindDeviceUnreadable        Kind = "device_unreadable"
	KindDeviceNotFound          Kind = "device_not_found"
	KindConstraintUnsatisfiable Kind = "constraint_unsatisfiable"
	KindConnectionLost          Kind = "connection_lost"
	KindProtocol                Kind = "protocol_error"
)

// Sentinel errors returned by platforms. Wrap them with %w so KindOf can
// classify the result.
var (
	ErrCapabilityUnavailable   = errors.New("media: capture capability unavailable")
	ErrPermissionDenied        = errors.New("media: permission denied")
	ErrDeviceUnreadable        = errors.New("media: device unreadable")
	ErrDeviceNotFound          = errors.New("media: device not found")
	ErrConstraintUnsatisfiable = errors.New("media: constraints unsatisfiable")
)

// KindOf returns the Kind of err, looking through wrapping.
func KindOf(err error) Kind {
	var me *Error
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &me):
		return me.Kind
	case errors.Is(err, ErrCapabilityUnavailable):
		return KindCapabilityUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrDeviceUnreadable):
		return KindDeviceUnreadable
	case errors.Is(err, ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, ErrConstraintUnsatisfiable):
		return KindConstraintUnsatisfiable
	}
	return KindUnknown
}

// Error is the structured failure handed to consumers instead of raw
// platform errors.
type Error struct {
	Kind     Kind     `json:"kind"`
	DeviceID string   `json:"device_id,omitempty"`
	Message  string   `json:"message"`
	Attempts int      `json:"attempts"`
	CanRetry bool     `json:"can_retry"`
	Remedies []string `json:"remedies,omitempty"`

	Err error `json:"-"`
}

// NewError builds an Error for a failure on deviceID after attempts
// automatic retries.
func NewError(err error, deviceID string, attempts, maxRetries int) *Error {
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindDeviceUnreadable
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Kind:     kind,
		DeviceID: deviceID,
		Message:  msg,
		Attempts: attempts,
		CanRetry: canRetry(kind, attempts, maxRetries),
		Remedies: Remedies(kind),
		Err:      err,
	}
}

func (e *Error) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s (device %s): %s", e.Kind, e.DeviceID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func canRetry(kind Kind, attempts, maxRetries int) bool {
	switch kind {
	case KindCapabilityUnavailable, KindProtocol:
		return false
	case KindDeviceUnreadable:
		return attempts < maxRetries
	default:
		// permission, not-found and constraint failures need a user action
		// or a device list change, after which a retry is sensible.
		return true
	}
}

// Remedies lists suggestions shown to the operator for kind.
func Remedies(kind Kind) []string {
	switch kind {
	case KindCapabilityUnavailable:
		return []string{"install a camera driver", "run on a host with video capture support"}
	case KindPermissionDenied:
		return []string{"grant camera access to the process", "check video group membership"}
	case KindDeviceUnreadable:
		return []string{"close other applications using the camera", "unplug and reconnect the camera", "select a different camera"}
	case KindDeviceNotFound:
		return []string{"reconnect the camera", "refresh the device list"}
	case KindConstraintUnsatisfiable:
		return []string{"lower the requested resolution or frame rate"}
	case KindConnectionLost:
		return []string{"check network connectivity to the backend"}
	}
	return nil
}
