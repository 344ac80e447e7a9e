package capture

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the capture package. The device errors carry messages
// meant to be shown to the user as-is.
var (
	// ErrPermissionDenied indicates the microphone exists but access was refused.
	ErrPermissionDenied = errors.New("capture: microphone access denied, allow microphone access and try again")

	// ErrNoDevice indicates no input device is present.
	ErrNoDevice = errors.New("capture: no microphone found, connect an input device and try again")

	// ErrUnsupported indicates audio capture is not available in this build or
	// on this system.
	ErrUnsupported = errors.New("capture: audio capture is not supported on this system")

	// ErrDeviceFailed is any other input device failure.
	ErrDeviceFailed = errors.New("capture: input device failed")

	// ErrAlreadyRecording indicates Start was called during an active session.
	ErrAlreadyRecording = errors.New("capture: already recording")

	// ErrProcessing indicates a hardware tick could not be processed.
	ErrProcessing = errors.New("capture: processing failed")
)

// DeviceError describes a failure to open or run the input device.
type DeviceError struct {
	// Kind is one of ErrPermissionDenied, ErrNoDevice, ErrUnsupported or
	// ErrDeviceFailed.
	Kind error

	// Device is the backend device name, if known.
	Device string

	// Cause is the backend error.
	Cause error
}

// Error implements the error interface.
func (e *DeviceError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	if e.Device != "" {
		return fmt.Sprintf("%s (%s: %v)", e.Kind, e.Device, e.Cause)
	}
	return fmt.Sprintf("%s (%v)", e.Kind, e.Cause)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *DeviceError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// IsPermissionDenied reports whether err is a refused microphone permission.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsNoDevice reports whether err means no microphone is present.
func IsNoDevice(err error) bool {
	return errors.Is(err, ErrNoDevice)
}

// IsUnsupported reports whether err means capture is unavailable.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// classify maps a backend error to a DeviceError. Backends report these
// conditions as text, so the mapping is by message.
func classify(device string, err error) error {
	if err == nil {
		return nil
	}

	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	for _, kind := range []error{ErrPermissionDenied, ErrNoDevice, ErrUnsupported, ErrDeviceFailed} {
		if errors.Is(err, kind) {
			return &DeviceError{Kind: kind, Device: device, Cause: err}
		}
	}

	msg := strings.ToLower(err.Error())
	kind := ErrDeviceFailed
	switch {
	case containsAny(msg, "permission", "access denied", "not authorized", "not permitted"):
		kind = ErrPermissionDenied
	case containsAny(msg, "no device", "device not found", "does not exist", "no such", "no input"):
		kind = ErrNoDevice
	case containsAny(msg, "no backend", "not supported", "not implemented", "unsupported"):
		kind = ErrUnsupported
	}
	return &DeviceError{Kind: kind, Device: device, Cause: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
