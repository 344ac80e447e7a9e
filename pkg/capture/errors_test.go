package capture

import (
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"ma_device_init: Permission denied", ErrPermissionDenied},
		{"access denied", ErrPermissionDenied},
		{"application not authorized to use microphone", ErrPermissionDenied},
		{"No device found", ErrNoDevice},
		{"requested device does not exist", ErrNoDevice},
		{"no backend available", ErrUnsupported},
		{"operation not implemented", ErrUnsupported},
		{"timeout", ErrDeviceFailed},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := classify("mic0", errors.New(tt.msg))
			if !errors.Is(err, tt.want) {
				t.Errorf("classify(%q) = %v, want %v", tt.msg, err, tt.want)
			}
			if !strings.Contains(err.Error(), "mic0") {
				t.Errorf("error %q should name the device", err)
			}
		})
	}
}

func TestClassify_KeepsKnownKinds(t *testing.T) {
	de := &DeviceError{Kind: ErrNoDevice}
	if got := classify("x", de); got != error(de) {
		t.Errorf("classify should return an existing DeviceError unchanged")
	}

	wrapped := classify("x", ErrUnsupported)
	if !IsUnsupported(wrapped) {
		t.Errorf("classify(ErrUnsupported) = %v", wrapped)
	}
	if classify("x", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestDeviceError_Helpers(t *testing.T) {
	err := &DeviceError{Kind: ErrPermissionDenied, Cause: errors.New("denied")}

	if !IsPermissionDenied(err) || IsNoDevice(err) {
		t.Error("helpers disagree with Kind")
	}
	if !strings.HasPrefix(err.Error(), ErrPermissionDenied.Error()) {
		t.Errorf("Error() = %q, should lead with the user-facing message", err.Error())
	}
}
