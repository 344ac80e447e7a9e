//go:build !cgo

package capture

const nativeAvailable = false

// NewMalgoInput returns ErrUnsupported when built without cgo.
func NewMalgoInput(cfg Config) (Input, error) {
	return nil, &DeviceError{Kind: ErrUnsupported, Device: "malgo"}
}
