//go:build !cgo

package device

// nativeAvailable reports whether the speaker backend was compiled in.
const nativeAvailable = false

// NewSpeaker returns ErrUnsupported when built without cgo.
func NewSpeaker(cfg Config) (OutputContext, error) {
	return nil, ErrUnsupported
}
