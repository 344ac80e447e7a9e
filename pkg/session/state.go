package session

import "fmt"

// State is the externally visible session state.
type State int

const (
	StateIdle       State = iota // no connection
	StateConnecting              // handshake in progress
	StateConnected               // transport open, AI not ready yet
	StateReady                   // AI ready, nothing active
	StateListening               // capturing the microphone
	StateThinking                // response started, no audio playing
	StateSpeaking                // playing a response
	StateErrored                 // connection lost; sticky until reconnect
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// online reports whether the transport is open in this state.
func (s State) online() bool {
	switch s {
	case StateConnected, StateReady, StateListening, StateThinking, StateSpeaking:
		return true
	default:
		return false
	}
}
