// Package protocol defines the WebSocket messages exchanged with the speech
// backend. Audio travels as raw binary frames; everything else is a JSON text
// frame described here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the type of a JSON text frame.
type MessageType string

const (
	TypeEvent     MessageType = "event"     // Lifecycle event, see EventName
	TypeTextDelta MessageType = "textDelta" // Incremental response text
	TypeError     MessageType = "error"     // Backend-reported error
)

// EventName identifies a lifecycle event carried by a TypeEvent message.
type EventName string

const (
	EventAIConnected     EventName = "AIConnected"     // Backend session is ready
	EventAIResponseStart EventName = "AIResponseStart" // A new turn begins
	EventAIResponseEnd   EventName = "AIResponseEnd"   // The turn is complete
)

var (
	// ErrMalformed indicates the frame is not valid JSON.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType indicates a well-formed frame with an unrecognised type.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Message is a JSON text frame. Only the fields relevant to Type are set.
type Message struct {
	Type      MessageType `json:"type"`
	Name      EventName   `json:"name,omitempty"`
	FinalText string      `json:"finalText,omitempty"`
	Text      string      `json:"text,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// NewEvent creates a lifecycle event message.
func NewEvent(name EventName) *Message {
	return &Message{Type: TypeEvent, Name: name}
}

// NewResponseEnd creates an AIResponseEnd event carrying the final transcript.
func NewResponseEnd(finalText string) *Message {
	return &Message{Type: TypeEvent, Name: EventAIResponseEnd, FinalText: finalText}
}

// NewTextDelta creates a text delta message.
func NewTextDelta(text string) *Message {
	return &Message{Type: TypeTextDelta, Text: text}
}

// NewError creates an error message.
func NewError(message string) *Message {
	return &Message{Type: TypeError, Message: message}
}

// Is reports whether the message is the given lifecycle event.
func (m *Message) Is(name EventName) bool {
	return m.Type == TypeEvent && m.Name == name
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// String returns a short description for logs.
func (m *Message) String() string {
	switch m.Type {
	case TypeEvent:
		return fmt.Sprintf("event(%s)", m.Name)
	case TypeTextDelta:
		return fmt.Sprintf("textDelta(%d chars)", len(m.Text))
	case TypeError:
		return fmt.Sprintf("error(%s)", m.Message)
	default:
		return string(m.Type)
	}
}

// ParseMessage parses a JSON text frame. Unknown event names are accepted and
// left for the caller to ignore; unknown message types are rejected.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case TypeEvent, TypeTextDelta, TypeError:
		return &msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}
