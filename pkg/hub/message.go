// Package hub fans session updates out to dashboard WebSocket clients using
// a single goroutine that owns the client set.
package hub

import "encoding/json"

// Event is one update pushed to clients. On the wire it is a JSON text frame
// of the form {"type": "...", "data": ...}.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent encodes v as the payload of an event of the given type.
func NewEvent(typ string, v any) (Event, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Data: data}, nil
}

func (e Event) frame() []byte {
	b, _ := json.Marshal(e)
	return b
}
