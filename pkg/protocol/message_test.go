package protocol

import (
	"errors"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Message
		wantErr error
	}{
		{
			name:  "ai connected",
			input: `{"type":"event","name":"AIConnected"}`,
			want:  Message{Type: TypeEvent, Name: EventAIConnected},
		},
		{
			name:  "response start",
			input: `{"type":"event","name":"AIResponseStart"}`,
			want:  Message{Type: TypeEvent, Name: EventAIResponseStart},
		},
		{
			name:  "response end with text",
			input: `{"type":"event","name":"AIResponseEnd","finalText":"hello"}`,
			want:  Message{Type: TypeEvent, Name: EventAIResponseEnd, FinalText: "hello"},
		},
		{
			name:  "response end without text",
			input: `{"type":"event","name":"AIResponseEnd"}`,
			want:  Message{Type: TypeEvent, Name: EventAIResponseEnd},
		},
		{
			name:  "text delta",
			input: `{"type":"textDelta","text":"hel"}`,
			want:  Message{Type: TypeTextDelta, Text: "hel"},
		},
		{
			name:  "error",
			input: `{"type":"error","message":"quota exceeded"}`,
			want:  Message{Type: TypeError, Message: "quota exceeded"},
		},
		{
			name:  "unknown event kept",
			input: `{"type":"event","name":"AIThinking"}`,
			want:  Message{Type: TypeEvent, Name: "AIThinking"},
		},
		{
			name:    "not json",
			input:   `AIConnected`,
			wantErr: ErrMalformed,
		},
		{
			name:    "missing type",
			input:   `{"name":"AIConnected"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "unknown type",
			input:   `{"type":"audio"}`,
			wantErr: ErrUnknownType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseMessage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMessage() error = %v", err)
			}
			if *msg != tt.want {
				t.Errorf("ParseMessage() = %+v, want %+v", *msg, tt.want)
			}
		})
	}
}

func TestConstructorsEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want string
	}{
		{"event", NewEvent(EventAIConnected), `{"type":"event","name":"AIConnected"}`},
		{"response end", NewResponseEnd("hi"), `{"type":"event","name":"AIResponseEnd","finalText":"hi"}`},
		{"response end empty", NewResponseEnd(""), `{"type":"event","name":"AIResponseEnd"}`},
		{"text delta", NewTextDelta("abc"), `{"type":"textDelta","text":"abc"}`},
		{"error", NewError("boom"), `{"type":"error","message":"boom"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.msg.Bytes()
			if err != nil {
				t.Fatalf("Bytes() error = %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("Bytes() = %s, want %s", b, tt.want)
			}
		})
	}
}

func TestMessageIs(t *testing.T) {
	msg := NewEvent(EventAIResponseStart)
	if !msg.Is(EventAIResponseStart) {
		t.Error("Is(AIResponseStart) should be true")
	}
	if msg.Is(EventAIResponseEnd) {
		t.Error("Is(AIResponseEnd) should be false")
	}
	if NewTextDelta("x").Is(EventAIResponseStart) {
		t.Error("text delta should not match an event")
	}
}
