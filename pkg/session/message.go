package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAI     Sender = "ai"
	SenderSystem Sender = "system"
)

// Placeholder texts.
const (
	AudioOnlyText    = "[Audio only]"
	VoiceMessageText = "[Voice message]"
)

// Message is one entry of the conversation log. Messages are never modified
// after they are appended.
type Message struct {
	ID         string    `json:"id"`
	Sender     Sender    `json:"sender"`
	Text       string    `json:"text,omitempty"`
	Audio      []byte    `json:"-"`
	AudioBytes int       `json:"audio_bytes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(sender Sender, text string, audio []byte, ts time.Time) Message {
	return Message{
		ID:         uuid.NewString(),
		Sender:     sender,
		Text:       text,
		Audio:      audio,
		AudioBytes: len(audio),
		Timestamp:  ts,
	}
}

// MessageLog is an append-only, chronologically ordered message list.
type MessageLog struct {
	mu   sync.RWMutex
	msgs []Message
}

// Append adds a message at the end of the log.
func (l *MessageLog) Append(m Message) {
	l.mu.Lock()
	l.msgs = append(l.msgs, m)
	l.mu.Unlock()
}

// All returns a copy of the log in insertion order.
func (l *MessageLog) All() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Last returns the most recent message.
func (l *MessageLog) Last() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.msgs) == 0 {
		return Message{}, false
	}
	return l.msgs[len(l.msgs)-1], true
}

// clear starts a new connection session.
func (l *MessageLog) clear() {
	l.mu.Lock()
	l.msgs = nil
	l.mu.Unlock()
}
