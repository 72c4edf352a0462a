package service

import (
	"sync"
	"time"
)

// EventType names a state change published to bridge observers.
type EventType string

const (
	EventTimer       EventType = "timer"
	EventAttempt     EventType = "attempt"
	EventQuestion    EventType = "question"
	EventConnection  EventType = "connection"
	EventNetwork     EventType = "network"
	EventSync        EventType = "sync"
	EventCapture     EventType = "capture"
	EventViolation   EventType = "violation"
	EventUpload      EventType = "upload"
	EventAttemptDone EventType = "attempt_done"
	// EventCaptureCommand carries capture.Command requests to the shell.
	EventCaptureCommand EventType = "capture_command"
	// EventSnapshot is sent once when an observer connects.
	EventSnapshot EventType = "snapshot"
)

// Event is one published state change.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// EventHub fans events out to subscribers. Slow subscribers lose events
// rather than stall the publisher.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	buffer int
}

// NewEventHub creates a hub whose subscriber channels hold buffer events.
func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = 32
	}
	return &EventHub{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *EventHub) Publish(t EventType, data any) {
	ev := Event{Type: t, Data: data, At: time.Now()}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
