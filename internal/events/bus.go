package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventDecision        EventType = "decision"
	EventDirectiveChange EventType = "directive_change"
	EventRegression      EventType = "regression"
	EventCycleCompleted  EventType = "cycle_completed"
	EventCycleFailed     EventType = "cycle_failed"
	EventConfigReloaded  EventType = "config_reloaded"
	EventFreezeChange    EventType = "freeze_change"
)

// Event is a single event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Decision fields.
	ContentID string  `json:"content_id,omitempty"`
	Provider  string  `json:"provider,omitempty"`
	Variant   string  `json:"variant,omitempty"`
	Bucket    string  `json:"bucket,omitempty"`
	Throttle  string  `json:"throttle,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	CostEUR   float64 `json:"cost_eur,omitempty"`

	// Directive and freeze transitions.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// Regression fields.
	EffectSize float64 `json:"effect_size,omitempty"`
	PValue     float64 `json:"p_value,omitempty"`

	// Learning-cycle fields.
	Samples  int     `json:"samples,omitempty"`
	Duration float64 `json:"duration_seconds,omitempty"`
	ErrorMsg string  `json:"error_msg,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
