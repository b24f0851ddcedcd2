package stream

import (
	"context"
	"sync"
	"time"
)

// GrantEvent describes a completed verification for live consumers
// (SSE clients, dashboards).
type GrantEvent struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	ClaimantID   string    `json:"claimant_id"`
	Entitlements []string  `json:"entitlements"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stream fan-outs grant events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan GrantEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan GrantEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan GrantEvent {
	ch := make(chan GrantEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt GrantEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
