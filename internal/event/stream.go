package event

import (
	"sync"
)

// Envelope wraps an Event with the conversation and turn that produced it.
// Events from different turns may interleave on a stream, but within one turn
// they are delivered in publish order.
type Envelope struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	Event          Event  `json:"event"`
}

// Stream is the push-based fan-out point between orchestrators and
// front-ends. Each subscriber gets its own bounded buffer; when a buffer is
// full, droppable events are discarded for that subscriber while control
// events block the publisher until there is room.
type Stream struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch   chan Envelope
	done chan struct{}
	once sync.Once

	// sendMu serializes deliveries against channel closure so an
	// unsubscribe never closes ch under a blocked send.
	sendMu  sync.Mutex
	dropped int
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]*subscriber)}
}

// Subscribe registers a consumer with the given buffer size and returns its
// channel plus an unsubscribe function. The unsubscribe function is safe to
// call more than once. A buffer of zero or less gets a small default.
func (s *Stream) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{
		ch:   make(chan Envelope, buffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		sub.close()
		s.mu.Lock()
		removed := false
		if cur, ok := s.subs[id]; ok && cur == sub {
			delete(s.subs, id)
			removed = true
		}
		s.mu.Unlock()
		if removed {
			// Wait out any delivery in flight before closing the channel.
			sub.sendMu.Lock()
			close(sub.ch)
			sub.sendMu.Unlock()
		}
	}
	return sub.ch, cancel
}

// Publish delivers an envelope to every live subscriber, preserving the
// order of calls for each of them.
func (s *Stream) Publish(env Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	for _, sub := range targets {
		s.deliver(sub, env)
	}
}

func (s *Stream) deliver(sub *subscriber, env Envelope) {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()

	select {
	case <-sub.done:
		return
	default:
	}

	if env.Event.Droppable() {
		select {
		case sub.ch <- env:
		case <-sub.done:
		default:
			sub.dropped++
		}
		return
	}
	// Control events apply backpressure instead of dropping.
	select {
	case sub.ch <- env:
	case <-sub.done:
	}
}

// Close terminates the stream. Subscriber channels are closed after any
// buffered events drain out of them.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		sub.close()
		sub.sendMu.Lock()
		close(sub.ch)
		sub.sendMu.Unlock()
		delete(s.subs, id)
	}
}

// SubscriberCount returns the number of live subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
