package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event describes a successful workflow transition of a record. The
// organizational fields let subscribers drop events outside their scope.
type Event struct {
	Action     string    `json:"action"`
	RecordID   string    `json:"record_id"`
	Kind       string    `json:"kind"`
	VehicleID  int64     `json:"vehicle_id"`
	CompanyID  int64     `json:"company_id"`
	DistrictID int64     `json:"district_id"`
	DriverID   string    `json:"-"`
	Date       string    `json:"date"`
	Status     string    `json:"status"`
	Version    int64     `json:"version"`
	ActorID    string    `json:"actor_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs record events to all active subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	buffer  int
	dropped atomic.Int64
}

// New initialises an empty stream. Each subscriber gets a buffer of the given
// size; a non-positive size defaults to 16.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, s.buffer)

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
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// not keeping up.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }
