package ws

import (
	"errors"
	"sync"
)

// ErrSlowSubscriber is returned by Stream.Send when the queue is full.
var ErrSlowSubscriber = errors.New("ws: subscriber queue full")

// Stream is an in-process subscriber backed by a bounded queue. The hub
// never blocks on a Stream; one that falls behind is evicted and its
// channel closed, so a consumer never observes a gap in what it reads.
type Stream struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	evicted bool
}

// NewStream returns a stream queueing up to buffer payloads.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 1
	}
	return &Stream{ch: make(chan []byte, buffer)}
}

// Send enqueues payload without blocking.
func (s *Stream) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("ws: stream closed")
	}
	select {
	case s.ch <- payload:
		return nil
	default:
		s.evicted = true
		return ErrSlowSubscriber
	}
}

// Close closes the channel returned by C. It is safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// C returns the payload channel. It is closed when the stream ends.
func (s *Stream) C() <-chan []byte {
	return s.ch
}

// Evicted reports whether the stream ended because its queue overflowed.
func (s *Stream) Evicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}
