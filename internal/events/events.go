// Package events carries download progress from the core to whatever UI is
// listening. The core only calls Sink.Emit; the CLI renders.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	LectureStarted Kind = "lecture_started"
	LectureSkipped Kind = "lecture_skipped"
	LectureDone    Kind = "lecture_done"
	StreamStarted  Kind = "stream_started"
	StreamProgress Kind = "stream_progress"
	StreamDone     Kind = "stream_done"
	Warning        Kind = "warning"
)

// Event is one progress record. Done/Total count segments; Bytes/TotalBytes
// count body bytes (TotalBytes is -1 when unknown).
type Event struct {
	Kind       Kind
	Lecture    string
	Stream     string
	Done       int
	Total      int
	Bytes      int64
	TotalBytes int64
	Status     string
	Message    string
	Err        error
	Time       time.Time
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Multi fans out to every sink in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Stream is a channel-backed Sink. Progress events are dropped when the
// buffer is full; every other kind blocks until the reader catches up.
type Stream struct {
	ch      chan Event
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{ch: make(chan Event, buffer)}
}

// Events is the receive side. It is closed by Close.
func (s *Stream) Events() <-chan Event { return s.ch }

// Dropped counts progress events lost to a full buffer.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

func (s *Stream) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if e.Kind == StreamProgress {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
		return
	}
	s.ch <- e
}

// Close stops delivery and closes the channel. Later Emits are ignored.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
