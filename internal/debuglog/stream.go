// Package debuglog keeps a bounded, in-memory history of diagnostic events
// for one running cloud and fans new events out to live subscribers.
package debuglog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultHistory is the number of entries a stream retains.
const DefaultHistory = 100

// Level classifies an entry.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is one diagnostic event.
type Entry struct {
	Time    time.Time `json:"timestamp"`
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Stream is safe for concurrent use. Writers never block on subscribers:
// a subscriber whose buffer is full misses entries.
type Stream struct {
	max    int
	logger zerolog.Logger

	mu      sync.RWMutex
	history []Entry
	subs    map[uuid.UUID]chan Entry
	closed  bool
}

// New creates a stream retaining at most limit entries. Every entry is also
// written to logger.
func New(limit int, logger zerolog.Logger) *Stream {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Stream{
		max:     limit,
		logger:  logger,
		history: make([]Entry, 0, limit),
		subs:    make(map[uuid.UUID]chan Entry),
	}
}

// Send records an entry and delivers it to subscribers.
func (s *Stream) Send(level Level, source, message string) {
	e := Entry{
		Time:    time.Now().UTC(),
		Level:   level,
		Source:  source,
		Message: message,
	}

	s.mirror(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if len(s.history) >= s.max {
		n := copy(s.history, s.history[len(s.history)-s.max+1:])
		s.history = s.history[:n]
	}
	s.history = append(s.history, e)

	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Stream) Debug(source, message string) { s.Send(LevelDebug, source, message) }
func (s *Stream) Info(source, message string)  { s.Send(LevelInfo, source, message) }
func (s *Stream) Warn(source, message string)  { s.Send(LevelWarn, source, message) }
func (s *Stream) Error(source, message string) { s.Send(LevelError, source, message) }

// History returns a copy of the retained entries, oldest first.
func (s *Stream) History() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.history...)
}

// Recent returns up to n of the newest entries, oldest first.
func (s *Stream) Recent(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > len(s.history) {
		n = len(s.history)
	}
	return append([]Entry(nil), s.history[len(s.history)-n:]...)
}

// Clear drops the retained history.
func (s *Stream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = s.history[:0]
}

// Subscribe registers a live reader. The returned cancel func is idempotent
// and closes the channel.
func (s *Stream) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Entry, buffer)
	id := uuid.New()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}

	return ch, cancel
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close closes every subscriber channel. Later sends only reach the logger.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Stream) mirror(e Entry) {
	var ev *zerolog.Event
	switch e.Level {
	case LevelDebug:
		ev = s.logger.Debug()
	case LevelWarn:
		ev = s.logger.Warn()
	case LevelError:
		ev = s.logger.Error()
	default:
		ev = s.logger.Info()
	}
	ev.Str("source", e.Source).Msg(e.Message)
}
