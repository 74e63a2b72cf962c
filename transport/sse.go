package transport

import (
	"sync"
	"time"
)

// DefaultSessionQueueSize bounds per-session message queues.
const DefaultSessionQueueSize = 500

// sessionTimeout is how long an idle session survives without a consumer.
const sessionTimeout = 30 * time.Minute

// session is one streaming connection's state: a bounded drop-oldest message
// queue plus a wake signal for the event writer.
type session struct {
	id  string
	max int

	mu           sync.Mutex
	queue        []any
	dropped      int
	lastActivity time.Time

	notify chan struct{}
}

func newSession(id string, max int) *session {
	if max <= 0 {
		max = DefaultSessionQueueSize
	}
	return &session{
		id:           id,
		max:          max,
		lastActivity: time.Now(),
		notify:       make(chan struct{}, 1),
	}
}

// push appends a message, dropping the oldest when full. The consumer is
// woken either way; a drop is surfaced to it as a warning event rather than
// silently losing data.
func (s *session) push(msg any) {
	s.mu.Lock()
	s.lastActivity = time.Now()
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain takes all queued messages plus the count of messages dropped since
// the last drain.
func (s *session) drain() (msgs []any, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs = s.queue
	s.queue = nil
	dropped = s.dropped
	s.dropped = 0
	return msgs, dropped
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// sessions tracks live streaming connections by ID.
type sessions struct {
	mu sync.Mutex
	m  map[string]*session
}

func newSessions() *sessions {
	return &sessions{m: make(map[string]*session)}
}

func (s *sessions) add(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[sess.id] = sess
}

func (s *sessions) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *sessions) get(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[id]
	return sess, ok
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// sweepIdle drops sessions with no activity past the timeout and returns how
// many were removed. Their writers notice on their next heartbeat.
func (s *sessions) sweepIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.m {
		if now.Sub(sess.idleSince()) > sessionTimeout {
			delete(s.m, id)
			removed++
		}
	}
	return removed
}
