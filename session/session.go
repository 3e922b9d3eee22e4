/*Package session tracks live real-time connections, their subscriptions and
the routing of topics to subscribers.

A session is owned by the relay: it is created on a successful WebSocket
handshake and destroyed on disconnect. One user has at most one active
session; a second connection replaces the first one, which gets closed.
*/
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sfgrid-tech/sfgrid/core/topic"
)

// ErrClosed is returned when sending to a session that has been closed. The
// dispatch pipeline treats it as a no-op warning, not a delivery failure.
var ErrClosed = errors.New("session: closed")

// Conn is the transport half of a session. The WebSocket hub provides the
// production implementation.
type Conn interface {
	// Send delivers an already encoded message. It must not block
	// indefinitely; transports enforce their own write deadlines.
	Send(ctx context.Context, data []byte) error
	// Close shuts the transport down. Close is idempotent.
	Close() error
}

// Session is one live connection and its subscription state.
type Session struct {
	ID     string
	UserID string

	conn Conn

	mutex         sync.RWMutex
	closed        bool
	subscriptions map[string]byte // topic filter -> granted QoS
	connectedAt   time.Time
	lastActive    time.Time
}

func newSession(userID string, conn Conn) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		conn:          conn,
		subscriptions: make(map[string]byte),
		connectedAt:   now,
		lastActive:    now,
	}
}

// Send delivers data over the session's transport. Sending to a closed
// session returns ErrClosed.
func (s *Session) Send(ctx context.Context, data []byte) error {
	s.mutex.RLock()
	closed := s.closed
	s.mutex.RUnlock()
	if closed {
		return ErrClosed
	}
	return s.conn.Send(ctx, data)
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mutex.Lock()
	s.lastActive = time.Now().UTC()
	s.mutex.Unlock()
}

// ConnectedAt returns the handshake time.
func (s *Session) ConnectedAt() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connectedAt
}

// LastActive returns the last-activity timestamp.
func (s *Session) LastActive() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastActive
}

// Subscribe adds topic filters with the granted QoS. Invalid filters are
// reported; valid ones in the same call still take effect.
func (s *Session) Subscribe(filters []string, qos byte) (added []string, invalid []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, filter := range filters {
		if !topic.Valid(filter) {
			invalid = append(invalid, filter)
			continue
		}
		s.subscriptions[filter] = qos
		added = append(added, filter)
	}
	return added, invalid
}

// Unsubscribe removes topic filters. Unknown filters are ignored.
func (s *Session) Unsubscribe(filters []string) (removed []string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, filter := range filters {
		if _, ok := s.subscriptions[filter]; ok {
			delete(s.subscriptions, filter)
			removed = append(removed, filter)
		}
	}
	return removed
}

// Subscriptions returns the current topic filters.
func (s *Session) Subscriptions() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	filters := make([]string, 0, len(s.subscriptions))
	for filter := range s.subscriptions {
		filters = append(filters, filter)
	}
	return filters
}

// Matches reports whether any subscription matches the topic name.
func (s *Session) Matches(name string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return false
	}
	for filter := range s.subscriptions {
		if topic.Match(filter, name) {
			return true
		}
	}
	return false
}

// close marks the session closed and shuts the transport down.
func (s *Session) close() {
	s.mutex.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mutex.Unlock()
	if !alreadyClosed {
		s.conn.Close()
	}
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.closed
}
