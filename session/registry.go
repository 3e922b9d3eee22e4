package session

import (
	"context"

	"sync"

	"github.com/sfgrid-tech/sfgrid/core/logger"
	"github.com/sfgrid-tech/sfgrid/store"
)

// Registry tracks the live sessions and answers routing queries.
type Registry struct {
	gateway store.Gateway

	mutex    sync.RWMutex
	byUser   map[string]*Session
	sessions map[string]*Session
}

// NewRegistry creates a session registry. The gateway is mandatory; session
// lifecycle is mirrored into the durable store for the dashboard's active
// session views.
func NewRegistry(gateway store.Gateway) *Registry {
	if gateway == nil {
		panic("gateway is missing")
	}
	return &Registry{
		gateway:  gateway,
		byUser:   make(map[string]*Session),
		sessions: make(map[string]*Session),
	}
}

// Register creates a session for the user. If the user already has a
// session, the old one is closed and replaced; the last login wins.
func (r *Registry) Register(ctx context.Context, userID string, conn Conn) *Session {
	rlog := logger.FromContext(ctx)
	s := newSession(userID, conn)

	r.mutex.Lock()
	prior := r.byUser[userID]
	if prior != nil {
		delete(r.sessions, prior.ID)
	}
	r.byUser[userID] = s
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mutex.Unlock()

	if prior != nil {
		rlog.Warnf("session: user %s reconnected, replacing session %s", userID, prior.ID)
		prior.close()
		if err := r.gateway.DeleteSession(ctx, prior.ID); err != nil {
			rlog.Errorln("session: delete replaced session:", err)
		}
	}
	if err := r.gateway.SaveSession(ctx, store.SessionRecord{
		SessionID:   s.ID,
		UserID:      userID,
		ConnectedAt: s.ConnectedAt(),
		LastActive:  s.LastActive(),
	}); err != nil {
		rlog.Errorln("session: save session:", err)
	}
	rlog.Infof("session: user %s connected, %d active sessions", userID, count)
	return s
}

// Unregister closes the session and removes it from routing immediately.
// In-flight route snapshots may still hold the session; sends to it become
// no-ops.
func (r *Registry) Unregister(ctx context.Context, s *Session) {
	r.mutex.Lock()
	if current, ok := r.byUser[s.UserID]; ok && current.ID == s.ID {
		delete(r.byUser, s.UserID)
	}
	delete(r.sessions, s.ID)
	count := len(r.sessions)
	r.mutex.Unlock()

	s.close()
	rlog := logger.FromContext(ctx)
	if err := r.gateway.DeleteSession(ctx, s.ID); err != nil {
		rlog.Errorln("session: delete session:", err)
	}
	rlog.Infof("session: user %s disconnected, %d active sessions", s.UserID, count)
}

// Get returns the session for the user, if any.
func (r *Registry) Get(userID string) (*Session, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// Route returns a consistent snapshot of all sessions with a subscription
// matching the topic name. There is no global routing lock beyond the short
// read lock on the session table; matching runs against each session's own
// state.
func (r *Registry) Route(name string) []*Session {
	r.mutex.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mutex.RUnlock()

	var matched []*Session
	for _, s := range candidates {
		if s.Matches(name) {
			matched = append(matched, s)
		}
	}
	return matched
}

// All returns a snapshot of every active session.
func (r *Registry) All() []*Session {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// Shutdown closes all sessions.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mutex.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.byUser = make(map[string]*Session)
	r.sessions = make(map[string]*Session)
	r.mutex.Unlock()

	for _, s := range sessions {
		s.close()
		if err := r.gateway.DeleteSession(ctx, s.ID); err != nil {
			logger.FromContext(ctx).Errorln("session: delete session:", err)
		}
	}
}
