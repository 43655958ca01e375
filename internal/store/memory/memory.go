package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apnworksdev/outside-observations-presence/internal/domain"
)

// Store is an in-process implementation of the registry and log interfaces.
// It backs local development and tests when no Redis address is configured.
// It loses everything on restart and cannot be shared across replicas, so
// production deployments use the Redis store.
type Store struct {
	mu       sync.Mutex
	sessions map[string]int64
	events   []domain.JoinEvent // ascending by Timestamp
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{sessions: make(map[string]int64)}
}

// Ping always succeeds; the store lives in process memory.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// TouchSession inserts or refreshes the session's last-activity time.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = at.UnixMilli()
	return nil
}

// SessionKnown reports whether the session has an entry, regardless of age.
func (s *Store) SessionKnown(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok, nil
}

// CountActiveSessions counts sessions touched within [now-ttl, now].
func (s *Store) CountActiveSessions(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	min := now.Add(-ttl).UnixMilli()
	max := now.UnixMilli()
	count := 0
	for _, last := range s.sessions {
		if last >= min && last <= max {
			count++
		}
	}
	return count, nil
}

// TrimExpiredSessions removes sessions whose activity predates now-ttl.
func (s *Store) TrimExpiredSessions(ctx context.Context, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-ttl).UnixMilli()
	for id, last := range s.sessions {
		if last < cutoff {
			delete(s.sessions, id)
		}
	}
	return nil
}

// AppendEvent inserts the event keeping the log ordered by timestamp.
func (s *Store) AppendEvent(ctx context.Context, event domain.JoinEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp > event.Timestamp
	})
	s.events = append(s.events, domain.JoinEvent{})
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = event
	return nil
}

// RecentEvents walks the log backwards and stops at the age cutoff, so the
// scan cost tracks the result size rather than the log size.
func (s *Store) RecentEvents(ctx context.Context, now time.Time, maxAge time.Duration, limit int) ([]domain.JoinEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return []domain.JoinEvent{}, nil
	}
	cutoff := now.Add(-maxAge).UnixMilli()
	events := make([]domain.JoinEvent, 0, limit)
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Timestamp < cutoff {
			break
		}
		events = append(events, s.events[i])
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

// TrimExpiredEvents removes events older than now-maxAge.
func (s *Store) TrimExpiredEvents(ctx context.Context, now time.Time, maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-maxAge).UnixMilli()
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Timestamp >= cutoff
	})
	if idx > 0 {
		s.events = append([]domain.JoinEvent(nil), s.events[idx:]...)
	}
	return nil
}
