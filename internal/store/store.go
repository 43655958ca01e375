package store

import (
	"context"
	"errors"
	"time"

	"github.com/apnworksdev/outside-observations-presence/internal/domain"
)

// ErrUnavailable indicates the backing store could not be reached. Presence
// is best effort, so callers surface it and let the next scheduled client
// action retry.
var ErrUnavailable = errors.New("store: unavailable")

// ErrNotConfigured indicates the store was never set up. Unlike
// ErrUnavailable this cannot self-heal.
var ErrNotConfigured = errors.New("store: not configured")

// SessionRegistry is the shared membership set mapping session ids to their
// last-activity time. Entries are never deleted eagerly; they age out of
// CountActiveSessions and are swept by TrimExpiredSessions.
type SessionRegistry interface {
	// TouchSession inserts or refreshes a session's last-activity time.
	// Idempotent.
	TouchSession(ctx context.Context, sessionID string, at time.Time) error

	// SessionKnown reports whether the session currently has an entry.
	// Registration uses it to decide "new visitor"; heartbeats never call
	// it. The SessionKnown/TouchSession pair is deliberately not atomic
	// (see the presence service).
	SessionKnown(ctx context.Context, sessionID string) (bool, error)

	// CountActiveSessions counts sessions touched within the last ttl of now.
	CountActiveSessions(ctx context.Context, now time.Time, ttl time.Duration) (int, error)

	// TrimExpiredSessions removes sessions whose last activity predates
	// now-ttl. Safe to call concurrently; a no-op when nothing has expired.
	TrimExpiredSessions(ctx context.Context, now time.Time, ttl time.Duration) error
}

// EventLog is the shared, time-ordered log of join events. Many polling
// agents read the same log; each derives its own notifications from it.
type EventLog interface {
	// AppendEvent adds one event, ordered by its timestamp.
	AppendEvent(ctx context.Context, event domain.JoinEvent) error

	// RecentEvents returns events no older than maxAge relative to now,
	// newest first, at most limit of them. An empty log yields an empty
	// slice, never an error.
	RecentEvents(ctx context.Context, now time.Time, maxAge time.Duration, limit int) ([]domain.JoinEvent, error)

	// TrimExpiredEvents removes events older than now-maxAge.
	TrimExpiredEvents(ctx context.Context, now time.Time, maxAge time.Duration) error
}
