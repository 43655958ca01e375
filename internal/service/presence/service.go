package presence

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/apnworksdev/outside-observations-presence/internal/domain"
	"github.com/apnworksdev/outside-observations-presence/internal/store"
)

// Service owns the presence policy: when a registration counts as a new
// visitor, when a join event is appended, and when expired state is swept.
// Every operation is a single independent request; the only blocking point
// is the backing store round-trip and no lock is held across it.
type Service struct {
	registry        store.SessionRegistry
	events          store.EventLog
	logger          *slog.Logger
	sessionTTL      time.Duration
	eventWindow     time.Duration
	eventLimit      int
	trimProbability float64
	now             func() time.Time
	rand            func() float64
}

// New constructs a Service. Non-positive durations fall back to the shared
// protocol constants.
func New(registry store.SessionRegistry, events store.EventLog, logger *slog.Logger, sessionTTL, eventWindow time.Duration) *Service {
	if sessionTTL <= 0 {
		sessionTTL = domain.SessionTTL
	}
	if eventWindow <= 0 {
		eventWindow = domain.EventWindow
	}
	if logger != nil {
		logger = logger.With("component", "presence")
	}
	return &Service{
		registry:        registry,
		events:          events,
		logger:          logger,
		sessionTTL:      sessionTTL,
		eventWindow:     eventWindow,
		eventLimit:      domain.EventLimit,
		trimProbability: domain.TrimProbability,
		now:             time.Now,
		rand:            rand.Float64,
	}
}

// SetTrimProbability overrides the per-request sweep probability. Values
// outside [0, 1] are ignored.
func (s *Service) SetTrimProbability(p float64) {
	if p < 0 || p > 1 {
		return
	}
	s.trimProbability = p
}

// TouchResult reports the outcome of a register or heartbeat call. Count is
// only meaningful when HasCount is set; most heartbeats skip the count query.
type TouchResult struct {
	IsNew    bool
	Count    int
	HasCount bool
}

// Register marks the session alive and, if the registry had never seen it,
// logs a join event carrying the active count at that moment.
//
// The SessionKnown check and the TouchSession upsert are two separate store
// calls. Two concurrent first registrations of the same id can both observe
// "absent" and both append an event; consumers deduplicate through their
// watermark, so the race is tolerated instead of serialised.
func (s *Service) Register(ctx context.Context, sessionID string, includeCount bool) (TouchResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TouchResult{}, errors.New("session id required")
	}
	now := s.now()

	known, err := s.registry.SessionKnown(ctx, sessionID)
	if err != nil {
		return TouchResult{}, fmt.Errorf("check session: %w", err)
	}
	isNew := !known

	if err := s.registry.TouchSession(ctx, sessionID, now); err != nil {
		return TouchResult{}, fmt.Errorf("touch session: %w", err)
	}
	s.maybeTrimSessions(ctx, now)

	result := TouchResult{IsNew: isNew}
	if !isNew && !includeCount {
		return result, nil
	}

	count, err := s.registry.CountActiveSessions(ctx, now, s.sessionTTL)
	if err != nil {
		return TouchResult{}, fmt.Errorf("count sessions: %w", err)
	}
	result.Count = count
	result.HasCount = true

	if isNew {
		event := domain.JoinEvent{
			ID:        uuid.NewString(),
			Type:      domain.EventTypeVisitorJoined,
			Count:     count,
			Timestamp: now.UnixMilli(),
		}
		if err := s.events.AppendEvent(ctx, event); err != nil {
			return TouchResult{}, fmt.Errorf("append join event: %w", err)
		}
		if err := s.events.TrimExpiredEvents(ctx, now, s.eventWindow); err != nil {
			s.warn("event log trim failed", err)
		}
	}
	return result, nil
}

// Heartbeat refreshes the session's liveness. It never checks for newness
// and never appends an event; it exists purely to keep the TTL from lapsing.
func (s *Service) Heartbeat(ctx context.Context, sessionID string, includeCount bool) (TouchResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return TouchResult{}, errors.New("session id required")
	}
	now := s.now()

	if err := s.registry.TouchSession(ctx, sessionID, now); err != nil {
		return TouchResult{}, fmt.Errorf("touch session: %w", err)
	}
	s.maybeTrimSessions(ctx, now)

	result := TouchResult{}
	if includeCount {
		count, err := s.registry.CountActiveSessions(ctx, now, s.sessionTTL)
		if err != nil {
			return TouchResult{}, fmt.Errorf("count sessions: %w", err)
		}
		result.Count = count
		result.HasCount = true
	}
	return result, nil
}

// Count returns the number of currently active sessions. Pure read.
func (s *Service) Count(ctx context.Context) (int, error) {
	count, err := s.registry.CountActiveSessions(ctx, s.now(), s.sessionTTL)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// Events returns recent join events, newest first, bounded by the event
// window and limit. An empty log is not an error.
func (s *Service) Events(ctx context.Context) ([]domain.JoinEvent, error) {
	events, err := s.events.RecentEvents(ctx, s.now(), s.eventWindow, s.eventLimit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	if events == nil {
		events = []domain.JoinEvent{}
	}
	return events, nil
}

// maybeTrimSessions sweeps expired sessions on a small fraction of calls,
// spreading the cleanup cost over traffic instead of every request. A
// failed sweep is logged and retried on a later roll.
func (s *Service) maybeTrimSessions(ctx context.Context, now time.Time) {
	if s.rand() >= s.trimProbability {
		return
	}
	if err := s.registry.TrimExpiredSessions(ctx, now, s.sessionTTL); err != nil {
		s.warn("session registry trim failed", err)
	}
}

func (s *Service) warn(msg string, err error) {
	if s.logger != nil {
		s.logger.Warn(msg, "error", err)
	}
}
