package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/apnworksdev/outside-observations-presence/internal/domain"
	"github.com/apnworksdev/outside-observations-presence/internal/store"
)

const opTimeout = 2 * time.Second

// Store keeps the session registry and the join-event log in two Redis
// sorted sets, scored by millisecond timestamps. That gives range counts
// and range trims that stay cheap no matter how many sessions have churned
// through historically.
type Store struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// New connects to Redis and verifies the connection before returning.
func New(addr, password string, db int, prefix string, logger *slog.Logger) (*Store, error) {
	opts := &redis.Options{Addr: addr, Password: password, DB: db}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix == "" {
		prefix = "presence:"
	}
	return &Store{
		client:  client,
		logger:  logger,
		prefix:  prefix,
		timeout: opTimeout,
	}, nil
}

// Ping reports backing-store health for the healthz endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionsKey() string { return s.prefix + "sessions" }
func (s *Store) eventsKey() string   { return s.prefix + "events" }

// TouchSession upserts the session with its last-activity time as the score.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	member := redis.Z{Score: float64(at.UnixMilli()), Member: sessionID}
	if err := s.client.ZAdd(ctx, s.sessionsKey(), member).Err(); err != nil {
		return s.wrap("zadd session", err)
	}
	return nil
}

// SessionKnown reports whether the session has any entry, regardless of age.
func (s *Store) SessionKnown(ctx context.Context, sessionID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.ZScore(ctx, s.sessionsKey(), sessionID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("zscore session", err)
	}
	return true, nil
}

// CountActiveSessions counts sessions with activity inside [now-ttl, now].
func (s *Store) CountActiveSessions(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	min := formatMilli(now.Add(-ttl))
	max := formatMilli(now)
	count, err := s.client.ZCount(ctx, s.sessionsKey(), min, max).Result()
	if err != nil {
		return 0, s.wrap("zcount sessions", err)
	}
	return int(count), nil
}

// TrimExpiredSessions drops sessions whose activity predates now-ttl.
func (s *Store) TrimExpiredSessions(ctx context.Context, now time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cutoff := "(" + formatMilli(now.Add(-ttl))
	if err := s.client.ZRemRangeByScore(ctx, s.sessionsKey(), "-inf", cutoff).Err(); err != nil {
		return s.wrap("zremrangebyscore sessions", err)
	}
	return nil
}

// logMember is the serialized sorted-set member for one join event. The id
// keeps members unique when two events land in the same millisecond with
// the same count.
type logMember struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}

// AppendEvent writes one event to the log, scored by its timestamp.
func (s *Store) AppendEvent(ctx context.Context, event domain.JoinEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	payload, err := json.Marshal(logMember{
		ID:        event.ID,
		Type:      event.Type,
		Count:     event.Count,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	member := redis.Z{Score: float64(event.Timestamp), Member: string(payload)}
	if err := s.client.ZAdd(ctx, s.eventsKey(), member).Err(); err != nil {
		return s.wrap("zadd event", err)
	}
	return nil
}

// RecentEvents returns events no older than maxAge, newest first, capped at
// limit. The reverse range scan stops at the cutoff score, so it never walks
// entries that aged out but were not trimmed yet.
func (s *Store) RecentEvents(ctx context.Context, now time.Time, maxAge time.Duration, limit int) ([]domain.JoinEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rangeBy := &redis.ZRangeBy{
		Min:   formatMilli(now.Add(-maxAge)),
		Max:   "+inf",
		Count: int64(limit),
	}
	members, err := s.client.ZRevRangeByScore(ctx, s.eventsKey(), rangeBy).Result()
	if err != nil {
		return nil, s.wrap("zrevrangebyscore events", err)
	}
	events := make([]domain.JoinEvent, 0, len(members))
	for _, raw := range members {
		var m logMember
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			if s.logger != nil {
				s.logger.Warn("skipping malformed event member", "error", err)
			}
			continue
		}
		events = append(events, domain.JoinEvent{
			ID:        m.ID,
			Type:      m.Type,
			Count:     m.Count,
			Timestamp: m.Timestamp,
		})
	}
	return events, nil
}

// TrimExpiredEvents drops events older than now-maxAge.
func (s *Store) TrimExpiredEvents(ctx context.Context, now time.Time, maxAge time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cutoff := "(" + formatMilli(now.Add(-maxAge))
	if err := s.client.ZRemRangeByScore(ctx, s.eventsKey(), "-inf", cutoff).Err(); err != nil {
		return s.wrap("zremrangebyscore events", err)
	}
	return nil
}

func (s *Store) wrap(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
}

func formatMilli(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
