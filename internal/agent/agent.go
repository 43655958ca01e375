// Package agent implements the client side of the presence protocol: a
// per-consumer loop that registers once, heartbeats while visible, and polls
// the join-event log with an adaptive interval. It is the pull counterpart
// to the server's push-free design; all it needs is short-lived HTTP.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/apnworksdev/outside-observations-presence/internal/domain"
	"github.com/apnworksdev/outside-observations-presence/pkg/api/client"
)

// Config tunes the agent's timers. Zero values fall back to the shared
// protocol constants; tests compress them.
type Config struct {
	SessionID         string
	HeartbeatEvery    time.Duration
	PollInterval      time.Duration
	PollIntervalMax   time.Duration
	PollBackoffFactor float64
	BurstRepoll       time.Duration
	GroupWindow       time.Duration
	InitialPollDelay  time.Duration
}

func (c Config) normalized() Config {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = domain.HeartbeatEvery
	}
	if c.PollInterval <= 0 {
		c.PollInterval = domain.PollInterval
	}
	if c.PollIntervalMax <= 0 {
		c.PollIntervalMax = domain.PollIntervalMax
	}
	if c.PollBackoffFactor <= 1 {
		c.PollBackoffFactor = domain.PollBackoffFactor
	}
	if c.BurstRepoll <= 0 {
		c.BurstRepoll = domain.BurstRepoll
	}
	if c.GroupWindow <= 0 {
		c.GroupWindow = domain.GroupWindow
	}
	if c.InitialPollDelay <= 0 {
		c.InitialPollDelay = time.Second
	}
	return c
}

// Agent tracks presence for one consumer. A single goroutine owns all timer
// and watermark state, so polls never overlap and the watermark only moves
// forward; concurrent access is limited to the read-side snapshot.
type Agent struct {
	client *client.Client
	logger *slog.Logger
	cfg    Config
	notify func(domain.Notification)
	now    func() time.Time
	wakeCh chan struct{}

	mu         sync.Mutex
	registered bool
	visible    bool
	count      int
	hasCount   bool

	poll pollState
}

// New constructs an Agent. notify may be nil when the caller only reads the
// count snapshot.
func New(cli *client.Client, logger *slog.Logger, cfg Config, notify func(domain.Notification)) *Agent {
	cfg = cfg.normalized()
	if logger != nil {
		logger = logger.With("component", "presence_agent", "session_id", cfg.SessionID)
	}
	return &Agent{
		client:  cli,
		logger:  logger,
		cfg:     cfg,
		notify:  notify,
		now:     time.Now,
		wakeCh:  make(chan struct{}, 1),
		visible: true,
		poll:    pollState{interval: cfg.PollInterval},
	}
}

// SessionID returns the stable per-agent session identifier.
func (a *Agent) SessionID() string {
	return a.cfg.SessionID
}

// Count returns the last observed active-visitor count and whether one has
// been observed at all.
func (a *Agent) Count() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, a.hasCount
}

// SetVisible updates the tab-visibility input. Becoming visible again
// triggers an immediate catch-up heartbeat and poll instead of waiting for
// the next timer tick.
func (a *Agent) SetVisible(visible bool) {
	a.mu.Lock()
	was := a.visible
	a.visible = visible
	a.mu.Unlock()
	if visible && !was {
		select {
		case a.wakeCh <- struct{}{}:
		default:
		}
	}
}

// Run drives the agent until the context is cancelled. All timers stop on
// return; no unregister call is made, the server infers absence via TTL.
func (a *Agent) Run(ctx context.Context) {
	a.tryRegister(ctx)

	heartbeat := time.NewTicker(a.cfg.HeartbeatEvery)
	defer heartbeat.Stop()
	pollTimer := time.NewTimer(a.nextPollDelay())
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.logger != nil {
				a.logger.Info("presence agent stopped")
			}
			return
		case <-a.wakeCh:
			// Catch up after the tab became visible again.
			a.touch(ctx)
			resetTimer(pollTimer, a.pollOnce(ctx))
		case <-heartbeat.C:
			if !a.isVisible() {
				continue
			}
			a.touch(ctx)
			resetTimer(pollTimer, a.cfg.BurstRepoll)
		case <-pollTimer.C:
			pollTimer.Reset(a.pollOnce(ctx))
		}
	}
}

// tryRegister announces the session. On success the watermark starts at the
// registration moment, not at the server's oldest event, so events that
// predate this agent's arrival are never surfaced.
func (a *Agent) tryRegister(ctx context.Context) {
	resp, err := a.client.Register(ctx, a.cfg.SessionID, true)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("registration failed, will retry on next heartbeat", "error", err)
		}
		return
	}
	a.mu.Lock()
	a.registered = true
	if resp.Count != nil {
		a.count = *resp.Count
		a.hasCount = true
	}
	a.poll.watermark = a.now().UnixMilli()
	a.mu.Unlock()
	if a.logger != nil {
		a.logger.Info("presence agent registered", "is_new", resp.IsNewVisitor)
	}
}

// touch refreshes liveness: a heartbeat when registered, otherwise a
// registration retry.
func (a *Agent) touch(ctx context.Context) {
	a.mu.Lock()
	registered := a.registered
	a.mu.Unlock()
	if !registered {
		a.tryRegister(ctx)
		return
	}
	if _, err := a.client.Heartbeat(ctx, a.cfg.SessionID, false); err != nil {
		// Liveness is the server's job; a missed heartbeat just shortens
		// the TTL runway until the next tick lands.
		if a.logger != nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}
	}
}

// pollOnce fetches recent events, surfaces grouped notifications, and
// returns the delay until the next poll.
func (a *Agent) pollOnce(ctx context.Context) time.Duration {
	a.mu.Lock()
	skip := !a.visible || !a.registered
	interval := a.poll.interval
	a.mu.Unlock()
	if skip {
		return interval
	}

	wireEvents, err := a.client.Events(ctx)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("event poll failed", "error", err)
		}
		// Errors neither grow nor reset the backoff; retry on schedule.
		return interval
	}
	events := make([]domain.JoinEvent, 0, len(wireEvents))
	for _, evt := range wireEvents {
		events = append(events, domain.JoinEvent{
			Type:      evt.Type,
			Count:     evt.Count,
			Timestamp: evt.Timestamp,
		})
	}

	a.mu.Lock()
	fresh, delay := a.poll.observe(events, a.cfg)
	notifications := groupJoins(fresh, a.cfg.GroupWindow)
	if len(notifications) > 0 {
		latest := notifications[len(notifications)-1]
		a.count = latest.Count
		a.hasCount = true
	}
	a.mu.Unlock()

	for _, n := range notifications {
		if a.notify != nil {
			a.notify(n)
		}
	}
	return delay
}

func (a *Agent) isVisible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visible
}

func (a *Agent) nextPollDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.registered {
		return a.cfg.InitialPollDelay
	}
	return a.poll.interval
}

// pollState is the explicit poll machine: the watermark below which events
// have been processed, and the current backed-off interval.
type pollState struct {
	watermark int64
	interval  time.Duration
}

// observe filters events above the watermark, advances the watermark to the
// newest timestamp seen regardless of event type, and adapts the interval:
// fresh activity snaps it back to the floor with a short burst re-poll,
// silence grows it toward the cap.
//
// It returns the fresh events in ascending timestamp order and the delay
// until the next poll.
func (p *pollState) observe(events []domain.JoinEvent, cfg Config) ([]domain.JoinEvent, time.Duration) {
	var fresh []domain.JoinEvent
	maxSeen := p.watermark
	for _, evt := range events {
		if evt.Timestamp > maxSeen {
			maxSeen = evt.Timestamp
		}
		if evt.Timestamp > p.watermark {
			fresh = append(fresh, evt)
		}
	}
	p.watermark = maxSeen

	if len(fresh) == 0 {
		next := time.Duration(float64(p.interval) * cfg.PollBackoffFactor)
		if next > cfg.PollIntervalMax {
			next = cfg.PollIntervalMax
		}
		p.interval = next
		return nil, p.interval
	}

	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].Timestamp < fresh[j].Timestamp
	})
	p.interval = cfg.PollInterval
	return fresh, cfg.BurstRepoll
}

// groupJoins collapses join events that fall within window of the first
// event of an open group into one notification. The notification takes the
// count and timestamp of the group's newest event. Events must be in
// ascending timestamp order.
func groupJoins(events []domain.JoinEvent, window time.Duration) []domain.Notification {
	var notifications []domain.Notification
	var group []domain.JoinEvent

	flush := func() {
		if len(group) == 0 {
			return
		}
		latest := group[len(group)-1]
		notifications = append(notifications, domain.Notification{
			Message:   joinMessage(len(group)),
			Count:     latest.Count,
			Timestamp: latest.Timestamp,
		})
		group = group[:0]
	}

	for _, evt := range events {
		if evt.Type != domain.EventTypeVisitorJoined {
			continue
		}
		if len(group) > 0 && evt.Timestamp-group[0].Timestamp > window.Milliseconds() {
			flush()
		}
		group = append(group, evt)
	}
	flush()
	return notifications
}

func joinMessage(n int) string {
	if n == 1 {
		return "+1 user"
	}
	return fmt.Sprintf("+%d users", n)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
