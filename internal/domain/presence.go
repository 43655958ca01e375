package domain

import "time"

// Protocol constants shared by the service and the agent. The polling
// behaviour only degrades gracefully if both sides agree on these windows.
const (
	// SessionTTL is how long a session counts as active after its last
	// registration or heartbeat.
	SessionTTL = 5 * time.Minute

	// EventWindow is how long a join event remains readable before it is
	// purged from the log.
	EventWindow = 60 * time.Second

	// EventLimit bounds how many events a single poll returns.
	EventLimit = 10

	// HeartbeatEvery is the agent's liveness refresh period.
	HeartbeatEvery = 2 * time.Minute

	// PollInterval is the floor of the agent's adaptive event-poll interval.
	PollInterval = 60 * time.Second

	// PollIntervalMax caps the backed-off poll interval.
	PollIntervalMax = 5 * time.Minute

	// PollBackoffFactor grows the poll interval while nothing new arrives.
	PollBackoffFactor = 1.5

	// BurstRepoll is the short re-poll delay after fresh events were seen,
	// so a burst of arrivals is grouped near real time.
	BurstRepoll = 2 * time.Second

	// GroupWindow collapses join events this close together into one
	// notification.
	GroupWindow = 2 * time.Second

	// TrimProbability is the chance a registration or heartbeat also sweeps
	// expired sessions, amortising cleanup across calls.
	TrimProbability = 0.05
)

// EventTypeVisitorJoined marks the first registration of a session.
const EventTypeVisitorJoined = "visitor_joined"

// Session is one anonymous browser tab's presence identity. There is no
// leave signal; absence is inferred from LastActivity ageing past SessionTTL.
type Session struct {
	ID           string `json:"sessionId"`
	LastActivity int64  `json:"lastActivity"`
}

// Active reports whether the session still counts toward the live total.
func (s Session) Active(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-s.LastActivity <= ttl.Milliseconds()
}

// JoinEvent records a brand-new session's first registration together with
// the active count at that moment. ID only keeps stored log members unique
// and never appears on the wire.
type JoinEvent struct {
	ID        string `json:"-"`
	Type      string `json:"type"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}

// Notification is the consumer-facing aggregation of one or more join
// events that happened within GroupWindow of each other.
type Notification struct {
	Message   string `json:"message"`
	Count     int    `json:"count"`
	Timestamp int64  `json:"timestamp"`
}
