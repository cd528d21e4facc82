package refresh

import (
	"strings"
	"sync"
	"time"
)

// Roles of the two time topics.
const (
	RolePast = "past"
	RoleNow  = "now"
)

// Value is the most recent payload seen for one role.
type Value struct {
	Topic      string
	Payload    string
	Retained   bool
	ReceivedAt time.Time
}

// IsZero reports whether nothing usable has been received.
func (v Value) IsZero() bool { return v.Payload == "" }

// Pair is a consistent copy of both values.
type Pair struct {
	Past Value
	Now  Value
}

// Latest holds the newest "past" and "now" payloads. The MQTT client
// writes through Update on its own goroutine while the loop reads
// through Snapshot, so both go through the mutex.
type Latest struct {
	topicPast string
	topicNow  string
	clock     Clock

	mu   sync.Mutex
	past Value
	now  Value
}

// NewLatest creates an empty context for the two topics. A nil clock
// uses the system clock.
func NewLatest(topicPast, topicNow string, clock Clock) *Latest {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Latest{topicPast: topicPast, topicNow: topicNow, clock: clock}
}

// Role maps a topic to RolePast or RoleNow. Unknown topics map to "".
func (l *Latest) Role(topic string) string {
	switch topic {
	case l.topicPast:
		return RolePast
	case l.topicNow:
		return RoleNow
	}
	return ""
}

// Update stores payload for the role topic belongs to and returns that
// role. When the "past" value changes the stored "now" is dropped so a
// new event is never paired with a clock reading taken before it;
// clearedNow reports that. An empty payload clears the role.
func (l *Latest) Update(topic string, payload []byte, retained bool) (role string, clearedNow bool) {
	role = l.Role(topic)
	if role == "" {
		return "", false
	}

	v := Value{
		Topic:      topic,
		Payload:    strings.TrimSpace(string(payload)),
		Retained:   retained,
		ReceivedAt: l.clock.Now(),
	}
	if v.Payload == "" {
		v = Value{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch role {
	case RolePast:
		if v.Payload != l.past.Payload && !l.now.IsZero() {
			l.now = Value{}
			clearedNow = true
		}
		l.past = v
	case RoleNow:
		l.now = v
	}
	return role, clearedNow
}

// Set installs v for role without the clearing rule. It is used to
// restore persisted values at startup.
func (l *Latest) Set(role string, v Value) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch role {
	case RolePast:
		l.past = v
	case RoleNow:
		l.now = v
	}
}

// Snapshot returns a copy of both values.
func (l *Latest) Snapshot() Pair {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Pair{Past: l.past, Now: l.now}
}
