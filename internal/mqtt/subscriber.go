package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. retained is true when the broker replayed a stored
// value rather than forwarding a live publish. Implementations must be
// safe for concurrent use.
type MessageHandler func(topic string, payload []byte, retained bool)

// logLevelTrace mirrors config.LevelTrace without importing config.
const logLevelTrace = slog.Level(-8)

// onPublishReceived adapts inbound paho publishes to the handler,
// applying the rate limit first. It always reports the message as
// handled so paho does not fall through to other callbacks.
func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	if p == nil {
		return true, nil
	}
	if !c.limiter.allow() {
		return true, nil
	}

	c.logger.Debug("mqtt message received",
		"topic", p.Topic,
		"payload_size", len(p.Payload),
		"retained", p.Retain,
	)
	c.logger.Log(context.Background(), logLevelTrace, "mqtt payload",
		"topic", p.Topic,
		"payload", string(p.Payload),
	)

	if c.handler != nil {
		c.handler(p.Topic, p.Payload, p.Retain)
	}
	return true, nil
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. A misconfigured
// automation publishing the time in a tight loop would otherwise keep
// the loop busy parsing. Counters are atomic so the hot path never
// takes a lock.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	total    atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// Defaults used when the limiter is built from an unvalidated config.
const (
	defaultRateLimit       = 100
	defaultRateLimitWindow = 10 * time.Second
)

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if interval <= 0 {
		interval = defaultRateLimitWindow
	}
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled and logs a warning for every window that dropped messages.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow increments the window counter and reports whether the message
// is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		r.total.Add(1)
		return false
	}
	return true
}

// Dropped returns the number of messages dropped since start.
func (r *messageRateLimiter) Dropped() int64 {
	return r.total.Load()
}
