// Package refresh drives the display: it keeps the latest "past" and
// "now" payloads, and on every tick turns them into a frame and hands
// it to the surface. Nothing that arrives over the wire can stop the
// loop; bad or missing data renders the placeholder instead.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/inkclock/internal/display"
	"github.com/nugget/inkclock/internal/elapsed"
	"github.com/nugget/inkclock/internal/state"
)

// Cycle outcomes, used as the metrics label.
const (
	OutcomeOK         = "ok"
	OutcomeMissing    = "missing"
	OutcomeParseError = "parse_error"
	OutcomeZoneError  = "zone_error"
)

// staleFactor times the refresh interval is how old the "now" payload
// may get before the loop warns that the clock source went quiet.
const staleFactor = 3

// Store persists payloads and the last frame. *state.Store satisfies it.
type Store interface {
	SavePayload(p state.Payload) error
	ClearPayload(role string) error
	Payloads() (map[string]state.Payload, error)
	SetDisplay(key, value string) error
}

// Metrics records loop activity. *status.Metrics satisfies it.
type Metrics interface {
	MessageReceived(role string)
	CycleCompleted(outcome string, elapsed time.Duration, indicator bool)
	DisplayFailed()
}

// Options configures a [Loop]. Engine, Latest and Surface are required.
type Options struct {
	Engine  *elapsed.Engine
	Latest  *Latest
	Surface display.Surface
	Store   Store
	Metrics Metrics
	Clock   Clock
	Logger  *slog.Logger

	Interval        time.Duration
	MinRefresh      time.Duration // floor between message-triggered cycles
	RenderOnMessage bool
	Placeholder     string

	LEDThresholdMins int // -1 disables the indicator
	LEDOffBeforeHour int // display.NoCurfew disables the curfew
}

// Loop is the display refresh loop.
type Loop struct {
	opts    Options
	logger  *slog.Logger
	clock   Clock
	limiter *rate.Limiter
	trigger chan struct{}

	stale bool

	mu   sync.Mutex
	last display.Frame
}

// New creates a loop. Zero Interval means one minute.
func New(opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Placeholder == "" {
		opts.Placeholder = "--"
	}

	limit := rate.Inf
	if opts.MinRefresh > 0 {
		limit = rate.Every(opts.MinRefresh)
	}

	return &Loop{
		opts:    opts,
		logger:  opts.Logger,
		clock:   opts.Clock,
		limiter: rate.NewLimiter(limit, 1),
		trigger: make(chan struct{}, 1),
	}
}

// HandleMessage is the MQTT message handler. It records the payload,
// persists it, and wakes the loop when render_on_message is set.
func (l *Loop) HandleMessage(topic string, payload []byte, retained bool) {
	role, clearedNow := l.opts.Latest.Update(topic, payload, retained)
	if role == "" {
		l.logger.Debug("message on unexpected topic ignored", "topic", topic)
		return
	}
	if l.opts.Metrics != nil {
		l.opts.Metrics.MessageReceived(role)
	}
	if clearedNow {
		l.logger.Debug("new past value, waiting for a fresh now", "topic", topic)
	}

	l.persist(role, clearedNow)

	if l.opts.RenderOnMessage {
		select {
		case l.trigger <- struct{}{}:
		default:
		}
	}
}

func (l *Loop) persist(role string, clearedNow bool) {
	if l.opts.Store == nil {
		return
	}
	snap := l.opts.Latest.Snapshot()
	v := snap.Past
	if role == RoleNow {
		v = snap.Now
	}

	var err error
	if v.IsZero() {
		err = l.opts.Store.ClearPayload(role)
	} else {
		err = l.opts.Store.SavePayload(state.Payload{
			Role:       role,
			Topic:      v.Topic,
			Value:      v.Payload,
			Retained:   v.Retained,
			ReceivedAt: v.ReceivedAt,
		})
	}
	if err != nil {
		l.logger.Warn("failed to persist payload", "role", role, "error", err)
	}
	if clearedNow {
		if err := l.opts.Store.ClearPayload(RoleNow); err != nil {
			l.logger.Warn("failed to persist payload", "role", RoleNow, "error", err)
		}
	}
}

// Restore loads persisted payloads into Latest. Failures are logged;
// the loop then simply starts empty.
func (l *Loop) Restore() {
	if l.opts.Store == nil {
		return
	}
	payloads, err := l.opts.Store.Payloads()
	if err != nil {
		l.logger.Warn("failed to restore payloads", "error", err)
		return
	}
	restored := 0
	for role, p := range payloads {
		// A renamed topic leaves its last value behind in the store.
		if l.opts.Latest.Role(p.Topic) != role {
			l.logger.Debug("skipping stored payload for unconfigured topic",
				"role", role, "topic", p.Topic)
			continue
		}
		l.opts.Latest.Set(role, Value{
			Topic:      p.Topic,
			Payload:    p.Value,
			Retained:   p.Retained,
			ReceivedAt: p.ReceivedAt,
		})
		restored++
	}
	if restored > 0 {
		l.logger.Info("restored payloads from state store", "count", restored)
	}
}

// Cycle runs one iteration: snapshot, evaluate, show. Errors from the
// engine produce the placeholder frame and surface errors are logged,
// so Cycle never fails. It returns the frame it rendered.
func (l *Loop) Cycle(ctx context.Context) display.Frame {
	snap := l.opts.Latest.Snapshot()
	at := l.clock.Now()
	l.checkStale(snap.Now, at)

	frame := display.Frame{At: at}
	res, err := l.opts.Engine.Evaluate(ctx, snap.Past.Payload, snap.Now.Payload)
	outcome := l.classify(err)

	if err != nil {
		frame.Text = l.opts.Placeholder
		frame.Placeholder = true
	} else {
		frame.Text = res.Label
		frame.Indicator = display.Indicator(res.Elapsed, res.Now.Hour(),
			l.opts.LEDThresholdMins, l.opts.LEDOffBeforeHour)
		if res.Clamped {
			l.logger.Warn("now precedes past, showing zero elapsed",
				"past", snap.Past.Payload,
				"now", snap.Now.Payload,
			)
		}
	}

	if err := l.opts.Surface.Show(ctx, frame); err != nil {
		l.logger.Warn("display update failed", "text", frame.Text, "error", err)
		if l.opts.Metrics != nil {
			l.opts.Metrics.DisplayFailed()
		}
	} else {
		l.logger.Debug("display updated",
			"text", frame.Text,
			"indicator", frame.Indicator,
			"outcome", outcome,
		)
		l.saveFrame(frame)
	}

	if l.opts.Metrics != nil {
		l.opts.Metrics.CycleCompleted(outcome, res.Elapsed, frame.Indicator)
	}

	l.mu.Lock()
	l.last = frame
	l.mu.Unlock()
	return frame
}

// LastFrame returns the frame of the most recent cycle.
func (l *Loop) LastFrame() display.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Loop) classify(err error) string {
	if err == nil {
		return OutcomeOK
	}

	var missing *elapsed.MissingDataError
	var parseErr *elapsed.ParseError
	switch {
	case errors.As(err, &missing):
		l.logger.Debug("no data yet", "field", missing.Field)
		return OutcomeMissing
	case errors.As(err, &parseErr):
		l.logger.Warn("unparseable timestamp",
			"field", parseErr.Field,
			"input", parseErr.Input,
			"error", parseErr.Err,
		)
		return OutcomeParseError
	default:
		l.logger.Warn("timezone resolution failed", "zone", l.opts.Engine.Zone, "error", err)
		return OutcomeZoneError
	}
}

// checkStale warns once when the "now" payload stops arriving and logs
// again when it resumes. Only the clock topic is expected to tick.
func (l *Loop) checkStale(now Value, at time.Time) {
	if now.IsZero() || now.ReceivedAt.IsZero() {
		return
	}
	age := at.Sub(now.ReceivedAt)
	stale := age > staleFactor*l.opts.Interval
	if stale && !l.stale {
		l.logger.Warn("now payload is stale",
			"topic", now.Topic,
			"age", age.Truncate(time.Second).String(),
		)
	} else if !stale && l.stale {
		l.logger.Info("now payload fresh again", "topic", now.Topic)
	}
	l.stale = stale
}

func (l *Loop) saveFrame(f display.Frame) {
	if l.opts.Store == nil {
		return
	}
	if err := l.opts.Store.SetDisplay("label", f.Text); err != nil {
		l.logger.Warn("failed to persist frame", "error", err)
		return
	}
	if err := l.opts.Store.SetDisplay("indicator", strconv.FormatBool(f.Indicator)); err != nil {
		l.logger.Warn("failed to persist frame", "error", err)
	}
}

// Run restores persisted payloads, renders immediately, then renders
// every Interval until ctx is cancelled. With RenderOnMessage an
// incoming message also triggers a cycle, at most once per MinRefresh.
func (l *Loop) Run(ctx context.Context) error {
	l.Restore()
	l.logger.Info("refresh loop started",
		"interval", l.opts.Interval.String(),
		"render_on_message", l.opts.RenderOnMessage,
	)

	l.limiter.Allow()
	l.Cycle(ctx)

	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("refresh loop stopped")
			return nil
		case <-ticker.C:
			l.limiter.Allow()
			l.Cycle(ctx)
		case <-l.trigger:
			if err := l.limiter.Wait(ctx); err != nil {
				l.logger.Info("refresh loop stopped")
				return nil
			}
			l.Cycle(ctx)
		}
	}
}
