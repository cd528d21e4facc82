package refresh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/inkclock/internal/display"
	"github.com/nugget/inkclock/internal/elapsed"
	"github.com/nugget/inkclock/internal/state"
)

const (
	topicPast = "home/feeding/last"
	topicNow  = "home/clock/now"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSurface struct {
	mu     sync.Mutex
	frames []display.Frame
	err    error
}

func (s *fakeSurface) Show(_ context.Context, f display.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakeStore struct {
	payloads map[string]state.Payload
	display  map[string]string
	listErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{payloads: map[string]state.Payload{}, display: map[string]string{}}
}

func (s *fakeStore) SavePayload(p state.Payload) error { s.payloads[p.Role] = p; return nil }
func (s *fakeStore) ClearPayload(role string) error    { delete(s.payloads, role); return nil }
func (s *fakeStore) SetDisplay(k, v string) error      { s.display[k] = v; return nil }
func (s *fakeStore) Payloads() (map[string]state.Payload, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.payloads, nil
}

type fakeMetrics struct {
	messages map[string]int
	outcomes map[string]int
	failed   int
	last     time.Duration
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{messages: map[string]int{}, outcomes: map[string]int{}}
}

func (m *fakeMetrics) MessageReceived(role string) { m.messages[role]++ }
func (m *fakeMetrics) DisplayFailed()              { m.failed++ }
func (m *fakeMetrics) CycleCompleted(outcome string, d time.Duration, _ bool) {
	m.outcomes[outcome]++
	m.last = d
}

type failingResolver struct{}

func (failingResolver) Location(context.Context, string, time.Time) (*time.Location, error) {
	return nil, errors.New("lookup failed")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	loop    *Loop
	latest  *Latest
	surface *fakeSurface
	store   *fakeStore
	metrics *fakeMetrics
	clock   *fakeClock
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		latest:  NewLatest(topicPast, topicNow, clock),
		surface: &fakeSurface{},
		store:   newFakeStore(),
		metrics: newFakeMetrics(),
		clock:   clock,
	}
	opts := Options{
		Engine:           &elapsed.Engine{Zone: "UTC", Resolver: elapsed.Fixed{}},
		Latest:           h.latest,
		Surface:          h.surface,
		Store:            h.store,
		Metrics:          h.metrics,
		Clock:            clock,
		Logger:           discardLogger(),
		Interval:         time.Minute,
		Placeholder:      "--",
		LEDThresholdMins: -1,
		LEDOffBeforeHour: display.NoCurfew,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.loop = New(opts)
	return h
}

func TestLatest_Update(t *testing.T) {
	l := NewLatest(topicPast, topicNow, nil)

	if role, _ := l.Update("other/topic", []byte("x"), false); role != "" {
		t.Errorf("unknown topic role = %q, want empty", role)
	}

	l.Update(topicPast, []byte(" 2026-10-19T09:00:00 \n"), true)
	l.Update(topicNow, []byte("2026-10-19T12:00:00"), true)

	snap := l.Snapshot()
	if snap.Past.Payload != "2026-10-19T09:00:00" {
		t.Errorf("past = %q, want trimmed payload", snap.Past.Payload)
	}
	if !snap.Past.Retained || snap.Past.Topic != topicPast {
		t.Errorf("past metadata = %+v", snap.Past)
	}
	if snap.Now.IsZero() {
		t.Error("now should be set")
	}
}

func TestLatest_NewPastClearsNow(t *testing.T) {
	l := NewLatest(topicPast, topicNow, nil)
	l.Update(topicPast, []byte("2026-10-19T09:00:00"), false)
	l.Update(topicNow, []byte("2026-10-19T12:00:00"), false)

	// Same past again (broker replay) keeps now.
	if _, cleared := l.Update(topicPast, []byte("2026-10-19T09:00:00"), true); cleared {
		t.Error("replayed past should not clear now")
	}
	if l.Snapshot().Now.IsZero() {
		t.Fatal("now cleared by identical past")
	}

	if _, cleared := l.Update(topicPast, []byte("2026-10-19T11:30:00"), false); !cleared {
		t.Error("changed past should clear now")
	}
	if !l.Snapshot().Now.IsZero() {
		t.Error("now should be empty after a new past")
	}
}

func TestLatest_EmptyPayloadClears(t *testing.T) {
	l := NewLatest(topicPast, topicNow, nil)
	l.Update(topicNow, []byte("2026-10-19T12:00:00"), true)
	l.Update(topicNow, nil, true)
	if !l.Snapshot().Now.IsZero() {
		t.Error("empty payload should clear the value")
	}
}

func TestLatest_Concurrent(t *testing.T) {
	l := NewLatest(topicPast, topicNow, nil)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if i%2 == 0 {
					l.Update(topicNow, []byte("2026-10-19T12:00:00"), false)
				} else {
					_ = l.Snapshot()
				}
			}
		}()
	}
	wg.Wait()
}

func TestCycle(t *testing.T) {
	tests := []struct {
		name        string
		past, now   string
		resolver    elapsed.Resolver
		wantText    string
		placeholder bool
		outcome     string
	}{
		{"ok", "2026-10-19T09:00:00", "2026-10-19T12:00:00", elapsed.Fixed{}, "3 hours ago", false, OutcomeOK},
		{"missing now", "2026-10-19T09:00:00", "", elapsed.Fixed{}, "--", true, OutcomeMissing},
		{"missing both", "", "", elapsed.Fixed{}, "--", true, OutcomeMissing},
		{"garbage", "yesterday", "2026-10-19T12:00:00", elapsed.Fixed{}, "--", true, OutcomeParseError},
		{"zone failure", "2026-10-19T09:00:00", "2026-10-19T12:00:00", failingResolver{}, "--", true, OutcomeZoneError},
		{"clamped", "2026-10-19T12:00:00", "2026-10-19T11:00:00", elapsed.Fixed{}, "0 minutes ago", false, OutcomeOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) {
				o.Engine = &elapsed.Engine{Zone: "UTC", Resolver: tt.resolver}
			})
			h.loop.HandleMessage(topicPast, []byte(tt.past), true)
			h.loop.HandleMessage(topicNow, []byte(tt.now), true)

			f := h.loop.Cycle(context.Background())
			if f.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", f.Text, tt.wantText)
			}
			if f.Placeholder != tt.placeholder {
				t.Errorf("Placeholder = %v, want %v", f.Placeholder, tt.placeholder)
			}
			if h.metrics.outcomes[tt.outcome] != 1 {
				t.Errorf("outcomes = %v, want one %q", h.metrics.outcomes, tt.outcome)
			}
			if h.surface.count() != 1 {
				t.Errorf("surface saw %d frames, want 1", h.surface.count())
			}
			if h.store.display["label"] != tt.wantText {
				t.Errorf("persisted label = %q, want %q", h.store.display["label"], tt.wantText)
			}
		})
	}
}

func TestCycle_RecoversAfterBadPayload(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.loop.HandleMessage(topicPast, []byte("not a time"), false)
	h.loop.HandleMessage(topicNow, []byte("2026-10-19T12:00:00"), false)
	if f := h.loop.Cycle(ctx); !f.Placeholder {
		t.Fatalf("expected placeholder, got %q", f.Text)
	}

	h.loop.HandleMessage(topicPast, []byte("2026-10-17T12:00:00"), false)
	h.loop.HandleMessage(topicNow, []byte("2026-10-19T12:00:00"), false)
	if f := h.loop.Cycle(ctx); f.Text != "2 days ago" {
		t.Errorf("Text = %q, want %q", f.Text, "2 days ago")
	}
}

func TestCycle_Indicator(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.LEDThresholdMins = 150
		o.LEDOffBeforeHour = 8
	})
	ctx := context.Background()

	h.loop.HandleMessage(topicPast, []byte("2026-10-19T01:00:00"), false)
	h.loop.HandleMessage(topicNow, []byte("2026-10-19T07:00:00"), false)
	if f := h.loop.Cycle(ctx); f.Indicator {
		t.Error("indicator should be off before 08:00")
	}

	h.loop.HandleMessage(topicNow, []byte("2026-10-19T09:00:00"), false)
	f := h.loop.Cycle(ctx)
	if !f.Indicator {
		t.Error("indicator should be on after 8 hours once curfew ends")
	}
	if h.store.display["indicator"] != "true" {
		t.Errorf("persisted indicator = %q", h.store.display["indicator"])
	}
}

func TestCycle_SurfaceError(t *testing.T) {
	h := newHarness(t, nil)
	h.surface.err = errors.New("panel busy")

	h.loop.HandleMessage(topicPast, []byte("2026-10-19T09:00:00"), false)
	h.loop.HandleMessage(topicNow, []byte("2026-10-19T12:00:00"), false)
	f := h.loop.Cycle(context.Background())

	if f.Text != "3 hours ago" {
		t.Errorf("Text = %q", f.Text)
	}
	if h.metrics.failed != 1 {
		t.Errorf("DisplayFailed calls = %d, want 1", h.metrics.failed)
	}
	if _, ok := h.store.display["label"]; ok {
		t.Error("failed frame should not be persisted")
	}
}

func TestCycle_StaleWarning(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, func(o *Options) {
		o.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})
	ctx := context.Background()

	h.loop.HandleMessage(topicPast, []byte("2026-10-19T09:00:00"), false)
	h.loop.HandleMessage(topicNow, []byte("2026-10-19T12:00:00"), false)
	h.loop.Cycle(ctx)
	if strings.Contains(buf.String(), "stale") {
		t.Fatalf("fresh payload reported stale: %s", buf.String())
	}

	h.clock.Advance(5 * time.Minute)
	h.loop.Cycle(ctx)
	h.loop.Cycle(ctx)
	if n := strings.Count(buf.String(), "now payload is stale"); n != 1 {
		t.Errorf("stale warnings = %d, want 1", n)
	}

	h.loop.HandleMessage(topicNow, []byte("2026-10-19T12:05:00"), false)
	h.loop.Cycle(ctx)
	if !strings.Contains(buf.String(), "fresh again") {
		t.Error("expected recovery log")
	}
}

func TestHandleMessage_Persists(t *testing.T) {
	h := newHarness(t, nil)

	h.loop.HandleMessage(topicPast, []byte("2026-10-19T09:00:00"), true)
	h.loop.HandleMessage(topicNow, []byte("2026-10-19T12:00:00"), true)
	if len(h.store.payloads) != 2 {
		t.Fatalf("stored payloads = %d, want 2", len(h.store.payloads))
	}
	if !h.store.payloads[RolePast].Retained {
		t.Error("retained flag not persisted")
	}

	h.loop.HandleMessage(topicPast, []byte("2026-10-19T11:00:00"), false)
	if _, ok := h.store.payloads[RoleNow]; ok {
		t.Error("stored now should be cleared by a new past")
	}
	if h.metrics.messages[RolePast] != 2 || h.metrics.messages[RoleNow] != 1 {
		t.Errorf("messages = %v", h.metrics.messages)
	}

	h.loop.HandleMessage("unrelated", []byte("x"), false)
	if len(h.metrics.messages) != 2 {
		t.Errorf("unrelated topic counted: %v", h.metrics.messages)
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t, nil)
	at := time.Date(2026, 10, 19, 11, 59, 0, 0, time.UTC)
	h.store.payloads[RolePast] = state.Payload{Role: RolePast, Topic: topicPast, Value: "2026-10-19T09:00:00", ReceivedAt: at}
	h.store.payloads[RoleNow] = state.Payload{Role: RoleNow, Topic: topicNow, Value: "2026-10-19T12:00:00", ReceivedAt: at}

	if got := h.loop.LastFrame(); got.Text != "" {
		t.Errorf("LastFrame() before any cycle = %q", got.Text)
	}

	h.loop.Restore()
	if f := h.loop.Cycle(context.Background()); f.Text != "3 hours ago" {
		t.Errorf("Text after restore = %q", f.Text)
	}
	if got := h.loop.LastFrame(); got.Text != "3 hours ago" {
		t.Errorf("LastFrame() = %q", got.Text)
	}
}

func TestRestore_SkipsRenamedTopic(t *testing.T) {
	h := newHarness(t, nil)
	at := time.Date(2026, 10, 19, 11, 59, 0, 0, time.UTC)
	h.store.payloads[RolePast] = state.Payload{Role: RolePast, Topic: "home/old/last", Value: "2026-10-19T09:00:00", ReceivedAt: at}
	h.store.payloads[RoleNow] = state.Payload{Role: RoleNow, Topic: topicNow, Value: "2026-10-19T12:00:00", ReceivedAt: at}

	h.loop.Restore()

	snap := h.latest.Snapshot()
	if !snap.Past.IsZero() {
		t.Errorf("past restored from old topic: %+v", snap.Past)
	}
	if snap.Now.Payload != "2026-10-19T12:00:00" {
		t.Errorf("now = %q, want restored value", snap.Now.Payload)
	}
	if f := h.loop.Cycle(context.Background()); !f.Placeholder {
		t.Errorf("Text = %q, want placeholder until the new topic delivers", f.Text)
	}
}

func TestRestore_StoreError(t *testing.T) {
	h := newHarness(t, nil)
	h.store.listErr = errors.New("disk gone")
	h.loop.Restore()
	if f := h.loop.Cycle(context.Background()); !f.Placeholder {
		t.Errorf("expected placeholder, got %q", f.Text)
	}
}

func TestRun_CyclesImmediatelyAndStops(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Interval = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for h.surface.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no initial frame")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_RenderOnMessage(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Interval = time.Hour
		o.RenderOnMessage = true
		o.MinRefresh = time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.loop.Run(ctx)

	waitFrames := func(n int) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for h.surface.count() < n {
			select {
			case <-deadline:
				t.Fatalf("saw %d frames, want %d", h.surface.count(), n)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	waitFrames(1)
	h.loop.HandleMessage(topicNow, []byte("2026-10-19T12:00:00"), false)
	waitFrames(2)
}
