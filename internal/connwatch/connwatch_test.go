package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fast() Backoff {
	return Backoff{
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2.0,
		Attempts:   5,
		Poll:       5 * time.Millisecond,
		Timeout:    100 * time.Millisecond,
	}
}

func quietManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

type transitions struct {
	mu  sync.Mutex
	ups []bool
}

func (tr *transitions) record(_ string, up bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.ups = append(tr.ups, up)
}

func (tr *transitions) get() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]bool(nil), tr.ups...)
}

func TestDefaultBackoff(t *testing.T) {
	t.Parallel()
	b := Backoff{Initial: time.Second}.withDefaults()
	d := DefaultBackoff()

	if b.Initial != time.Second {
		t.Errorf("Initial = %v, want explicit 1s kept", b.Initial)
	}
	if b.Max != d.Max || b.Attempts != d.Attempts || b.Poll != d.Poll || b.Timeout != d.Timeout {
		t.Errorf("withDefaults() = %+v", b)
	}
}

func TestWatcher_UpImmediately(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &transitions{}
	w := quietManager().Watch(ctx, Target{
		Name:     "broker",
		Probe:    func(context.Context) error { return nil },
		Backoff:  fast(),
		OnChange: tr.record,
	})

	eventually(t, w.Up, "broker never came up")
	time.Sleep(20 * time.Millisecond)

	if got := tr.get(); len(got) != 1 || !got[0] {
		t.Errorf("transitions = %v, want [true] (no repeats while steady)", got)
	}
	if w.LastError() != nil {
		t.Errorf("LastError() = %v", w.LastError())
	}
}

func TestWatcher_BackoffThenUp(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	w := quietManager().Watch(ctx, Target{
		Name: "timezone",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errors.New("connection refused")
			}
			return nil
		},
		Backoff: fast(),
	})

	eventually(t, w.Up, "never recovered during startup")
	if n := attempts.Load(); n < 4 {
		t.Errorf("attempts = %d, want >= 4", n)
	}
}

func TestWatcher_DownThenRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	tr := &transitions{}
	w := quietManager().Watch(ctx, Target{
		Name: "broker",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("broker gone")
			}
			return nil
		},
		Backoff:  fast(),
		OnChange: tr.record,
	})

	eventually(t, w.Up, "never up")
	failing.Store(true)
	eventually(t, func() bool { return !w.Up() }, "down not detected")
	if w.Status().LastError != "broker gone" {
		t.Errorf("Status().LastError = %q", w.Status().LastError)
	}
	failing.Store(false)
	eventually(t, w.Up, "recovery not detected")

	got := tr.get()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transitions = %v, want %v", got, want)
			break
		}
	}
}

func TestWatcher_FirstProbeDownReported(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := &transitions{}
	b := fast()
	b.Attempts = 1
	quietManager().Watch(ctx, Target{
		Name:     "broker",
		Probe:    func(context.Context) error { return errors.New("no route") },
		Backoff:  b,
		OnChange: tr.record,
	})

	eventually(t, func() bool { return len(tr.get()) > 0 }, "no initial report")
	time.Sleep(20 * time.Millisecond)
	if got := tr.get(); len(got) != 1 || got[0] {
		t.Errorf("transitions = %v, want [false]", got)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := fast()
	b.Timeout = 5 * time.Millisecond
	b.Attempts = 1
	w := quietManager().Watch(ctx, Target{
		Name: "timezone",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})

	eventually(t, func() bool { return w.LastError() != nil }, "timeout never recorded")
	if w.Up() {
		t.Error("blocked probe should not count as up")
	}
}

func TestWatcher_StopAndCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	w := quietManager().Watch(ctx, Target{
		Name:    "broker",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: fast(),
	})
	cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}

	w2 := quietManager().Watch(context.Background(), Target{
		Name:    "broker",
		Probe:   func(context.Context) error { return nil },
		Backoff: fast(),
	})
	stopped := make(chan struct{})
	go func() {
		w2.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestManager_StatusAndHealthy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := quietManager()
	if !m.Healthy() {
		t.Error("empty manager should be healthy")
	}

	up := m.Watch(ctx, Target{
		Name:    "broker",
		Probe:   func(context.Context) error { return nil },
		Backoff: fast(),
	})
	b := fast()
	b.Attempts = 1
	down := m.Watch(ctx, Target{
		Name:    "timezone",
		Probe:   func(context.Context) error { return errors.New("503") },
		Backoff: b,
	})

	eventually(t, up.Up, "broker never up")
	eventually(t, func() bool { return down.LastError() != nil }, "timezone never probed")

	if m.Healthy() {
		t.Error("manager with a down dependency should not be healthy")
	}

	st := m.Status()
	if len(st) != 2 || st[0].Name != "broker" || st[1].Name != "timezone" {
		t.Fatalf("Status() = %+v, want broker then timezone", st)
	}
	if !st[0].Up || st[1].Up {
		t.Errorf("Status() up flags = %v, %v", st[0].Up, st[1].Up)
	}
	if st[1].LastError != "503" {
		t.Errorf("timezone LastError = %q", st[1].LastError)
	}

	m.Stop()
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		target Target
	}{
		{"empty name", Target{Probe: func(context.Context) error { return nil }}},
		{"nil probe", Target{Name: "broker"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			quietManager().Watch(context.Background(), tt.target)
		})
	}
}
