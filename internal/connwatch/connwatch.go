// Package connwatch tracks whether inkclock's network dependencies are
// reachable: the MQTT broker and, when configured, the HTTP timezone
// service.
//
// The refresh loop keeps running through outages (the last payloads
// stay in memory), so connwatch never gates anything. It exists to make
// outages visible: state transitions are logged, reported to an
// optional callback that drives the dependency_up gauge, and exposed on
// the /health endpoint.
//
// A Watcher first probes with exponential backoff (2s, 4s, 8s, ...
// capped at 60s) and then settles into fixed-interval polling.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks one dependency. A nil return means reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff is the probe schedule of a Watcher.
type Backoff struct {
	Initial    time.Duration // first retry delay
	Max        time.Duration // retry delay ceiling
	Multiplier float64
	Attempts   int           // startup probes before switching to polling
	Poll       time.Duration // interval once settled
	Timeout    time.Duration // per-probe deadline
}

// DefaultBackoff is the schedule used for zero fields.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
		Attempts:   10,
		Poll:       60 * time.Second,
		Timeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Target describes one watched dependency.
type Target struct {
	Name    string // "broker", "timezone"
	Probe   ProbeFunc
	Backoff Backoff

	// OnChange is called synchronously from the watcher goroutine on
	// every up/down transition, and once after the first probe.
	OnChange func(name string, up bool)
}

// Status is the JSON shape of one dependency on /health.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single dependency until stopped.
type Watcher struct {
	target Target
	logger *slog.Logger
	up     atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	checked   bool
	lastErr   error
	lastCheck time.Time
}

// Up reports whether the last probe succeeded.
func (w *Watcher) Up() bool { return w.up.Load() }

// LastError returns the most recent probe error.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status snapshots the watcher for reporting.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.target.Name,
		Up:        w.up.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// Done is closed when the watcher exits.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.target.Backoff

	delay := b.Initial
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.logger.Info("dependency reachable",
				"dependency", w.target.Name,
				"attempts", attempt,
			)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == b.Attempts {
			w.logger.Warn("dependency unreachable at startup, polling in background",
				"dependency", w.target.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		w.logger.Debug("dependency probe failed, retrying",
			"dependency", w.target.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.Max)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe, records it, and reports a transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.target.Backoff.Timeout)
	err := w.target.Probe(probeCtx)
	cancel()

	up := err == nil
	w.mu.Lock()
	first := !w.checked
	w.checked = true
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	was := w.up.Swap(up)
	if !first && was != up {
		if up {
			w.logger.Info("dependency recovered", "dependency", w.target.Name)
		} else {
			w.logger.Warn("dependency lost", "dependency", w.target.Name, "error", err)
		}
	}
	if (first || was != up) && w.target.OnChange != nil {
		w.target.OnChange(w.target.Name, up)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Manager owns the watchers of one process.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates an empty manager. A nil logger uses slog.Default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher for t. It panics on an empty name or nil
// probe, both programming errors.
func (m *Manager) Watch(ctx context.Context, t Target) *Watcher {
	if t.Name == "" {
		panic("connwatch: Target.Name must not be empty")
	}
	if t.Probe == nil {
		panic("connwatch: Target.Probe must not be nil")
	}
	t.Backoff = t.Backoff.withDefaults()

	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		target: t,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.watchers[t.Name] = w
	m.mu.Unlock()

	go w.run(ctx)
	return w
}

// Status returns every watcher's status ordered by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched dependency is up. A manager
// with no watchers is healthy.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Up() {
			return false
		}
	}
	return true
}

// Stop stops all watchers.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
