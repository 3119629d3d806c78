package listener

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/liuscraft/safeword/internal/alert"
	"github.com/liuscraft/safeword/internal/location"
	"github.com/liuscraft/safeword/internal/recognition"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	handlers []func(recognition.Event)
	opts     []recognition.ArmOptions
	cancels  int
	armErr   error
}

func (f *fakeRecognizer) Arm(_ context.Context, opts recognition.ArmOptions, handler func(recognition.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armErr != nil {
		return f.armErr
	}
	f.handlers = append(f.handlers, handler)
	f.opts = append(f.opts, opts)
	return nil
}

func (f *fakeRecognizer) Cancel() error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognizer) Close() error { return nil }

func (f *fakeRecognizer) arms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeRecognizer) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// handler returns the callback of the n-th Arm, starting at 1.
func (f *fakeRecognizer) handler(n int) func(recognition.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[n-1]
}

// emit delivers ev to the most recent cycle.
func (f *fakeRecognizer) emit(ev recognition.Event) {
	f.mu.Lock()
	h := f.handlers[len(f.handlers)-1]
	f.mu.Unlock()
	h(ev)
}

type fakeLocator struct {
	mu        sync.Mutex
	starts    int
	stops     int
	permitted bool
	onFix     func(location.Fix)
	best      *location.Fix
}

func (f *fakeLocator) Start(_ context.Context, permitted bool, onFix func(location.Fix)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.permitted = permitted
	f.onFix = onFix
	return nil
}

func (f *fakeLocator) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeLocator) Best() (location.Fix, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.best == nil {
		return location.Fix{}, false
	}
	return *f.best, true
}

func (f *fakeLocator) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeWakeLock struct {
	mu       sync.Mutex
	acquires int
	releases int
}

func (w *fakeWakeLock) Acquire() error {
	w.mu.Lock()
	w.acquires++
	w.mu.Unlock()
	return nil
}

func (w *fakeWakeLock) Release() {
	w.mu.Lock()
	w.releases++
	w.mu.Unlock()
}

func (w *fakeWakeLock) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acquires, w.releases
}

type fakeDispatcher struct {
	mu      sync.Mutex
	matches []alert.Match
	ctxs    []context.Context
}

func (d *fakeDispatcher) OnMatch(ctx context.Context, m alert.Match) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.matches = append(d.matches, m)
	d.ctxs = append(d.ctxs, ctx)
	return true
}

func (d *fakeDispatcher) all() []alert.Match {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alert.Match(nil), d.matches...)
}

type failingTransport struct {
	mu       sync.Mutex
	fail     error
	messages []string
}

func (t *failingTransport) SendMessage(_ context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.messages = append(t.messages, text)
	return nil
}

func (t *failingTransport) SendLocation(context.Context, float64, float64, string) error {
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) statuses() []*StatusChangedEvent {
	var out []*StatusChangedEvent
	for _, e := range r.all() {
		if s, ok := e.(*StatusChangedEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
