package app

import (
	"context"
	"sync"
	"time"

	"github.com/liuscraft/safeword/internal/recognition"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	handlers []func(recognition.Event)
}

func (f *fakeRecognizer) Arm(_ context.Context, _ recognition.ArmOptions, handler func(recognition.Event)) error {
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognizer) Cancel() error { return nil }
func (f *fakeRecognizer) Close() error  { return nil }

func (f *fakeRecognizer) arms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeRecognizer) emit(ev recognition.Event) {
	f.mu.Lock()
	h := f.handlers[len(f.handlers)-1]
	f.mu.Unlock()
	h(ev)
}

type sentLocation struct {
	lat, lon float64
	caption  string
}

type fakeTransport struct {
	mu        sync.Mutex
	messages  []string
	locations []sentLocation
	err       error
	delay     time.Duration
}

func (f *fakeTransport) SendMessage(_ context.Context, text string) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeTransport) SendLocation(_ context.Context, lat, lon float64, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, sentLocation{lat, lon, caption})
	return nil
}

func (f *fakeTransport) sent() ([]string, []sentLocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...), append([]sentLocation(nil), f.locations...)
}
