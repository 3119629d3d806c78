package alert

import (
	"context"
	"sync"
	"time"

	"github.com/liuscraft/safeword/internal/location"
)

type sentLocation struct {
	lat, lon float64
	caption  string
}

type mockTransport struct {
	mu          sync.Mutex
	messages    []string
	locations   []sentLocation
	messageErr  error
	locationErr error
	delay       time.Duration
	inFlight    int
	maxInFlight int
	ctxErrs     []error
}

func (m *mockTransport) SendMessage(ctx context.Context, text string) error {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.messageErr != nil {
		return m.messageErr
	}
	m.messages = append(m.messages, text)
	return nil
}

func (m *mockTransport) SendLocation(_ context.Context, lat, lon float64, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locationErr != nil {
		return m.locationErr
	}
	m.locations = append(m.locations, sentLocation{lat: lat, lon: lon, caption: caption})
	return nil
}

func (m *mockTransport) sentMessages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

type staticLocator struct {
	snap  location.Snapshot
	calls int
	mu    sync.Mutex
}

func (s *staticLocator) BestEffort(ctx context.Context) location.Snapshot {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if ctx.Err() != nil {
		return location.Snapshot{Permitted: true}
	}
	return s.snap
}
