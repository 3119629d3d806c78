package location

import (
	"context"
	"sync"
	"time"
)

// StaticSource reports a fixed position, for hosts without a positioning
// provider.
type StaticSource struct {
	lat      float64
	lon      float64
	accuracy float64
	provider string
	now      func() time.Time

	mu     sync.Mutex
	active bool
}

func NewStaticSource(lat, lon, accuracy float64, provider string) *StaticSource {
	if provider == "" {
		provider = "static"
	}
	return &StaticSource{
		lat:      lat,
		lon:      lon,
		accuracy: accuracy,
		provider: provider,
		now:      time.Now,
	}
}

func (s *StaticSource) RequestUpdates(ctx context.Context, _ time.Duration, _ float64, onFix func(Fix)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	if onFix != nil {
		onFix(s.fix())
	}
	return nil
}

func (s *StaticSource) CancelUpdates() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) LastKnown() (Fix, bool) {
	return s.fix(), true
}

func (s *StaticSource) FetchFresh(ctx context.Context) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return s.fix(), nil
}

func (s *StaticSource) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *StaticSource) fix() Fix {
	return Fix{
		Lat:         s.lat,
		Lon:         s.lon,
		Accuracy:    s.accuracy,
		HasAccuracy: s.accuracy > 0,
		Provider:    s.provider,
		CapturedAt:  s.now(),
	}
}
