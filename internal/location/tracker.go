package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/liuscraft/safeword/internal/logging"
)

type TrackerConfig struct {
	Staleness       time.Duration
	FetchTimeout    time.Duration
	MaxLastKnownAge time.Duration
	MinInterval     time.Duration
	MinDistanceM    float64
	Now             func() time.Time
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Staleness:       2 * time.Minute,
		FetchTimeout:    10 * time.Second,
		MaxLastKnownAge: 5 * time.Minute,
		MinInterval:     5 * time.Second,
		MinDistanceM:    10,
	}
}

// Tracker retains the single best fix of a session.
type Tracker struct {
	cfg    TrackerConfig
	source Source

	mu        sync.Mutex
	best      *Fix
	permitted bool
	active    bool
}

func NewTracker(source Source, cfg TrackerConfig) *Tracker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{cfg: cfg, source: source}
}

// Start requests updates from the source and seeds the tracker with the
// last known fix. onFix is called for every fix the tracker retains.
func (t *Tracker) Start(ctx context.Context, permitted bool, onFix func(Fix)) error {
	t.mu.Lock()
	t.best = nil
	t.permitted = permitted
	t.active = permitted && t.source != nil
	t.mu.Unlock()

	if !permitted || t.source == nil {
		return nil
	}

	if fix, ok := t.source.LastKnown(); ok && t.fresh(fix) {
		t.Offer(fix)
	}

	return t.source.RequestUpdates(ctx, t.cfg.MinInterval, t.cfg.MinDistanceM, func(fix Fix) {
		if t.Offer(fix) && onFix != nil {
			onFix(fix)
		}
	})
}

// Stop cancels updates. The retained fix is dropped.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	t.best = nil
	t.mu.Unlock()

	if !wasActive {
		return nil
	}
	return t.source.CancelUpdates()
}

// Offer retains fix when it is better than the current one.
func (t *Tracker) Offer(fix Fix) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !IsBetter(fix, t.best, t.cfg.Staleness) {
		return false
	}
	f := fix
	t.best = &f
	return true
}

func (t *Tracker) Best() (Fix, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.best == nil {
		return Fix{}, false
	}
	return *t.best, true
}

// BestEffort returns the best location obtainable within the fetch timeout.
// A fresh fix is requested only when the retained one is missing or stale.
func (t *Tracker) BestEffort(ctx context.Context) Snapshot {
	t.mu.Lock()
	permitted := t.permitted
	t.mu.Unlock()
	if !permitted {
		return Unavailable
	}

	if fix, ok := t.Best(); ok && t.fresh(fix) {
		return t.snapshot(fix, false)
	}

	if fetcher, ok := t.source.(FreshFetcher); ok && t.cfg.FetchTimeout > 0 {
		fetchCtx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
		fix, err := fetcher.FetchFresh(fetchCtx)
		cancel()
		switch {
		case err == nil:
			t.Offer(fix)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			logging.Debugf("fresh location fetch ended: %v", err)
		default:
			logging.Warnf("fresh location fetch failed: %v", err)
		}
	}

	if fix, ok := t.Best(); ok {
		return t.snapshot(fix, false)
	}

	if t.source != nil {
		if fix, ok := t.source.LastKnown(); ok {
			if t.cfg.MaxLastKnownAge <= 0 || t.cfg.Now().Sub(fix.CapturedAt) <= t.cfg.MaxLastKnownAge {
				return t.snapshot(fix, true)
			}
		}
	}

	return Snapshot{Permitted: true}
}

func (t *Tracker) fresh(fix Fix) bool {
	return t.cfg.Staleness <= 0 || t.cfg.Now().Sub(fix.CapturedAt) <= t.cfg.Staleness
}

func (t *Tracker) snapshot(fix Fix, approximate bool) Snapshot {
	age := t.cfg.Now().Sub(fix.CapturedAt)
	if age < 0 {
		age = 0
	}
	return Snapshot{
		Fix:         fix,
		Available:   true,
		Approximate: approximate,
		Permitted:   true,
		Age:         age,
	}
}
