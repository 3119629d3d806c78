package location

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Fix is a single location reading.
type Fix struct {
	Lat         float64
	Lon         float64
	Accuracy    float64
	HasAccuracy bool
	Provider    string
	CapturedAt  time.Time
}

func (f Fix) MapsLink() string {
	return fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", f.Lat, f.Lon)
}

// Source delivers fixes from a positioning provider.
type Source interface {
	RequestUpdates(ctx context.Context, minInterval time.Duration, minDistanceM float64, onFix func(Fix)) error
	CancelUpdates() error
	LastKnown() (Fix, bool)
}

// FreshFetcher is implemented by sources that can be asked for a new fix on
// demand.
type FreshFetcher interface {
	FetchFresh(ctx context.Context) (Fix, error)
}

// IsBetter reports whether candidate should replace current. A candidate wins
// when nothing is retained, when it is newer by more than staleness, or when
// both carry accuracy and the candidate's is tighter.
func IsBetter(candidate Fix, current *Fix, staleness time.Duration) bool {
	if current == nil {
		return true
	}
	if candidate.CapturedAt.Sub(current.CapturedAt) > staleness {
		return true
	}
	if candidate.HasAccuracy && current.HasAccuracy {
		return candidate.Accuracy < current.Accuracy
	}
	return false
}

// Snapshot is the best-effort location used in an alert.
type Snapshot struct {
	Fix         Fix
	Available   bool
	Approximate bool
	Permitted   bool
	Age         time.Duration
}

// Unavailable is returned when no fix can be produced.
var Unavailable = Snapshot{}

func (s Snapshot) String() string {
	if !s.Permitted {
		return "Location unavailable (permission not granted)"
	}
	if !s.Available {
		return "Location unavailable"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Lat: %.6f, Lon: %.6f\n", s.Fix.Lat, s.Fix.Lon)
	if s.Fix.HasAccuracy {
		fmt.Fprintf(&b, "Accuracy: ±%.0fm (%s)\n", s.Fix.Accuracy, providerName(s.Fix.Provider))
	} else {
		fmt.Fprintf(&b, "Provider: %s\n", providerName(s.Fix.Provider))
	}
	fmt.Fprintf(&b, "Age: %ds", int64(s.Age/time.Second))
	if s.Approximate {
		b.WriteString(" (approximate)")
	}
	b.WriteString("\nGoogle Maps: ")
	b.WriteString(s.Fix.MapsLink())
	return b.String()
}

func providerName(p string) string {
	if strings.TrimSpace(p) == "" {
		return "unknown"
	}
	return p
}
