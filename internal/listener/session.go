package listener

import (
	"slices"
	"time"

	"github.com/jinzhu/copier"

	"github.com/liuscraft/safeword/internal/keyword"
	"github.com/liuscraft/safeword/internal/logging"
)

// Session is the observable state of one listening session. It is reset on
// every start and handed out as a copy.
type Session struct {
	ID               string
	Running          bool
	Listening        bool
	Status           State
	StatusReason     string
	Trigger          keyword.TriggerConfig
	DetectionCount   int
	AlertCount       int
	FailedAlertCount int
	RestartAttempts  int
	LastRestartAt    time.Time
	StartedAt        time.Time
	HasLocation      bool
	History          []keyword.Transcript
}

func (s Session) clone() Session {
	var out Session
	if err := copier.Copy(&out, &s); err != nil {
		logging.Warnf("copy session snapshot: %v", err)
		out = s
	}
	out.History = slices.Clone(s.History)
	return out
}

// record appends t to the history, replacing the trailing partial of the
// same utterance so each utterance keeps one entry.
func (s *Session) record(t keyword.Transcript, limit int) {
	if n := len(s.History); n > 0 {
		last := s.History[n-1]
		if last.IsPartial && last.Utterance == t.Utterance {
			s.History[n-1] = t
			return
		}
	}
	s.History = append(s.History, t)
	if limit > 0 && len(s.History) > limit {
		s.History = slices.Clone(s.History[len(s.History)-limit:])
	}
}
