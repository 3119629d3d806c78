package restart

import (
	"time"
)

// Class groups recognizer cycle outcomes by how the listener should react.
type Class int

const (
	// ClassCompleted is a cycle that ended with a final transcript.
	ClassCompleted Class = iota
	// ClassRecoverable covers silence and unmatched speech.
	ClassRecoverable
	// ClassSerious covers network, audio, engine and permission failures.
	ClassSerious
)

func (c Class) String() string {
	switch c {
	case ClassCompleted:
		return "completed"
	case ClassRecoverable:
		return "recoverable"
	case ClassSerious:
		return "serious"
	default:
		return "unknown"
	}
}

type Policy struct {
	FastDelay   time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	ResetWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		FastDelay:   500 * time.Millisecond,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
		ResetWindow: 30 * time.Second,
	}
}

type Decision struct {
	Delay    time.Duration
	Halt     bool
	Attempts int
}

// Decide is pure: attempts is the consecutive serious-error count so far and
// elapsed the time since the last serious error or success.
func (p Policy) Decide(class Class, attempts int, elapsed time.Duration) Decision {
	if attempts < 0 {
		attempts = 0
	}
	windowPassed := p.ResetWindow > 0 && elapsed >= p.ResetWindow

	switch class {
	case ClassCompleted:
		return Decision{Delay: p.FastDelay}
	case ClassRecoverable:
		if windowPassed {
			attempts = 0
		}
		return Decision{Delay: p.FastDelay, Attempts: attempts}
	}

	if windowPassed {
		attempts = 0
	}
	attempts++
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return Decision{Halt: true, Attempts: attempts}
	}
	return Decision{Delay: p.backoff(attempts), Attempts: attempts}
}

func (p Policy) backoff(attempts int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Tracker applies a Policy against wall-clock time. Not safe for concurrent
// use.
type Tracker struct {
	policy   Policy
	attempts int
	anchor   time.Time
}

func NewTracker(policy Policy, now time.Time) *Tracker {
	return &Tracker{policy: policy, anchor: now}
}

func (t *Tracker) Next(class Class, now time.Time) Decision {
	d := t.policy.Decide(class, t.attempts, now.Sub(t.anchor))
	t.attempts = d.Attempts
	if class != ClassRecoverable {
		t.anchor = now
	}
	return d
}

func (t *Tracker) Attempts() int {
	return t.attempts
}

func (t *Tracker) Reset(now time.Time) {
	t.attempts = 0
	t.anchor = now
}
