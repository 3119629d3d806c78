package keyword

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTrigger is returned for trigger words that cannot be matched.
var ErrInvalidTrigger = errors.New("invalid trigger word")

// TriggerConfig is the trigger snapshot a session runs with.
type TriggerConfig struct {
	Keyword string
	Enabled bool
}

// Armed reports whether a match on this config should raise an alert.
func (c TriggerConfig) Armed() bool {
	return c.Enabled && Normalize(c.Keyword) != ""
}

// Transcript is one recognized text fragment.
type Transcript struct {
	Text      string
	IsPartial bool
	Utterance uint64
	Timestamp time.Time
}

func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Matches reports whether transcript contains trigger after normalization.
// An empty trigger never matches.
func Matches(transcript, trigger string) bool {
	t := Normalize(trigger)
	if t == "" {
		return false
	}
	return strings.Contains(Normalize(transcript), t)
}

// ValidateTrigger normalizes word and rejects empty input.
func ValidateTrigger(word string) (string, error) {
	normalized := Normalize(word)
	if normalized == "" {
		return "", fmt.Errorf("%w: trigger word must not be empty", ErrInvalidTrigger)
	}
	return normalized, nil
}

// Deduper admits the first match of every utterance. Not safe for
// concurrent use; the listener worker owns it.
type Deduper struct {
	last    uint64
	started bool
}

func (d *Deduper) Admit(utterance uint64) bool {
	if d.started && utterance <= d.last {
		return false
	}
	d.started = true
	d.last = utterance
	return true
}

func (d *Deduper) Reset() {
	d.started = false
	d.last = 0
}
