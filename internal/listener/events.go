package listener

import (
	"time"

	"github.com/liuscraft/safeword/internal/alert"
)

// EventType identifies a listener notification.
type EventType int

const (
	EventTypePartialTranscript EventType = iota
	EventTypeDetection
	EventTypeStatusChanged
	EventTypeAlertSent
	EventTypeAlertFailed
)

func (t EventType) String() string {
	switch t {
	case EventTypePartialTranscript:
		return "partial_transcript"
	case EventTypeDetection:
		return "detection"
	case EventTypeStatusChanged:
		return "status_changed"
	case EventTypeAlertSent:
		return "alert_sent"
	case EventTypeAlertFailed:
		return "alert_failed"
	default:
		return "unknown"
	}
}

type Event interface {
	Type() EventType
	Timestamp() time.Time
}

type EventHandler func(event Event)

type BaseEvent struct {
	eventType EventType
	timestamp time.Time
}

func (e *BaseEvent) Type() EventType {
	return e.eventType
}

func (e *BaseEvent) Timestamp() time.Time {
	return e.timestamp
}

// PartialTranscriptEvent carries an interim transcript for live display.
type PartialTranscriptEvent struct {
	BaseEvent
	SessionID string
	Text      string
	Utterance uint64
}

func NewPartialTranscriptEvent(sessionID, text string, utterance uint64, at time.Time) *PartialTranscriptEvent {
	return &PartialTranscriptEvent{
		BaseEvent: BaseEvent{eventType: EventTypePartialTranscript, timestamp: at},
		SessionID: sessionID,
		Text:      text,
		Utterance: utterance,
	}
}

// DetectionEvent is published for every final transcript.
type DetectionEvent struct {
	BaseEvent
	SessionID string
	Text      string
	Utterance uint64
	Matched   bool
	Count     int
}

func NewDetectionEvent(sessionID, text string, utterance uint64, matched bool, count int, at time.Time) *DetectionEvent {
	return &DetectionEvent{
		BaseEvent: BaseEvent{eventType: EventTypeDetection, timestamp: at},
		SessionID: sessionID,
		Text:      text,
		Utterance: utterance,
		Matched:   matched,
		Count:     count,
	}
}

// StatusChangedEvent reports a state transition with the session as it was
// right after the change.
type StatusChangedEvent struct {
	BaseEvent
	OldState State
	NewState State
	Reason   string
	Session  Session
}

func NewStatusChangedEvent(oldState, newState State, reason string, session Session, at time.Time) *StatusChangedEvent {
	return &StatusChangedEvent{
		BaseEvent: BaseEvent{eventType: EventTypeStatusChanged, timestamp: at},
		OldState:  oldState,
		NewState:  newState,
		Reason:    reason,
		Session:   session,
	}
}

type AlertSentEvent struct {
	BaseEvent
	Record alert.Record
}

func NewAlertSentEvent(rec alert.Record, at time.Time) *AlertSentEvent {
	return &AlertSentEvent{
		BaseEvent: BaseEvent{eventType: EventTypeAlertSent, timestamp: at},
		Record:    rec,
	}
}

type AlertFailedEvent struct {
	BaseEvent
	Record alert.Record
}

func NewAlertFailedEvent(rec alert.Record, at time.Time) *AlertFailedEvent {
	return &AlertFailedEvent{
		BaseEvent: BaseEvent{eventType: EventTypeAlertFailed, timestamp: at},
		Record:    rec,
	}
}
