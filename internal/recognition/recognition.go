package recognition

import (
	"context"
	"errors"
)

type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeNoMatch
	CodeSpeechTimeout
	CodeNetworkTimeout
	CodeNetwork
	CodeAudio
	CodeClient
	CodeServer
	CodeRecognizerBusy
	CodeInsufficientPermissions
)

func (c ErrorCode) String() string {
	switch c {
	case CodeNoMatch:
		return "no_match"
	case CodeSpeechTimeout:
		return "speech_timeout"
	case CodeNetworkTimeout:
		return "network_timeout"
	case CodeNetwork:
		return "network"
	case CodeAudio:
		return "audio"
	case CodeClient:
		return "client"
	case CodeServer:
		return "server"
	case CodeRecognizerBusy:
		return "recognizer_busy"
	case CodeInsufficientPermissions:
		return "insufficient_permissions"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the code is an ordinary end of a quiet cycle
// rather than a failure.
func (c ErrorCode) Recoverable() bool {
	return c == CodeNoMatch || c == CodeSpeechTimeout
}

type EventKind int

const (
	EventReady EventKind = iota
	EventPartial
	EventFinal
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Text string
	Code ErrorCode
	Err  error
}

func (e Event) Terminal() bool {
	return e.Kind == EventFinal || e.Kind == EventError
}

type ArmOptions struct {
	Locale         string
	PartialResults bool
}

// Source is a speech recognizer armed one cycle at a time. Every Arm ends
// with exactly one Final or Error event unless the cycle is cancelled, after
// which no further events are delivered. handler must not block or call
// back into the Source.
type Source interface {
	Arm(ctx context.Context, opts ArmOptions, handler func(Event)) error
	Cancel() error
	Close() error
}

var (
	ErrBusy   = errors.New("recognizer already armed")
	ErrClosed = errors.New("recognizer closed")
)
