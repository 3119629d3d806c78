package transport

import (
	"context"
	"errors"
)

// Transport pushes alerts to a single preconfigured recipient. Each call is
// one network round-trip bounded by ctx; there is no internal retry.
type Transport interface {
	SendMessage(ctx context.Context, text string) error
	SendLocation(ctx context.Context, lat, lon float64, caption string) error
}

var (
	ErrNetwork        = errors.New("transport network error")
	ErrAuth           = errors.New("transport auth error")
	ErrServerRejected = errors.New("transport server rejected")
)

type Kind int

const (
	KindNone Kind = iota
	KindNetwork
	KindAuth
	KindServerRejected
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindServerRejected:
		return "server_rejected"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Unclassified errors count as network failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrServerRejected):
		return KindServerRejected
	default:
		return KindNetwork
	}
}
