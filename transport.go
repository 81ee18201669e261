package chatsync

import (
	"context"
	"time"
)

// (channel, headers, body, receivedAt)
type FrameFunc func(channel string, headers FrameHeaders, body []byte, receivedAt time.Time)

// (err)
type TransportErrorFunc func(err error)

// (err). err is nil on a deliberate close.
type TransportCloseFunc func(err error)

type FrameHeaders map[string]string

func (self FrameHeaders) merge(other FrameHeaders) FrameHeaders {
	merged := FrameHeaders{}
	for name, value := range self {
		merged[name] = value
	}
	for name, value := range other {
		merged[name] = value
	}
	return merged
}

type SubscriptionHandle interface {
	Channel() string
	Unsubscribe() error
}

// one logical publish/subscribe connection to the messaging server.
// A transport instance is single-use: `Open` at most once, then `Close`.
// The session manager creates a fresh transport per connection attempt.
//
// Implementations: `WsTransport` (STOMP over websocket, the platform default)
// and `NatsTransport` (broker subjects).
type Transport interface {
	// blocks until the connection handshake completes or fails.
	// Bounded by the transport's own handshake timeouts and by ctx.
	Open(ctx context.Context, endpoint string, headers FrameHeaders) error

	// registers `onFrame` for inbound frames on `channel`.
	// Bounded: resolves with an error when the server rejects the channel.
	Subscribe(channel string, headers FrameHeaders, onFrame FrameFunc) (SubscriptionHandle, error)

	Publish(channel string, headers FrameHeaders, body []byte) error

	// idempotent
	Close() error

	// fired on a transport-level error while open. Returns a remove function.
	AddErrorCallback(callback TransportErrorFunc) func()

	// fired exactly once when the connection ends, with the terminating error
	// or nil on deliberate close. Returns a remove function.
	AddCloseCallback(callback TransportCloseFunc) func()
}
