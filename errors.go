package chatsync

import (
	"errors"
	"fmt"
)

var (
	// connect was called without a usable credential
	ErrMissingCredentials = errors.New("missing credentials")
	// an outbound command needs a live session
	ErrNotConnected = errors.New("not connected")
	// an outbound command targets a message with no server id yet
	ErrMissingIdentifier = errors.New("missing message identifier")
	// the bounded reconnect policy ran out of attempts
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// an inbound frame could not be parsed. The frame is dropped, the session stays up.
	ErrMalformedFrame = errors.New("malformed frame")
)

type TransportError struct {
	Op  string
	Err error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", self.Op, self.Err)
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

// a per-channel subscribe failure. Isolated from the other channels and from
// the session as a whole.
type SubscriptionError struct {
	Channel string
	Err     error
}

func (self *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %v", self.Channel, self.Err)
}

func (self *SubscriptionError) Unwrap() error {
	return self.Err
}
