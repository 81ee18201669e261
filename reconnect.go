package chatsync

import (
	"time"
)

// one bounded retry policy shared by every caller that needs to wait out a
// connection failure
type ReconnectSettings struct {
	// attempts after the initial failure. Exceeding this surfaces
	// `ErrReconnectExhausted` exactly once.
	MaxAttempts int
	MinTimeout  time.Duration
	MaxTimeout  time.Duration
	// multiplier applied to the timeout per attempt
	Backoff float64
}

func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		MaxAttempts: 5,
		MinTimeout:  1 * time.Second,
		MaxTimeout:  30 * time.Second,
		Backoff:     2.0,
	}
}

type Reconnect struct {
	settings *ReconnectSettings

	attempt int
	timeout time.Duration
}

func NewReconnect(settings *ReconnectSettings) *Reconnect {
	return &Reconnect{
		settings: settings,
		timeout:  settings.MinTimeout,
	}
}

// the delay before the next attempt, or false when the attempt cap is spent
func (self *Reconnect) Next() (time.Duration, bool) {
	if self.settings.MaxAttempts <= self.attempt {
		return 0, false
	}
	self.attempt += 1
	timeout := self.timeout
	nextTimeout := time.Duration(float64(self.timeout) * self.settings.Backoff)
	if self.settings.MaxTimeout < nextTimeout {
		nextTimeout = self.settings.MaxTimeout
	}
	self.timeout = nextTimeout
	return timeout, true
}

func (self *Reconnect) Attempt() int {
	return self.attempt
}

// called after a successful connection so the next failure starts over
func (self *Reconnect) Reset() {
	self.attempt = 0
	self.timeout = self.settings.MinTimeout
}
