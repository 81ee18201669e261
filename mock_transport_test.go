package chatsync

import (
	"context"
	"sync"
	"time"
)

type mockPublish struct {
	channel string
	body    []byte
}

// in-memory Transport for tests. Records subscribe/unsubscribe/publish
// traffic and can fail opens and individual channels.
type mockTransport struct {
	mutex sync.Mutex

	openErr       error
	openGate      chan struct{}
	subscribeErrs map[string]error

	opened       bool
	closed       bool
	subscribed   []string
	unsubscribed []string
	published    []mockPublish
	onFrames     map[string]FrameFunc

	errorCallbacks *CallbackList[TransportErrorFunc]
	closeCallbacks *CallbackList[TransportCloseFunc]
	closeOnce      sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		subscribeErrs:  map[string]error{},
		onFrames:       map[string]FrameFunc{},
		errorCallbacks: NewCallbackList[TransportErrorFunc](),
		closeCallbacks: NewCallbackList[TransportCloseFunc](),
	}
}

func (self *mockTransport) Open(ctx context.Context, endpoint string, headers FrameHeaders) error {
	if self.openGate != nil {
		select {
		case <-self.openGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.openErr != nil {
		return self.openErr
	}
	self.opened = true
	return nil
}

func (self *mockTransport) Subscribe(channel string, headers FrameHeaders, onFrame FrameFunc) (SubscriptionHandle, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if err := self.subscribeErrs[channel]; err != nil {
		return nil, err
	}
	self.subscribed = append(self.subscribed, channel)
	self.onFrames[channel] = onFrame
	return &mockSubscription{
		transport: self,
		channel:   channel,
	}, nil
}

func (self *mockTransport) Publish(channel string, headers FrameHeaders, body []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return &TransportError{Op: "publish", Err: ErrNotConnected}
	}
	self.published = append(self.published, mockPublish{
		channel: channel,
		body:    body,
	})
	return nil
}

func (self *mockTransport) Close() error {
	self.terminate(nil)
	return nil
}

func (self *mockTransport) AddErrorCallback(callback TransportErrorFunc) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *mockTransport) AddCloseCallback(callback TransportCloseFunc) func() {
	return self.closeCallbacks.Add(callback)
}

// simulate a transport-level failure
func (self *mockTransport) fail(err error) {
	self.terminate(err)
}

func (self *mockTransport) terminate(err error) {
	self.closeOnce.Do(func() {
		self.mutex.Lock()
		self.closed = true
		self.mutex.Unlock()
		for _, callback := range self.closeCallbacks.Get() {
			callback(err)
		}
	})
}

// simulate an inbound frame
func (self *mockTransport) deliver(channel string, body []byte) {
	self.mutex.Lock()
	onFrame := self.onFrames[channel]
	self.mutex.Unlock()
	if onFrame != nil {
		onFrame(channel, FrameHeaders{}, body, time.Now())
	}
}

func (self *mockTransport) subscribeCount(channel string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	count := 0
	for _, c := range self.subscribed {
		if c == channel {
			count += 1
		}
	}
	return count
}

type mockSubscription struct {
	transport *mockTransport
	channel   string
}

func (self *mockSubscription) Channel() string {
	return self.channel
}

func (self *mockSubscription) Unsubscribe() error {
	t := self.transport
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.unsubscribed = append(t.unsubscribed, self.channel)
	delete(t.onFrames, self.channel)
	return nil
}

// hands out a fresh mock per connection attempt.
// `failNextOpens` makes that many upcoming opens fail.
type mockTransportFactory struct {
	mutex sync.Mutex

	transports    []*mockTransport
	failNextOpens int
	openGate      chan struct{}
}

func newMockTransportFactory() *mockTransportFactory {
	return &mockTransportFactory{}
}

func (self *mockTransportFactory) new(ctx context.Context) Transport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	transport := newMockTransport()
	if 0 < self.failNextOpens {
		self.failNextOpens -= 1
		transport.openErr = &TransportError{Op: "dial", Err: ErrNotConnected}
	}
	transport.openGate = self.openGate
	self.transports = append(self.transports, transport)
	return transport
}

func (self *mockTransportFactory) last() *mockTransport {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.transports) == 0 {
		return nil
	}
	return self.transports[len(self.transports)-1]
}

func (self *mockTransportFactory) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.transports)
}

func (self *mockTransportFactory) setFailNextOpens(n int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failNextOpens = n
}
