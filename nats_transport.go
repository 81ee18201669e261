package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
)

type NatsTransportSettings struct {
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
	// the STOMP heart-beat equivalent. NATS runs its own ping timer.
	PingInterval time.Duration
}

func DefaultNatsTransportSettings() *NatsTransportSettings {
	return &NatsTransportSettings{
		ConnectTimeout: 5 * time.Second,
		FlushTimeout:   5 * time.Second,
		PingInterval:   10 * time.Second,
	}
}

// the same `Transport` contract over NATS subjects, for deployments where the
// clients talk to the broker directly. Channel paths map to subjects by
// replacing the path separators, e.g. /user/42/message -> user.42.message.
//
// The broker client's own reconnect machinery is disabled: the session
// manager owns the reconnect policy, and a broker-level silent reconnect
// would bypass the resubscription and reconciliation path.
type NatsTransport struct {
	settings *NatsTransportSettings

	errorCallbacks *CallbackList[TransportErrorFunc]
	closeCallbacks *CallbackList[TransportCloseFunc]

	mutex  sync.Mutex
	conn   *nats.Conn
	opened bool
	closed bool

	closeOnce sync.Once
}

func NewNatsTransportWithDefaults() *NatsTransport {
	return NewNatsTransport(DefaultNatsTransportSettings())
}

func NewNatsTransport(settings *NatsTransportSettings) *NatsTransport {
	return &NatsTransport{
		settings:       settings,
		errorCallbacks: NewCallbackList[TransportErrorFunc](),
		closeCallbacks: NewCallbackList[TransportCloseFunc](),
	}
}

func (self *NatsTransport) AddErrorCallback(callback TransportErrorFunc) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *NatsTransport) AddCloseCallback(callback TransportCloseFunc) func() {
	return self.closeCallbacks.Add(callback)
}

func (self *NatsTransport) Open(ctx context.Context, endpoint string, headers FrameHeaders) error {
	options := []nats.Option{
		nats.Timeout(self.settings.ConnectTimeout),
		nats.PingInterval(self.settings.PingInterval),
		nats.MaxReconnects(0),
		nats.NoReconnect(),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			transportErr := &TransportError{Op: "broker", Err: err}
			for _, callback := range self.errorCallbacks.Get() {
				func() {
					defer handleCallbackPanic()
					callback(transportErr)
				}()
			}
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			var err error
			if lastErr := conn.LastError(); lastErr != nil {
				err = &TransportError{Op: "broker", Err: lastErr}
			}
			self.terminate(err)
		}),
	}
	if token, ok := headers["token"]; ok {
		options = append(options, nats.Token(token))
	}

	conn, err := nats.Connect(endpoint, options...)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	self.mutex.Lock()
	self.conn = conn
	self.opened = true
	self.mutex.Unlock()
	return nil
}

func (self *NatsTransport) Subscribe(channel string, headers FrameHeaders, onFrame FrameFunc) (SubscriptionHandle, error) {
	self.mutex.Lock()
	conn := self.conn
	ok := self.opened && !self.closed
	self.mutex.Unlock()
	if !ok {
		return nil, &TransportError{Op: "subscribe", Err: ErrNotConnected}
	}

	subject := channelToSubject(channel)
	subscription, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		func() {
			defer handleCallbackPanic()
			onFrame(channel, FrameHeaders{}, msg.Data, time.Now())
		}()
	})
	if err != nil {
		return nil, err
	}
	// round trip so a rejected subject fails here, not silently later
	if err := conn.FlushTimeout(self.settings.FlushTimeout); err != nil {
		subscription.Unsubscribe()
		return nil, err
	}

	glog.V(1).Infof("[tn]subscribe %s\n", subject)
	return &natsSubscription{
		channel:      channel,
		subscription: subscription,
	}, nil
}

func (self *NatsTransport) Publish(channel string, headers FrameHeaders, body []byte) error {
	self.mutex.Lock()
	conn := self.conn
	ok := self.opened && !self.closed
	self.mutex.Unlock()
	if !ok {
		return &TransportError{Op: "publish", Err: ErrNotConnected}
	}
	return conn.Publish(channelToSubject(channel), body)
}

func (self *NatsTransport) Close() error {
	self.terminate(nil)
	return nil
}

func (self *NatsTransport) terminate(err error) {
	self.closeOnce.Do(func() {
		self.mutex.Lock()
		self.closed = true
		conn := self.conn
		self.mutex.Unlock()

		if conn != nil && !conn.IsClosed() {
			conn.Close()
		}
		for _, callback := range self.closeCallbacks.Get() {
			func() {
				defer handleCallbackPanic()
				callback(err)
			}()
		}
	})
}

func channelToSubject(channel string) string {
	subject := strings.Trim(channel, "/")
	return strings.ReplaceAll(subject, "/", ".")
}

type natsSubscription struct {
	channel      string
	subscription *nats.Subscription
}

func (self *natsSubscription) Channel() string {
	return self.channel
}

func (self *natsSubscription) Unsubscribe() error {
	return self.subscription.Unsubscribe()
}
