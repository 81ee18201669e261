package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SessionState string

const (
	SessionIdle          SessionState = "IDLE"
	SessionConnecting    SessionState = "CONNECTING"
	SessionConnected     SessionState = "CONNECTED"
	SessionDisconnecting SessionState = "DISCONNECTING"
	SessionFailed        SessionState = "FAILED"
)

// (err)
type SessionErrorFunc func(err error)

// (ctx). A fresh transport per connection attempt.
type TransportFactory func(ctx context.Context) Transport

var errSuperseded = errors.New("superseded by a newer attempt")

type SessionSettings struct {
	ConnectTimeout time.Duration
	Reconnect      *ReconnectSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ConnectTimeout: 10 * time.Second,
		Reconnect:      DefaultReconnectSettings(),
	}
}

// a future-style completion for connect/disconnect. Resolves exactly once.
type Result struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newResult() *Result {
	return &Result{
		done: make(chan struct{}),
	}
}

func resolvedResult(err error) *Result {
	result := newResult()
	result.resolve(err)
	return result
}

func (self *Result) resolve(err error) {
	self.once.Do(func() {
		self.err = err
		close(self.done)
	})
}

func (self *Result) Done() <-chan struct{} {
	return self.done
}

// valid after Done is closed
func (self *Result) Err() error {
	return self.err
}

func (self *Result) Wait() <-chan error {
	out := make(chan error, 1)
	go func() {
		<-self.done
		out <- self.err
	}()
	return out
}

// owns the one logical connection to the messaging server.
//
// States: IDLE -> CONNECTING -> CONNECTED -> {DISCONNECTING, FAILED} -> IDLE.
// At most one connection attempt is in flight; a second `Connect` with the
// same identity joins the in-flight result. An unexpected close while
// connected schedules bounded reconnects; exhausting the cap surfaces
// `ErrReconnectExhausted` once through the error callbacks and stops.
//
// The generation counter is bumped by `Disconnect` and by each new logical
// session, so a stale reconnect timer or a stale transport callback firing
// after teardown detects the mismatch and no-ops.
type SessionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpoint     string
	newTransport TransportFactory
	store        Store
	settings     *SessionSettings

	stateMonitor   *Monitor
	errorCallbacks *CallbackList[SessionErrorFunc]

	mutex          sync.Mutex
	state          SessionState
	generation     uint64
	auth           *ClientAuth
	userId         string
	transport      Transport
	reconciler     *Reconciler
	tombstones     *TombstoneStore
	registry       *SubscriptionRegistry
	pending        *Result
	teardown       *Result
	reconnect      *Reconnect
	reconnectTimer *time.Timer
}

func NewSessionManagerWithDefaults(
	ctx context.Context,
	endpoint string,
	newTransport TransportFactory,
	store Store,
) *SessionManager {
	return NewSessionManager(ctx, endpoint, newTransport, store, DefaultSessionSettings())
}

func NewSessionManager(
	ctx context.Context,
	endpoint string,
	newTransport TransportFactory,
	store Store,
	settings *SessionSettings,
) *SessionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		endpoint:       endpoint,
		newTransport:   newTransport,
		store:          store,
		settings:       settings,
		stateMonitor:   NewMonitor(),
		errorCallbacks: NewCallbackList[SessionErrorFunc](),
		state:          SessionIdle,
		reconnect:      NewReconnect(settings.Reconnect),
	}
}

func (self *SessionManager) State() SessionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// notified on every state transition
func (self *SessionManager) StateMonitor() *Monitor {
	return self.stateMonitor
}

// terminal errors only, e.g. `ErrReconnectExhausted`
func (self *SessionManager) AddErrorCallback(callback SessionErrorFunc) func() {
	return self.errorCallbacks.Add(callback)
}

// nil until the first `Connect` establishes an identity
func (self *SessionManager) Reconciler() *Reconciler {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.reconciler
}

func (self *SessionManager) Registry() *SubscriptionRegistry {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.registry
}

func (self *SessionManager) UserId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.userId
}

// establishes the session for `auth`. Fails fast with
// `ErrMissingCredentials` when no credential is supplied. While an attempt
// for the same identity is in flight the in-flight result is returned; while
// connected with the same identity this is a no-op. A different identity
// first tears down the existing session.
func (self *SessionManager) Connect(auth *ClientAuth) *Result {
	if auth == nil || auth.ByJwt == "" {
		return resolvedResult(ErrMissingCredentials)
	}
	userId, err := auth.UserId()
	if err != nil {
		return resolvedResult(err)
	}

	self.mutex.Lock()

	switch self.state {
	case SessionConnecting:
		if auth.sameIdentity(self.auth) {
			// at most one attempt in flight
			pending := self.pending
			self.mutex.Unlock()
			return pending
		}
		self.mutex.Unlock()
		return self.reconnectAs(auth)
	case SessionConnected:
		if auth.sameIdentity(self.auth) {
			self.mutex.Unlock()
			return resolvedResult(nil)
		}
		self.mutex.Unlock()
		return self.reconnectAs(auth)
	case SessionDisconnecting:
		// wait for teardown before opening a new socket
		teardown := self.teardown
		self.mutex.Unlock()
		result := newResult()
		go func() {
			<-teardown.Done()
			result.resolve(<-self.Connect(auth).Wait())
		}()
		return result
	case SessionFailed:
		// a deliberate connect cancels any pending reconnect timer
		self.cancelReconnectTimerLocked()
	}

	// SessionIdle or SessionFailed
	self.generation += 1
	generation := self.generation
	self.state = SessionConnecting
	self.auth = auth
	self.pending = newResult()
	self.reconnect = NewReconnect(self.settings.Reconnect)
	pending := self.pending
	self.mutex.Unlock()

	self.stateMonitor.NotifyAll()
	go self.connectAttempt(generation, auth, userId, pending, false)
	return pending
}

// tear down the current session, then connect with the new identity
func (self *SessionManager) reconnectAs(auth *ClientAuth) *Result {
	result := newResult()
	teardown := self.Disconnect()
	go func() {
		<-teardown.Done()
		result.resolve(<-self.Connect(auth).Wait())
	}()
	return result
}

// one connection attempt. `pending` resolves with this attempt's outcome, so
// a `Connect` that joins mid-attempt always gets a live result. A reconnect
// attempt schedules the next one on failure; an initial attempt does not
// auto-retry.
func (self *SessionManager) connectAttempt(generation uint64, auth *ClientAuth, userId string, pending *Result, retryOnFailure bool) {
	fail := func(err error) {
		glog.Infof("[s]connect error = %s\n", err)
		self.mutex.Lock()
		if generation != self.generation {
			self.mutex.Unlock()
			pending.resolve(errSuperseded)
			return
		}
		if retryOnFailure {
			self.scheduleReconnectLocked(generation)
		} else {
			self.state = SessionFailed
		}
		self.mutex.Unlock()
		self.stateMonitor.NotifyAll()
		pending.resolve(err)
	}

	if err := self.ensureIdentity(userId); err != nil {
		fail(err)
		return
	}

	transport := self.newTransport(self.ctx)

	openCtx, openCancel := context.WithTimeout(self.ctx, self.settings.ConnectTimeout)
	err := transport.Open(openCtx, self.endpoint, auth.headers())
	openCancel()
	if err != nil {
		fail(err)
		return
	}

	self.mutex.Lock()
	registry := self.registry
	reconciler := self.reconciler
	self.mutex.Unlock()

	// registered before subscription setup so a drop mid-setup is not missed.
	// The handler ignores closes until the state reaches CONNECTED.
	transport.AddCloseCallback(func(err error) {
		self.handleTransportClose(generation, err)
	})

	// subscription setup happens before the session is declared connected.
	// If it fails the transport is torn down, never left half-open.
	onFrame := func(channel string, headers FrameHeaders, body []byte, receivedAt time.Time) {
		self.routeFrame(reconciler, channel, body, receivedAt)
	}
	if err := registry.activate(transport, onFrame); err != nil {
		transport.Close()
		fail(err)
		return
	}

	self.mutex.Lock()
	if generation != self.generation {
		// superseded while connecting
		self.mutex.Unlock()
		transport.Close()
		pending.resolve(errSuperseded)
		return
	}
	self.transport = transport
	self.state = SessionConnected
	self.reconnect.Reset()
	self.mutex.Unlock()

	glog.V(1).Infof("[s]connected %s\n", userId)
	self.stateMonitor.NotifyAll()
	pending.resolve(nil)
}

// builds the per-identity components on first connect or identity change
func (self *SessionManager) ensureIdentity(userId string) error {
	self.mutex.Lock()
	if self.userId == userId && self.reconciler != nil {
		self.mutex.Unlock()
		return nil
	}
	self.mutex.Unlock()

	tombstones, err := NewTombstoneStore(self.store, userId)
	if err != nil {
		return err
	}
	reconciler := NewReconciler(userId, tombstones)
	registry := NewSubscriptionRegistry(userId)

	self.mutex.Lock()
	self.userId = userId
	self.tombstones = tombstones
	self.reconciler = reconciler
	self.registry = registry
	self.mutex.Unlock()
	return nil
}

// fired by the transport's close callback. A deliberate disconnect arrives
// with err == nil and is handled by `Disconnect`; anything else while
// connected moves to FAILED and schedules a reconnect.
func (self *SessionManager) handleTransportClose(generation uint64, err error) {
	if err == nil {
		return
	}

	self.mutex.Lock()
	if generation != self.generation || self.state != SessionConnected {
		// stale transport
		self.mutex.Unlock()
		return
	}
	glog.Infof("[s]transport closed = %s\n", err)
	self.transport = nil
	self.registry.deactivate()
	self.scheduleReconnectLocked(generation)
	self.mutex.Unlock()

	self.stateMonitor.NotifyAll()
}

// caller holds `mutex`
func (self *SessionManager) scheduleReconnectLocked(generation uint64) {
	timeout, ok := self.reconnect.Next()
	if !ok {
		// no silent infinite retry: surface once and stop
		self.state = SessionIdle
		self.reconnectTimer = nil
		glog.Infof("[s]reconnect exhausted\n")
		go func() {
			for _, callback := range self.errorCallbacks.Get() {
				func() {
					defer handleCallbackPanic()
					callback(ErrReconnectExhausted)
				}()
			}
		}()
		return
	}

	self.state = SessionFailed
	glog.V(1).Infof("[s]reconnect %d in %s\n", self.reconnect.Attempt(), timeout)
	self.reconnectTimer = time.AfterFunc(timeout, func() {
		self.reconnectFire(generation)
	})
}

func (self *SessionManager) reconnectFire(generation uint64) {
	self.mutex.Lock()
	if generation != self.generation || self.state != SessionFailed {
		// stale timer after a deliberate disconnect or a newer session
		self.mutex.Unlock()
		return
	}
	self.state = SessionConnecting
	// a `Connect` joining mid-attempt must get this attempt's outcome,
	// not the resolved result of the session's original connect
	pending := newResult()
	self.pending = pending
	auth := self.auth
	userId := self.userId
	self.mutex.Unlock()

	self.stateMonitor.NotifyAll()
	go self.connectAttempt(generation, auth, userId, pending, true)
}

// caller holds `mutex`
func (self *SessionManager) cancelReconnectTimerLocked() {
	if self.reconnectTimer != nil {
		self.reconnectTimer.Stop()
		self.reconnectTimer = nil
	}
}

// tears down the session and any pending reconnect timer.
// Concurrent `Connect` calls wait for the teardown to finish.
func (self *SessionManager) Disconnect() *Result {
	self.mutex.Lock()

	switch self.state {
	case SessionIdle:
		self.cancelReconnectTimerLocked()
		self.mutex.Unlock()
		return resolvedResult(nil)
	case SessionDisconnecting:
		teardown := self.teardown
		self.mutex.Unlock()
		return teardown
	}

	self.cancelReconnectTimerLocked()
	self.generation += 1
	self.state = SessionDisconnecting
	transport := self.transport
	self.transport = nil
	pending := self.pending
	self.pending = nil
	registry := self.registry
	teardown := newResult()
	self.teardown = teardown
	self.mutex.Unlock()

	if pending != nil {
		pending.resolve(errSuperseded)
	}
	self.stateMonitor.NotifyAll()

	go func() {
		if transport != nil {
			transport.Close()
		}
		if registry != nil {
			registry.deactivate()
		}
		self.mutex.Lock()
		self.state = SessionIdle
		self.teardown = nil
		self.mutex.Unlock()
		self.stateMonitor.NotifyAll()
		teardown.resolve(nil)
	}()
	return teardown
}

// final shutdown of the manager
func (self *SessionManager) Close() {
	<-self.Disconnect().Done()
	self.cancel()
}

// publish gated on session readiness
func (self *SessionManager) Publish(channel string, body []byte) error {
	self.mutex.Lock()
	if self.state != SessionConnected || self.transport == nil {
		self.mutex.Unlock()
		return ErrNotConnected
	}
	transport := self.transport
	self.mutex.Unlock()
	return transport.Publish(channel, FrameHeaders{}, body)
}

// routes an inbound frame by channel into the reconciler.
// A malformed frame is logged and dropped; it never affects session state or
// other queued frames.
func (self *SessionManager) routeFrame(reconciler *Reconciler, channel string, body []byte, receivedAt time.Time) {
	localUserId := reconciler.LocalUserId()

	switch {
	case strings.HasSuffix(channel, "/message"):
		message, err := parseMessagePayload(body, localUserId, receivedAt)
		if err != nil {
			glog.Infof("[s]drop malformed message frame on %s\n", channel)
			return
		}
		reconciler.ApplyConfirmed(message)
	case strings.HasSuffix(channel, "/delete"):
		notify, err := parseNotifyPayload(body)
		if err != nil {
			glog.Infof("[s]drop malformed delete frame on %s\n", channel)
			return
		}
		deletedBy := []string{}
		if notify.UserId != "" {
			deletedBy = append(deletedBy, notify.UserId)
		}
		reconciler.ApplyDelete(notify.conversationKey(localUserId), notify.MessageId, deletedBy)
	case strings.HasSuffix(channel, "/recall"):
		notify, err := parseNotifyPayload(body)
		if err != nil {
			glog.Infof("[s]drop malformed recall frame on %s\n", channel)
			return
		}
		reconciler.ApplyRecall(notify.conversationKey(localUserId), notify.MessageId)
	case strings.HasSuffix(channel, "/pin"):
		notify, err := parseNotifyPayload(body)
		if err != nil {
			glog.Infof("[s]drop malformed pin frame on %s\n", channel)
			return
		}
		reconciler.ApplyPin(notify.conversationKey(localUserId), notify.MessageId, true)
	case strings.HasSuffix(channel, "/unpin"):
		notify, err := parseNotifyPayload(body)
		if err != nil {
			glog.Infof("[s]drop malformed unpin frame on %s\n", channel)
			return
		}
		reconciler.ApplyPin(notify.conversationKey(localUserId), notify.MessageId, false)
	default:
		glog.V(1).Infof("[s]drop frame on unrouted channel %s\n", channel)
	}
}
