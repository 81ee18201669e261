package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ConnectTimeout     time.Duration
	SubscribeTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// offered in both directions of the STOMP heart-beat negotiation
	HeartbeatInterval time.Duration
	SendBufferSize    int
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		ConnectTimeout:     5 * time.Second,
		SubscribeTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		SendBufferSize:     32,
	}
}

// STOMP over websocket. One frame per websocket message.
// Single-use: `Open` once, then `Close`. A missed heart-beat window is a read
// deadline expiry, which ends the read pump and fires the close callbacks
// like any other transport failure.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *WsTransportSettings

	errorCallbacks *CallbackList[TransportErrorFunc]
	closeCallbacks *CallbackList[TransportCloseFunc]

	send chan []byte

	// serializes websocket writes between the pump and the close path
	writeMutex sync.Mutex

	mutex         sync.Mutex
	conn          *websocket.Conn
	opened        bool
	closed        bool
	subscriptions map[string]*wsSubscription
	receipts      map[string]chan error

	// negotiated heart-beat
	pingPeriod  time.Duration
	readTimeout time.Duration

	closeOnce sync.Once
}

func NewWsTransportWithDefaults(ctx context.Context) *WsTransport {
	return NewWsTransport(ctx, DefaultWsTransportSettings())
}

func NewWsTransport(ctx context.Context, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		errorCallbacks: NewCallbackList[TransportErrorFunc](),
		closeCallbacks: NewCallbackList[TransportCloseFunc](),
		send:           make(chan []byte, settings.SendBufferSize),
		subscriptions:  map[string]*wsSubscription{},
		receipts:       map[string]chan error{},
		pingPeriod:     settings.HeartbeatInterval,
		readTimeout:    settings.ReadTimeout,
	}
}

func (self *WsTransport) AddErrorCallback(callback TransportErrorFunc) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *WsTransport) AddCloseCallback(callback TransportCloseFunc) func() {
	return self.closeCallbacks.Add(callback)
}

func (self *WsTransport) Open(ctx context.Context, endpoint string, headers FrameHeaders) error {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	connectHeaders := FrameHeaders{
		stompHeaderAcceptVersion: "1.2",
		stompHeaderHeartBeat: encodeHeartBeat(
			self.settings.HeartbeatInterval,
			self.settings.HeartbeatInterval,
		),
	}.merge(headers)

	connectFrame := newStompFrame(stompConnect, connectHeaders, nil)
	conn.SetWriteDeadline(time.Now().Add(self.settings.ConnectTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, connectFrame.encode()); err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	conn.SetReadDeadline(time.Now().Add(self.settings.ConnectTimeout))
	var connectedFrame *stompFrame
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &TransportError{Op: "connect", Err: err}
		}
		if isStompHeartbeat(data) {
			continue
		}
		frame, err := decodeStompFrame(data)
		if err != nil {
			return &TransportError{Op: "connect", Err: err}
		}
		connectedFrame = frame
		break
	}
	switch connectedFrame.command {
	case stompConnected:
	case stompError:
		return &TransportError{
			Op:  "connect",
			Err: fmt.Errorf("server error: %s", connectedFrame.headers[stompHeaderMessage]),
		}
	default:
		return &TransportError{
			Op:  "connect",
			Err: fmt.Errorf("unexpected frame %s", connectedFrame.command),
		}
	}

	self.negotiateHeartBeat(connectedFrame.headers[stompHeaderHeartBeat])

	self.mutex.Lock()
	self.conn = conn
	self.opened = true
	self.mutex.Unlock()

	go self.writePump()
	go self.readPump()

	success = true
	return nil
}

// heart-beat negotiation per STOMP 1.2: the effective interval in each
// direction is the max of what we offered and what the peer requires
func (self *WsTransport) negotiateHeartBeat(value string) {
	if value == "" {
		return
	}
	serverSend, serverReceive, err := parseHeartBeat(value)
	if err != nil {
		glog.Infof("[tw]heart-beat parse error = %s\n", err)
		return
	}
	if 0 < serverReceive {
		pingPeriod := self.settings.HeartbeatInterval
		if pingPeriod < serverReceive {
			pingPeriod = serverReceive
		}
		self.pingPeriod = pingPeriod
	}
	if 0 < serverSend {
		window := self.settings.HeartbeatInterval
		if window < serverSend {
			window = serverSend
		}
		// allow one missed beat before treating the peer as gone
		self.readTimeout = 2 * window
	}
}

func (self *WsTransport) writePump() {
	defer self.terminate(nil)

	for {
		select {
		case <-self.ctx.Done():
			return
		case data, ok := <-self.send:
			if !ok {
				return
			}
			if err := self.writeMessage(data); err != nil {
				glog.Infof("[tw]-> error = %s\n", err)
				self.terminate(&TransportError{Op: "write", Err: err})
				return
			}
			glog.V(2).Infof("[tw]->\n")
		case <-time.After(self.pingPeriod):
			if err := self.writeMessage([]byte("\n")); err != nil {
				self.terminate(&TransportError{Op: "write", Err: err})
				return
			}
		}
	}
}

func (self *WsTransport) readPump() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.conn.SetReadDeadline(time.Now().Add(self.readTimeout))
		_, data, err := self.conn.ReadMessage()
		if err != nil {
			glog.Infof("[tr]<- error = %s\n", err)
			self.terminate(&TransportError{Op: "read", Err: err})
			return
		}
		receivedAt := time.Now()

		if isStompHeartbeat(data) {
			glog.V(2).Infof("[tr]beat<-\n")
			continue
		}

		frame, err := decodeStompFrame(data)
		if err != nil {
			// drop the single frame, keep the session up
			glog.Infof("[tr]drop malformed frame (%d bytes)\n", len(data))
			continue
		}

		switch frame.command {
		case stompMessage:
			self.dispatchMessage(frame, receivedAt)
		case stompReceipt:
			self.resolveReceipt(frame.headers[stompHeaderReceiptId], nil)
		case stompError:
			serverErr := &TransportError{
				Op:  "server",
				Err: fmt.Errorf("%s", frame.headers[stompHeaderMessage]),
			}
			if receiptId, ok := frame.headers[stompHeaderReceiptId]; ok {
				self.resolveReceipt(receiptId, serverErr)
				continue
			}
			for _, callback := range self.errorCallbacks.Get() {
				func() {
					defer handleCallbackPanic()
					callback(serverErr)
				}()
			}
			// a STOMP ERROR frame ends the connection
			self.terminate(serverErr)
			return
		default:
			glog.V(2).Infof("[tr]other=%s<-\n", frame.command)
		}
	}
}

func (self *WsTransport) dispatchMessage(frame *stompFrame, receivedAt time.Time) {
	subscriptionId := frame.headers[stompHeaderSubscription]

	self.mutex.Lock()
	subscription, ok := self.subscriptions[subscriptionId]
	if !ok {
		// fall back to the destination channel
		destination := frame.headers[stompHeaderDestination]
		for _, s := range self.subscriptions {
			if s.channel == destination {
				subscription = s
				ok = true
				break
			}
		}
	}
	self.mutex.Unlock()

	if !ok {
		glog.V(1).Infof("[tr]drop frame for unknown subscription %s\n", subscriptionId)
		return
	}

	func() {
		defer handleCallbackPanic()
		subscription.onFrame(subscription.channel, frame.headers, frame.body, receivedAt)
	}()
}

func (self *WsTransport) Subscribe(channel string, headers FrameHeaders, onFrame FrameFunc) (SubscriptionHandle, error) {
	self.mutex.Lock()
	if !self.opened || self.closed {
		self.mutex.Unlock()
		return nil, &TransportError{Op: "subscribe", Err: ErrNotConnected}
	}
	subscriptionId := NewId().String()
	receiptId := NewId().String()
	receipt := make(chan error, 1)
	self.receipts[receiptId] = receipt
	subscription := &wsSubscription{
		transport:      self,
		subscriptionId: subscriptionId,
		channel:        channel,
	}
	subscription.onFrame = onFrame
	// register before the frame is sent so an immediate delivery is not lost
	self.subscriptions[subscriptionId] = subscription
	self.mutex.Unlock()

	subscribeHeaders := FrameHeaders{
		stompHeaderDestination: channel,
		stompHeaderId:          subscriptionId,
		stompHeaderReceipt:     receiptId,
	}.merge(headers)
	frame := newStompFrame(stompSubscribe, subscribeHeaders, nil)

	fail := func(err error) (SubscriptionHandle, error) {
		self.mutex.Lock()
		delete(self.subscriptions, subscriptionId)
		delete(self.receipts, receiptId)
		self.mutex.Unlock()
		return nil, err
	}

	if err := self.enqueue(frame.encode()); err != nil {
		return fail(err)
	}

	select {
	case err := <-receipt:
		if err != nil {
			return fail(err)
		}
	case <-self.ctx.Done():
		return fail(&TransportError{Op: "subscribe", Err: self.ctx.Err()})
	case <-time.After(self.settings.SubscribeTimeout):
		return fail(&TransportError{Op: "subscribe", Err: context.DeadlineExceeded})
	}

	glog.V(1).Infof("[tw]subscribe %s\n", channel)
	return subscription, nil
}

func (self *WsTransport) Publish(channel string, headers FrameHeaders, body []byte) error {
	self.mutex.Lock()
	if !self.opened || self.closed {
		self.mutex.Unlock()
		return &TransportError{Op: "publish", Err: ErrNotConnected}
	}
	self.mutex.Unlock()

	sendHeaders := FrameHeaders{
		stompHeaderDestination: channel,
		stompHeaderContentType: "application/json",
	}.merge(headers)
	frame := newStompFrame(stompSend, sendHeaders, body)
	return self.enqueue(frame.encode())
}

func (self *WsTransport) enqueue(data []byte) error {
	select {
	case self.send <- data:
		return nil
	case <-self.ctx.Done():
		return &TransportError{Op: "enqueue", Err: ErrNotConnected}
	case <-time.After(self.settings.WriteTimeout):
		// full
		return &TransportError{Op: "enqueue", Err: context.DeadlineExceeded}
	}
}

func (self *WsTransport) writeMessage(data []byte) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.conn.WriteMessage(websocket.TextMessage, data)
}

func (self *WsTransport) Close() error {
	self.mutex.Lock()
	opened := self.opened && !self.closed
	self.mutex.Unlock()

	if opened {
		// best effort disconnect frame, written synchronously so it actually
		// reaches the wire before the connection is torn down
		frame := newStompFrame(stompDisconnect, FrameHeaders{}, nil)
		self.writeMessage(frame.encode())
	}
	self.terminate(nil)
	return nil
}

func (self *WsTransport) terminate(err error) {
	self.closeOnce.Do(func() {
		self.mutex.Lock()
		self.closed = true
		conn := self.conn
		receipts := self.receipts
		self.receipts = map[string]chan error{}
		self.mutex.Unlock()

		self.cancel()
		if conn != nil {
			conn.Close()
		}
		// no pending receipt is left unresolved
		for _, receipt := range receipts {
			select {
			case receipt <- &TransportError{Op: "close", Err: ErrNotConnected}:
			default:
			}
		}
		for _, callback := range self.closeCallbacks.Get() {
			func() {
				defer handleCallbackPanic()
				callback(err)
			}()
		}
	})
}

func (self *WsTransport) resolveReceipt(receiptId string, err error) {
	self.mutex.Lock()
	receipt, ok := self.receipts[receiptId]
	delete(self.receipts, receiptId)
	self.mutex.Unlock()

	if ok {
		select {
		case receipt <- err:
		default:
		}
	}
}

type wsSubscription struct {
	transport      *WsTransport
	subscriptionId string
	channel        string
	onFrame        FrameFunc
}

func (self *wsSubscription) Channel() string {
	return self.channel
}

func (self *wsSubscription) Unsubscribe() error {
	t := self.transport
	t.mutex.Lock()
	_, ok := t.subscriptions[self.subscriptionId]
	delete(t.subscriptions, self.subscriptionId)
	closed := t.closed
	t.mutex.Unlock()

	if !ok || closed {
		return nil
	}
	frame := newStompFrame(stompUnsubscribe, FrameHeaders{
		stompHeaderId: self.subscriptionId,
	}, nil)
	return t.enqueue(frame.encode())
}
