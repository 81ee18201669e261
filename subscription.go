package chatsync

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// channel naming contract. Must stay bit-exact against the server.

func InboxChannel(userId string) string {
	return "/user/" + userId + "/message"
}

func GroupChannel(groupId string) string {
	return "/group/" + groupId + "/message"
}

func DeleteNotifyChannel(userId string) string {
	return "/user/" + userId + "/delete"
}

func RecallNotifyChannel(userId string) string {
	return "/user/" + userId + "/recall"
}

func PinNotifyChannel(userId string) string {
	return "/user/" + userId + "/pin"
}

func UnpinNotifyChannel(userId string) string {
	return "/user/" + userId + "/unpin"
}

// outbound command destinations
const (
	SendChannel          = "/app/message"
	RecallCommandChannel = "/app/recall"
	DeleteCommandChannel = "/app/delete"
	PinCommandChannel    = "/app/pin"
	UnpinCommandChannel  = "/app/unpin"
	ForwardChannel       = "/app/forward"
)

// (err)
type SubscriptionErrorFunc func(err *SubscriptionError)

// derives the channel set the session must listen on: the identity's inbox
// and notify channels plus one channel per group. Group membership changes go
// through `ReconcileGroups`, which touches only the symmetric difference so a
// group-list refresh never resubscribes unchanged channels.
type SubscriptionRegistry struct {
	userId string

	subscriptionErrorCallbacks *CallbackList[SubscriptionErrorFunc]

	mutex     sync.Mutex
	groupIds  map[string]bool
	transport Transport
	onFrame   FrameFunc
	handles   map[string]SubscriptionHandle
}

func NewSubscriptionRegistry(userId string) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		userId:                     userId,
		subscriptionErrorCallbacks: NewCallbackList[SubscriptionErrorFunc](),
		groupIds:                   map[string]bool{},
		handles:                    map[string]SubscriptionHandle{},
	}
}

func (self *SubscriptionRegistry) AddSubscriptionErrorCallback(callback SubscriptionErrorFunc) func() {
	return self.subscriptionErrorCallbacks.Add(callback)
}

func (self *SubscriptionRegistry) GroupIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	groupIds := maps.Keys(self.groupIds)
	slices.Sort(groupIds)
	return groupIds
}

// channels that must all be up for the session to be usable
func (self *SubscriptionRegistry) baseChannels() []string {
	return []string{
		InboxChannel(self.userId),
		DeleteNotifyChannel(self.userId),
		RecallNotifyChannel(self.userId),
		PinNotifyChannel(self.userId),
		UnpinNotifyChannel(self.userId),
	}
}

// called by the session manager after every successful (re)connection,
// before the session is declared connected. A base channel failure fails the
// whole attempt; a group channel failure is isolated and reported.
func (self *SubscriptionRegistry) activate(transport Transport, onFrame FrameFunc) error {
	self.mutex.Lock()
	self.transport = transport
	self.onFrame = onFrame
	self.handles = map[string]SubscriptionHandle{}
	groupIds := maps.Keys(self.groupIds)
	self.mutex.Unlock()

	for _, channel := range self.baseChannels() {
		handle, err := transport.Subscribe(channel, FrameHeaders{}, onFrame)
		if err != nil {
			self.deactivate()
			return &SubscriptionError{Channel: channel, Err: err}
		}
		self.mutex.Lock()
		self.handles[channel] = handle
		self.mutex.Unlock()
	}

	for _, groupId := range groupIds {
		self.subscribeGroup(transport, onFrame, groupId)
	}
	return nil
}

// called when the transport goes away. The handles die with the transport;
// no unsubscribe frames are sent.
func (self *SubscriptionRegistry) deactivate() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.transport = nil
	self.onFrame = nil
	self.handles = map[string]SubscriptionHandle{}
}

// applies the symmetric difference between the current group set and
// `groupIds`: subscribe only the additions, unsubscribe only the removals.
// Safe to call while disconnected; the set is replayed on the next connect.
func (self *SubscriptionRegistry) ReconcileGroups(groupIds []string) {
	nextGroupIds := map[string]bool{}
	for _, groupId := range groupIds {
		nextGroupIds[groupId] = true
	}

	self.mutex.Lock()
	added := []string{}
	removed := []string{}
	for groupId := range nextGroupIds {
		if !self.groupIds[groupId] {
			added = append(added, groupId)
		}
	}
	for groupId := range self.groupIds {
		if !nextGroupIds[groupId] {
			removed = append(removed, groupId)
		}
	}
	self.groupIds = nextGroupIds
	transport := self.transport
	onFrame := self.onFrame
	removedHandles := []SubscriptionHandle{}
	for _, groupId := range removed {
		channel := GroupChannel(groupId)
		if handle, ok := self.handles[channel]; ok {
			removedHandles = append(removedHandles, handle)
			delete(self.handles, channel)
		}
	}
	self.mutex.Unlock()

	glog.V(1).Infof("[sr]reconcile groups +%d -%d\n", len(added), len(removed))

	for _, handle := range removedHandles {
		if err := handle.Unsubscribe(); err != nil {
			self.reportError(&SubscriptionError{Channel: handle.Channel(), Err: err})
		}
	}
	if transport != nil {
		for _, groupId := range added {
			self.subscribeGroup(transport, onFrame, groupId)
		}
	}
}

func (self *SubscriptionRegistry) subscribeGroup(transport Transport, onFrame FrameFunc, groupId string) {
	channel := GroupChannel(groupId)
	handle, err := transport.Subscribe(channel, FrameHeaders{}, onFrame)
	if err != nil {
		// isolated: the other channels and the session are unaffected
		self.reportError(&SubscriptionError{Channel: channel, Err: err})
		return
	}
	self.mutex.Lock()
	self.handles[channel] = handle
	self.mutex.Unlock()
}

func (self *SubscriptionRegistry) reportError(err *SubscriptionError) {
	glog.Infof("[sr]%s\n", err)
	for _, callback := range self.subscriptionErrorCallbacks.Get() {
		func() {
			defer handleCallbackPanic()
			callback(err)
		}()
	}
}
