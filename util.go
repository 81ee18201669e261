package chatsync

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// broadcasts edge events to waiters. Waiters take the current notify channel
// and block on it; `NotifyAll` closes the channel and swaps in a fresh one.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update, so that a callback can be invoked
// without holding the lock
type callbackListEntry[T any] struct {
	callbackId Id
	callback   T
}

type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []callbackListEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

// returns a remove function
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := NewId()
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackListEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackListEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

// all callbacks out of the core are wrapped to recover from errors,
// so that a consumer bug cannot take down a pump or a merge
func handleCallbackPanic() {
	if r := recover(); r != nil {
		glog.Infof("[cb]recovered = %v\n", r)
	}
}
