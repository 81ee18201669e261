package chatsync

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// merges the live event stream, locally-optimistic sends, and history
// refetches into one duplicate-free timeline per conversation.
//
// Merge steps for a given conversation run under that timeline's lock, so a
// concurrent inbound event and optimistic append cannot interleave and lose
// an update. The reconciler-level lock only guards the timeline map.
type Reconciler struct {
	localUserId string
	tombstones  *TombstoneStore

	updateMonitor *Monitor

	mutex     sync.Mutex
	timelines map[ConversationKey]*timeline
}

func NewReconciler(localUserId string, tombstones *TombstoneStore) *Reconciler {
	return &Reconciler{
		localUserId:   localUserId,
		tombstones:    tombstones,
		updateMonitor: NewMonitor(),
		timelines:     map[ConversationKey]*timeline{},
	}
}

func (self *Reconciler) LocalUserId() string {
	return self.localUserId
}

// notified after every visible timeline change
func (self *Reconciler) UpdateMonitor() *Monitor {
	return self.updateMonitor
}

func (self *Reconciler) timelineFor(conversationKey ConversationKey) *timeline {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	t, ok := self.timelines[conversationKey]
	if !ok {
		t = newTimeline(conversationKey)
		self.timelines[conversationKey] = t
	}
	return t
}

func (self *Reconciler) Conversations() []ConversationKey {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	conversationKeys := make([]ConversationKey, 0, len(self.timelines))
	for conversationKey := range self.timelines {
		conversationKeys = append(conversationKeys, conversationKey)
	}
	return conversationKeys
}

// ordered snapshot of one conversation
func (self *Reconciler) Timeline(conversationKey ConversationKey) []*Message {
	t := self.timelineFor(conversationKey)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshot()
}

// a confirmed message event from the live stream. Returns whether the
// timeline changed.
//
// In order: redelivery of a known id is discarded; a matching unconfirmed
// local entry is replaced in place, clearing its correlation key; a
// tombstoned id is discarded so a locally-deleted message cannot resurrect;
// otherwise the message is inserted in CreatedAt order.
func (self *Reconciler) ApplyConfirmed(message *Message) bool {
	if message.Id == "" {
		return false
	}
	t := self.timelineFor(message.ConversationKey)

	t.mutex.Lock()
	applied := func() bool {
		if t.containsId(message.Id) {
			return false
		}
		if unconfirmed := t.byCorrelationSignature(message); unconfirmed != nil {
			t.replace(unconfirmed, message)
			return true
		}
		if self.tombstones.Contains(message.Id) {
			glog.V(1).Infof("[rc]suppress tombstoned %s\n", message.Id)
			return false
		}
		t.insert(message)
		return true
	}()
	t.mutex.Unlock()

	if applied {
		self.updateMonitor.NotifyAll()
	}
	return applied
}

// a locally-issued send, appended before any network confirmation. Assigns a
// fresh correlation key and stamps the local clock if the caller did not.
func (self *Reconciler) ApplyOptimistic(message *Message) *Message {
	if message.CorrelationKey.IsZero() {
		message.CorrelationKey = NewId()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	t := self.timelineFor(message.ConversationKey)
	t.mutex.Lock()
	t.insert(message)
	t.mutex.Unlock()

	self.updateMonitor.NotifyAll()
	return message
}

// a delete event. Unions the deleting users into the entry's DeletedBy set;
// when the local user is among them the id is tombstoned so redelivery stays
// suppressed across reconnects and history refetches.
func (self *Reconciler) ApplyDelete(conversationKey ConversationKey, messageId string, deletedBy []string) {
	changed := false
	if t, message := self.findEntry(conversationKey, messageId); message != nil {
		t.mutex.Lock()
		for _, userId := range deletedBy {
			if !message.DeletedBy[userId] {
				if message.DeletedBy == nil {
					message.DeletedBy = map[string]bool{}
				}
				message.DeletedBy[userId] = true
				changed = true
			}
		}
		t.mutex.Unlock()
	}

	for _, userId := range deletedBy {
		if userId == self.localUserId {
			self.tombstones.Add(messageId)
			break
		}
	}

	if changed {
		self.updateMonitor.NotifyAll()
	}
}

// a recall event. Content stays in memory but consumers must treat the entry
// as non-displayable.
func (self *Reconciler) ApplyRecall(conversationKey ConversationKey, messageId string) {
	t, message := self.findEntry(conversationKey, messageId)
	if message == nil {
		return
	}
	t.mutex.Lock()
	changed := !message.Recalled
	message.Recalled = true
	t.mutex.Unlock()

	if changed {
		self.updateMonitor.NotifyAll()
	}
}

// a pin or unpin event. An id not present in the timeline is a no-op; the
// message may simply not be loaded here yet.
func (self *Reconciler) ApplyPin(conversationKey ConversationKey, messageId string, pinned bool) {
	t, message := self.findEntry(conversationKey, messageId)
	if message == nil {
		glog.V(1).Infof("[rc]pin for unknown id %s\n", messageId)
		return
	}
	t.mutex.Lock()
	changed := message.Pinned != pinned
	message.Pinned = pinned
	t.mutex.Unlock()

	if changed {
		self.updateMonitor.NotifyAll()
	}
}

// a history (re)load for one conversation. Entries are deduplicated by id and
// filtered through the tombstone set, so a locally-deleted message never
// reappears after a reload.
func (self *Reconciler) MergeHistory(conversationKey ConversationKey, messages []*Message) int {
	t := self.timelineFor(conversationKey)

	merged := 0
	t.mutex.Lock()
	for _, message := range messages {
		if message.Id == "" {
			continue
		}
		if t.containsId(message.Id) {
			continue
		}
		if self.tombstones.Contains(message.Id) {
			continue
		}
		t.insert(message)
		merged += 1
	}
	t.mutex.Unlock()

	if 0 < merged {
		self.updateMonitor.NotifyAll()
	}
	return merged
}

// locates an entry by server id. A zero conversation key scans all timelines;
// some notify payloads do not say which timeline they target.
func (self *Reconciler) findEntry(conversationKey ConversationKey, messageId string) (*timeline, *Message) {
	if !conversationKey.IsZero() {
		t := self.timelineFor(conversationKey)
		t.mutex.Lock()
		message := t.byId(messageId)
		t.mutex.Unlock()
		if message != nil {
			return t, message
		}
		return nil, nil
	}

	self.mutex.Lock()
	timelines := make([]*timeline, 0, len(self.timelines))
	for _, t := range self.timelines {
		timelines = append(timelines, t)
	}
	self.mutex.Unlock()

	for _, t := range timelines {
		t.mutex.Lock()
		message := t.byId(messageId)
		t.mutex.Unlock()
		if message != nil {
			return t, message
		}
	}
	return nil, nil
}
