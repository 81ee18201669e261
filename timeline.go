package chatsync

import (
	"sync"

	"golang.org/x/exp/slices"
)

// ordered, indexed sequence of messages for one conversation.
// Ordered by CreatedAt with ties broken by arrival order. Owned by the
// reconciler; all mutation goes through the reconciler's merge operations
// under this timeline's lock.
type timeline struct {
	conversationKey ConversationKey

	// per-timeline mutual exclusion for merges
	mutex sync.Mutex

	// ordered by (CreatedAt, arrival)
	entries []*Message
	// server id -> entry
	idEntries map[string]*Message
	// correlation key -> unconfirmed entry
	correlationEntries map[Id]*Message
}

func newTimeline(conversationKey ConversationKey) *timeline {
	return &timeline{
		conversationKey:    conversationKey,
		entries:            []*Message{},
		idEntries:          map[string]*Message{},
		correlationEntries: map[Id]*Message{},
	}
}

// callers hold `mutex` for all of the below

func (self *timeline) containsId(messageId string) bool {
	_, ok := self.idEntries[messageId]
	return ok
}

func (self *timeline) byId(messageId string) *Message {
	return self.idEntries[messageId]
}

// the oldest unconfirmed entry matching the confirmed message's signature:
// same sender, same content. Conversation is implied by the timeline.
func (self *timeline) byCorrelationSignature(message *Message) *Message {
	for _, entry := range self.entries {
		if entry.Confirmed() {
			continue
		}
		if entry.SenderId == message.SenderId && entry.Content == message.Content {
			return entry
		}
	}
	return nil
}

func (self *timeline) byCorrelationKey(correlationKey Id) *Message {
	return self.correlationEntries[correlationKey]
}

// insert in CreatedAt order. Equal timestamps keep arrival order, so the new
// entry goes after every existing entry with CreatedAt <= its own.
func (self *timeline) insert(message *Message) {
	i, _ := slices.BinarySearchFunc(self.entries, message, func(a *Message, b *Message) int {
		if a.CreatedAt.After(b.CreatedAt) {
			return 1
		}
		// an existing entry at or before the new time sorts first
		return -1
	})
	self.entries = slices.Insert(self.entries, i, message)
	self.index(message)
}

// swap `confirmed` into `unconfirmed`'s position. The timeline does not
// reorder, so the entry does not visibly move when the server echo lands.
func (self *timeline) replace(unconfirmed *Message, confirmed *Message) {
	i := slices.Index(self.entries, unconfirmed)
	if i < 0 {
		return
	}
	self.entries[i] = confirmed
	delete(self.correlationEntries, unconfirmed.CorrelationKey)
	confirmed.CorrelationKey = Id{}
	self.index(confirmed)
}

func (self *timeline) index(message *Message) {
	if message.Id != "" {
		self.idEntries[message.Id] = message
	}
	if !message.CorrelationKey.IsZero() {
		self.correlationEntries[message.CorrelationKey] = message
	}
}

func (self *timeline) snapshot() []*Message {
	messages := make([]*Message, len(self.entries))
	copy(messages, self.entries)
	return messages
}
