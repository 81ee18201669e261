package chatsync

import (
	"encoding/json"
	"time"
)

type MessageKind string

const (
	MessageKindText    MessageKind = "TEXT"
	MessageKindImage   MessageKind = "IMAGE"
	MessageKindVideo   MessageKind = "VIDEO"
	MessageKindFile    MessageKind = "FILE"
	MessageKindForward MessageKind = "FORWARD"
)

// one entry of a conversation timeline.
// Before server confirmation a message carries only `CorrelationKey`;
// confirmation assigns `Id` and reconciliation clears the correlation key.
// Entries are mutated in place by delete/recall/pin events and are never
// removed from the timeline except through the tombstone path.
type Message struct {
	Id             string
	CorrelationKey Id

	ConversationKey ConversationKey

	SenderId   string
	ReceiverId string
	GroupId    string

	Content   string
	Kind      MessageKind
	CreatedAt time.Time
	// server id of the source message for Kind == MessageKindForward
	ForwardOf string

	Recalled bool
	// user ids that deleted the message for themselves. Not a global delete.
	DeletedBy map[string]bool
	Read      bool
	Pinned    bool
}

func (self *Message) Confirmed() bool {
	return self.Id != ""
}

func (self *Message) DeletedByUser(userId string) bool {
	return self.DeletedBy[userId]
}

// true when this message should not be shown to `userId`:
// locally deleted or recalled by the sender
func (self *Message) HiddenFor(userId string) bool {
	return self.Recalled || self.DeletedBy[userId]
}

// the wire shape of a message body. Field names are part of the server
// contract and must not change.
type wireMessage struct {
	Id             string      `json:"id"`
	SenderId       string      `json:"senderId"`
	ReceiverId     string      `json:"receiverId,omitempty"`
	GroupId        string      `json:"groupId,omitempty"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"type"`
	ForwardOf      string      `json:"forwardOfId,omitempty"`
	CreatedAt      string      `json:"createdAt"`
	Recalled       bool        `json:"recalled"`
	DeletedByUsers []string    `json:"deletedByUsers,omitempty"`
	Read           bool        `json:"isRead"`
	Pinned         bool        `json:"isPinned"`
}

// the wire shape of a delete/recall/pin/unpin notification body
type wireNotify struct {
	MessageId  string `json:"messageId"`
	UserId     string `json:"userId,omitempty"`
	SenderId   string `json:"senderId,omitempty"`
	ReceiverId string `json:"receiverId,omitempty"`
	GroupId    string `json:"groupId,omitempty"`
}

func (self *wireNotify) conversationKey(localUserId string) ConversationKey {
	if self.GroupId != "" {
		return GroupKey(self.GroupId)
	}
	if self.SenderId == "" && self.ReceiverId == "" {
		// the notification does not say which timeline. The reconciler scans.
		return ConversationKey{}
	}
	return DirectKey(localUserId, self.SenderId, self.ReceiverId)
}

func parseMessagePayload(body []byte, localUserId string, receivedAt time.Time) (*Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, ErrMalformedFrame
	}
	return wire.toMessage(localUserId, receivedAt), nil
}

func parseNotifyPayload(body []byte) (*wireNotify, error) {
	var wire wireNotify
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, ErrMalformedFrame
	}
	if wire.MessageId == "" {
		return nil, ErrMalformedFrame
	}
	return &wire, nil
}

func (self *wireMessage) toMessage(localUserId string, receivedAt time.Time) *Message {
	var conversationKey ConversationKey
	if self.GroupId != "" {
		conversationKey = GroupKey(self.GroupId)
	} else {
		conversationKey = DirectKey(localUserId, self.SenderId, self.ReceiverId)
	}

	deletedBy := map[string]bool{}
	for _, userId := range self.DeletedByUsers {
		deletedBy[userId] = true
	}

	kind := self.Kind
	if kind == "" {
		kind = MessageKindText
	}

	return &Message{
		Id:              self.Id,
		ConversationKey: conversationKey,
		SenderId:        self.SenderId,
		ReceiverId:      self.ReceiverId,
		GroupId:         self.GroupId,
		Content:         self.Content,
		Kind:            kind,
		ForwardOf:       self.ForwardOf,
		CreatedAt:       normalizeTimestamp(self.CreatedAt, receivedAt),
		Recalled:        self.Recalled,
		DeletedBy:       deletedBy,
		Read:            self.Read,
		Pinned:          self.Pinned,
	}
}

func (self *Message) toWire() *wireMessage {
	deletedByUsers := []string{}
	for userId := range self.DeletedBy {
		deletedByUsers = append(deletedByUsers, userId)
	}
	return &wireMessage{
		Id:             self.Id,
		SenderId:       self.SenderId,
		ReceiverId:     self.ReceiverId,
		GroupId:        self.GroupId,
		Content:        self.Content,
		Kind:           self.Kind,
		ForwardOf:      self.ForwardOf,
		CreatedAt:      self.CreatedAt.UTC().Format(time.RFC3339Nano),
		Recalled:       self.Recalled,
		DeletedByUsers: deletedByUsers,
		Read:           self.Read,
		Pinned:         self.Pinned,
	}
}

// accepted server timestamp layouts, with and without an explicit offset.
// The server has historically emitted naive local-looking timestamps that are
// actually UTC; a naive timestamp is read as UTC to keep ordering stable.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// never rejects: a timestamp that fails to parse entirely falls back to the
// receipt time. The event is still accepted.
func normalizeTimestamp(raw string, receivedAt time.Time) time.Time {
	if raw == "" {
		return receivedAt
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t
		}
	}
	return receivedAt
}
