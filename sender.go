package chatsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// turns user actions into outbound frames, gated on session readiness.
// All local side effects are optimistic and idempotent with the inbound echo
// of the same command.
type Sender struct {
	manager *SessionManager
}

func NewSender(manager *SessionManager) *Sender {
	return &Sender{
		manager: manager,
	}
}

// appends an optimistic entry to the timeline synchronously, then attempts
// wire transmission. When the session is down the entry is retained,
// unconfirmed, and `ErrNotConnected` is returned; `Resend` transmits it later
// without re-appending.
func (self *Sender) Send(conversationKey ConversationKey, content string, kind MessageKind) (*Message, error) {
	reconciler := self.manager.Reconciler()
	if reconciler == nil {
		return nil, ErrNotConnected
	}
	if kind == "" {
		kind = MessageKindText
	}

	message := &Message{
		ConversationKey: conversationKey,
		SenderId:        reconciler.LocalUserId(),
		Content:         content,
		Kind:            kind,
		CreatedAt:       time.Now(),
	}
	if conversationKey.IsGroup() {
		message.GroupId = conversationKey.GroupId
	} else {
		message.ReceiverId = conversationKey.PeerId
	}
	reconciler.ApplyOptimistic(message)

	if err := self.transmit(message); err != nil {
		glog.V(1).Infof("[sn]send deferred = %s\n", err)
		return message, err
	}
	return message, nil
}

// retransmits an unconfirmed optimistic entry. A no-op when the entry has
// been confirmed in the meantime.
func (self *Sender) Resend(conversationKey ConversationKey, correlationKey Id) error {
	reconciler := self.manager.Reconciler()
	if reconciler == nil {
		return ErrNotConnected
	}

	t := reconciler.timelineFor(conversationKey)
	t.mutex.Lock()
	message := t.byCorrelationKey(correlationKey)
	t.mutex.Unlock()

	if message == nil {
		// confirmed and reconciled, or never appended
		return nil
	}
	return self.transmit(message)
}

func (self *Sender) Recall(conversationKey ConversationKey, messageId string) error {
	reconciler, err := self.commandPrecheck(messageId)
	if err != nil {
		return err
	}
	reconciler.ApplyRecall(conversationKey, messageId)
	return self.publishNotify(RecallCommandChannel, conversationKey, messageId, reconciler.LocalUserId())
}

// a local-visibility delete. The id is tombstoned through the reconciler so
// redelivery stays suppressed on this installation.
func (self *Sender) Delete(conversationKey ConversationKey, messageId string) error {
	reconciler, err := self.commandPrecheck(messageId)
	if err != nil {
		return err
	}
	reconciler.ApplyDelete(conversationKey, messageId, []string{reconciler.LocalUserId()})
	return self.publishNotify(DeleteCommandChannel, conversationKey, messageId, reconciler.LocalUserId())
}

func (self *Sender) Pin(conversationKey ConversationKey, messageId string) error {
	reconciler, err := self.commandPrecheck(messageId)
	if err != nil {
		return err
	}
	reconciler.ApplyPin(conversationKey, messageId, true)
	return self.publishNotify(PinCommandChannel, conversationKey, messageId, reconciler.LocalUserId())
}

func (self *Sender) Unpin(conversationKey ConversationKey, messageId string) error {
	reconciler, err := self.commandPrecheck(messageId)
	if err != nil {
		return err
	}
	reconciler.ApplyPin(conversationKey, messageId, false)
	return self.publishNotify(UnpinCommandChannel, conversationKey, messageId, reconciler.LocalUserId())
}

// re-sends an existing confirmed message into another conversation
func (self *Sender) Forward(fromKey ConversationKey, messageId string, toKey ConversationKey) (*Message, error) {
	reconciler, err := self.commandPrecheck(messageId)
	if err != nil {
		return nil, err
	}

	t := reconciler.timelineFor(fromKey)
	t.mutex.Lock()
	source := t.byId(messageId)
	t.mutex.Unlock()
	if source == nil {
		return nil, fmt.Errorf("no message %s in %s: %w", messageId, fromKey, ErrMissingIdentifier)
	}

	message := &Message{
		ConversationKey: toKey,
		SenderId:        reconciler.LocalUserId(),
		Content:         source.Content,
		Kind:            MessageKindForward,
		ForwardOf:       source.Id,
		CreatedAt:       time.Now(),
	}
	if toKey.IsGroup() {
		message.GroupId = toKey.GroupId
	} else {
		message.ReceiverId = toKey.PeerId
	}
	reconciler.ApplyOptimistic(message)

	body, err := json.Marshal(message.toWire())
	if err != nil {
		return message, err
	}
	if err := self.manager.Publish(ForwardChannel, body); err != nil {
		return message, err
	}
	return message, nil
}

// recall/delete/pin/unpin/forward act on a server id and need a live session
func (self *Sender) commandPrecheck(messageId string) (*Reconciler, error) {
	if messageId == "" {
		// cannot act on an unconfirmed message
		return nil, ErrMissingIdentifier
	}
	if self.manager.State() != SessionConnected {
		return nil, ErrNotConnected
	}
	reconciler := self.manager.Reconciler()
	if reconciler == nil {
		return nil, ErrNotConnected
	}
	return reconciler, nil
}

func (self *Sender) transmit(message *Message) error {
	body, err := json.Marshal(message.toWire())
	if err != nil {
		return err
	}
	return self.manager.Publish(SendChannel, body)
}

func (self *Sender) publishNotify(channel string, conversationKey ConversationKey, messageId string, userId string) error {
	notify := &wireNotify{
		MessageId: messageId,
		UserId:    userId,
	}
	if conversationKey.IsGroup() {
		notify.GroupId = conversationKey.GroupId
	} else {
		notify.ReceiverId = conversationKey.PeerId
		notify.SenderId = userId
	}
	body, err := json.Marshal(notify)
	if err != nil {
		return err
	}
	return self.manager.Publish(channel, body)
}
