package chatsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

// an optimistic entry written while disconnected must survive the failed
// attempt and transmit on `Resend` after the next successful connect,
// reconciling with the server echo into a single confirmed entry
func TestOfflineSendThenResend(t *testing.T) {
	factory := newMockTransportFactory()
	manager := newTestManager(factory, fastSettings())
	defer manager.Close()
	sender := NewSender(manager)

	auth := makeAuth(t, "u1")
	conversationKey := DirectKey("u1", "u1", "u2")

	// the first connect fails, but still establishes the local identity
	factory.setFailNextOpens(1)
	assert.NotEqual(t, <-manager.Connect(auth).Wait(), nil)
	assert.Equal(t, SessionFailed, manager.State())

	message, err := sender.Send(conversationKey, "hello", MessageKindText)
	assert.Equal(t, err, ErrNotConnected)
	assert.Equal(t, message.Confirmed(), false)

	reconciler := manager.Reconciler()
	assert.Equal(t, 1, len(reconciler.Timeline(conversationKey)))

	assert.Equal(t, <-manager.Connect(auth).Wait(), nil)
	assert.Equal(t, sender.Resend(conversationKey, message.CorrelationKey), nil)

	transport := factory.last()
	transport.mutex.Lock()
	published := len(transport.published)
	channel := transport.published[0].channel
	transport.mutex.Unlock()
	assert.Equal(t, 1, published)
	assert.Equal(t, SendChannel, channel)

	// server echo of the same message with its assigned id
	transport.deliver(InboxChannel("u1"), []byte(`{
		"id": "42",
		"senderId": "u1",
		"receiverId": "u2",
		"content": "hello",
		"type": "TEXT",
		"createdAt": "2026-08-29T10:00:00Z"
	}`))

	messages := reconciler.Timeline(conversationKey)
	assert.Equal(t, 1, len(messages))
	assert.Equal(t, "42", messages[0].Id)
	assert.Equal(t, messages[0].Confirmed(), true)

	// resend after confirmation is a no-op
	assert.Equal(t, sender.Resend(conversationKey, message.CorrelationKey), nil)
	transport.mutex.Lock()
	published = len(transport.published)
	transport.mutex.Unlock()
	assert.Equal(t, 1, published)
}

func TestSendWhileConnected(t *testing.T) {
	factory := newMockTransportFactory()
	manager := newTestManager(factory, fastSettings())
	defer manager.Close()
	sender := NewSender(manager)

	assert.Equal(t, <-manager.Connect(makeAuth(t, "u1")).Wait(), nil)

	conversationKey := GroupKey("g1")
	message, err := sender.Send(conversationKey, "to the group", MessageKindText)
	assert.Equal(t, err, nil)
	assert.Equal(t, "g1", message.GroupId)
	assert.Equal(t, message.CorrelationKey.IsZero(), false)

	transport := factory.last()
	transport.mutex.Lock()
	body := transport.published[0].body
	transport.mutex.Unlock()

	var wire map[string]any
	assert.Equal(t, json.Unmarshal(body, &wire), nil)
	assert.Equal(t, "g1", wire["groupId"])
	assert.Equal(t, "to the group", wire["content"])
}

func TestCommandChannels(t *testing.T) {
	factory := newMockTransportFactory()
	manager := newTestManager(factory, fastSettings())
	defer manager.Close()
	sender := NewSender(manager)

	assert.Equal(t, <-manager.Connect(makeAuth(t, "u1")).Wait(), nil)
	transport := factory.last()
	conversationKey := DirectKey("u1", "u2", "u1")

	transport.deliver(InboxChannel("u1"), []byte(`{
		"id": "m1",
		"senderId": "u2",
		"receiverId": "u1",
		"content": "hello",
		"type": "TEXT",
		"createdAt": "2026-08-29T10:00:00Z"
	}`))

	assert.Equal(t, sender.Recall(conversationKey, "m1"), nil)
	assert.Equal(t, sender.Pin(conversationKey, "m1"), nil)
	assert.Equal(t, sender.Unpin(conversationKey, "m1"), nil)
	assert.Equal(t, sender.Delete(conversationKey, "m1"), nil)

	transport.mutex.Lock()
	channels := []string{}
	for _, p := range transport.published {
		channels = append(channels, p.channel)
	}
	transport.mutex.Unlock()
	assert.Equal(t, []string{
		RecallCommandChannel,
		PinCommandChannel,
		UnpinCommandChannel,
		DeleteCommandChannel,
	}, channels)

	// local effects applied optimistically
	reconciler := manager.Reconciler()
	messages := reconciler.Timeline(conversationKey)
	assert.Equal(t, messages[0].Recalled, true)
	assert.Equal(t, messages[0].DeletedByUser("u1"), true)
	assert.Equal(t, reconciler.tombstones.Contains("m1"), true)
}

func TestForward(t *testing.T) {
	factory := newMockTransportFactory()
	manager := newTestManager(factory, fastSettings())
	defer manager.Close()
	sender := NewSender(manager)

	assert.Equal(t, <-manager.Connect(makeAuth(t, "u1")).Wait(), nil)
	transport := factory.last()
	fromKey := DirectKey("u1", "u2", "u1")
	toKey := GroupKey("g1")

	transport.deliver(InboxChannel("u1"), []byte(`{
		"id": "m1",
		"senderId": "u2",
		"receiverId": "u1",
		"content": "pass it on",
		"type": "TEXT",
		"createdAt": "2026-08-29T10:00:00Z"
	}`))

	forwarded, err := sender.Forward(fromKey, "m1", toKey)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageKindForward, forwarded.Kind)
	assert.Equal(t, "m1", forwarded.ForwardOf)
	assert.Equal(t, "pass it on", forwarded.Content)
	assert.Equal(t, "g1", forwarded.GroupId)

	transport.mutex.Lock()
	channel := transport.published[0].channel
	transport.mutex.Unlock()
	assert.Equal(t, ForwardChannel, channel)

	// missing source
	_, err = sender.Forward(fromKey, "nope", toKey)
	assert.Equal(t, errors.Is(err, ErrMissingIdentifier), true)
}

func TestCommandPrechecks(t *testing.T) {
	factory := newMockTransportFactory()
	manager := newTestManager(factory, fastSettings())
	defer manager.Close()
	sender := NewSender(manager)
	conversationKey := DirectKey("u1", "u1", "u2")

	// no identity yet
	_, err := sender.Send(conversationKey, "hello", MessageKindText)
	assert.Equal(t, err, ErrNotConnected)

	assert.Equal(t, <-manager.Connect(makeAuth(t, "u1")).Wait(), nil)

	// an optimistic entry has no server id to act on
	assert.Equal(t, sender.Recall(conversationKey, ""), ErrMissingIdentifier)
	assert.Equal(t, sender.Pin(conversationKey, ""), ErrMissingIdentifier)

	assert.Equal(t, <-manager.Disconnect().Wait(), nil)
	assert.Equal(t, sender.Recall(conversationKey, "m1"), ErrNotConnected)
}
