package chatsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestNormalizeTimestamp(t *testing.T) {
	receivedAt := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// explicit offsets are preserved
	parsed := normalizeTimestamp("2026-08-29T10:00:00+02:00", receivedAt)
	assert.Equal(t, parsed.UTC(), time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC))

	// a naive timestamp is read as UTC, not local
	parsed = normalizeTimestamp("2026-08-29T10:00:00", receivedAt)
	assert.Equal(t, parsed, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))

	parsed = normalizeTimestamp("2026-08-29 10:00:00", receivedAt)
	assert.Equal(t, parsed, time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC))

	parsed = normalizeTimestamp("2026-08-29T10:00:00.123456789", receivedAt)
	assert.Equal(t, parsed, time.Date(2026, 8, 29, 10, 0, 0, 123456789, time.UTC))

	// unparseable falls back to the receipt time
	assert.Equal(t, normalizeTimestamp("yesterday-ish", receivedAt), receivedAt)
	assert.Equal(t, normalizeTimestamp("", receivedAt), receivedAt)
}

func TestDirectKeySymmetry(t *testing.T) {
	// sender and receiver views of the same exchange land on one timeline
	sent := DirectKey("u1", "u1", "u2")
	received := DirectKey("u1", "u2", "u1")
	assert.Equal(t, sent, received)
	assert.Equal(t, "u2", sent.PeerId)
	assert.Equal(t, sent.IsGroup(), false)

	groupKey := GroupKey("g1")
	assert.Equal(t, groupKey.IsGroup(), true)
	assert.NotEqual(t, sent, groupKey)
}

func TestParseMessagePayload(t *testing.T) {
	receivedAt := time.Now()

	message, err := parseMessagePayload([]byte(`{
		"id": "m1",
		"senderId": "u2",
		"receiverId": "u1",
		"content": "hello",
		"type": "TEXT",
		"createdAt": "2026-08-29T10:00:00Z",
		"deletedByUsers": ["u3"],
		"isPinned": true
	}`), "u1", receivedAt)
	assert.Equal(t, err, nil)
	assert.Equal(t, "m1", message.Id)
	assert.Equal(t, ConversationKey{PeerId: "u2"}, message.ConversationKey)
	assert.Equal(t, message.DeletedByUser("u3"), true)
	assert.Equal(t, message.DeletedByUser("u1"), false)
	assert.Equal(t, message.Pinned, true)

	// missing type defaults to text
	message, err = parseMessagePayload([]byte(`{
		"id": "m2",
		"senderId": "u2",
		"groupId": "g1",
		"content": "hi"
	}`), "u1", receivedAt)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageKindText, message.Kind)
	assert.Equal(t, GroupKey("g1"), message.ConversationKey)
	// no timestamp on the wire: receipt time stands in
	assert.Equal(t, receivedAt, message.CreatedAt)

	_, err = parseMessagePayload([]byte(`{truncated`), "u1", receivedAt)
	assert.Equal(t, err, ErrMalformedFrame)
}

func TestParseNotifyPayload(t *testing.T) {
	notify, err := parseNotifyPayload([]byte(`{
		"messageId": "m1",
		"userId": "u1",
		"senderId": "u2",
		"receiverId": "u1"
	}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, "m1", notify.MessageId)
	assert.Equal(t, ConversationKey{PeerId: "u2"}, notify.conversationKey("u1"))

	// group notifications route to the group timeline
	notify, err = parseNotifyPayload([]byte(`{"messageId": "m2", "groupId": "g1"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, GroupKey("g1"), notify.conversationKey("u1"))

	// no timeline addressing at all: the reconciler scans
	notify, err = parseNotifyPayload([]byte(`{"messageId": "m3"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, notify.conversationKey("u1").IsZero(), true)

	// a notification without a message id is unusable
	_, err = parseNotifyPayload([]byte(`{"userId": "u1"}`))
	assert.Equal(t, err, ErrMalformedFrame)

	_, err = parseNotifyPayload([]byte(`not json`))
	assert.Equal(t, err, ErrMalformedFrame)
}

func TestMessageHiddenFor(t *testing.T) {
	message := &Message{
		Id:        "m1",
		DeletedBy: map[string]bool{"u1": true},
	}
	assert.Equal(t, message.HiddenFor("u1"), true)
	assert.Equal(t, message.HiddenFor("u2"), false)

	message.Recalled = true
	assert.Equal(t, message.HiddenFor("u2"), true)
}

func TestMessageWireRoundTrip(t *testing.T) {
	original := &Message{
		Id:         "m1",
		SenderId:   "u1",
		ReceiverId: "u2",
		Content:    "hello",
		Kind:       MessageKindText,
		CreatedAt:  time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
		Pinned:     true,
	}
	wire := original.toWire()
	assert.Equal(t, "2026-08-29T10:00:00Z", wire.CreatedAt)

	parsed := wire.toMessage("u1", time.Now())
	assert.Equal(t, original.Id, parsed.Id)
	assert.Equal(t, original.Content, parsed.Content)
	assert.Equal(t, original.CreatedAt, parsed.CreatedAt)
	assert.Equal(t, ConversationKey{PeerId: "u2"}, parsed.ConversationKey)
	assert.Equal(t, parsed.Pinned, true)
}
