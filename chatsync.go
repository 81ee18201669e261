package chatsync

import (
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable
// client-generated ids: correlation keys, instance ids, subscription ids.
// server-assigned ids (message, user, group) stay opaque strings.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// comparable
// a direct conversation is keyed by the counterpart user,
// a group conversation by the group
type ConversationKey struct {
	PeerId  string
	GroupId string
}

func DirectKey(localUserId string, senderId string, receiverId string) ConversationKey {
	if senderId == localUserId {
		return ConversationKey{
			PeerId: receiverId,
		}
	}
	return ConversationKey{
		PeerId: senderId,
	}
}

func GroupKey(groupId string) ConversationKey {
	return ConversationKey{
		GroupId: groupId,
	}
}

func (self ConversationKey) IsGroup() bool {
	return self.GroupId != ""
}

func (self ConversationKey) IsZero() bool {
	return self == ConversationKey{}
}

func (self ConversationKey) String() string {
	if self.GroupId != "" {
		return fmt.Sprintf("g(%s)", self.GroupId)
	}
	return fmt.Sprintf("d(%s)", self.PeerId)
}
