package chatsync

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdRoundTrip(t *testing.T) {
	id := NewId()
	assert.Equal(t, id.IsZero(), false)
	assert.Equal(t, Id{}.IsZero(), true)

	// uuid string form, as persisted by installations
	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsed)

	// dashless form
	parsed, err = ParseId(strings.ReplaceAll(id.String(), "-", ""))
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)
	_, err = ParseId("")
	assert.NotEqual(t, err, nil)
}
