package xmpp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-gateway/pkg/xmpp"
)

func TestParseJID(t *testing.T) {
	t.Run("Full JID", func(t *testing.T) {
		j, err := xmpp.ParseJID("alice@example.com/phone")
		require.NoError(t, err)
		assert.Equal(t, "alice", j.Local)
		assert.Equal(t, "example.com", j.Domain)
		assert.Equal(t, "phone", j.Resource)
		assert.Equal(t, "alice@example.com", j.BareString())
		assert.Equal(t, "alice@example.com/phone", j.String())
	})

	t.Run("Domain only", func(t *testing.T) {
		j, err := xmpp.ParseJID("pubsub.example.com")
		require.NoError(t, err)
		assert.Equal(t, "pubsub.example.com", j.String())
		assert.Equal(t, j, j.Bare())
	})

	t.Run("Resource may contain slashes", func(t *testing.T) {
		j, err := xmpp.ParseJID("bob@example.com/a/b")
		require.NoError(t, err)
		assert.Equal(t, "a/b", j.Resource)
	})

	t.Run("Invalid", func(t *testing.T) {
		for _, s := range []string{"", "@example.com", "alice@", "/res"} {
			_, err := xmpp.ParseJID(s)
			assert.Error(t, err, s)
		}
	})
}

func TestForm(t *testing.T) {
	form := xmpp.NewForm(xmpp.FormTypeSubmit).
		Add(xmpp.FieldFormType, xmpp.FieldTypeHidden, xmpp.NSPush).
		Add("message-count", "", "3").
		Add("last-message-sender", xmpp.FieldTypeTextSingle, "juliet@example.com").
		Add("flags", xmpp.FieldTypeListMulti, "a", "b").
		Add("empty", xmpp.FieldTypeTextSingle)

	assert.Equal(t, "3", form.Value("message-count"))
	assert.Equal(t, "", form.Value("missing"))

	assert.Equal(t, map[string]string{
		"message-count":       "3",
		"last-message-sender": "juliet@example.com",
	}, form.SingleTextValues())

	var nilForm *xmpp.Form
	assert.Empty(t, nilForm.SingleTextValues())
	_, ok := nilForm.Field("x")
	assert.False(t, ok)
}
