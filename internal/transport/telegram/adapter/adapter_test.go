package adapter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"darklook/internal/transport"
)

func TestSplitTextShortIsUnchanged(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 12, "")
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, got)
}

func TestSplitTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()
	s := "abcdefgh<b>bold</b>"
	got := splitText(s, 10, "HTML")
	require.NotEmpty(t, got)
	assert.Equal(t, "abcdefgh", got[0])
	assert.Equal(t, s, strings.Join(got, ""))
	for _, c := range got {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
}

func TestSplitTextCountsRunes(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("ж", 25)
	got := splitText(s, 10, "")
	require.Len(t, got, 3)
	assert.Equal(t, strings.Repeat("ж", 5), got[2])
}

func TestMessageUpdateMapsForward(t *testing.T) {
	t.Parallel()
	m := &tele.Message{
		ID:     7,
		Chat:   &tele.Chat{ID: 100, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 100, Username: "owner", FirstName: "O"},
		Origin: &tele.MessageOrigin{Sender: &tele.User{ID: 555, Username: "target", FirstName: "T", LastName: "L"}},
		Text:   "hi",
	}
	up, ok := messageUpdate(m)
	require.True(t, ok)
	assert.Equal(t, transport.UpdateMessage, up.Kind)
	require.NotNil(t, up.Message)
	assert.True(t, up.Message.Forwarded)
	require.NotNil(t, up.Message.ForwardFrom)
	assert.Equal(t, transport.User{ID: 555, Username: "target", FirstName: "T", LastName: "L"}, *up.Message.ForwardFrom)
	assert.Equal(t, int64(100), up.Message.From.ID)
	assert.False(t, up.Message.IsGroup)
}

func TestMessageUpdateHiddenForwardAndCaption(t *testing.T) {
	t.Parallel()
	m := &tele.Message{
		Chat:    &tele.Chat{ID: -5, Type: tele.ChatSuperGroup},
		Sender:  &tele.User{ID: 1},
		Origin:  &tele.MessageOrigin{SenderUsername: "Hidden Name"},
		Caption: "photo caption",
	}
	up, ok := messageUpdate(m)
	require.True(t, ok)
	assert.True(t, up.Message.Forwarded)
	assert.Nil(t, up.Message.ForwardFrom)
	assert.Equal(t, "photo caption", up.Message.Text)
	assert.True(t, up.Message.IsGroup)
}

func TestMessageUpdateRejectsIncomplete(t *testing.T) {
	t.Parallel()
	_, ok := messageUpdate(&tele.Message{Chat: &tele.Chat{ID: 1}})
	assert.False(t, ok)
	_, ok = callbackUpdate(&tele.Callback{ID: "x"})
	assert.False(t, ok)
}

func TestCallbackUpdate(t *testing.T) {
	t.Parallel()
	cb := &tele.Callback{
		ID:      "cb1",
		Sender:  &tele.User{ID: 9},
		Message: &tele.Message{ID: 3, Chat: &tele.Chat{ID: 9}},
		Data:    "track:stop:555",
	}
	up, ok := callbackUpdate(cb)
	require.True(t, ok)
	assert.Equal(t, &transport.Callback{ID: "cb1", From: transport.User{ID: 9}, ChatID: 9, MessageID: 3, Data: "track:stop:555"}, up.Callback)
}

func TestMenuCommandsFiltersAndHashes(t *testing.T) {
	t.Parallel()
	menu := menuCommands([]transport.BotCommand{{Command: ""}, {Command: "track"}, {Command: "list", Description: "Список"}})
	assert.Equal(t, []tele.Command{{Text: "track", Description: "track"}, {Text: "list", Description: "Список"}}, menu)
	assert.Equal(t, menuHash(menu), menuHash(menuCommands([]transport.BotCommand{{Command: "track"}, {Command: "list", Description: "Список"}})))
	assert.NotEqual(t, menuHash(menu), menuHash(menu[:1]))
}
