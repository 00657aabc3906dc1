package normalizer

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var telegramChannel = &models.Channel{ID: "channel-1", Type: models.ChannelTypeTelegram}

func update(id int64, payload string) transport.Update {
	return transport.Update{ID: id, Payload: []byte(payload), Timestamp: time.Unix(1, 0).UTC()}
}

func TestTelegram_TextMessage(t *testing.T) {
	event, err := NewDefaultRegistry().Normalize(telegramChannel, update(101, `{
		"update_id": 101,
		"message": {
			"message_id": 5, "date": 1700000000, "chat": {"id": 42},
			"from": {"id": 7, "first_name": "Ada", "last_name": "Lovelace", "username": "ada"},
			"text": "I need a refund"
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "channel-1", event.ChannelID)
	assert.Equal(t, models.ChannelTypeTelegram, event.ChannelType)
	assert.Equal(t, int64(101), event.UpdateID)
	assert.Equal(t, "42", event.ExternalChatID)
	assert.Equal(t, "7", event.ExternalSenderID)
	assert.Equal(t, "Ada Lovelace", event.SenderName)
	assert.Equal(t, "ada", event.SenderUsername)
	assert.Equal(t, "I need a refund", event.Text)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), event.Timestamp)
}

func TestTelegram_PhotoWithCaption(t *testing.T) {
	event, err := Telegram{}.Normalize(telegramChannel, update(102, `{
		"update_id": 102,
		"message": {
			"message_id": 6, "date": 1700000001, "chat": {"id": 42}, "from": {"id": 7, "username": "ada"},
			"caption": "receipt",
			"photo": [{"file_id": "small"}, {"file_id": "large"}],
			"document": {"file_id": "doc", "file_name": "r.pdf", "mime_type": "application/pdf"}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "receipt", event.Text)
	assert.Equal(t, "@ada", event.SenderName)
	require.Len(t, event.Attachments, 2)
	assert.Equal(t, models.Attachment{Kind: models.MediaKindImage, FileID: "large", MimeType: "image/jpeg"}, event.Attachments[0])
	assert.Equal(t, "r.pdf", event.Attachments[1].FileName)
}

func TestTelegram_EditedMessage(t *testing.T) {
	event, err := Telegram{}.Normalize(telegramChannel, update(104, `{
		"update_id": 104,
		"edited_message": {
			"message_id": 5, "date": 1700000000, "edit_date": 1700000060,
			"chat": {"id": 42}, "from": {"id": 7, "first_name": "Ada"}, "text": "help"
		}
	}`))
	require.NoError(t, err)

	assert.True(t, event.Edited)
	assert.Equal(t, "help", event.Text)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), event.Timestamp)
}

func TestTelegram_CallbackQuery(t *testing.T) {
	event, err := Telegram{}.Normalize(telegramChannel, update(103, `{
		"update_id": 103,
		"callback_query": {
			"id": "cb", "data": "menu:billing",
			"from": {"id": 7, "first_name": "Ada"},
			"message": {"message_id": 9, "chat": {"id": 42}}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "menu:billing", event.CallbackData)
	assert.Equal(t, "menu:billing", event.Content())
	assert.Equal(t, "42", event.ExternalChatID)
	assert.Equal(t, time.Unix(1, 0).UTC(), event.Timestamp)
}

func TestTelegram_Failures(t *testing.T) {
	tests := []struct {
		name        string
		payload     string
		unsupported bool
	}{
		{"malformed json", `{"update_id": `, false},
		{"no chat", `{"update_id": 1, "message": {"from": {"id": 1}, "text": "x"}}`, false},
		{"no sender", `{"update_id": 1, "message": {"chat": {"id": 1}, "text": "x"}}`, false},
		{"membership change", `{"update_id": 1, "my_chat_member": {}}`, true},
		{"bot sender", `{"update_id": 1, "message": {"chat": {"id": 1}, "from": {"id": 2, "is_bot": true}}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Telegram{}.Normalize(telegramChannel, update(1, tt.payload))
			require.Error(t, err)
			assert.True(t, IsSkippable(err))
			assert.Equal(t, tt.unsupported, errors.Is(err, ErrUnsupportedUpdate))
			assert.Equal(t, !tt.unsupported, IsNormalizationError(err))
		})
	}
}

func TestRegistry_UnknownChannelType(t *testing.T) {
	_, err := NewDefaultRegistry().Normalize(&models.Channel{ID: "c", Type: models.ChannelTypeWebhook}, update(1, `{}`))
	require.Error(t, err)
	assert.True(t, IsNormalizationError(err))
	assert.Contains(t, err.Error(), "no normalizer")
}
