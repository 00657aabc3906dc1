package normalizer

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/transport"
)

type telegramUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type telegramFile struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type telegramChat struct {
	ID int64 `json:"id"`
}

type telegramMessage struct {
	MessageID int64          `json:"message_id"`
	Date      int64          `json:"date"`
	Chat      *telegramChat  `json:"chat,omitempty"`
	From      *telegramUser  `json:"from,omitempty"`
	Text      string         `json:"text,omitempty"`
	Caption   string         `json:"caption,omitempty"`
	Photo     []telegramFile `json:"photo,omitempty"`
	Video     *telegramFile  `json:"video,omitempty"`
	Document  *telegramFile  `json:"document,omitempty"`
	Audio     *telegramFile  `json:"audio,omitempty"`
	Voice     *telegramFile  `json:"voice,omitempty"`
}

type telegramCallbackQuery struct {
	ID      string           `json:"id"`
	From    *telegramUser    `json:"from,omitempty"`
	Message *telegramMessage `json:"message,omitempty"`
	Data    string           `json:"data,omitempty"`
}

type telegramUpdate struct {
	UpdateID      int64                  `json:"update_id"`
	Message       *telegramMessage       `json:"message,omitempty"`
	EditedMessage *telegramMessage       `json:"edited_message,omitempty"`
	CallbackQuery *telegramCallbackQuery `json:"callback_query,omitempty"`
}

// Telegram normalizes Bot API updates: messages, edited messages and callback queries.
type Telegram struct{}

func (Telegram) Normalize(channel *models.Channel, update transport.Update) (models.InboundEvent, error) {
	fail := func(err error) (models.InboundEvent, error) {
		return models.InboundEvent{}, &Error{ChannelID: channel.ID, UpdateID: update.ID, Err: err}
	}

	var raw telegramUpdate
	if err := json.Unmarshal(update.Payload, &raw); err != nil {
		return fail(err)
	}

	event := models.InboundEvent{
		ChannelID:   channel.ID,
		ChannelType: channel.Type,
		UpdateID:    update.ID,
		Timestamp:   update.Timestamp,
	}

	message := raw.Message
	if message == nil && raw.EditedMessage != nil {
		message = raw.EditedMessage
		event.Edited = true
	}

	var sender *telegramUser

	switch {
	case message != nil:
		sender = message.From
		event.Text = message.Text
		if event.Text == "" {
			event.Text = message.Caption
		}

		event.Attachments = attachments(message)

		if message.Date > 0 {
			event.Timestamp = time.Unix(message.Date, 0).UTC()
		}
	case raw.CallbackQuery != nil:
		sender = raw.CallbackQuery.From
		message = raw.CallbackQuery.Message
		event.CallbackData = raw.CallbackQuery.Data
	default:
		return models.InboundEvent{}, ErrUnsupportedUpdate
	}

	if message == nil || message.Chat == nil {
		return fail(errors.New("update has no chat"))
	}

	if sender == nil {
		return fail(errors.New("update has no sender"))
	}

	if sender.IsBot {
		return models.InboundEvent{}, ErrUnsupportedUpdate
	}

	event.ExternalChatID = strconv.FormatInt(message.Chat.ID, 10)
	event.ExternalSenderID = strconv.FormatInt(sender.ID, 10)
	event.SenderName = displayName(sender)
	event.SenderUsername = sender.Username

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	return event, nil
}

func attachments(message *telegramMessage) []models.Attachment {
	var out []models.Attachment

	if len(message.Photo) > 0 {
		// sizes are ascending; keep the largest
		largest := message.Photo[len(message.Photo)-1]
		out = append(out, models.Attachment{Kind: models.MediaKindImage, FileID: largest.FileID, MimeType: "image/jpeg"})
	}

	add := func(kind models.MediaKind, file *telegramFile) {
		if file != nil {
			out = append(out, models.Attachment{Kind: kind, FileID: file.FileID, MimeType: file.MimeType, FileName: file.FileName})
		}
	}

	add(models.MediaKindVideo, message.Video)
	add(models.MediaKindFile, message.Document)
	add(models.MediaKindAudio, message.Audio)
	add(models.MediaKindAudio, message.Voice)

	return out
}

func displayName(u *telegramUser) string {
	first := strings.TrimSpace(u.FirstName)
	last := strings.TrimSpace(u.LastName)

	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case u.Username != "":
		return "@" + u.Username
	default:
		return ""
	}
}
