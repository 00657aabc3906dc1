// Package telegram implements the channel transport over the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/deskflow/pkg/models"
	"github.com/dukex/deskflow/pkg/transport"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	// Bot API limit for messages across chats.
	DefaultSendRate = 30

	CredentialToken   = "token"
	CredentialBaseURL = "base_url"
)

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	SendRate   rate.Limit
}

// Transport talks to one bot.
type Transport struct {
	channelID string
	token     string
	baseURL   string
	http      *http.Client
	limiter   *rate.Limiter
}

func New(channelID, token string, opts Options) *Transport {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	if opts.SendRate <= 0 {
		opts.SendRate = DefaultSendRate
	}

	return &Transport{
		channelID: channelID,
		token:     token,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		http:      opts.HTTPClient,
		limiter:   rate.NewLimiter(opts.SendRate, 1),
	}
}

// Factory builds transports from channel credentials.
func Factory(opts Options) transport.Factory {
	return func(channel *models.Channel) (transport.ChannelTransport, error) {
		token := channel.Credential(CredentialToken)
		if token == "" {
			return nil, fmt.Errorf("%w: telegram channel %s has no token", transport.ErrMissingCredentials, channel.ID)
		}

		channelOpts := opts
		if baseURL := channel.Credential(CredentialBaseURL); baseURL != "" {
			channelOpts.BaseURL = baseURL
		}

		return New(channel.ID, token, channelOpts), nil
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

type updateHeader struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Date int64 `json:"date"`
	} `json:"message,omitempty"`
	EditedMessage *struct {
		Date int64 `json:"date"`
	} `json:"edited_message,omitempty"`
}

func (t *Transport) FetchUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]transport.Update, error) {
	secs := max(int(timeout.Seconds()), 0)

	query := url.Values{}
	query.Set("timeout", strconv.Itoa(secs))
	query.Set("allowed_updates", `["message","edited_message","callback_query"]`)

	if offset > 0 {
		query.Set("offset", strconv.FormatInt(offset, 10))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	raw, err := t.call(reqCtx, http.MethodGet, "getUpdates", query, nil)
	if err != nil {
		return nil, err
	}

	var rawUpdates []json.RawMessage
	if err := json.Unmarshal(raw, &rawUpdates); err != nil {
		return nil, transport.NewError("getUpdates", t.channelID, 0, fmt.Errorf("failed to decode updates: %w", err))
	}

	updates := make([]transport.Update, 0, len(rawUpdates))
	for _, payload := range rawUpdates {
		var header updateHeader
		if err := json.Unmarshal(payload, &header); err != nil {
			return nil, transport.NewError("getUpdates", t.channelID, 0, fmt.Errorf("failed to decode update header: %w", err))
		}

		update := transport.Update{ID: header.UpdateID, Payload: payload}

		switch {
		case header.Message != nil && header.Message.Date > 0:
			update.Timestamp = time.Unix(header.Message.Date, 0).UTC()
		case header.EditedMessage != nil && header.EditedMessage.Date > 0:
			update.Timestamp = time.Unix(header.EditedMessage.Date, 0).UTC()
		default:
			update.Timestamp = time.Now().UTC()
		}

		updates = append(updates, update)
	}

	return updates, nil
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sentMessage struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
}

func (t *Transport) SendMessage(ctx context.Context, message transport.OutboundMessage) (*transport.DeliveryResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	method, body := t.sendRequest(message)

	raw, err := t.call(ctx, http.MethodPost, method, nil, body)
	if err != nil {
		return nil, err
	}

	var sent sentMessage
	if err := json.Unmarshal(raw, &sent); err != nil {
		return nil, transport.NewError(method, t.channelID, 0, fmt.Errorf("failed to decode sent message: %w", err))
	}

	return &transport.DeliveryResult{
		MessageID: strconv.FormatInt(sent.MessageID, 10),
		SentAt:    time.Unix(sent.Date, 0).UTC(),
	}, nil
}

// sendRequest picks the Bot API method for the message. Only the first attachment is sent;
// the text becomes its caption.
func (t *Transport) sendRequest(message transport.OutboundMessage) (string, map[string]any) {
	body := map[string]any{"chat_id": message.ExternalChatID}

	if len(message.Buttons) > 0 {
		row := make([]inlineButton, 0, len(message.Buttons))
		for _, button := range message.Buttons {
			row = append(row, inlineButton{Text: button.Text, CallbackData: button.Data, URL: button.URL})
		}

		body["reply_markup"] = replyMarkup{InlineKeyboard: [][]inlineButton{row}}
	}

	if len(message.Attachments) == 0 {
		body["text"] = message.Text

		return "sendMessage", body
	}

	attachment := message.Attachments[0]

	media := attachment.FileID
	if media == "" {
		media = attachment.URL
	}

	if message.Text != "" {
		body["caption"] = message.Text
	}

	switch attachment.Kind {
	case models.MediaKindImage:
		body["photo"] = media

		return "sendPhoto", body
	case models.MediaKindVideo:
		body["video"] = media

		return "sendVideo", body
	case models.MediaKindAudio:
		body["audio"] = media

		return "sendAudio", body
	default:
		body["document"] = media

		return "sendDocument", body
	}
}

func (t *Transport) DeleteWebhook(ctx context.Context) error {
	_, err := t.call(ctx, http.MethodPost, "deleteWebhook", nil, map[string]any{"drop_pending_updates": false})

	return err
}

func (t *Transport) call(ctx context.Context, httpMethod, method string, query url.Values, body any) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, endpoint, reader)
	if err != nil {
		return nil, transport.NewError(method, t.channelID, 0, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, transport.NewError(method, t.channelID, 0, redact(err, t.token))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.NewError(method, t.channelID, resp.StatusCode, err)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, transport.NewError(method, t.channelID, resp.StatusCode, errors.New(strings.TrimSpace(string(raw))))
		}

		return nil, transport.NewError(method, t.channelID, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}

	if !out.OK || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status := resp.StatusCode
		if out.ErrorCode != 0 {
			status = out.ErrorCode
		}

		return nil, transport.NewError(method, t.channelID, status, fmt.Errorf("telegram: %s", out.Description))
	}

	return out.Result, nil
}

// redact strips the bot token from URL errors before they reach logs.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}

	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted>"))
}
