// Package telegram is a minimal Bot API client covering the calls the relay
// makes. One Client is bound to one bot credential; the runtime manager keeps
// a Client per hosted bot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/411A/anonrelay/internal/metrics"
)

const DefaultBaseURL = "https://api.telegram.org"

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Token returns the bound credential.
func (c *Client) Token() string { return c.token }

type RequestError struct {
	StatusCode  int
	ErrorCode   int
	Description string
	Body        string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	desc := strings.TrimSpace(e.Description)
	if desc != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, desc)
		}
		return "telegram: " + desc
	}
	body := strings.TrimSpace(e.Body)
	if e.StatusCode > 0 {
		if body != "" {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, body)
		}
		return fmt.Sprintf("telegram http %d", e.StatusCode)
	}
	if body != "" {
		return "telegram: " + body
	}
	return "telegram request failed"
}

// IsForbidden reports a 403: the user blocked the bot or never started it.
func IsForbidden(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && (reqErr.StatusCode == http.StatusForbidden || reqErr.ErrorCode == 403)
}

// IsBadRequest reports a 400, typically a stale message reference.
func IsBadRequest(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && (reqErr.StatusCode == http.StatusBadRequest || reqErr.ErrorCode == 400)
}

// IsParseError reports a failed entity parse, the cue to retry without a
// parse mode.
func IsParseError(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		desc := strings.ToLower(strings.TrimSpace(reqErr.Description))
		if strings.Contains(desc, "can't parse entities") || strings.Contains(desc, "can't parse entity") {
			return true
		}
	}
	return false
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// call posts params as JSON to method and decodes the result into out when
// out is non-nil.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	var body io.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if params != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.TelegramErrors.WithLabelValues(method).Inc()
		return err
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var parsed apiResponse
	_ = json.Unmarshal(raw, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !parsed.OK {
		metrics.TelegramErrors.WithLabelValues(method).Inc()
		return &RequestError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   parsed.ErrorCode,
			Description: parsed.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
	}
	if out != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "getMe", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

type SendMessageParams struct {
	ChatID                int64                 `json:"chat_id"`
	Text                  string                `json:"text"`
	ParseMode             string                `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool                  `json:"disable_web_page_preview,omitempty"`
	DisableNotification   bool                  `json:"disable_notification,omitempty"`
	ReplyToMessageID      int                   `json:"reply_to_message_id,omitempty"`
	ReplyMarkup           *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

func (c *Client) SendMessage(ctx context.Context, params SendMessageParams) (*Message, error) {
	params.Text = strings.TrimSpace(params.Text)
	if params.Text == "" {
		params.Text = "(empty)"
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendMessageHTML sends with HTML formatting and falls back to plain text
// when the markup fails to parse.
func (c *Client) SendMessageHTML(ctx context.Context, params SendMessageParams) (*Message, error) {
	params.ParseMode = "HTML"
	msg, err := c.SendMessage(ctx, params)
	if err == nil || !IsParseError(err) {
		return msg, err
	}
	params.ParseMode = ""
	return c.SendMessage(ctx, params)
}

type copyMessageParams struct {
	ChatID           int64                 `json:"chat_id"`
	FromChatID       int64                 `json:"from_chat_id"`
	MessageID        int                   `json:"message_id"`
	ReplyToMessageID int                   `json:"reply_to_message_id,omitempty"`
	ReplyMarkup      *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// CopyMessage re-sends a message without its origin header and returns the
// new message id in the destination chat.
func (c *Client) CopyMessage(ctx context.Context, toChat, fromChat int64, messageID, replyTo int, markup *InlineKeyboardMarkup) (int, error) {
	var out struct {
		MessageID int `json:"message_id"`
	}
	err := c.call(ctx, "copyMessage", copyMessageParams{
		ChatID:           toChat,
		FromChatID:       fromChat,
		MessageID:        messageID,
		ReplyToMessageID: replyTo,
		ReplyMarkup:      markup,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.MessageID, nil
}

type forwardMessageParams struct {
	ChatID     int64 `json:"chat_id"`
	FromChatID int64 `json:"from_chat_id"`
	MessageID  int   `json:"message_id"`
}

// ForwardMessage relays with the origin header intact.
func (c *Client) ForwardMessage(ctx context.Context, toChat, fromChat int64, messageID int) (*Message, error) {
	var msg Message
	err := c.call(ctx, "forwardMessage", forwardMessageParams{
		ChatID:     toChat,
		FromChatID: fromChat,
		MessageID:  messageID,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

type editMessageTextParams struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int                   `json:"message_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text string, markup *InlineKeyboardMarkup) error {
	return c.call(ctx, "editMessageText", editMessageTextParams{
		ChatID:      chatID,
		MessageID:   messageID,
		Text:        text,
		ReplyMarkup: markup,
	}, nil)
}

type editMessageReplyMarkupParams struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int                   `json:"message_id"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

// EditMessageReplyMarkup replaces the inline keyboard; nil markup removes it.
func (c *Client) EditMessageReplyMarkup(ctx context.Context, chatID int64, messageID int, markup *InlineKeyboardMarkup) error {
	return c.call(ctx, "editMessageReplyMarkup", editMessageReplyMarkupParams{
		ChatID:      chatID,
		MessageID:   messageID,
		ReplyMarkup: markup,
	}, nil)
}

type answerCallbackQueryParams struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
	ShowAlert       bool   `json:"show_alert,omitempty"`
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string, showAlert bool) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
		ShowAlert:       showAlert,
	}, nil)
}

type setMessageReactionParams struct {
	ChatID    int64          `json:"chat_id"`
	MessageID int            `json:"message_id"`
	Reaction  []ReactionType `json:"reaction,omitempty"`
}

func (c *Client) SetMessageReaction(ctx context.Context, chatID int64, messageID int, emoji string) error {
	var reactions []ReactionType
	if emoji != "" {
		reactions = []ReactionType{{Type: "emoji", Emoji: emoji}}
	}
	return c.call(ctx, "setMessageReaction", setMessageReactionParams{
		ChatID:    chatID,
		MessageID: messageID,
		Reaction:  reactions,
	}, nil)
}

type deleteMessageParams struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int   `json:"message_id"`
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.call(ctx, "deleteMessage", deleteMessageParams{ChatID: chatID, MessageID: messageID}, nil)
}

type pinChatMessageParams struct {
	ChatID              int64 `json:"chat_id"`
	MessageID           int   `json:"message_id"`
	DisableNotification bool  `json:"disable_notification,omitempty"`
}

func (c *Client) PinChatMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.call(ctx, "pinChatMessage", pinChatMessageParams{
		ChatID:              chatID,
		MessageID:           messageID,
		DisableNotification: true,
	}, nil)
}

func (c *Client) UnpinChatMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.call(ctx, "unpinChatMessage", deleteMessageParams{ChatID: chatID, MessageID: messageID}, nil)
}

type setWebhookParams struct {
	URL                string   `json:"url"`
	SecretToken        string   `json:"secret_token,omitempty"`
	AllowedUpdates     []string `json:"allowed_updates,omitempty"`
	DropPendingUpdates bool     `json:"drop_pending_updates,omitempty"`
	MaxConnections     int      `json:"max_connections,omitempty"`
}

func (c *Client) SetWebhook(ctx context.Context, url, secretToken string, allowedUpdates []string) error {
	return c.call(ctx, "setWebhook", setWebhookParams{
		URL:                url,
		SecretToken:        secretToken,
		AllowedUpdates:     allowedUpdates,
		DropPendingUpdates: true,
	}, nil)
}

type deleteWebhookParams struct {
	DropPendingUpdates bool `json:"drop_pending_updates,omitempty"`
}

func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, "deleteWebhook", deleteWebhookParams{DropPendingUpdates: dropPending}, nil)
}

func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info WebhookInfo
	if err := c.call(ctx, "getWebhookInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

type getChatParams struct {
	ChatID int64 `json:"chat_id"`
}

func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	var chat Chat
	if err := c.call(ctx, "getChat", getChatParams{ChatID: chatID}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// Profile setters accept an optional Telegram language code; empty applies
// to users without a localized override.

type setMyNameParams struct {
	Name         string `json:"name"`
	LanguageCode string `json:"language_code,omitempty"`
}

func (c *Client) SetMyName(ctx context.Context, name, languageCode string) error {
	return c.call(ctx, "setMyName", setMyNameParams{Name: name, LanguageCode: languageCode}, nil)
}

type setMyDescriptionParams struct {
	Description  string `json:"description"`
	LanguageCode string `json:"language_code,omitempty"`
}

func (c *Client) SetMyDescription(ctx context.Context, description, languageCode string) error {
	return c.call(ctx, "setMyDescription", setMyDescriptionParams{Description: description, LanguageCode: languageCode}, nil)
}

type setMyShortDescriptionParams struct {
	ShortDescription string `json:"short_description"`
	LanguageCode     string `json:"language_code,omitempty"`
}

func (c *Client) SetMyShortDescription(ctx context.Context, short, languageCode string) error {
	return c.call(ctx, "setMyShortDescription", setMyShortDescriptionParams{ShortDescription: short, LanguageCode: languageCode}, nil)
}

type setMyCommandsParams struct {
	Commands     []BotCommand `json:"commands"`
	LanguageCode string       `json:"language_code,omitempty"`
}

func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand, languageCode string) error {
	return c.call(ctx, "setMyCommands", setMyCommandsParams{Commands: commands, LanguageCode: languageCode}, nil)
}
