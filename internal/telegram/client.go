package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxMessageLen is Telegram's hard limit per sendMessage call.
const maxMessageLen = 4096

// Client is a thin wrapper over the Telegram Bot API. Only the handful of
// methods the bot needs are implemented.
type Client struct {
	token   string
	apiBase string
	http    *http.Client
}

func NewClient(token string) *Client {
	return &Client{
		token:   token,
		apiBase: "https://api.telegram.org",
		// Long polls run with timeout=30, so the client timeout sits above it.
		http: &http.Client{Timeout: 35 * time.Second},
	}
}

type update struct {
	UpdateID      int            `json:"update_id"`
	Message       *message       `json:"message"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type message struct {
	MessageID int    `json:"message_id"`
	Chat      chat   `json:"chat"`
	From      *user  `json:"from"`
	Text      string `json:"text"`
}

type chat struct {
	ID int64 `json:"id"`
}

type user struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	From    *user    `json:"from"`
	Message *message `json:"message"`
	Data    string   `json:"data"`
}

// InlineButton is one button of an inline keyboard.
type InlineButton struct {
	Text string `json:"text"`
	Data string `json:"callback_data"`
}

func (c *Client) getUpdates(ctx context.Context, offset int) ([]update, error) {
	apiURL := fmt.Sprintf(
		"%s/bot%s/getUpdates?offset=%d&timeout=30&allowed_updates=[\"message\",\"callback_query\"]",
		c.apiBase, c.token, offset)
	req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}

	var result struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}
	return result.Result, nil
}

// SendMessage sends text to a chat, splitting it when it exceeds Telegram's
// message size limit. The keyboard, if any, goes on the last part. Returns
// the id of the last message sent so keyboards can be edited away later.
func (c *Client) SendMessage(chatID int64, text string, keyboard [][]InlineButton) (int, error) {
	parts := splitMessage(text, maxMessageLen)
	lastID := 0
	for i, part := range parts {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    part,
		}
		if keyboard != nil && i == len(parts)-1 {
			payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
		}
		id, err := c.call("sendMessage", payload)
		if err != nil {
			return 0, err
		}
		lastID = id
	}
	return lastID, nil
}

// AnswerCallbackQuery acknowledges a button press, optionally with a toast.
func (c *Client) AnswerCallbackQuery(callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	_, err := c.call("answerCallbackQuery", payload)
	return err
}

// RemoveKeyboard strips the inline keyboard from a previously sent message so
// resolved requests stop offering buttons.
func (c *Client) RemoveKeyboard(chatID int64, messageID int) error {
	_, err := c.call("editMessageReplyMarkup", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return err
}

func (c *Client) call(method string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	apiURL := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	resp, err := c.http.Post(apiURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("telegram %s: %w", method, err)
	}
	if !result.OK {
		return 0, fmt.Errorf("telegram %s: %s", method, result.Description)
	}
	return result.Result.MessageID, nil
}

// splitMessage breaks text into chunks of at most limit runes, preferring to
// split at line boundaries.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			parts = append(parts, string(runes))
			break
		}
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	return parts
}
