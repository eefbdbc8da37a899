// Package telegram delivers UPS notifications and reports through the
// Telegram Bot API.
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
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultAPIURL  = "https://api.telegram.org"
	defaultTimeout = 10 * time.Second
	// maxMessageLen is the Bot API limit on message text, in UTF-16 units.
	// Counting runes keeps us under it for the text we send.
	maxMessageLen = 4096
)

// ErrNotConfigured is returned by SendMessage when the bot token or chat ID
// is missing.
var ErrNotConfigured = errors.New("telegram: bot token and chat id are required")

// Client sends text messages to one chat.
type Client struct {
	httpClient *http.Client
	apiURL     string
	token      string
	chatID     string
	log        logrus.FieldLogger
}

// NewClient returns a Client posting to apiURL. An empty apiURL selects the
// public Bot API and a non-positive timeout selects 10 seconds.
func NewClient(apiURL, token, chatID string, timeout time.Duration, logger logrus.FieldLogger) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
		chatID:     chatID,
		log:        logger.WithField("component", "telegram"),
	}
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage posts text to the configured chat. Texts over the Bot API
// limit are truncated.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if c.token == "" || c.chatID == "" {
		return ErrNotConfigured
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: c.chatID, Text: truncate(text, maxMessageLen)})
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}

	endpoint := c.apiURL + "/bot" + c.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL embeds the bot token; keep it out of the error text.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiResp apiResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiResp) == nil && apiResp.Description != "" {
			return fmt.Errorf("telegram: HTTP %d: %s", resp.StatusCode, apiResp.Description)
		}
		return fmt.Errorf("telegram: unexpected HTTP status %d", resp.StatusCode)
	}

	c.log.WithField("chars", len([]rune(text))).Debug("message sent")
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
