package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"livescore-dash/internal/config"

	"go.uber.org/zap"
)

const (
	telegramBaseURL = "https://api.telegram.org"
	// Bot API hard limit on message text, in characters.
	telegramMaxText = 4096
	// An identical message inside this window is not sent again.
	telegramRepeatWindow = time.Minute
)

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// Telegram delivers notifications to a chat through the Bot API. Messages
// are prefixed with the configured participant or dashboard label.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	label   string
	baseURL string
	client  *http.Client
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastText string
	lastSent time.Time
}

func NewTelegram(cfg config.TelegramConfig, label string, log *zap.Logger) *Telegram {
	return newTelegram(cfg, label, log, telegramBaseURL, nil)
}

func newTelegram(cfg config.TelegramConfig, label string, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		label:   strings.TrimSpace(label),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		now:     time.Now,
	}
}

func (t *Telegram) Notify(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("telegram message is empty")
	}
	text := message
	if t.label != "" {
		text = "[" + t.label + "] " + message
	}
	text = truncateText(text, telegramMaxText)
	if t.repeated(text) {
		t.log.Debug("telegram notification suppressed as repeat")
		return nil
	}
	if err := t.send(ctx, text); err != nil {
		return err
	}
	t.remember(text)
	t.log.Debug("telegram notification sent", zap.Int("length", len(text)))
	return nil
}

func (t *Telegram) send(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var result sendMessageResponse
	decodeErr := json.Unmarshal(raw, &result)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Description != "" {
			return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, result.Description)
		}
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if decodeErr == nil && !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}

func (t *Telegram) repeated(text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return text == t.lastText && t.now().Sub(t.lastSent) < telegramRepeatWindow
}

func (t *Telegram) remember(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastText = text
	t.lastSent = t.now()
}

// truncateText cuts text to at most limit characters, ending in an ellipsis
// when anything was dropped.
func truncateText(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit-1]) + "…"
}
