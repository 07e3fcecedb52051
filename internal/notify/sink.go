// Package notify delivers alert decisions to the configured sinks: Telegram,
// Slack and the local log. Delivery is at-least-once via a bounded retry
// queue; stable alert ids deduplicate re-enqueued alerts so the result
// approximates exactly-once notification.
package notify

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(title, body string) error
}

// telegramTimeout bounds each Bot API call so a silent peer cannot stall the
// delivery queue, which drains entries serially.
const telegramTimeout = 3 * time.Second

// Telegram posts messages through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
}

// NewTelegram returns nil when the bot is not configured, so the caller can
// simply skip registering the sink.
func NewTelegram(token, chatID string) *Telegram {
	if token == "" || chatID == "" {
		log.Println("[INFO] Telegram token or chat ID not configured. Telegram notifications disabled.")
		return nil
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: "https://api.telegram.org",
		http:    &http.Client{Timeout: telegramTimeout},
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(title, body string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	params := url.Values{}
	params.Set("chat_id", t.chatID)
	params.Set("text", title+"\n"+body)

	resp, err := t.http.PostForm(apiURL, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram api error: status %s, body %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// LogSink writes alerts to the process log. It stands in for the local
// notification surface, which is outside this service.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(title, body string) error {
	log.Printf("[ALERT] %s: %s", title, body)
	return nil
}
