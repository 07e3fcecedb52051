package notify

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
)

// Slack posts alerts to a channel, suppressing sends while the workspace is
// rate limiting us.
type Slack struct {
	api       *slack.Client
	channelID string

	mu               sync.Mutex
	rateLimitedUntil time.Time
}

// NewSlack returns nil when the bot is not configured.
func NewSlack(token, channelID string) *Slack {
	if token == "" || channelID == "" {
		log.Println("[INFO] Slack token or channel ID not configured. Slack notifications disabled.")
		return nil
	}
	return &Slack{api: slack.New(token), channelID: channelID}
}

func (c *Slack) Name() string { return "slack" }

func (c *Slack) Send(title, body string) error {
	c.mu.Lock()
	limited := time.Now().Before(c.rateLimitedUntil)
	c.mu.Unlock()
	if limited {
		return fmt.Errorf("slack rate limit backoff active")
	}

	_, _, err := c.api.PostMessage(c.channelID,
		slack.MsgOptionText(fmt.Sprintf("*%s*\n%s", title, body), false))
	if err != nil {
		if isRateLimitError(err) {
			c.handleRateLimit(err)
		}
		return fmt.Errorf("failed to send Slack message: %w", err)
	}
	return nil
}

// isRateLimitError checks if the error is related to rate limiting.
func isRateLimitError(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate_limited") ||
		strings.Contains(errStr, "message_limit_exceeded") ||
		strings.Contains(errStr, "too_many_requests")
}

// handleRateLimit suppresses further sends for a while; message_limit_exceeded
// gets a longer pause than a plain rate_limited.
func (c *Slack) handleRateLimit(err error) {
	backoff := 1 * time.Minute
	if strings.Contains(strings.ToLower(err.Error()), "message_limit_exceeded") {
		backoff = 5 * time.Minute
	}
	c.mu.Lock()
	c.rateLimitedUntil = time.Now().Add(backoff)
	c.mu.Unlock()
	log.Printf("[WARN] Slack rate limit detected (%v). Messages suppressed for %v", err, backoff)
}

// IsRateLimited reports whether the client is in a backoff period.
func (c *Slack) IsRateLimited() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.rateLimitedUntil)
}
