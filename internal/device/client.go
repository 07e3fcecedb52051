// Package device speaks the ESP32 pump modules' plain-HTTP protocol:
// fixed-width program upload, one-shot manual doses and the identity query
// used to re-bind modules that moved to a new DHCP address.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrBusy is returned when the device refuses a manual dose because the
// channel is already running.
var ErrBusy = errors.New("device busy: a dose is already in progress on this pump")

const (
	defaultTimeout = 3 * time.Second

	// identityKey is the left-hand side of the device's identity reply,
	// e.g. "NAME=doser-42AF".
	identityKey = "NAME"
)

// Client is a short-timeout HTTP client for the modules. A failed call never
// mutates local schedule or tank state; callers retry or surface the error.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

func (c *Client) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("device returned status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// getWithRetry performs one bounded immediate retry on transport failure.
// Non-OK device answers are not retried: the device saw the request.
func (c *Client) getWithRetry(ctx context.Context, rawURL string) (string, error) {
	body, err := c.get(ctx, rawURL)
	if err == nil || ctx.Err() != nil {
		return body, err
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return body, err
	}
	log.Printf("[WARN] device call failed, retrying once: %v", err)
	return c.get(ctx, rawURL)
}

// SendProgram uploads the full fixed-width transmission payload as a query
// parameter. The device acknowledges with a plain-text OK token.
func (c *Client) SendProgram(ctx context.Context, ip, payload string) error {
	u := fmt.Sprintf("http://%s/program?data=%s", ip, url.QueryEscape(payload))
	body, err := c.getWithRetry(ctx, u)
	if err != nil {
		return fmt.Errorf("could not reach device %s: %w", ip, err)
	}
	if !strings.EqualFold(body, "OK") {
		return fmt.Errorf("device %s rejected program: %s", ip, body)
	}
	return nil
}

// ManualDose runs one pump for durationMs. The device answers BUSY when the
// channel is already dosing.
func (c *Client) ManualDose(ctx context.Context, ip string, pump int, durationMs int64) error {
	u := fmt.Sprintf("http://%s/dose?pump=%d&ms=%d", ip, pump, durationMs)
	body, err := c.getWithRetry(ctx, u)
	if err != nil {
		return fmt.Errorf("could not reach device %s: %w", ip, err)
	}
	switch {
	case strings.EqualFold(body, "OK"):
		return nil
	case strings.EqualFold(body, "BUSY"):
		return ErrBusy
	default:
		return fmt.Errorf("device %s rejected dose: %s", ip, body)
	}
}

// Identify asks a device for its stable hardware name. Modules keep their
// internal name across DHCP address changes, so this is how an IP is mapped
// back to a known module.
func (c *Client) Identify(ctx context.Context, ip string) (string, error) {
	body, err := c.get(ctx, fmt.Sprintf("http://%s/id", ip))
	if err != nil {
		return "", fmt.Errorf("could not reach device %s: %w", ip, err)
	}
	for _, line := range strings.Split(body, "\n") {
		k, v, found := strings.Cut(strings.TrimSpace(line), "=")
		if found && k == identityKey && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("device %s returned no identity: %q", ip, body)
}

// Verify checks that the device at ip still reports the expected identity.
func (c *Client) Verify(ctx context.Context, ip, wantName string) error {
	name, err := c.Identify(ctx, ip)
	if err != nil {
		return err
	}
	if name != wantName {
		return fmt.Errorf("device at %s identifies as %q, expected %q", ip, name, wantName)
	}
	return nil
}

// Found is one discovery hit: a device that answered the identity query.
type Found struct {
	IP   string
	Name string
}

// Discover scans a /24 subnet (prefix like "192.168.1") for modules and
// returns every address that answered the identity query. The scan is
// bounded both by the per-call timeout and by ctx.
func (c *Client) Discover(ctx context.Context, prefix string) []Found {
	var (
		mu    sync.Mutex
		found []Found
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, 16)

	for host := 1; host <= 254; host++ {
		if ctx.Err() != nil {
			break
		}
		ip := fmt.Sprintf("%s.%d", prefix, host)
		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer func() { <-sem; wg.Done() }()
			name, err := c.Identify(ctx, ip)
			if err != nil {
				return
			}
			log.Printf("[INFO] discovered module %s at %s", name, ip)
			mu.Lock()
			found = append(found, Found{IP: ip, Name: name})
			mu.Unlock()
		}(ip)
	}
	wg.Wait()
	sort.Slice(found, func(i, j int) bool { return found[i].IP < found[j].IP })
	return found
}
