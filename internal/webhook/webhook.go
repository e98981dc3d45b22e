package webhook

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Sender delivers terminal job events to a single configured endpoint.
type Sender struct {
	url    string
	client *http.Client
}

// NewSender validates the endpoint and returns a Sender for it. The URL is
// rejected at construction so a misconfigured endpoint fails at boot, not on
// the first finished job.
func NewSender(rawURL string) (*Sender, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	return &Sender{
		url:    rawURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Send dispatches the JSON payload asynchronously.
// 8 retries max with full-jitter exponential backoff (cap 5 min). 30s timeout
// per request. ctx should be context.WithoutCancel(jobCtx) so retries survive
// job completion but stop on server shutdown.
func (s *Sender) Send(ctx context.Context, payload []byte) {
	go s.send(ctx, payload)
}

// validateURL blocks non-HTTP(S) schemes and private/internal IP ranges.
func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (s *Sender) send(ctx context.Context, payload []byte) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := s.post(ctx, payload)
		if err == nil {
			return
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", s.url, "error", err)
		if attempt < retryAttempts {
			time.Sleep(jitter(attempt))
		}
	}
	slog.Error("webhook: all retries exhausted", "url", s.url)
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
// Full jitter prevents synchronized retries when multiple webhooks fail at the same time.
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt) // base * 2^attempt
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func (s *Sender) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
