package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/semaphore"

	"github.com/promokit/promokit/internal/pkg/env"
)

// Request carries everything the upstream generation API needs for one output.
type Request struct {
	Service     string   `json:"service"`
	Mode        string   `json:"mode"`
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	InputImages []string `json:"input_images,omitempty"`
}

// Result is the upstream response for one output.
type Result struct {
	OutputURL string `json:"output_url"`
	Text      string `json:"text,omitempty"`
}

// Generator produces one output per call. Implementations must be safe for
// concurrent use by every worker slot.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// RetryableError marks upstream failures worth retrying (429 and 5xx).
type RetryableError struct {
	StatusCode int
	Body       string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Client calls the upstream generation API over HTTP. A weighted semaphore
// caps in-flight upstream calls across all worker slots so a burst of workers
// cannot trip the provider's account-level limits.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	sem         *semaphore.Weighted
	maxAttempts int
	baseDelay   time.Duration
}

// NewClient builds a provider client from the environment. PROVIDER_MAX_INFLIGHT
// bounds concurrent upstream calls process-wide.
func NewClient() *Client {
	maxInflight := int64(env.GetEnvAsInt("PROVIDER_MAX_INFLIGHT", 8))
	if maxInflight < 1 {
		maxInflight = 1
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Duration(env.GetEnvAsInt("PROVIDER_TIMEOUT_SECONDS", 300)) * time.Second,
		},
		baseURL:     env.GetEnv("PROVIDER_BASE_URL", "https://api.generation.example.com"),
		apiKey:      env.GetEnv("PROVIDER_API_KEY", ""),
		sem:         semaphore.NewWeighted(maxInflight),
		maxAttempts: 3,
		baseDelay:   2 * time.Second,
	}
}

// Generate performs one upstream call with bounded concurrency and
// exponential backoff on retryable failures.
func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("provider: acquire slot: %w", err)
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := c.doRequest(ctx, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var retryable *RetryableError
		if !errors.As(err, &retryable) {
			return nil, err
		}
		if attempt == c.maxAttempts {
			break
		}
		delay := backoffDelay(c.baseDelay, attempt)
		log.Warnf("[Provider] attempt %d/%d failed (status %d), retrying in %s",
			attempt, c.maxAttempts, retryable.StatusCode, delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &RetryableError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}
	return &result, nil
}

// backoffDelay is baseDelay doubled per attempt plus up to 25% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
