package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pevans/newsharvest/harvest"
)

// Defaults for LLMConfig.
const (
	DefaultEndpoint    = "https://api.openai.com/v1/chat/completions"
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

var (
	// ErrExhausted is returned when every attempt to reach the model failed.
	ErrExhausted = errors.New("clustering attempts exhausted")
	// ErrSkipped is returned when a batch is not worth sending to the model.
	ErrSkipped = errors.New("clustering skipped")
)

const systemPrompt = `You group news headlines that describe the same event.
Give every group a short, neutral headline as its cluster_key.
Reply with JSON only, in the form {"clusters": [{"idx": 0, "cluster_key": "..."}]}, with one entry per input index.`

// LLMConfig configures an LLM clusterer.
type LLMConfig struct {
	Endpoint    string
	Model       string
	APIKey      string
	MaxAttempts int
	BaseDelay   time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Now         func() time.Time
}

// LLM clusters items through an OpenAI-compatible chat completions API.
type LLM struct {
	endpoint    string
	model       string
	apiKey      string
	maxAttempts int
	baseDelay   time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
	now         func() time.Time
}

var _ Clusterer = (*LLM)(nil)

// NewLLM builds an LLM clusterer, filling in defaults.
func NewLLM(cfg LLMConfig) *LLM {
	c := &LLM{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		httpClient:  cfg.HTTPClient,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Cluster asks the model to group items by event. Batches of one item or of
// mostly short titles return ErrSkipped without a request.
func (c *LLM) Cluster(ctx context.Context, items []harvest.Item) ([]harvest.Item, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%w: no API key", ErrSkipped)
	}
	if len(items) <= 1 {
		return nil, fmt.Errorf("%w: nothing to group", ErrSkipped)
	}
	if mostlyShortTitles(items) {
		return nil, fmt.Errorf("%w: mostly short titles", ErrSkipped)
	}

	var lines strings.Builder
	for i, it := range items {
		fmt.Fprintf(&lines, "%d: %s\n", i, strings.TrimSpace(it.Title))
	}

	content, err := c.completeWithRetry(ctx, lines.String())
	if err != nil {
		return nil, err
	}

	keys, err := parseAssignments(content)
	if err != nil {
		return nil, err
	}

	out := make([]harvest.Item, len(items))
	now := c.now()
	for i, it := range items {
		base := strings.TrimSpace(keys[i])
		if base == "" {
			base = strings.TrimSpace(it.Title)
		}
		it.ClusterKey = Key(base, it.PublishedAt, now)
		out[i] = it
	}

	c.logger.Info("items clustered", "count", len(items), "clusters", countDistinct(out))
	return out, nil
}

// permanentError marks a response that retrying will not fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (c *LLM) completeWithRetry(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	delay := c.baseDelay

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		content, err := c.complete(ctx, prompt)
		if err == nil {
			return content, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			break
		}
		if attempt == c.maxAttempts {
			break
		}

		c.logger.Warn("clustering request failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrExhausted, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return "", fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *LLM) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", &permanentError{fmt.Errorf("failed to marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("model error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return "", &permanentError{err}
		}
		return "", err
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", errors.New("empty model response")
	}

	return decoded.Choices[0].Message.Content, nil
}

type assignment struct {
	Idx        int    `json:"idx"`
	ClusterKey string `json:"cluster_key"`
}

// parseAssignments accepts either {"clusters": [...]} or a bare array.
func parseAssignments(content string) (map[int]string, error) {
	content = strings.TrimSpace(content)

	var list []assignment
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &list); err != nil {
			return nil, fmt.Errorf("failed to parse cluster assignments: %w", err)
		}
	} else {
		var wrapped struct {
			Clusters []assignment `json:"clusters"`
		}
		if err := json.Unmarshal([]byte(content), &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse cluster assignments: %w", err)
		}
		list = wrapped.Clusters
	}

	keys := make(map[int]string, len(list))
	for _, a := range list {
		if _, ok := keys[a.Idx]; !ok {
			keys[a.Idx] = a.ClusterKey
		}
	}
	return keys, nil
}

func countDistinct(items []harvest.Item) int {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		seen[it.ClusterKey] = true
	}
	return len(seen)
}
