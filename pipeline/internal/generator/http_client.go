package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type HTTPClientConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
}

// HTTPClient posts generation requests as JSON. Network errors, 429 and 5xx are
// retried with backoff; repeated failures open a circuit breaker.
type HTTPClient struct {
	url      string
	client   *http.Client
	timeout  time.Duration
	executor failsafe.Executor[*http.Response]
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generator base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/generate"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	base, max := cfg.BaseDelay, cfg.MaxDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if max < base {
		max = 5 * time.Second
	}

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(base, max).
		WithMaxRetries(retries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		ReturnLastFailure().
		Build()
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(5, 10).
		WithDelay(15 * time.Second).
		WithSuccessThreshold(1).
		HandleIf(shouldRetry).
		Build()

	return &HTTPClient{
		url:      strings.TrimSuffix(cfg.BaseURL, "/") + path,
		client:   client,
		timeout:  timeout,
		executor: failsafe.With[*http.Response](retry, breaker),
	}, nil
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	return resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500)
}

type generateRequest struct {
	ItemID    string         `json:"itemId"`
	Platform  string         `json:"platform"`
	Location  string         `json:"location"`
	Author    string         `json:"author"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	URL       string         `json:"url"`
	Style     string         `json:"style"`
	Tone      string         `json:"tone"`
	MaxLength int            `json:"maxLength"`
	UseEmoji  bool           `json:"useEmoji"`
	Questions bool           `json:"askQuestions"`
	Documents []documentHint `json:"documents,omitempty"`
}

type documentHint struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (c *HTTPClient) Generate(ctx context.Context, req Request) (Result, error) {
	payload := generateRequest{
		ItemID:    req.Item.PlatformID,
		Platform:  string(req.Item.Platform),
		Location:  req.Item.Location,
		Author:    req.Item.Author,
		Title:     req.Item.Title,
		Content:   req.Item.Content,
		URL:       req.Item.URL,
		Style:     req.Engagement.Style,
		Tone:      req.Engagement.Tone,
		MaxLength: req.Engagement.MaxLength,
		UseEmoji:  req.Engagement.UseEmoji,
		Questions: req.Engagement.AskQuestions,
	}
	for _, d := range req.Documents {
		payload.Documents = append(payload.Documents, documentHint{Bucket: d.Bucket, Key: d.Key})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("generator marshal request: %w", err)
	}

	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(httpReq)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		if shouldRetry(resp, nil) {
			// Only the status matters for a response that will be retried.
			resp.Body.Close()
			resp.Body = http.NoBody
		}
		return resp, nil
	})
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return Result{}, fmt.Errorf("generator request failed: %w", err)
	}
	return decodeResult(resp, req.Engagement.MaxLength)
}

func decodeResult(resp *http.Response, maxLength int) (Result, error) {
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("generator unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("generator rejected request: %s", resp.Status)
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("generator decode response: %w", err)
	}
	out.Text = Truncate(out.Text, maxLength)
	if out.Text == "" {
		return Result{}, errors.New("generator returned empty text")
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Result{}, fmt.Errorf("generator confidence %v outside [0,1]", out.Confidence)
	}
	if out.Priority != "" && !out.Priority.Valid() {
		out.Priority = ""
	}
	return out, nil
}
