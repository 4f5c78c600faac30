package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsort/internal/model"
)

const (
	defaultModel       = "claude-sonnet-4-5-20250929"
	defaultMaxTokens   = 2048
	defaultTemperature = 0.1
	defaultAPIURL      = "https://api.anthropic.com/v1/messages"
	apiVersion         = "2023-06-01"

	// statusOverloaded is returned by the Messages API when it is
	// temporarily over capacity.
	statusOverloaded = 529
)

// APIError is a non-2xx answer from the Messages API.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("classifier API error (%d)", e.Status)
	}
	return fmt.Sprintf("classifier API error (%d): %s", e.Status, e.Message)
}

// rateLimited reports whether the status signals throttling or overload.
func (e *APIError) rateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == statusOverloaded
}

// retryable reports whether a request that failed with e may succeed later.
func (e *APIError) retryable() bool {
	return e.rateLimited() || e.Status >= 500
}

// AnthropicClassifier classifies through the Anthropic Messages API.
type AnthropicClassifier struct {
	apiKey      string
	url         string
	model       string
	maxTokens   int
	temperature float64
	maxAttempts int

	// BaseDelay and RateLimitDelay are the first backoff waits for
	// generic failures and for 429/529 answers. Each retry doubles them.
	BaseDelay      time.Duration
	RateLimitDelay time.Duration

	client *http.Client
	log    logrus.FieldLogger
}

// NewAnthropic creates a classifier from configuration.
func NewAnthropic(cfg model.ClassifierConfig, log logrus.FieldLogger) *AnthropicClassifier {
	a := &AnthropicClassifier{
		apiKey:         cfg.APIKey,
		url:            cfg.BaseURL,
		model:          cfg.Model,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		maxAttempts:    cfg.MaxAttempts,
		BaseDelay:      2 * time.Second,
		RateLimitDelay: 10 * time.Second,
		client:         &http.Client{Timeout: 120 * time.Second},
		log:            log,
	}
	if a.url == "" {
		a.url = defaultAPIURL
	}
	if a.model == "" {
		a.model = defaultModel
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}
	if a.temperature <= 0 {
		a.temperature = defaultTemperature
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = 3
	}
	return a
}

// Classify sends one batch and parses the answer.
func (a *AnthropicClassifier) Classify(ctx context.Context, folders []string, items []Item) ([]Decision, error) {
	if len(items) == 0 {
		return nil, nil
	}

	text, err := a.complete(ctx, systemPrompt, buildPrompt(folders, items))
	if err != nil {
		return nil, err
	}
	return ParseDecisions(text, items), nil
}

// complete calls the API with retries. 4xx answers other than 429 are
// returned immediately.
func (a *AnthropicClassifier) complete(ctx context.Context, system, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		text, err := a.callAPI(ctx, system, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		delay := a.BaseDelay
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if !apiErr.retryable() {
				return "", err
			}
			if apiErr.rateLimited() {
				delay = a.RateLimitDelay
			}
		}
		if attempt == a.maxAttempts {
			break
		}

		delay *= time.Duration(1 << uint(attempt-1))
		a.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    delay.String(),
		}).Warn("classifier call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", fmt.Errorf("classifier call failed after %d attempts: %w", a.maxAttempts, lastErr)
}

// callAPI makes a single request to the Messages API and returns the
// concatenated text blocks.
func (a *AnthropicClassifier) callAPI(ctx context.Context, system, prompt string) (string, error) {
	reqBody := apiRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		System:      system,
		Messages: []apiMessage{{
			Role:    "user",
			Content: []apiContentBlock{{Type: "text", Text: prompt}},
		}},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling classifier API: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var body apiErrorResponse
		if json.Unmarshal(respBody, &body) == nil && body.Error.Message != "" {
			apiErr.Type = body.Error.Type
			apiErr.Message = body.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return "", apiErr
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, ""), nil
}

// --- Messages API types ---

type apiRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature"`
	System      string       `json:"system"`
	Messages    []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
