package gmail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/source"
)

// Config holds the endpoints, OAuth client and retry policy shared by
// every user's client.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string

	// MaxAttempts bounds the attempts of a single request. A 401
	// followed by a successful refresh does not use one up.
	MaxAttempts int

	// DefaultRetryAfter is the wait after a 429 without a usable
	// Retry-After header.
	DefaultRetryAfter time.Duration

	// RetryBackoff is the base wait before retrying a 5xx or a
	// transport error; it doubles per attempt.
	RetryBackoff time.Duration

	// RefreshTimeout bounds a single token refresh.
	RefreshTimeout time.Duration

	// ExpiryGrace refreshes tokens this long before they expire.
	ExpiryGrace time.Duration

	HTTPClient *http.Client
}

// ConfigFrom converts the file configuration into a client Config.
func ConfigFrom(cfg model.ProviderConfig) Config {
	return Config{
		BaseURL:           cfg.BaseURL,
		TokenURL:          cfg.TokenURL,
		ClientID:          cfg.ClientID,
		ClientSecret:      cfg.ClientSecret,
		MaxAttempts:       cfg.MaxAttempts,
		DefaultRetryAfter: time.Duration(cfg.RetryAfterSec) * time.Second,
		HTTPClient:        &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = 5 * time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}

// defaultTokenLifetime applies when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// Service hands out per-user clients that share configuration, the token
// store and one circuit breaker for the provider.
type Service struct {
	cfg     Config
	tokens  source.TokenStore
	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
}

// NewService creates a provider service.
func NewService(cfg Config, tokens source.TokenStore, log logrus.FieldLogger) *Service {
	cfg.applyDefaults()

	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &Service{
		cfg:     cfg,
		tokens:  tokens,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

// ForUser returns a client bound to one user's credentials.
func (s *Service) ForUser(userID string) *Client {
	return &Client{
		cfg:     s.cfg,
		userID:  userID,
		tokens:  s.tokens,
		breaker: s.breaker,
		log:     s.log.WithField("user_id", userID),
		now:     time.Now,
		oauth: &oauth2.Config{
			ClientID:     s.cfg.ClientID,
			ClientSecret: s.cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  s.cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// Client is a thin HTTP client for one user's mailbox. It keeps the
// access token fresh, retries 429 and 5xx responses, and re-authenticates
// once on 401.
type Client struct {
	cfg     Config
	userID  string
	tokens  source.TokenStore
	breaker *gobreaker.CircuitBreaker
	oauth   *oauth2.Config
	log     logrus.FieldLogger
	now     func() time.Time

	mu     gosync.Mutex
	cached *model.TokenSet
}

// EnsureValidToken returns a usable access token, refreshing it first
// when it expires within the grace window.
func (c *Client) EnsureValidToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokens, err := c.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	if tokens.AccessToken == "" {
		return "", &source.AuthError{UserID: c.userID, Kind: source.ErrNotConnected}
	}

	if tokens.Expiry != nil && !c.now().Add(c.cfg.ExpiryGrace).Before(*tokens.Expiry) {
		c.log.Debug("access token near expiry, refreshing")
		return c.refreshLocked(ctx)
	}
	return tokens.AccessToken, nil
}

// RefreshToken exchanges the stored refresh token for a new access token
// and persists it.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.loadLocked(ctx); err != nil {
		return "", err
	}
	return c.refreshLocked(ctx)
}

func (c *Client) loadLocked(ctx context.Context) (model.TokenSet, error) {
	if c.cached != nil {
		return *c.cached, nil
	}
	tokens, err := c.tokens.LoadTokens(ctx, c.userID)
	if err != nil {
		return model.TokenSet{}, fmt.Errorf("loading tokens: %w", err)
	}
	c.cached = &tokens
	return tokens, nil
}

func (c *Client) refreshLocked(ctx context.Context) (string, error) {
	current := *c.cached
	if current.RefreshToken == "" {
		return "", &source.AuthError{UserID: c.userID, Kind: source.ErrRefreshUnavailable}
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	defer cancel()
	rctx = context.WithValue(rctx, oauth2.HTTPClient, c.cfg.HTTPClient)

	tok, err := c.oauth.TokenSource(rctx, &oauth2.Token{
		RefreshToken: current.RefreshToken,
	}).Token()
	if err != nil {
		return "", &source.AuthError{
			UserID:  c.userID,
			Kind:    source.ErrTokenRefreshFailed,
			Message: err.Error(),
		}
	}

	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = c.now().Add(defaultTokenLifetime)
	}
	expiry = expiry.UTC()

	refreshed := model.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: current.RefreshToken,
		Expiry:       &expiry,
	}
	if tok.RefreshToken != "" {
		refreshed.RefreshToken = tok.RefreshToken
	}

	if err := c.tokens.SaveTokens(ctx, c.userID, refreshed); err != nil {
		return "", fmt.Errorf("saving refreshed token: %w", err)
	}
	c.cached = &refreshed
	c.log.Info("access token refreshed")

	return refreshed.AccessToken, nil
}

// Get performs an HTTP GET request and unmarshals the JSON response.
func (c *Client) Get(
	ctx context.Context,
	path string,
	query url.Values,
	result interface{},
) error {
	return c.request(ctx, http.MethodGet, path, query, nil, result)
}

// Post performs an HTTP POST request with a JSON body and unmarshals
// the JSON response.
func (c *Client) Post(
	ctx context.Context,
	path string,
	body interface{},
	result interface{},
) error {
	return c.request(ctx, http.MethodPost, path, nil, body, result)
}

// response is the part of an HTTP response the retry loop needs after
// the body has been drained.
type response struct {
	status int
	header http.Header
	body   []byte
}

// errRetryableStatus marks 429 and 5xx responses as breaker failures.
var errRetryableStatus = errors.New("retryable status")

// request is the core HTTP method. It handles token validity, 401
// re-authentication, 429 waits, bounded retries and JSON decoding.
func (c *Client) request(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body interface{},
	result interface{},
) error {
	token, err := c.EnsureValidToken(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}

	reauthed := false
	var lastErr error
attempts:
	for attempt := 1; attempt <= c.cfg.MaxAttempts; {
		resp, err := c.send(ctx, method, path, query, payload, token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = &source.ProviderError{Method: method, Path: path, Err: err}
			if attempt == c.cfg.MaxAttempts {
				break attempts
			}
			if err := c.wait(ctx, c.backoff(attempt)); err != nil {
				return err
			}
			attempt++
			continue
		}

		switch {
		case resp.status == http.StatusUnauthorized && !reauthed:
			reauthed = true
			c.log.WithField("path", path).Info("received 401, refreshing token")
			token, err = c.RefreshToken(ctx)
			if err != nil {
				return err
			}
			continue

		case resp.status == http.StatusTooManyRequests:
			wait := c.retryAfter(resp.header)
			lastErr = &source.RateLimitError{Method: method, Path: path, RetryAfter: wait}
			if attempt == c.cfg.MaxAttempts {
				break attempts
			}
			c.log.WithFields(logrus.Fields{
				"path":    path,
				"wait":    wait.String(),
				"attempt": attempt,
			}).Warn("rate limited by provider")
			if err := c.wait(ctx, wait); err != nil {
				return err
			}
			attempt++
			continue

		case resp.status >= 500:
			lastErr = statusError(method, path, resp)
			if attempt == c.cfg.MaxAttempts {
				break attempts
			}
			if err := c.wait(ctx, c.backoff(attempt)); err != nil {
				return err
			}
			attempt++
			continue

		case resp.status < 200 || resp.status >= 300:
			// 4xx other than 429 will not change on retry.
			return statusError(method, path, resp)
		}

		if result == nil || resp.status == http.StatusNoContent || len(resp.body) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.body, result); err != nil {
			return fmt.Errorf("unmarshaling response from %s %s: %w", method, path, err)
		}
		return nil
	}

	return lastErr
}

// send issues one HTTP request through the circuit breaker.
func (c *Client) send(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	payload []byte,
	token string,
) (*response, error) {
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		httpResp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request %s %s: %w", method, path, err)
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}

		resp := &response{status: httpResp.StatusCode, header: httpResp.Header, body: data}
		if resp.status == http.StatusTooManyRequests || resp.status >= 500 {
			return resp, errRetryableStatus
		}
		return resp, nil
	})

	if errors.Is(err, errRetryableStatus) {
		return out.(*response), nil
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.log.WithField("state", c.breaker.State().String()).Warn("provider circuit open")
		}
		return nil, err
	}
	return out.(*response), nil
}

// statusError decodes a provider error body into a ProviderError.
func statusError(method, path string, resp *response) error {
	httpResp := &http.Response{
		StatusCode: resp.status,
		Header:     resp.header,
		Body:       io.NopCloser(bytes.NewReader(resp.body)),
	}
	err := googleapi.CheckResponse(httpResp)
	if err == nil {
		err = fmt.Errorf("unexpected status %d", resp.status)
	}
	return &source.ProviderError{Method: method, Path: path, Status: resp.status, Err: err}
}

// retryAfter reads the Retry-After header in seconds, falling back to
// the configured default.
func (c *Client) retryAfter(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return c.cfg.DefaultRetryAfter
}

// backoff returns the wait before retry number attempt: base, 2*base, ...
// capped at 30s.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
