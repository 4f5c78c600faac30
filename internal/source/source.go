package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailsort/internal/model"
)

// Auth failures. All of them are fatal to the job that hits them.
var (
	ErrNotConnected       = errors.New("mail account not connected")
	ErrRefreshUnavailable = errors.New("no refresh token stored")
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// Transient provider failures, surfaced once local retries are exhausted.
var (
	ErrRateLimited = errors.New("provider rate limit exceeded")
	ErrProvider    = errors.New("provider request failed")
)

// AuthError indicates that authentication has failed or expired for a user.
// Kind is one of the auth sentinels above and is matched by errors.Is.
type AuthError struct {
	UserID  string
	Kind    error
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth error (%s): %v", e.UserID, e.Kind)
	}
	return fmt.Sprintf("auth error (%s): %v: %s", e.UserID, e.Kind, e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == e.Kind
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// RateLimitError is returned when every attempt was answered with 429.
type RateLimitError struct {
	Method     string
	Path       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (429) on %s %s, retry after %s", e.Method, e.Path, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ProviderError is any other failed provider call. Status is zero for
// transport errors.
type ProviderError struct {
	Method string
	Path   string
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provider error on %s %s: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("provider error (%d) on %s %s: %v", e.Status, e.Method, e.Path, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Status == 404
}

// TokenStore loads and saves a user's plaintext provider tokens.
type TokenStore interface {
	LoadTokens(ctx context.Context, userID string) (model.TokenSet, error)
	SaveTokens(ctx context.Context, userID string, tokens model.TokenSet) error
}
