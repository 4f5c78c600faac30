package gmail_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsort/internal/model"
	"github.com/nhle/mailsort/internal/source"
	"github.com/nhle/mailsort/internal/source/gmail"
	"github.com/nhle/mailsort/tests/testutil"
)

type memTokens struct {
	mu     sync.Mutex
	tokens model.TokenSet
	saved  []model.TokenSet
}

func (m *memTokens) LoadTokens(_ context.Context, _ string) (model.TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, nil
}

func (m *memTokens) SaveTokens(_ context.Context, _ string, tokens model.TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	m.saved = append(m.saved, tokens)
	return nil
}

func (m *memTokens) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// newClient points a client at api for REST calls and tokenHandler for
// refreshes.
func newClient(t *testing.T, api http.HandlerFunc, tokenHandler http.HandlerFunc, tokens *memTokens) *gmail.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/", api)
	if tokenHandler == nil {
		tokenHandler = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
		}
	}
	mux.HandleFunc("/token", tokenHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	log, _ := testutil.NewTestLogger()
	svc := gmail.NewService(gmail.Config{
		BaseURL:           srv.URL + "/gmail/v1",
		TokenURL:          srv.URL + "/token",
		ClientID:          "client",
		ClientSecret:      "secret",
		MaxAttempts:       3,
		DefaultRetryAfter: time.Millisecond,
		RetryBackoff:      time.Millisecond,
	}, tokens, log)
	return svc.ForUser("user-1")
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestGetProfileSendsBearerToken(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	var auth string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/gmail/v1/users/me/profile", r.URL.Path)
		writeJSON(w, 200, `{"emailAddress":"a@example.com","historyId":"1234"}`)
	}, nil, tokens)

	profile, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, uint64(1234), profile.HistoryId)
}

func TestRetriesRateLimitThenSucceeds(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	var calls int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, 429, `{"error":{"code":429,"message":"slow down"}}`)
			return
		}
		writeJSON(w, 200, `{"emailAddress":"a@example.com","historyId":"1"}`)
	}, nil, tokens)

	_, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRateLimitExhaustsAttempts(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	var calls int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		writeJSON(w, 429, `{}`)
	}, nil, tokens)

	_, err := c.GetProfile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrRateLimited)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestServerErrorsAreRetried(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	var calls int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, 503, `{"error":{"code":503,"message":"unavailable"}}`)
			return
		}
		writeJSON(w, 200, `{"historyId":"9"}`)
	}, nil, tokens)

	profile, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), profile.HistoryId)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestServerErrorsExhaustAttempts(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 500, `{"error":{"code":500,"message":"boom"}}`)
	}, nil, tokens)

	_, err := c.GetProfile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, source.ErrProvider)

	var pe *source.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 500, pe.Status)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	var calls int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, 404, `{"error":{"code":404,"message":"Requested entity was not found."}}`)
	}, nil, tokens)

	_, err := c.GetHistory(context.Background(), "1", gmail.HistoryMessageAdded)
	require.Error(t, err)
	assert.True(t, source.IsNotFound(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "old", RefreshToken: "refresh"}}
	var refreshes int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			writeJSON(w, 401, `{"error":{"code":401,"message":"expired"}}`)
			return
		}
		writeJSON(w, 200, `{"historyId":"5"}`)
	}, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh", r.PostForm.Get("refresh_token"))
		writeJSON(w, 200, `{"access_token":"new","token_type":"Bearer","expires_in":3600}`)
	}, tokens)

	_, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
	require.Equal(t, 1, tokens.savedCount())
	assert.Equal(t, "new", tokens.tokens.AccessToken)
	assert.Equal(t, "refresh", tokens.tokens.RefreshToken, "refresh token kept when not rotated")
	require.NotNil(t, tokens.tokens.Expiry)
	assert.True(t, tokens.tokens.Expiry.After(time.Now()))
}

func TestRepeatedUnauthorizedFails(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "old", RefreshToken: "refresh"}}
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, `{"error":{"code":401,"message":"expired"}}`)
	}, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"access_token":"new","token_type":"Bearer","expires_in":3600}`)
	}, tokens)

	_, err := c.GetProfile(context.Background())
	require.Error(t, err)

	var pe *source.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 401, pe.Status)
}

func TestUnauthorizedWithoutRefreshToken(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "old"}}
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, `{}`)
	}, nil, tokens)

	_, err := c.GetProfile(context.Background())
	assert.ErrorIs(t, err, source.ErrRefreshUnavailable)
	assert.True(t, source.IsAuthError(err))
}

func TestRefreshFailureIsAuthError(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "old", RefreshToken: "revoked", Expiry: &past}}
	var apiCalls int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		writeJSON(w, 200, `{}`)
	}, nil, tokens)

	_, err := c.GetProfile(context.Background())
	assert.ErrorIs(t, err, source.ErrTokenRefreshFailed)
	assert.Equal(t, int32(0), atomic.LoadInt32(&apiCalls))
	assert.Equal(t, 0, tokens.savedCount())
}

func TestExpiringTokenIsRefreshedBeforeUse(t *testing.T) {
	soon := time.Now().Add(time.Minute)
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "old", RefreshToken: "refresh", Expiry: &soon}}
	var auth string
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeJSON(w, 200, `{}`)
	}, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"access_token":"fresh","refresh_token":"rotated","token_type":"Bearer","expires_in":3600}`)
	}, tokens)

	_, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer fresh", auth)
	assert.Equal(t, "rotated", tokens.tokens.RefreshToken)
}

func TestNotConnected(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, nil, &memTokens{})

	_, err := c.ListMessages(context.Background(), "", 10, "")
	assert.ErrorIs(t, err, source.ErrNotConnected)
}

func TestListMessagesQuery(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "after:2025/01/01", q.Get("q"))
		assert.Equal(t, "50", q.Get("maxResults"))
		assert.Equal(t, "p2", q.Get("pageToken"))
		writeJSON(w, 200, `{"messages":[{"id":"m1","threadId":"t1"}],"nextPageToken":"p3"}`)
	}, nil, tokens)

	resp, err := c.ListMessages(context.Background(), "after:2025/01/01", 50, "p2")
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].Id)
	assert.Equal(t, "p3", resp.NextPageToken)
}

func TestGetHistoryFollowsPages(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "100", q.Get("startHistoryId"))
		assert.Equal(t, []string{"messageAdded"}, q["historyTypes"])
		if q.Get("pageToken") == "" {
			writeJSON(w, 200, `{"history":[{"id":"101","messagesAdded":[{"message":{"id":"m1","labelIds":["INBOX"]}}]}],"historyId":"150","nextPageToken":"next"}`)
			return
		}
		writeJSON(w, 200, `{"history":[{"id":"102","messagesAdded":[{"message":{"id":"m2"}}]}],"historyId":"160"}`)
	}, nil, tokens)

	resp, err := c.GetHistory(context.Background(), "100", gmail.HistoryMessageAdded)
	require.NoError(t, err)
	require.Len(t, resp.History, 2)
	assert.Equal(t, uint64(160), resp.HistoryId)
	assert.Equal(t, "m2", resp.History[1].MessagesAdded[0].Message.Id)
}

func TestGetAttachmentDecodes(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	encoded := base64.URLEncoding.EncodeToString([]byte("hello?>"))
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/messages/m1/attachments/a1", r.URL.Path)
		writeJSON(w, 200, fmt.Sprintf(`{"size":7,"data":%q}`, encoded))
	}, nil, tokens)

	data, err := c.GetAttachment(context.Background(), "m1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "hello?>", string(data))
}

func TestContextCancelStopsRetries(t *testing.T) {
	tokens := &memTokens{tokens: model.TokenSet{AccessToken: "tok"}}
	ctx, cancel := context.WithCancel(context.Background())
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		cancel()
		w.Header().Set("Retry-After", "60")
		writeJSON(w, 429, `{}`)
	}, nil, tokens)

	_, err := c.GetProfile(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
