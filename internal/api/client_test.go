package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brie-expense-tracker/client-mobile-sub007/internal/model"
)

func TestDo_AttachesIdentityAndRequestID(t *testing.T) {
	var gotAuth, gotReqID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"hello"}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Tokens: StaticToken("tok-123")})

	var out model.ChatResponse
	require.NoError(t, c.Do(context.Background(), http.MethodPost, "/api/chat", model.ChatRequest{Message: "hi"}, &out))

	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.NotEmpty(t, gotReqID)
	assert.Equal(t, "hello", out.Response)
}

func TestDo_MissingTokenShortCircuits(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Tokens: StaticToken("")})

	err := c.Do(context.Background(), http.MethodGet, "/api/chat", nil, nil)
	assert.ErrorIs(t, err, model.ErrUnauthenticated)
	assert.Zero(t, calls, "no network call should be attempted without a token")
}

func TestDo_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, model.ErrValidation},
		{http.StatusUnauthorized, model.ErrAuthentication},
		{http.StatusTooManyRequests, model.ErrRateLimit},
		{http.StatusServiceUnavailable, model.ErrServer},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))

		c := New(Options{BaseURL: srv.URL, Tokens: StaticToken("tok")})
		err := c.Do(context.Background(), http.MethodGet, "/api/chat", nil, nil)
		require.Error(t, err, "status %d", tt.status)
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)

		var te *model.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, tt.status, te.StatusCode)
		assert.Equal(t, "nope", te.Message)

		srv.Close()
	}
}

func TestDo_NetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	c := New(Options{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	err := c.Do(context.Background(), http.MethodGet, "/api/chat", nil, nil)

	assert.ErrorIs(t, err, model.ErrNetwork)
	assert.True(t, model.Retryable(err))
}

func TestDo_MalformedBodyIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Tokens: StaticToken("tok")})
	var out model.ChatResponse
	err := c.Do(context.Background(), http.MethodGet, "/api/chat", nil, &out)

	assert.ErrorIs(t, err, model.ErrParse)
	assert.False(t, model.Retryable(err))
}

func TestDoSigned_AddsHMACSignature(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Brie-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Tokens: StaticToken("tok"), SigningSecret: "shh"})
	require.NoError(t, c.DoSigned(context.Background(), http.MethodPost, "/api/goals", map[string]string{"g": "save"}, nil))

	mac := hmac.New(sha256.New, []byte("shh"))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestStreamURL(t *testing.T) {
	c := New(Options{BaseURL: "https://api.brie.app/", Tokens: StaticToken("tok")})

	u := c.StreamURL("sess-1", "msg-1", "how am I doing?", "tok")
	assert.Contains(t, u, "https://api.brie.app/api/sessions/sess-1/stream?")
	assert.Contains(t, u, "message=how+am+I+doing%3F")
	assert.Contains(t, u, "message_id=msg-1")
	assert.Contains(t, u, "identity=tok")
}
