package chat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	header http.Header
	body   map[string]any
}

func openRouterServer(t *testing.T, status int, respond string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/completions", r.URL.Path)
		got.header = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respond)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

const completionJSON = `{"id":"gen-1","model":"meta-llama/llama-3-8b","choices":[{"message":{"role":"assistant","content":"Hi friend!"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`

func messages(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(raw))
	for _, m := range raw {
		out = append(out, json.RawMessage(m))
	}
	return out
}

func TestCompleteAppliesDefaults(t *testing.T) {
	srv, got := openRouterServer(t, http.StatusOK, completionJSON)
	c := NewClient(Config{BaseURL: srv.URL + "/api/", APIKey: "or-server-key"}, nil)

	res, err := c.Complete(context.Background(), Request{
		Model:    "meta-llama/llama-3-8b",
		Messages: messages(`{"role":"system","content":"You are Elsa."}`, `{"role":"user","content":"hello"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, completionJSON, string(res.Body))
	assert.Equal(t, "Hi friend!", res.Reply)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 15, res.Usage.TotalTokens)

	assert.Equal(t, "Bearer or-server-key", got.header.Get("Authorization"))
	assert.Equal(t, "https://buddytalk.app", got.header.Get("HTTP-Referer"))
	assert.Equal(t, "BuddyTalk", got.header.Get("X-Title"))
	assert.Equal(t, "meta-llama/llama-3-8b", got.body["model"])
	assert.InDelta(t, 0.9, got.body["temperature"], 1e-9)
	assert.EqualValues(t, 500, got.body["max_tokens"])
	assert.InDelta(t, 0.95, got.body["top_p"], 1e-9)
	msgs, ok := got.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "You are Elsa.", msgs[0].(map[string]any)["content"])
}

func TestCompleteOverrides(t *testing.T) {
	srv, got := openRouterServer(t, http.StatusOK, completionJSON)
	c := NewClient(Config{BaseURL: srv.URL + "/api", APIKey: "k-123456"}, nil)

	zero := 0.0
	tokens := 64
	_, err := c.Complete(context.Background(), Request{
		Model: "m", Messages: messages(), Temperature: &zero, MaxTokens: &tokens,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got.body["temperature"], 1e-9)
	assert.EqualValues(t, 64, got.body["max_tokens"])
	assert.Equal(t, []any{}, got.body["messages"])
}

func TestCompleteValidation(t *testing.T) {
	noKey := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	assert.False(t, noKey.Configured())
	_, err := noKey.Complete(context.Background(), Request{Model: "m", Messages: messages()})
	require.ErrorIs(t, err, ErrMissingAPIKey)

	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", APIKey: "k"}, nil)
	_, err = c.Complete(context.Background(), Request{Messages: messages()})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = c.Complete(context.Background(), Request{Model: "m"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCompleteUpstreamErrorIsRedacted(t *testing.T) {
	srv, _ := openRouterServer(t, http.StatusPaymentRequired, `{"error":{"message":"insufficient credits for key or-server-key"}}`)
	c := NewClient(Config{BaseURL: srv.URL + "/api", APIKey: "or-server-key"}, nil)

	_, err := c.Complete(context.Background(), Request{Model: "m", Messages: messages(`{"role":"user","content":"hi"}`)})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusPaymentRequired, upErr.StatusCode)
	assert.Contains(t, upErr.Error(), "OpenRouter API error: ")
	assert.Contains(t, upErr.Body, "insufficient credits")
	assert.NotContains(t, upErr.Body, "or-server-key")
}

func TestCompleteUnreachable(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1/api", APIKey: "k"}, nil)
	_, err := c.Complete(context.Background(), Request{Model: "m", Messages: messages()})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusBadGateway, upErr.StatusCode)
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Timeout: 100 * time.Millisecond}, nil)

	_, err := c.Complete(context.Background(), Request{Model: "m", Messages: messages()})
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusGatewayTimeout, upErr.StatusCode)
}

func TestCompleteRateLimit(t *testing.T) {
	srv, _ := openRouterServer(t, http.StatusOK, completionJSON)
	c := NewClient(Config{BaseURL: srv.URL + "/api", APIKey: "k", RateLimit: 0.001, RateBurst: 1}, nil)

	req := Request{Model: "m", Messages: messages()}
	_, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), req)
	require.ErrorIs(t, err, ErrRateLimited)
}
