package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChatServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenAIClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
	return srv, client
}

func completionBody(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` +
		string(mustJSON(content)) + `},"finish_reason":"stop"}]}`
}

func mustJSON(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

func TestOpenAIClient_Invoke(t *testing.T) {
	var gotReq chatRequest
	var gotAuth string
	_, client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("hello back")))
	})

	out, err := client.Invoke(context.Background(), "be brief", "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello back", out)
	assert.Equal(t, "Bearer test-key", gotAuth)

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "be brief", gotReq.Messages[0].Content)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.Equal(t, "test-model", gotReq.Model)
}

func TestOpenAIClient_OmitsEmptySystemMessage(t *testing.T) {
	var gotReq chatRequest
	_, client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(completionBody("ok")))
	})

	_, err := client.Invoke(context.Background(), "", "just user")
	require.NoError(t, err)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestOpenAIClient_RateLimitStatus(t *testing.T) {
	_, client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Invoke(context.Background(), "", "hi")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestOpenAIClient_RateLimitErrorBody(t *testing.T) {
	_, client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	})

	_, err := client.Invoke(context.Background(), "", "hi")
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestOpenAIClient_ServerError(t *testing.T) {
	_, client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	})

	_, err := client.Invoke(context.Background(), "", "hi")
	require.Error(t, err)
	assert.False(t, IsRateLimited(err))
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestOpenAIClient_RequiresAPIKey(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{})
	_, err := client.Invoke(context.Background(), "", "hi")
	assert.Error(t, err)
}

func TestOpenAIClient_MinGapThrottles(t *testing.T) {
	var stamps []time.Time
	_, client := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		_, _ = w.Write([]byte(completionBody("ok")))
	})
	client.minGap = 50 * time.Millisecond

	for i := 0; i < 3; i++ {
		_, err := client.Invoke(context.Background(), "", "hi")
		require.NoError(t, err)
	}
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[0]), 100*time.Millisecond)
}
