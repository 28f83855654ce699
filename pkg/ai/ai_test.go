package ai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"narrative-server/pkg/ai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testPrompt = ai.Prompt{Messages: []ai.Message{
	{Role: ai.RoleSystem, Content: "You are the narrator."},
	{Role: ai.RoleUser, Content: "open the door"},
}}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"actions":[]}`, `{"actions":[]}`, false},
		{"fenced", "```json\n{\"actions\":[]}\n```", `{"actions":[]}`, false},
		{"with prose", `Sure! {"actions":[{"kind":"dialogue"}]} Enjoy.`, `{"actions":[{"kind":"dialogue"}]}`, false},
		{"brace in string", `{"text":"a } b"}`, `{"text":"a } b"}`, false},
		{"escaped quote", `{"text":"say \"}\""}`, `{"text":"say \"}\""}`, false},
		{"empty", "  ", "", true},
		{"no object", "I cannot do that.", "", true},
		{"unbalanced", `{"actions":[`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ai.ExtractJSONObject(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ai.ErrNoJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenizer_EstimateFallback(t *testing.T) {
	tok := ai.NewEstimateTokenizer()
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 2, tok.Count("12345678"))
	assert.Equal(t, 1+4+1+4, tok.CountMessages([]ai.Message{{Content: "abcd"}, {Content: "ab"}}))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, ai.IsRetryable(ai.ErrTimeout))
	assert.True(t, ai.IsRetryable(ai.ErrTransport))
	assert.True(t, ai.IsRetryable(ai.ErrEmptyResponse))
	assert.False(t, ai.IsRetryable(ai.ErrRejected))
}

func TestNewModelAdapter_UnknownClient(t *testing.T) {
	_, err := ai.NewModelAdapter(ai.Config{ClientType: "llamafile"}, zap.NewNop())
	assert.Error(t, err)
}

func openAIServer(t *testing.T, handler http.HandlerFunc) ai.ModelAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	adapter, err := ai.NewModelAdapter(ai.Config{
		ClientType: "openai",
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/v1",
		Model:      "gpt-4o-mini",
		MaxTokens:  256,
	}, zap.NewNop())
	require.NoError(t, err)
	return adapter
}

func chatCompletion(content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
	}
}

func TestOpenAIAdapter_Invoke(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		adapter := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			var req struct {
				Model    string       `json:"model"`
				Messages []ai.Message `json:"messages"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Len(t, req.Messages, 2)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(chatCompletion(`{"actions":[]}`))
		})
		out, err := adapter.Invoke(context.Background(), testPrompt, time.Second)
		require.NoError(t, err)
		assert.Equal(t, `{"actions":[]}`, out)
	})

	statuses := []struct {
		name   string
		status int
		want   error
	}{
		{"server error is transport", http.StatusBadGateway, ai.ErrTransport},
		{"rate limit is transport", http.StatusTooManyRequests, ai.ErrTransport},
		{"bad request is rejected", http.StatusBadRequest, ai.ErrRejected},
	}
	for _, tt := range statuses {
		t.Run(tt.name, func(t *testing.T) {
			adapter := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			})
			_, err := adapter.Invoke(context.Background(), testPrompt, time.Second)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("empty content", func(t *testing.T) {
		adapter := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(chatCompletion("   "))
		})
		_, err := adapter.Invoke(context.Background(), testPrompt, time.Second)
		assert.ErrorIs(t, err, ai.ErrEmptyResponse)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		adapter := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)
		_, err := adapter.Invoke(context.Background(), testPrompt, 50*time.Millisecond)
		assert.ErrorIs(t, err, ai.ErrTimeout)
	})

	t.Run("empty prompt", func(t *testing.T) {
		adapter := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("model must not be called")
		})
		_, err := adapter.Invoke(context.Background(), ai.Prompt{}, time.Second)
		assert.ErrorIs(t, err, ai.ErrRejected)
	})
}

func TestOllamaAdapter_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req["model"])
		assert.Equal(t, false, req["stream"])
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3",
			"message":           map[string]string{"role": "assistant", "content": `{"actions":[]}`},
			"done":              true,
			"prompt_eval_count": 20,
			"eval_count":        4,
		})
	}))
	defer srv.Close()

	adapter, err := ai.NewModelAdapter(ai.Config{ClientType: "ollama", BaseURL: srv.URL + "/v1", Model: "llama3"}, zap.NewNop())
	require.NoError(t, err)

	out, err := adapter.Invoke(context.Background(), testPrompt, time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"actions":[]}`, out)
}
