package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "test-key", "gpt-4o", "2024-06-01")
	return c, srv
}

func TestChatAzureURLAndHeaders(t *testing.T) {
	var gotPath, gotQuery, gotAPIKey string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAPIKey = r.Header.Get("api-key")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "hello"}}},
			"usage":   map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	})

	resp, err := c.Chat(context.Background(), Request{Messages: []Message{Text("user", "hi")}})
	require.NoError(t, err)

	assert.Equal(t, "/openai/deployments/gpt-4o/chat/completions", gotPath)
	assert.Equal(t, "api-version=2024-06-01", gotQuery)
	assert.Equal(t, "test-key", gotAPIKey)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestChatNonAzureUsesBearerAndModel(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-123", "gpt-4o-mini", "")
	_, err := c.Chat(context.Background(), Request{Messages: []Message{Text("user", "hi")}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-123", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotBody["model"])
}

func TestChatToolCalls(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{
				"content": "",
				"tool_calls": []map[string]any{{
					"id":   "call_1",
					"type": "function",
					"function": map[string]any{
						"name":      "plot_window",
						"arguments": `{"start":100,"end":200}`,
					},
				}},
			}}},
		})
	})

	resp, err := c.Chat(context.Background(), Request{Messages: []Message{Text("user", "zoom in")}})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "plot_window", resp.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"start":100,"end":200}`, resp.ToolCalls[0].Function.Arguments)
}

func TestChatBadRequestIsTyped(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"image input not supported"}`, http.StatusBadRequest)
	})

	_, err := c.Chat(context.Background(), Request{Messages: []Message{Text("user", "hi")}})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestChatServerErrorNotBadRequest(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.Chat(context.Background(), Request{Messages: []Message{Text("user", "hi")}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadRequest)
}

func TestStripImages(t *testing.T) {
	msgs := []Message{
		Text("system", "you are a planner"),
		TextWithImage("user", "what do you see", "aGVsbG8="),
	}
	out := StripImages(msgs)

	assert.Equal(t, "you are a planner", out[0].Content)
	assert.Equal(t, "what do you see", out[1].Content)
	// Originals untouched.
	_, stillBlocks := msgs[1].Content.([]ContentBlock)
	assert.True(t, stillBlocks)
}

func TestChatEmptyChoices(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})
	_, err := c.Chat(context.Background(), Request{Messages: []Message{Text("user", "hi")}})
	assert.Error(t, err)
}
