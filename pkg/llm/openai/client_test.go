package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/matrixclaw/pkg/llm"
)

func TestCompleteSuccess(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "bonjour"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-3.5-turbo"})
	resp, err := c.Complete(context.Background(), []llm.Message{
		{Role: llm.RoleSystem, Content: "Reply only in French."},
		{Role: llm.RoleUser, Content: "Hello"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotReq.Model != "gpt-3.5-turbo" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("unexpected messages: %+v", gotReq.Messages)
	}
	if resp.Content != "bonjour" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestCompleteTemperatureZeroOmitted(t *testing.T) {
	var gotRaw map[string]json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotRaw); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-3.5-turbo"})
	if _, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}); err != nil {
		t.Fatal(err)
	}
	if _, present := gotRaw["temperature"]; present {
		t.Error("temperature of zero must be omitted so the backend default applies")
	}

	c = New(&llm.Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-3.5-turbo", Temperature: 0.7})
	if _, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}); err != nil {
		t.Fatal(err)
	}
	var temp float32
	if raw, present := gotRaw["temperature"]; !present {
		t.Error("configured temperature missing from request")
	} else if err := json.Unmarshal(raw, &temp); err != nil || temp != 0.7 {
		t.Errorf("temperature = %v (err %v), want 0.7", temp, err)
	}
}

func TestCompleteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-3.5-turbo"})
	if _, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	c := New(&llm.Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "gpt-3.5-turbo"})
	if _, err := c.Complete(context.Background(), []llm.Message{{Role: llm.RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
