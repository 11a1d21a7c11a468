package narrate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNarrateParsesFormattedResponse(t *testing.T) {
	server := narrationServer(t, "要約: ゾンビに食い殺された\n説明: 夜道を油断して歩いた結果です。")
	defer server.Close()

	generator := New(Config{BaseURL: server.URL, APIKey: "key", Model: "test-model"})
	narration, err := generator.Narrate(context.Background(), "Steve", "Steve was slain by Zombie")
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}
	if narration.Summary != "ゾンビに食い殺された" {
		t.Fatalf("summary = %q", narration.Summary)
	}
	if narration.Description != "夜道を油断して歩いた結果です。" {
		t.Fatalf("description = %q", narration.Description)
	}
}

func TestNarrateUnformattedResponseBecomesDescription(t *testing.T) {
	server := narrationServer(t, "完全に自由形式の返答です。")
	defer server.Close()

	generator := New(Config{BaseURL: server.URL, APIKey: "key", Model: "test-model"})
	narration, err := generator.Narrate(context.Background(), "Steve", "Steve drowned")
	if err != nil {
		t.Fatalf("narrate: %v", err)
	}
	if narration.Summary != "死亡" {
		t.Fatalf("summary = %q, want fallback", narration.Summary)
	}
	if narration.Description != "完全に自由形式の返答です。" {
		t.Fatalf("description = %q", narration.Description)
	}
}

func TestNarrateDisabledReturnsFallback(t *testing.T) {
	generator := New(Config{})
	if generator.Enabled() {
		t.Fatal("generator should be disabled without endpoint config")
	}

	narration, err := generator.Narrate(context.Background(), "Steve", "Steve blew up")
	if err != nil {
		t.Fatalf("narrate while disabled: %v", err)
	}
	if narration.Summary != "死亡" {
		t.Fatalf("summary = %q, want fallback", narration.Summary)
	}
	if !strings.Contains(narration.Description, "Steve blew up") {
		t.Fatalf("description should carry the raw message: %q", narration.Description)
	}
}

func TestNarrateServerErrorReturnsFallbackAndError(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	generator := New(Config{BaseURL: server.URL, APIKey: "key", Model: "test-model", Timeout: 2 * time.Second})
	narration, err := generator.Narrate(context.Background(), "Steve", "Steve fell from a high place")
	if err == nil {
		t.Fatal("expected error from failing service")
	}
	if narration.Summary != "死亡" {
		t.Fatalf("summary = %q, want fallback on failure", narration.Summary)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want one retry", attempts)
	}
}

func TestNarrateBadRequestIsNotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer server.Close()

	generator := New(Config{BaseURL: server.URL, APIKey: "key", Model: "bad"})
	if _, err := generator.Narrate(context.Background(), "Steve", "Steve died"); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want no retry on client error", attempts)
	}
}

func narrationServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("authorization header = %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("unexpected message shape: %+v", body.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
}
