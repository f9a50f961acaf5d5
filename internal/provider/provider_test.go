package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/psychophant/arena/internal/config"
)

func newTestClient(url string) *Client {
	return NewClient(config.ProviderConfig{
		APIKey:         "sk-or-test",
		BaseURL:        url,
		AppURL:         "http://localhost:3000",
		TimeoutSeconds: 5,
	})
}

func completionJSON(content string, prompt, completion int) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion,
		},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestComplete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-or-test" {
			t.Errorf("Authorization = %q", got)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "openai/gpt-4o-mini" {
			t.Errorf("model = %v", req["model"])
		}
		if req["stream"] != false {
			t.Errorf("stream = %v, want false", req["stream"])
		}
		w.Header().Set("x-openrouter-cost", "0.0123")
		w.Write([]byte(completionJSON("I disagree entirely.", 120, 80)))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.Complete(context.Background(), "openai/gpt-4o-mini",
		[]Message{{Role: "user", Content: "debate me"}}, 800)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.Content != "I disagree entirely." {
		t.Errorf("Content = %q", got.Content)
	}
	if got.InputTokens != 120 || got.OutputTokens != 80 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}
	// ceil(0.0123 * 100) = 2
	if got.CostCents != 2 {
		t.Errorf("CostCents = %d, want 2", got.CostCents)
	}
}

func TestComplete_EstimatedCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(completionJSON("ok", 6000, 4000)))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Complete(context.Background(), "m", nil, 800)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// ceil(10000 * 0.0002) = 2
	if got.CostCents != 2 {
		t.Errorf("CostCents = %d, want 2", got.CostCents)
	}
}

func TestComplete_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "m", nil, 800)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if perr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d", perr.StatusCode)
	}
}

func TestComplete_MissingKey(t *testing.T) {
	c := NewClient(config.ProviderConfig{BaseURL: "http://localhost:0", TimeoutSeconds: 1})
	_, err := c.Complete(context.Background(), "m", nil, 800)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
}

func TestComplete_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(srv.URL).Complete(ctx, "m", nil, 800)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestCostCents(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		in, out, want int
	}{
		{"header rounds up", "0.001", 0, 0, 1},
		{"header exact", "0.05", 0, 0, 5},
		{"bad header falls back", "not-a-number", 2500, 2500, 1},
		{"estimate", "", 100, 100, 1},
		{"zero tokens", "", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := costCents(tt.header, tt.in, tt.out); got != tt.want {
				t.Errorf("costCents(%q, %d, %d) = %d, want %d", tt.header, tt.in, tt.out, got, tt.want)
			}
		})
	}
}
