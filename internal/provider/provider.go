// Package provider is the client for the external chat-completion service
// (OpenRouter). The orchestrator treats it as a black-box RPC: one call per
// agent turn, cost measured from the response.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/psychophant/arena/internal/config"
)

// estimateCentsPerToken is the fallback cost rate applied when the provider
// omits its cost header.
const estimateCentsPerToken = 0.0002

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is a measured, successful provider response.
type Completion struct {
	Content      string
	InputTokens  int
	OutputTokens int
	CostCents    int
}

// ProviderError reports a failed completion call: missing credentials, a
// non-2xx response, or transport failure. Transient by default; the job
// retry policy decides when it becomes permanent.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Message)
	}
	return "provider: " + e.Message
}

// CompletionProvider is the contract the orchestrator consumes; tests
// substitute a scripted fake.
type CompletionProvider interface {
	Complete(ctx context.Context, model string, messages []Message, maxTokens int) (*Completion, error)
}

// Client calls the OpenRouter chat completions API.
type Client struct {
	baseURL    string
	apiKey     string
	appURL     string
	httpClient *http.Client
}

// NewClient builds a client from provider configuration.
func NewClient(cfg config.ProviderConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		appURL:     cfg.AppURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	MaxTokens int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete performs one chat completion. Cost comes from the provider's
// x-openrouter-cost header (dollars) when present, otherwise it is
// estimated from token counts.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, maxTokens int) (*Completion, error) {
	if c.apiKey == "" {
		return nil, &ProviderError{Message: "API key is not configured"}
	}
	if maxTokens <= 0 {
		maxTokens = 800
	}

	body, err := json.Marshal(completionRequest{
		Model:     model,
		Messages:  messages,
		Stream:    false,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.appURL)
	req.Header.Set("X-Title", "Psychophant")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: string(detail)}
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}

	content := ""
	if len(decoded.Choices) > 0 {
		content = decoded.Choices[0].Message.Content
	}
	inputTokens := decoded.Usage.PromptTokens
	outputTokens := decoded.Usage.CompletionTokens

	return &Completion{
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostCents:    costCents(resp.Header.Get("x-openrouter-cost"), inputTokens, outputTokens),
	}, nil
}

func costCents(costHeader string, inputTokens, outputTokens int) int {
	if costHeader != "" {
		if dollars, err := strconv.ParseFloat(costHeader, 64); err == nil {
			return int(math.Ceil(dollars * 100))
		}
	}
	return int(math.Ceil(float64(inputTokens+outputTokens) * estimateCentsPerToken))
}
