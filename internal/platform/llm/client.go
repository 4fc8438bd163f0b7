package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Provider identifies an LLM API flavour.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ClientConfig holds the settings of one provider client.
type ClientConfig struct {
	Provider    Provider
	BaseURL     string
	APIKey      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client talks to a chat-completion API.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient creates a provider client, filling unset fields with defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		switch cfg.Provider {
		case ProviderAnthropic:
			cfg.BaseURL = "https://api.anthropic.com/v1"
		default:
			cfg.BaseURL = "https://api.openai.com/v1"
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// Provider returns the configured provider.
func (c *Client) Provider() Provider { return c.cfg.Provider }

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool { return c.cfg.APIKey != "" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one system+user exchange to model and returns the reply text.
func (c *Client) Complete(ctx context.Context, model, system, user string) (string, error) {
	switch c.cfg.Provider {
	case ProviderAnthropic:
		return c.completeAnthropic(ctx, model, system, user)
	case ProviderOpenAI:
		return c.completeOpenAI(ctx, model, system, user)
	default:
		return "", fmt.Errorf("llm: unsupported provider %q", c.cfg.Provider)
	}
}

func (c *Client) completeAnthropic(ctx context.Context, model, system, user string) (string, error) {
	req := anthropicRequest{
		Model:       model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		System:      system,
		Messages:    []message{{Role: "user", Content: user}},
	}
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": "2023-06-01",
	}
	body, err := c.post(ctx, "anthropic", "/messages", headers, req)
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &domain.InvalidResponseError{Source: "anthropic", Reason: err.Error(), Raw: clip(body)}
	}
	if resp.Error != nil {
		return "", fmt.Errorf("llm: anthropic: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	for _, part := range resp.Content {
		if part.Type == "text" || part.Type == "" {
			return part.Text, nil
		}
	}
	return "", &domain.InvalidResponseError{Source: "anthropic", Reason: "no text content", Raw: clip(body)}
}

func (c *Client) completeOpenAI(ctx context.Context, model, system, user string) (string, error) {
	req := openAIRequest{
		Model: model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	body, err := c.post(ctx, "openai", "/chat/completions", headers, req)
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &domain.InvalidResponseError{Source: "openai", Reason: err.Error(), Raw: clip(body)}
	}
	if resp.Error != nil {
		return "", fmt.Errorf("llm: openai: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", &domain.InvalidResponseError{Source: "openai", Reason: "no choices", Raw: clip(body)}
	}
	return resp.Choices[0].Message.Content, nil
}

// post sends a JSON request and maps transport and status failures onto
// the domain error taxonomy.
func (c *Client) post(ctx context.Context, source, path string, headers map[string]string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("llm: %s: marshal request: %w", source, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("llm: %s: create request: %w", source, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llm: %s: %w", source, ctx.Err())
		}
		return nil, &domain.TransientNetworkError{Op: source, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientNetworkError{Op: source, Err: fmt.Errorf("read response: %w", err)}
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return body, nil
	case code == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &domain.RateLimitedError{Op: source, RetryAfter: time.Duration(secs) * time.Second}
	case code >= 500 || code == 529:
		return nil, &domain.TransientNetworkError{Op: source, Err: fmt.Errorf("HTTP %d: %s", code, clip(body))}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, fmt.Errorf("llm: %s: %w", source, domain.ErrUnauthorized)
	default:
		return nil, fmt.Errorf("llm: %s: HTTP %d: %s", source, code, clip(body))
	}
}

func clip(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}
