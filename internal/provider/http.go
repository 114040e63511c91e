package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient implements Client against an OpenAI-compatible chat-completions
// endpoint. Most hosted text-generation services expose this shape.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	maxRetries int
}

// HTTPConfig holds configuration for the HTTP client.
type HTTPConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int // Retries for transient failures (429/5xx)
}

// DefaultHTTPConfig returns sensible defaults.
func DefaultHTTPConfig(apiKey string) HTTPConfig {
	return HTTPConfig{
		APIKey:     apiKey,
		BaseURL:    "https://api.openai.com/v1",
		Model:      "gpt-4o",
		Timeout:    120 * time.Second,
		MaxRetries: 3,
	}
}

// NewHTTPClient creates a client for an OpenAI-compatible endpoint.
func NewHTTPClient(config HTTPConfig) *HTTPClient {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return &HTTPClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		maxRetries: config.MaxRetries,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Generate sends the request and returns the completion text.
// Transient failures (429, 5xx, network errors) are retried with exponential
// backoff; auth and policy failures are returned immediately.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", &Error{Class: ClassAuth, Message: "API key not configured"}
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
		}

		text, err := c.doOnce(ctx, jsonData)
		if err == nil {
			return text, nil
		}
		if ClassOf(err) != ClassTransient {
			return "", err
		}
		lastErr = err
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) doOnce(ctx context.Context, jsonData []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &Error{Class: ClassTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Class: ClassTransient, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &Error{Class: ClassTransient, Message: "failed to parse response", Err: err}
	}
	if parsed.Error != nil {
		return "", classifyAPIError(resp.StatusCode, parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Class: ClassTransient, Message: "no completion returned"}
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// classifyStatus maps an HTTP status plus response body into an error class.
func classifyStatus(status int, body string) *Error {
	class := ClassTransient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		class = ClassAuth
	case status == http.StatusBadRequest && looksLikePolicyRejection(body):
		class = ClassPolicy
	case status == http.StatusTooManyRequests || status >= 500:
		class = ClassTransient
	}
	return &Error{Class: class, Status: status, Message: excerpt(body, 200)}
}

// classifyAPIError maps an in-body API error into an error class.
func classifyAPIError(status int, errType, message string) *Error {
	lower := strings.ToLower(errType + " " + message)
	switch {
	case strings.Contains(lower, "authentication") || strings.Contains(lower, "invalid_api_key") || strings.Contains(lower, "api key"):
		return &Error{Class: ClassAuth, Status: status, Message: message}
	case looksLikePolicyRejection(lower):
		return &Error{Class: ClassPolicy, Status: status, Message: message}
	default:
		return &Error{Class: ClassTransient, Status: status, Message: message}
	}
}

func looksLikePolicyRejection(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"content_policy", "content_filter", "safety", "moderation", "blocked"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func excerpt(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
