package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient implements Client using Google's Gemini API.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, &Error{Class: ClassAuth, Message: "Gemini API key is required"}
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{client: client, model: model}, nil
}

// Generate sends the request and returns the completion text.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}

	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", classifyGeminiError(err)
	}

	text := result.Text()
	if text == "" {
		// Candidates blocked by safety settings arrive as an empty result
		// with a finish reason rather than an error.
		if len(result.Candidates) > 0 && result.Candidates[0].FinishReason == genai.FinishReasonSafety {
			return "", &Error{Class: ClassPolicy, Message: "response blocked by safety settings"}
		}
		return "", &Error{Class: ClassTransient, Message: "no completion returned"}
	}

	return strings.TrimSpace(text), nil
}

// classifyGeminiError maps genai API errors into the pipeline's error classes.
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return &Error{Class: ClassAuth, Status: apiErr.Code, Message: apiErr.Message, Err: err}
		case looksLikePolicyRejection(apiErr.Message):
			return &Error{Class: ClassPolicy, Status: apiErr.Code, Message: apiErr.Message, Err: err}
		default:
			return &Error{Class: ClassTransient, Status: apiErr.Code, Message: apiErr.Message, Err: err}
		}
	}
	return &Error{Class: ClassTransient, Message: err.Error(), Err: err}
}
