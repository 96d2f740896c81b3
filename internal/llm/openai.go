package llm

import (
	"context"
	"errors"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// Client defines the two external calls the intake engine depends on:
// structured field extraction and report generation. Both are expected to
// fail or time out independently; callers own the retry policy.
type Client interface {
	// Extract asks the model for a JSON value described by the system
	// instruction. The raw response text is returned for the caller to
	// validate — the model's output is never trusted as-is.
	Extract(ctx context.Context, system, prompt string) (string, error)
	// GenerateReport produces the plain-text clinician note from the
	// serialized structured fields.
	GenerateReport(ctx context.Context, system, prompt string) (string, error)
}

// OpenAIClient calls the OpenAI API for extraction and report generation.
// API credentials and model names are loaded from environment variables.
type OpenAIClient struct {
	client       *openai.Client
	extractModel string
	reportModel  string
}

// NewOpenAIClient constructs an OpenAI-backed LLM client. It reads the API
// key and model names from the environment and falls back to sensible
// defaults.
func NewOpenAIClient() *OpenAIClient {
	apiKey := os.Getenv("OPENAI_API_KEY")
	c := openai.NewClient(apiKey)

	extractModel := os.Getenv("OPENAI_MODEL_EXTRACT")
	if extractModel == "" {
		// default to a modern small model; can be overridden via env
		extractModel = "gpt-4o-mini"
	}
	reportModel := os.Getenv("OPENAI_MODEL_REPORT")
	if reportModel == "" {
		reportModel = extractModel
	}

	return &OpenAIClient{
		client:       c,
		extractModel: extractModel,
		reportModel:  reportModel,
	}
}

func (c *OpenAIClient) complete(ctx context.Context, model, system, prompt string, maxTokens int) (string, error) {
	if c.client == nil {
		return "", errors.New("openai client not initialized")
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: 0.2,
		MaxTokens:   maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Extract sends an extraction request expected to yield JSON.
func (c *OpenAIClient) Extract(ctx context.Context, system, prompt string) (string, error) {
	return c.complete(ctx, c.extractModel, system, prompt, 900)
}

// GenerateReport produces the clinician note as plain text.
func (c *OpenAIClient) GenerateReport(ctx context.Context, system, prompt string) (string, error) {
	return c.complete(ctx, c.reportModel, system, prompt, 1300)
}
