// Package llm talks to an OpenAI-compatible chat-completions endpoint.
// The default target is OpenRouter, which speaks the same wire format,
// so the stock SDK works with nothing but a base URL override.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// APIError carries the upstream status so handlers can distinguish
// auth failures and rate limits from transport problems.
type APIError struct {
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error (status %d): %s", e.StatusCode, e.Message)
}

// Config holds model and endpoint settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client is a thin wrapper around the SDK bound to one model.
type Client struct {
	client openai.Client
	cfg    Config
	logger zerolog.Logger
}

// New creates a client. BaseURL must point at an OpenAI-compatible
// chat-completions API.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

// Chat sends the system prompt, prior turns, and the new user message,
// and returns the assistant's reply.
func (c *Client) Chat(ctx context.Context, systemPrompt string, history []Message, userMessage string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, msg := range history {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userMessage))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: messages,
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}

	start := time.Now()
	response, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) {
			return "", &APIError{Message: apierr.Message, StatusCode: apierr.StatusCode}
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if len(response.Choices) == 0 {
		return "", &APIError{Message: "no response choices returned", StatusCode: 0}
	}

	c.logger.Debug().
		Str("model", c.cfg.Model).
		Dur("duration", time.Since(start)).
		Int64("prompt_tokens", response.Usage.PromptTokens).
		Int64("completion_tokens", response.Usage.CompletionTokens).
		Msg("chat completion")

	return response.Choices[0].Message.Content, nil
}
