// Package llm adapts the Google GenAI SDK to the pipeline's LLM client
// interface. Each pipeline stage may use its own Client with a different
// model or key.
package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"storyloom/internal/chat"
	"storyloom/internal/logging"
	"storyloom/internal/pipeline"
)

// Client calls the Gemini API. It implements pipeline.LLMClient.
type Client struct {
	client *genai.Client
	model  string
}

// NewClient creates a Gemini-backed LLM client.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Client{client: client, model: model}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// StreamCompletion starts a streaming generation and returns its chunk
// channel. The channel is closed when the stream ends; a mid-stream failure
// is delivered as the final chunk's Err.
func (c *Client) StreamCompletion(ctx context.Context, messages []chat.Message, params pipeline.LLMParams) (<-chan pipeline.StreamChunk, error) {
	contents, config := c.prepare(messages, params)

	out := make(chan pipeline.StreamChunk, 8)
	go func() {
		defer close(out)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, config) {
			if err != nil {
				logging.L(logging.CategoryPipeline).Warnw("stream failed",
					"model", c.model, "error", err)
				select {
				case out <- pipeline.StreamChunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case out <- pipeline.StreamChunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Completion runs a non-streaming generation.
func (c *Client) Completion(ctx context.Context, messages []chat.Message, params pipeline.LLMParams) (string, error) {
	contents, config := c.prepare(messages, params)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}
	return resp.Text(), nil
}

// prepare maps chat messages onto GenAI contents. Gemini has no system
// role in the turn list; system messages go into the system instruction.
func (c *Client) prepare(messages []chat.Message, params pipeline.LLMParams) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if params.Temperature != nil {
		t := float32(*params.Temperature)
		config.Temperature = &t
	}
	if params.TopP != nil {
		p := float32(*params.TopP)
		config.TopP = &p
	}
	if params.MaxTokens > 0 {
		config.MaxOutputTokens = int32(params.MaxTokens)
	}

	var system string
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case chat.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case chat.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return contents, config
}
