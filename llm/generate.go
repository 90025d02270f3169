package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Generator produces text completions from a chat model
type Generator struct {
	client      *client
	endpoint    string
	model       string
	temperature float64
}

func NewGenerator(cfg Config) (*Generator, error) {
	provider, err := cfg.provider()
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		return nil, errors.New("generation model is required")
	}

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
		if provider == ProviderOllama {
			apiURL = "http://localhost:11434/v1"
		}
	}

	return &Generator{
		client:      newClient(cfg, 120*time.Second),
		endpoint:    apiURL + "/chat/completions",
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate sends prompt as a single user message and returns the trimmed
// reply. A reply without content is returned as an empty string.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       g.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: g.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("generate: marshal request: %w", err)
	}

	body, err := g.client.post(ctx, g.endpoint, payload)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("generate: decode response: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}
