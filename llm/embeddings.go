package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Embedder turns text into vectors
type Embedder struct {
	client   *client
	endpoint string
	model    string
	provider string
}

func NewEmbedder(cfg Config) (*Embedder, error) {
	provider, err := cfg.provider()
	if err != nil {
		return nil, err
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	endpoint := apiURL + "/embeddings"
	switch provider {
	case ProviderOllama:
		if apiURL == "" {
			apiURL = "http://localhost:11434"
		}
		endpoint = apiURL + "/api/embeddings"
	default:
		if apiURL == "" {
			endpoint = "https://api.openai.com/v1/embeddings"
		}
	}

	return &Embedder{
		client:   newClient(cfg, 60*time.Second),
		endpoint: endpoint,
		model:    cfg.Model,
		provider: provider,
	}, nil
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding of text. An empty result is not an error.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	var request any = openAIEmbeddingRequest{Model: e.model, Input: text}
	if e.provider == ProviderOllama {
		request = ollamaEmbeddingRequest{Model: e.model, Prompt: text}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	body, err := e.client.post(ctx, e.endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	if e.provider == ProviderOllama {
		var response ollamaEmbeddingResponse
		if err := json.Unmarshal(body, &response); err != nil {
			return nil, fmt.Errorf("embed: decode response: %w", err)
		}
		return response.Embedding, nil
	}

	var response openAIEmbeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(response.Data) == 0 {
		return nil, nil
	}
	return response.Data[0].Embedding, nil
}
