// Package llm talks to the text generation and embedding services.
package llm

import (
	"fmt"
	"strings"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config describes one model endpoint
type Config struct {
	Provider          string
	Model             string
	APIKey            string
	APIURL            string
	Temperature       float64
	RequestsPerMinute int
	MaxRetries        int
}

func (c Config) provider() (string, error) {
	provider := strings.ToLower(strings.TrimSpace(c.Provider))
	switch provider {
	case "", ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderOllama:
		return ProviderOllama, nil
	default:
		return "", fmt.Errorf("unknown LLM provider %q", c.Provider)
	}
}

func (c Config) maxRetries() uint64 {
	if c.MaxRetries <= 0 {
		return 3
	}
	return uint64(c.MaxRetries)
}
