package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	initialRetryInterval = time.Millisecond
}

func TestGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		assert.False(t, req.Stream)
		assert.Equal(t, 0.3, req.Temperature)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)
		assert.Equal(t, "summarize this", req.Messages[0].Content)

		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  Harbor fire \n"}}]}`)
	}))
	defer server.Close()

	generator, err := NewGenerator(Config{APIURL: server.URL, APIKey: "test-key", Model: "gpt-test", Temperature: 0.3})
	require.NoError(t, err)

	reply, err := generator.Generate(context.Background(), "summarize this")
	require.NoError(t, err)
	assert.Equal(t, "Harbor fire", reply)
}

func TestGenerateEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	generator, err := NewGenerator(Config{APIURL: server.URL, Model: "gpt-test"})
	require.NoError(t, err)

	reply, err := generator.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	generator, err := NewGenerator(Config{APIURL: server.URL, Model: "gpt-test"})
	require.NoError(t, err)

	reply, err := generator.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	generator, err := NewGenerator(Config{APIURL: server.URL, Model: "gpt-test"})
	require.NoError(t, err)

	_, err = generator.Generate(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetriesGiveUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder, err := NewEmbedder(Config{APIURL: server.URL, Model: "embed-test", MaxRetries: 2})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedOpenAI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "embed-test", req.Model)
		assert.Equal(t, "flood in the city", req.Input)

		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3]}]}`)
	}))
	defer server.Close()

	embedder, err := NewEmbedder(Config{APIURL: server.URL, Model: "embed-test"})
	require.NoError(t, err)

	vector, err := embedder.Embed(context.Background(), "flood in the city")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vector)
}

func TestEmbedOllama(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)

		var req ollamaEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, "text", req.Prompt)

		fmt.Fprint(w, `{"embedding":[1,2]}`)
	}))
	defer server.Close()

	embedder, err := NewEmbedder(Config{Provider: "Ollama", APIURL: server.URL, Model: "nomic-embed-text"})
	require.NoError(t, err)

	vector, err := embedder.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, vector)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewGenerator(Config{Provider: "unknown", Model: "m"})
	assert.Error(t, err)

	_, err = NewGenerator(Config{})
	assert.Error(t, err)

	_, err = NewEmbedder(Config{Provider: "openai"})
	assert.Error(t, err)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer server.Close()

	generator, err := NewGenerator(Config{APIURL: server.URL, Model: "gpt-test", RequestsPerMinute: 1})
	require.NoError(t, err)

	_, err = generator.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = generator.Generate(ctx, "second")
	assert.Error(t, err)
}
