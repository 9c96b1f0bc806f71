package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/drover/pkg/storage"
)

func TestCompleteRecordsUsageOnly(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		json.NewEncoder(w).Encode(Response{
			Choices: []Choice{{Text: "a triage summary", FinishReason: "stop"}},
			Usage:   Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		})
	}))
	defer server.Close()

	store := storage.NewMemoryStore()
	client := NewClient(server.URL, store)

	resp, err := client.Complete(ctx, "run-1", &Request{Model: "test-model", Prompt: "classify these lines", MaxTokens: 256})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)

	calls, err := store.ListLLMCallsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, 30, calls[0].Tokens.TotalTokens)
	assert.True(t, calls[0].Success)
	assert.Nil(t, calls[0].Metadata)

	usage, err := store.SumTokensByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 30, usage.TotalTokens)
}

func TestCompleteLedgersFailure(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := storage.NewMemoryStore()
	client := NewClient(server.URL, store)

	_, err := client.Complete(ctx, "run-1", &Request{Model: "m", Prompt: "p", MaxTokens: 16})
	require.Error(t, err)

	calls, err := store.ListLLMCallsByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Success)
	assert.Zero(t, calls[0].Tokens.TotalTokens)
}

func TestCompleteTimeout(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	store := storage.NewMemoryStore()
	client := NewClient(server.URL, store).WithTimeout(50 * time.Millisecond)

	_, err := client.Complete(ctx, "run-1", &Request{Model: "m", Prompt: "p", MaxTokens: 16})
	assert.Error(t, err)
}
