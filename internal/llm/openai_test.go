package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/notifier/internal/identity"
)

func TestOpenAIProvider_Generate(t *testing.T) {
	tests := []struct {
		name           string
		mockResponse   openAIResponse
		mockStatusCode int
		wantErr        error
		errContains    string
		want           string
	}{
		{
			name: "successful request",
			mockResponse: openAIResponse{
				Choices: []openAIChoice{
					{Message: openAIMessage{Role: "assistant", Content: "Always on my mind."}, FinishReason: "stop"},
				},
				Usage: openAIUsage{TotalTokens: 25},
			},
			mockStatusCode: http.StatusOK,
			want:           "Always on my mind.",
		},
		{
			name:           "API error response",
			mockStatusCode: http.StatusTooManyRequests,
			errContains:    "OpenAI API error",
		},
		{
			name:           "unauthorized",
			mockStatusCode: http.StatusUnauthorized,
			wantErr:        ErrProviderAuth,
		},
		{
			name:           "empty choices",
			mockResponse:   openAIResponse{Choices: []openAIChoice{}},
			mockStatusCode: http.StatusOK,
			wantErr:        ErrEmptyResponse,
		},
		{
			name: "content filter",
			mockResponse: openAIResponse{
				Choices: []openAIChoice{{FinishReason: "content_filter"}},
			},
			mockStatusCode: http.StatusOK,
			wantErr:        ErrContentBlocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				var req openAIRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "gpt-4o-mini", req.Model)
				if assert.Len(t, req.Messages, 1) {
					assert.Equal(t, "user", req.Messages[0].Role)
				}

				w.WriteHeader(tt.mockStatusCode)
				if tt.mockStatusCode == http.StatusOK {
					_ = json.NewEncoder(w).Encode(tt.mockResponse)
				} else {
					_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
				}
			}))
			defer server.Close()

			provider := NewOpenAIProvider("test-key", server.URL+"/", "gpt-4o-mini")
			resp, err := provider.Generate(context.Background(), &Request{Prompt: "hi", Temperature: 0.8, MaxTokens: 150})

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errContains != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, resp.Text)
				assert.Equal(t, 25, resp.TokensUsed)
			}
		})
	}
}

func TestOpenAIProvider_ErrorBodyIsBounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer server.Close()

	provider := NewOpenAIProvider("test-key", server.URL, "gpt-4o-mini")
	_, err := provider.Generate(context.Background(), &Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 1200)
}

func TestOpenAIProvider_ThroughService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openAIResponse{
			Choices: []openAIChoice{{Message: openAIMessage{Content: "Close, even from far away."}}},
		})
	}))
	defer server.Close()

	svc := NewServiceWithProvider(NewOpenAIProvider("test-key", server.URL, "gpt-4o-mini"), time.Second, createTestLogger(t))
	result := svc.Enrich(context.Background(), "Thinking of you", identity.Arya)

	assert.False(t, result.Fallback)
	assert.Equal(t, "Close, even from far away.", result.Note)
}
