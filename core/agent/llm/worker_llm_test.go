package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

func TestTruncateBody(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		maxLen   int
		expected string
	}{
		{"short body", "Hello world", 100, "Hello world"},
		{"exact length", "Hello", 5, "Hello"},
		{"truncated", "Hello world, this is a long message", 10, "Hello worl..."},
		{"empty body", "", 100, ""},
		{"rune boundary", "héllo", 2, "h..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncateBody(tt.body, tt.maxLen))
		})
	}
}

func TestCalculateCost(t *testing.T) {
	assert.InDelta(t, 0.75, CalculateCost("gpt-4o-mini", 1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, CalculateCost("unknown-model", 1000, 1000))
}

func fakeOpenAI(t *testing.T, reply string, seen *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply},
			}},
			Usage: openai.Usage{PromptTokens: 120, CompletionTokens: 40, TotalTokens: 160},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReplyGeneratorBuildsPrompt(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := fakeOpenAI(t, "  Thanks Carol, I will review it by Friday.  ", &seen)
	client := NewClient(ClientConfig{APIKey: "test", BaseURL: srv.URL + "/v1"})
	gen := NewReplyGenerator(client)

	reply, err := gen.GenerateReply(context.Background(), &out.ReplyRequest{
		From:    domain.Address{Name: "Carol", Email: "carol@example.org"},
		Subject: "Contract review",
		Body:    "Could you review the contract?",
		Classification: domain.Classification{
			Priority:    domain.PriorityUrgent,
			ActionItems: []string{"review the contract"},
		},
		VoiceProfile: "Short sentences, first names.",
		MailboxOwner: "dana@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "Thanks Carol, I will review it by Friday.", reply)

	require.Len(t, seen.Messages, 2)
	system, user := seen.Messages[0].Content, seen.Messages[1].Content
	assert.Contains(t, system, "dana@example.com")
	assert.Contains(t, system, "urgent")
	assert.Contains(t, system, "Short sentences, first names.")
	assert.Contains(t, system, "- review the contract")
	assert.True(t, strings.HasPrefix(user, "Original email from Carol <carol@example.org>"))
	assert.Equal(t, DefaultModel, seen.Model)

	stats := client.Costs().Stats()
	assert.EqualValues(t, 1, stats.RequestCount)
	assert.EqualValues(t, 160, stats.TotalTokens)
}

func TestReplyGeneratorEmptyCompletion(t *testing.T) {
	var seen openai.ChatCompletionRequest
	srv := fakeOpenAI(t, "   ", &seen)
	gen := NewReplyGenerator(NewClient(ClientConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}))

	_, err := gen.GenerateReply(context.Background(), &out.ReplyRequest{Subject: "hi"})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestReplyGeneratorSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	gen := NewReplyGenerator(NewClient(ClientConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}))
	_, err := gen.GenerateReply(context.Background(), &out.ReplyRequest{Subject: "hi"})
	require.Error(t, err)

	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.HTTPStatusCode)
}
