package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/core/domain"
)

func sampleAlert() *domain.Alert {
	return &domain.Alert{
		ConnectionID: uuid.New(),
		UserID:       "u1",
		Email:        "a@x.com",
		Health:       domain.HealthError,
		Reason:       "authentication failed: <invalid_grant>",
		At:           time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSink(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL)
	require.NoError(t, sink.SendAlert(context.Background(), sampleAlert()))

	assert.Equal(t, "mailbox.error", got.Event)
	require.NotNil(t, got.Alert)
	assert.Equal(t, "a@x.com", got.Alert.Email)
	assert.Contains(t, got.Text, "[error] a@x.com")
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).SendAlert(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTelegramSink(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	sink, err := NewTelegramSink("123:abc", 42, bot.WithServerURL(srv.URL))
	require.NoError(t, err)
	require.NoError(t, sink.SendAlert(context.Background(), sampleAlert()))

	assert.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	assert.Contains(t, body, "&lt;invalid_grant&gt;")
}

func TestFormatHTMLEscapes(t *testing.T) {
	text := formatHTML(sampleAlert())
	assert.Contains(t, text, "<b>Mailbox error</b>")
	assert.NotContains(t, text, "<invalid_grant>")
}
