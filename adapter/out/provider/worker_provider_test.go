package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

func oauthConn(kind domain.ProviderKind) *domain.Connection {
	return &domain.Connection{
		ID:       uuid.New(),
		UserID:   "u1",
		Email:    "me@example.com",
		Provider: kind,
		Credentials: domain.Credentials{
			AccessToken:  "at",
			RefreshToken: "rt",
			Expiry:       time.Now().Add(time.Hour),
		},
	}
}

func TestHTTPStatusErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		want   out.ErrorKind
	}{
		{401, "invalid credentials", out.ErrKindAuth},
		{403, "insufficient permissions", out.ErrKindAuth},
		{403, "User Rate Limit Exceeded", out.ErrKindTransient},
		{429, "too many requests", out.ErrKindTransient},
		{500, "backend error", out.ErrKindTransient},
		{503, "unavailable", out.ErrKindTransient},
		{400, "bad request", out.ErrKindProtocol},
		{404, "not found", out.ErrKindProtocol},
	}
	for _, tt := range tests {
		err := httpStatusError(domain.ProviderGmail, tt.status, tt.msg, nil)
		if got := out.KindOf(err); got != tt.want {
			t.Errorf("status %d %q: got %s, want %s", tt.status, tt.msg, got, tt.want)
		}
	}
}

func TestTokenErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want out.ErrorKind
	}{
		{"invalid grant", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, out.ErrKindAuth},
		{"rejected status", &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusUnauthorized}}, out.ErrKindAuth},
		{"server error", &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadGateway}}, out.ErrKindTransient},
		{"network", errors.New("dial tcp: connection refused"), out.ErrKindTransient},
		{"already mapped", out.ProtocolError("gmail", "x", nil), out.ErrKindProtocol},
	}
	for _, tt := range tests {
		if got := out.KindOf(tokenError(domain.ProviderGmail, tt.err)); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestBreakerIgnoresNonTransientErrors(t *testing.T) {
	cb := newBreaker("test")
	for i := 0; i < 20; i++ {
		err := execute(cb, "test", func() error { return out.ProtocolError("test", "bad", nil) })
		require.Equal(t, out.ErrKindProtocol, out.KindOf(err))
	}

	for i := 0; i < 6; i++ {
		_ = execute(cb, "test", func() error { return out.TransientError("test", "down", nil) })
	}
	called := false
	err := execute(cb, "test", func() error { called = true; return nil })
	assert.False(t, called)
	assert.True(t, out.IsTransient(err))
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []domain.Credentials
}

func (s *recordingSaver) SaveCredentials(_ context.Context, _ string, creds domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, creds)
	return nil
}

func TestSavingTokenSourcePersistsRefreshedToken(t *testing.T) {
	saver := &recordingSaver{}
	ts := &savingTokenSource{
		provider:     domain.ProviderGmail,
		connectionID: "c1",
		base:         oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(time.Hour)}),
		creds:        domain.Credentials{AccessToken: "stale", RefreshToken: "rt"},
		last:         "stale",
		saver:        saver,
	}

	_, err := ts.Token()
	require.NoError(t, err)
	_, err = ts.Token()
	require.NoError(t, err)

	require.Len(t, saver.saved, 1)
	assert.Equal(t, "fresh", saver.saved[0].AccessToken)
	assert.Equal(t, "rt", saver.saved[0].RefreshToken)
}

func TestMissingRefreshTokenIsAuthError(t *testing.T) {
	conn := oauthConn(domain.ProviderGmail)
	conn.Credentials.RefreshToken = ""

	_, err := NewGmailAdapter(&GmailConfig{}, nil).Open(context.Background(), conn)
	assert.True(t, out.IsAuthError(err))

	err = NewOutlookAdapter(&OutlookConfig{}, nil).Verify(context.Background(), conn.Credentials)
	assert.True(t, out.IsAuthError(err))
}

func TestComposeMessageThreadsReply(t *testing.T) {
	spec := &out.DraftSpec{
		From:       domain.Address{Name: "Me", Email: "me@example.com"},
		To:         []domain.Address{{Email: "alice@example.com"}},
		Subject:    "Re: Invoice",
		Body:       "Thanks, received.",
		InReplyTo:  "<b@example.com>",
		References: []string{"<a@example.com>", "b@example.com"},
	}
	raw, id, err := composeMessage(spec, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	p, err := parseMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)
	assert.Equal(t, id, p.MessageID)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, p.References)
	assert.Equal(t, "Re: Invoice", p.Subject)
	assert.Equal(t, "me@example.com", p.From.Email)
	assert.Contains(t, p.Text, "Thanks, received.")
	assert.Contains(t, string(raw), "In-Reply-To: <b@example.com>")
	assert.Contains(t, string(raw), "Auto-Submitted: auto-replied")
	assert.True(t, p.AutoSubmitted, "our own replies are recognised as automatic")

	_, _, err = composeMessage(&out.DraftSpec{Subject: "x"}, time.Now())
	assert.Error(t, err)
}

func TestIsAutoSubmitted(t *testing.T) {
	tests := []struct {
		autoSubmitted, precedence string
		want                      bool
	}{
		{"", "", false},
		{"no", "", false},
		{"auto-replied", "", true},
		{"Auto-Generated", "", true},
		{"", "bulk", true},
		{"", "auto_reply", true},
		{"", "List", true},
		{"", "first-class", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isAutoSubmitted(tt.autoSubmitted, tt.precedence), "%q/%q", tt.autoSubmitted, tt.precedence)
	}

	msg := &gmail.Message{Id: "m2", Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
		{Name: "From", Value: "robot@partner.com"},
		{Name: "Auto-Submitted", Value: "auto-replied"},
	}}}
	assert.True(t, convertGmailMessage(msg, "INBOX").AutoSubmitted)

	graph := &graphMessage{ID: "g2"}
	graph.InternetMessageHeaders = append(graph.InternetMessageHeaders, graphHeader{Name: "Precedence", Value: "bulk"})
	assert.True(t, convertGraphMessage(graph, "INBOX").AutoSubmitted)
}

func TestParseIMAPMessageID(t *testing.T) {
	tests := []struct {
		id      string
		folder  string
		uid     uint32
		wantErr bool
	}{
		{"INBOX:5:42", "INBOX", 42, false},
		{"Work:Clients:7:9", "Work:Clients", 9, false},
		{"INBOX:42", "", 0, true},
		{"INBOX:x:1", "", 0, true},
		{"INBOX:5:0", "", 0, true},
		{"", "", 0, true},
	}
	for _, tt := range tests {
		folder, uid, err := parseIMAPMessageID(tt.id)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tt.id)
			}
			continue
		}
		if err != nil || folder != tt.folder || uid != tt.uid {
			t.Errorf("%q: got (%q, %d, %v)", tt.id, folder, uid, err)
		}
	}

	folder, uid, err := parseIMAPMessageID(formatIMAPMessageID("Archive", 3, 17))
	require.NoError(t, err)
	assert.Equal(t, "Archive", folder)
	assert.Equal(t, uint32(17), uid)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGmailAdapterRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var modified []string
	var sent map[string]any

	body := base64.URLEncoding.EncodeToString([]byte("Can you send the report?"))
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		assert.Equal(t, "is:unread", r.URL.Query().Get("q"))
		assert.Equal(t, "INBOX", r.URL.Query().Get("labelIds"))
		writeJSON(w, 200, map[string]any{"messages": []map[string]string{{"id": "m1", "threadId": "t1"}}})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"internalDate": "1700000000000",
			"payload": map[string]any{
				"mimeType": "multipart/mixed",
				"headers": []map[string]string{
					{"name": "From", "value": "Alice <Alice@Example.com>"},
					{"name": "To", "value": "me@example.com"},
					{"name": "Subject", "value": "Report"},
					{"name": "Message-ID", "value": "<orig@example.com>"},
				},
				"parts": []map[string]any{
					{"mimeType": "text/plain", "body": map[string]any{"data": body}},
					{"mimeType": "application/pdf", "filename": "q1.pdf", "body": map[string]any{"size": 2048, "attachmentId": "att1"}},
				},
			},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m1/modify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RemoveLabelIds []string `json:"removeLabelIds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		modified = req.RemoveLabelIds
		mu.Unlock()
		writeJSON(w, 200, map[string]any{"id": "m1"})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&sent)
		mu.Unlock()
		writeJSON(w, 200, map[string]any{"id": "s1", "threadId": "t1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewGmailAdapter(&GmailConfig{}, nil).WithEndpoint(srv.URL + "/")
	ctx := context.Background()
	sess, err := a.Open(ctx, oauthConn(domain.ProviderGmail))
	require.NoError(t, err)

	batch, err := a.PollNew(ctx, sess, domain.SyncPolicy{Folders: []string{"inbox"}})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	msg := batch[0]
	assert.Equal(t, "m1", msg.ProviderMessageID)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, "alice@example.com", msg.From.Email)
	assert.Equal(t, "Can you send the report?", msg.BodyText)
	assert.Equal(t, "<orig@example.com>", msg.MessageIDHeader)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "q1.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.ReceivedAt)

	require.NoError(t, a.MarkRead(ctx, sess, "m1"))
	assert.Equal(t, []string{"UNREAD"}, modified)

	id, err := a.Send(ctx, sess, &out.DraftSpec{
		From:      domain.Address{Email: "me@example.com"},
		To:        []domain.Address{msg.From},
		Subject:   "Re: Report",
		Body:      "Attached.",
		ThreadID:  msg.ThreadID,
		InReplyTo: msg.MessageIDHeader,
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
	assert.Equal(t, "t1", sent["threadId"])
	raw, err := base64.URLEncoding.DecodeString(sent["raw"].(string))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "In-Reply-To: <orig@example.com>")
}

func TestGmailAdapterMapsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 401, map[string]any{"error": map[string]any{"code": 401, "message": "Invalid Credentials"}})
	}))
	defer srv.Close()

	a := NewGmailAdapter(&GmailConfig{}, nil).WithEndpoint(srv.URL + "/")
	sess, err := a.Open(context.Background(), oauthConn(domain.ProviderGmail))
	require.NoError(t, err)

	_, err = a.PollNew(context.Background(), sess, domain.SyncPolicy{Folders: []string{"INBOX"}})
	assert.True(t, out.IsAuthError(err), "got %v", err)
}

func TestGmailBreakerIsPerConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer failing" {
			writeJSON(w, 503, map[string]any{"error": map[string]any{"code": 503, "message": "backend error"}})
			return
		}
		writeJSON(w, 200, map[string]any{"messages": []map[string]string{}})
	}))
	defer srv.Close()

	a := NewGmailAdapter(&GmailConfig{}, nil).WithEndpoint(srv.URL + "/")
	ctx := context.Background()
	policy := domain.SyncPolicy{Folders: []string{"INBOX"}}

	failingConn := oauthConn(domain.ProviderGmail)
	failingConn.Credentials.AccessToken = "failing"
	failing, err := a.Open(ctx, failingConn)
	require.NoError(t, err)
	healthy, err := a.Open(ctx, oauthConn(domain.ProviderGmail))
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		_, err = a.PollNew(ctx, failing, policy)
		require.True(t, out.IsTransient(err), "got %v", err)
	}
	assert.Contains(t, err.Error(), "circuit open")

	batch, err := a.PollNew(ctx, healthy, policy)
	require.NoError(t, err, "another mailbox's failures do not open this breaker")
	assert.Empty(t, batch)
}

func TestOutlookAdapterRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var patched map[string]any
	var mimeSent string

	mux := http.NewServeMux()
	mux.HandleFunc("GET /me/mailFolders/inbox/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "isRead eq false", r.URL.Query().Get("$filter"))
		writeJSON(w, 200, map[string]any{"value": []map[string]any{{
			"id":                "g1",
			"conversationId":    "conv1",
			"internetMessageId": "<orig@contoso.com>",
			"internetMessageHeaders": []map[string]string{
				{"name": "References", "value": "<root@contoso.com>"},
			},
			"subject":          "Meeting",
			"body":             map[string]string{"contentType": "html", "content": "<p>Are you free?</p>"},
			"from":             map[string]any{"emailAddress": map[string]string{"name": "Bob", "address": "Bob@Contoso.com"}},
			"toRecipients":     []map[string]any{{"emailAddress": map[string]string{"address": "me@example.com"}}},
			"hasAttachments":   true,
			"receivedDateTime": "2024-03-01T09:00:00Z",
		}}})
	})
	mux.HandleFunc("GET /me/messages/g1/attachments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"value": []map[string]any{{"name": "agenda.docx", "contentType": "application/msword", "size": 512}}})
	})
	mux.HandleFunc("PATCH /me/messages/g1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&patched)
		mu.Unlock()
		writeJSON(w, 200, map[string]any{"id": "g1"})
	})
	mux.HandleFunc("POST /me/sendMail", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		raw, err := base64.StdEncoding.DecodeString(string(data))
		assert.NoError(t, err)
		mu.Lock()
		mimeSent = string(raw)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /me/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 201, map[string]any{"id": "draft1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := NewOutlookAdapter(&OutlookConfig{}, nil).WithBaseURL(srv.URL)
	ctx := context.Background()
	sess, err := a.Open(ctx, oauthConn(domain.ProviderOutlook))
	require.NoError(t, err)

	batch, err := a.PollNew(ctx, sess, domain.SyncPolicy{Folders: []string{"INBOX"}})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	msg := batch[0]
	assert.Equal(t, "g1", msg.ProviderMessageID)
	assert.Equal(t, "conv1", msg.ThreadID)
	assert.Equal(t, "bob@contoso.com", msg.From.Email)
	assert.Equal(t, "<p>Are you free?</p>", msg.BodyHTML)
	assert.Empty(t, msg.BodyText)
	assert.Equal(t, []string{"<root@contoso.com>"}, msg.References)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "agenda.docx", msg.Attachments[0].Filename)

	require.NoError(t, a.MarkRead(ctx, sess, "g1"))
	assert.Equal(t, true, patched["isRead"])

	spec := &out.DraftSpec{
		From:       domain.Address{Email: "me@example.com"},
		To:         []domain.Address{msg.From},
		Subject:    "Re: Meeting",
		Body:       "Yes, 10am works.",
		InReplyTo:  msg.MessageIDHeader,
		References: msg.References,
	}
	id, err := a.Send(ctx, sess, spec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Contains(t, mimeSent, "References: <root@contoso.com> <orig@contoso.com>")

	draftID, err := a.CreateDraft(ctx, sess, spec)
	require.NoError(t, err)
	assert.Equal(t, "draft1", draftID)
}

func TestOutlookAdapterErrorKinds(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, int(status.Load()), map[string]any{"error": map[string]string{"code": "Throttled", "message": "slow down"}})
	}))
	defer srv.Close()

	a := NewOutlookAdapter(&OutlookConfig{}, nil).WithBaseURL(srv.URL)
	sess, err := a.Open(context.Background(), oauthConn(domain.ProviderOutlook))
	require.NoError(t, err)

	_, err = a.PollNew(context.Background(), sess, domain.SyncPolicy{Folders: []string{"INBOX"}})
	assert.True(t, out.IsTransient(err), "got %v", err)

	status.Store(http.StatusUnauthorized)
	_, err = a.PollNew(context.Background(), sess, domain.SyncPolicy{Folders: []string{"INBOX"}})
	assert.True(t, out.IsAuthError(err), "got %v", err)
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(NewGmailAdapter(&GmailConfig{}, nil), NewIMAPAdapter(IMAPConfig{}))

	p, err := r.Get(domain.ProviderGmail)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderGmail, p.Kind())

	_, err = r.Get(domain.ProviderOutlook)
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
	assert.Equal(t, []domain.ProviderKind{domain.ProviderGmail, domain.ProviderIMAPSMTP}, r.Kinds())
}
