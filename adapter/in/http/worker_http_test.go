package http

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/in"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/apperr"
)

type fakeMailbox struct {
	in.MailboxService

	conns     []domain.ConnectionSummary
	connected *in.ConnectRequest
	paused    []uuid.UUID
	sync      domain.SyncPolicy
	pollErr   error
}

func (f *fakeMailbox) Connect(_ context.Context, req *in.ConnectRequest) (*domain.Connection, error) {
	f.connected = req
	return &domain.Connection{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Email:       req.Email,
		Provider:    req.Provider,
		Credentials: req.Credentials,
		Status:      domain.StatusActive,
	}, nil
}

func (f *fakeMailbox) Pause(_ context.Context, userID string, id uuid.UUID) error {
	if !f.owns(id) {
		return apperr.NotFound("connection")
	}
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeMailbox) PollNow(_ context.Context, _ string, _ uuid.UUID) (*in.PollSummary, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	return &in.PollSummary{Fetched: 3, Ingested: 2, Duplicates: 1}, nil
}

func (f *fakeMailbox) UpdateSyncPolicy(_ context.Context, _ string, _ uuid.UUID, p domain.SyncPolicy) error {
	f.sync = p
	return nil
}

func (f *fakeMailbox) ListConnections(_ context.Context, userID string) ([]domain.ConnectionSummary, error) {
	if userID != "user-1" {
		return nil, nil
	}
	return f.conns, nil
}

func (f *fakeMailbox) Monitoring(_ context.Context, _ string) (*domain.MonitoringSnapshot, error) {
	return &domain.MonitoringSnapshot{Overall: domain.HealthWarning}, nil
}

func (f *fakeMailbox) owns(id uuid.UUID) bool {
	for _, c := range f.conns {
		if c.ID == id {
			return true
		}
	}
	return false
}

type fakeStatus struct {
	reports map[string]*out.PollReport
}

func (f *fakeStatus) LastPoll(_ context.Context, id string) (*out.PollReport, error) {
	return f.reports[id], nil
}

type fakeNotifications struct {
	limit int
}

func (f *fakeNotifications) List(_ context.Context, userID string, limit int) ([]*domain.Notification, error) {
	f.limit = limit
	return []*domain.Notification{{UserID: userID, Kind: domain.NotifyDraftCreated}}, nil
}

func newTestApp(mb *fakeMailbox, status PollStatusReader, notes NotificationLister) *fiber.App {
	app := fiber.New()
	NewHealthHandler().
		WithCheck("sql", PingFunc(func(context.Context) error { return nil })).
		WithCheck("redis", nil).
		Register(app)

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		if user := c.Get("X-Test-User"); user != "" {
			c.Locals("user_id", user)
		}
		return c.Next()
	})
	NewConnectionHandler(mb).Register(api)
	NewMonitoringHandler(mb, status).Register(api)
	NewNotificationHandler(notes).Register(api)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, APIResponse) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Test-User", "user-1")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	var parsed APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp.StatusCode, parsed
}

func TestRequiresAuthenticatedUser(t *testing.T) {
	app := newTestApp(&fakeMailbox{}, nil, nil)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/connections", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestConnectMapsRequest(t *testing.T) {
	mb := &fakeMailbox{}
	app := newTestApp(mb, nil, nil)

	status, resp := do(t, app, "POST", "/api/v1/connections", `{
		"email": "Alice@Example.com",
		"provider": "IMAP_SMTP",
		"credentials": {"username": "alice", "password": "secret", "imap_host": "imap.example.com"},
		"sync_policy": {"enabled": true, "folders": ["INBOX"], "poll_interval_seconds": 120}
	}`)
	assert.Equal(t, 201, status)
	assert.True(t, resp.Success)

	require.NotNil(t, mb.connected)
	assert.Equal(t, "user-1", mb.connected.UserID)
	assert.Equal(t, domain.ProviderIMAPSMTP, mb.connected.Provider)
	require.NotNil(t, mb.connected.Sync)
	assert.Equal(t, 2*time.Minute, mb.connected.Sync.PollInterval)
	assert.True(t, mb.connected.Sync.Enabled)
	assert.Nil(t, mb.connected.AI)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret", "credentials never leave the service")
}

func TestConnectValidation(t *testing.T) {
	app := newTestApp(&fakeMailbox{}, nil, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"email":`, apperr.CodeBadRequest},
		{"no email", `{"provider":"gmail"}`, apperr.CodeMissingField},
		{"no provider", `{"email":"a@example.com"}`, apperr.CodeMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := do(t, app, "POST", "/api/v1/connections", tt.body)
			assert.Equal(t, 400, status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestControlRoutes(t *testing.T) {
	id := uuid.New()
	mb := &fakeMailbox{conns: []domain.ConnectionSummary{{ID: id, Email: "a@example.com"}}}
	app := newTestApp(mb, nil, nil)

	status, _ := do(t, app, "POST", "/api/v1/connections/"+id.String()+"/pause", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, []uuid.UUID{id}, mb.paused)

	status, resp := do(t, app, "POST", "/api/v1/connections/"+uuid.NewString()+"/pause", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, apperr.CodeNotFound, resp.Error.Code)

	status, resp = do(t, app, "POST", "/api/v1/connections/not-a-uuid/pause", "")
	assert.Equal(t, 400, status)
	assert.Equal(t, apperr.CodeInvalidInput, resp.Error.Code)

	status, _ = do(t, app, "PUT", "/api/v1/connections/"+id.String()+"/sync-policy",
		`{"enabled": true, "folders": ["INBOX", "Work"], "poll_interval_seconds": 30, "mark_as_read": true}`)
	assert.Equal(t, 200, status)
	assert.Equal(t, domain.SyncPolicy{
		Enabled: true, Folders: []string{"INBOX", "Work"}, PollInterval: 30 * time.Second, MarkAsRead: true,
	}, mb.sync)

	status, _ = do(t, app, "PUT", "/api/v1/connections/"+id.String()+"/sync-policy", `{"poll_interval_seconds": 300}`)
	assert.Equal(t, 200, status)
	assert.True(t, mb.sync.Enabled, "omitted enabled keeps syncing on")
	assert.Equal(t, 5*time.Minute, mb.sync.PollInterval)

	status, _ = do(t, app, "PUT", "/api/v1/connections/"+id.String()+"/sync-policy", `{"enabled": false}`)
	assert.Equal(t, 200, status)
	assert.False(t, mb.sync.Enabled)

	status, resp = do(t, app, "GET", "/api/v1/connections", "")
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 1, resp.Data.(map[string]any)["total"])
}

func TestPollErrors(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"busy", apperr.ConnectionBusy(id.String()), 409, apperr.CodeConnectionBusy},
		{"auth", apperr.ProviderAuth("gmail", errors.New("invalid_grant")), 401, apperr.CodeProviderAuth},
		{"unclassified", errors.New("boom"), 500, apperr.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(&fakeMailbox{pollErr: tt.err}, nil, nil)
			status, resp := do(t, app, "POST", "/api/v1/connections/"+id.String()+"/poll", "")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	app := newTestApp(&fakeMailbox{}, nil, nil)
	status, resp := do(t, app, "POST", "/api/v1/connections/"+id.String()+"/poll", "")
	assert.Equal(t, 200, status)
	assert.EqualValues(t, 2, resp.Data.(map[string]any)["ingested"])
}

func TestMonitoringRoutes(t *testing.T) {
	id := uuid.New()
	mb := &fakeMailbox{conns: []domain.ConnectionSummary{{ID: id}}}
	status := &fakeStatus{reports: map[string]*out.PollReport{
		id.String(): {ConnectionID: id.String(), Fetched: 4},
	}}
	app := newTestApp(mb, status, nil)

	code, resp := do(t, app, "GET", "/api/v1/monitoring", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, "warning", resp.Data.(map[string]any)["overall"])

	code, resp = do(t, app, "GET", "/api/v1/monitoring/"+id.String()+"/last-poll", "")
	assert.Equal(t, 200, code)
	assert.EqualValues(t, 4, resp.Data.(map[string]any)["fetched"])

	code, _ = do(t, app, "GET", "/api/v1/monitoring/"+uuid.NewString()+"/last-poll", "")
	assert.Equal(t, 404, code, "foreign connections are hidden")

	noStore := newTestApp(mb, nil, nil)
	code, _ = do(t, noStore, "GET", "/api/v1/monitoring/"+id.String()+"/last-poll", "")
	assert.Equal(t, 503, code)
}

func TestNotificationsClampLimit(t *testing.T) {
	notes := &fakeNotifications{}
	app := newTestApp(&fakeMailbox{}, nil, notes)

	code, resp := do(t, app, "GET", "/api/v1/notifications?limit=1000", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, 200, notes.limit)
	assert.Len(t, resp.Data.(map[string]any)["notifications"], 1)
}

func TestReady(t *testing.T) {
	app := newTestApp(&fakeMailbox{}, nil, nil)
	resp, err := app.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Checks["sql"])
	assert.Equal(t, "not configured", body.Checks["redis"])

	failing := fiber.New()
	NewHealthHandler().
		WithCheck("mongo", PingFunc(func(context.Context) error { return errors.New("no reachable servers") })).
		Register(failing)
	resp, err = failing.Test(httptest.NewRequest("GET", "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
}
