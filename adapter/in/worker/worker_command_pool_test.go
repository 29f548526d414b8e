package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/in"
)

type fakeMailbox struct {
	in.MailboxService

	mu    sync.Mutex
	calls []string
}

func (f *fakeMailbox) record(action string, id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+":"+id.String())
}

func (f *fakeMailbox) PollNow(_ context.Context, _ string, id uuid.UUID) (*in.PollSummary, error) {
	f.record("poll", id)
	return &in.PollSummary{}, nil
}

func (f *fakeMailbox) Pause(_ context.Context, _ string, id uuid.UUID) error {
	f.record("pause", id)
	return nil
}

func (f *fakeMailbox) Resume(_ context.Context, _ string, id uuid.UUID) error {
	f.record("resume", id)
	return errors.New("connection is in error")
}

func (f *fakeMailbox) Reconnect(_ context.Context, _ string, id uuid.UUID) error {
	f.record("reconnect", id)
	return nil
}

func (f *fakeMailbox) Disconnect(_ context.Context, _ string, id uuid.UUID) error {
	f.record("disconnect", id)
	return nil
}

func (f *fakeMailbox) Monitoring(context.Context, string) (*domain.MonitoringSnapshot, error) {
	return nil, nil
}

func TestDecodeCommand(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"action":"poll","user_id":"u1","connection_id":"` + id.String() + `"}`, false},
		{"unknown action", `{"action":"purge","user_id":"u1","connection_id":"` + id.String() + `"}`, true},
		{"missing user", `{"action":"pause","connection_id":"` + id.String() + `"}`, true},
		{"missing connection", `{"action":"pause","user_id":"u1"}`, true},
		{"not json", `poll now`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, id, cmd.ConnectionID)
		})
	}
}

func TestCommandPoolExecutesCommands(t *testing.T) {
	svc := &fakeMailbox{}
	p := NewCommandPool(svc, CommandPoolConfig{Workers: 2}, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	id := uuid.New()
	for _, action := range []CommandAction{CommandPoll, CommandPause, CommandResume} {
		data, err := json.Marshal(NewCommand(action, "u1", id))
		require.NoError(t, err)
		require.NoError(t, p.Handle(ctx, "mailbox:commands", data))
	}
	require.NoError(t, p.Handle(ctx, "mailbox:commands", []byte(`{"action":"explode"}`)))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))

	svc.mu.Lock()
	assert.ElementsMatch(t, []string{"poll:" + id.String(), "pause:" + id.String(), "resume:" + id.String()}, svc.calls)
	svc.mu.Unlock()

	assert.Equal(t, CommandStats{Submitted: 3, Rejected: 1, Succeeded: 2, Failed: 1}, p.Stats())
	assert.False(t, p.Submit(NewCommand(CommandPoll, "u1", id)), "stopped pool rejects commands")
}
