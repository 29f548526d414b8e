package ingest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpilot_worker/adapter/out/memory"
	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

func testConn() *domain.Connection {
	return &domain.Connection{
		ID:       uuid.New(),
		UserID:   "u1",
		Email:    "Me@Example.com",
		Provider: domain.ProviderGmail,
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	store := memory.NewMessageStore()
	svc := NewService(store)
	conn := testConn()

	batch := []out.ProviderMessage{
		{ProviderMessageID: "m1", Subject: "hello", BodyText: "hi", From: domain.Address{Email: "a@b.com"}},
		{ProviderMessageID: "m2", Subject: "again", BodyText: "yo", From: domain.Address{Email: "a@b.com"}},
	}

	first := svc.Ingest(context.Background(), conn, batch)
	require.Len(t, first.New, 2)
	assert.Zero(t, first.Duplicates)

	second := svc.Ingest(context.Background(), conn, batch)
	assert.Empty(t, second.New)
	assert.Equal(t, 2, second.Duplicates)
	assert.Equal(t, 2, store.Len())
}

func TestIngestSkipsBadMessagesWithoutAbortingBatch(t *testing.T) {
	store := memory.NewMessageStore()
	svc := NewService(store)
	conn := testConn()

	res := svc.Ingest(context.Background(), conn, []out.ProviderMessage{
		{ProviderMessageID: "", Subject: "no id"},
		{ProviderMessageID: "ok", Subject: "fine"},
	})

	require.Len(t, res.Errors, 1)
	assert.Equal(t, out.ErrKindProtocol, out.KindOf(res.Errors[0]))
	require.Len(t, res.New, 1)
	assert.Equal(t, "ok", res.New[0].ProviderMessageID)
}

func TestIngestMapsFields(t *testing.T) {
	store := memory.NewMessageStore()
	svc := NewService(store)
	conn := testConn()

	res := svc.Ingest(context.Background(), conn, []out.ProviderMessage{{
		ProviderMessageID: "m1",
		ThreadID:          "t1",
		MessageIDHeader:   "<abc@mail>",
		Subject:           "Report",
		BodyHTML:          "<html><body><p>Hello <b>there</b></p><p>Second line</p><script>x()</script></body></html>",
		From:              domain.Address{Name: "Ann", Email: "ann@corp.com"},
	}})

	require.Len(t, res.New, 1)
	msg := res.New[0]
	assert.Equal(t, conn.ID, msg.ConnectionID)
	assert.Equal(t, "me@example.com", msg.Mailbox)
	assert.Equal(t, "INBOX", msg.Folder)
	assert.Equal(t, "Hello there\nSecond line", msg.BodyText)
	assert.False(t, msg.ReceivedAt.IsZero())
	assert.Equal(t, "<abc@mail>", msg.MessageIDHeader)
}

func TestDedupIsScopedToMailbox(t *testing.T) {
	store := memory.NewMessageStore()
	svc := NewService(store)

	a := testConn()
	b := testConn()
	b.Email = "other@example.com"

	batch := []out.ProviderMessage{{ProviderMessageID: "same-id", Subject: "x"}}
	assert.Len(t, svc.Ingest(context.Background(), a, batch).New, 1)
	assert.Len(t, svc.Ingest(context.Background(), b, batch).New, 1)
}
