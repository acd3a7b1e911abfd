package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/domain"
)

// A queue entry whose stored envelope no longer decodes must block replay for
// its recipient, never let later entries overtake it.
func TestReplayPending_StopsAtUndecodableEntry(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := NewServer(filepath.Join(t.TempDir(), "relay.db"), log)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	c := NewClient(ts.URL)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "bob"))

	_, err = srv.store.Append(domain.QueueEntry{
		ID:          "corrupt",
		RecipientID: "bob",
		SenderID:    "alice",
		Envelope:    []byte("{not json"),
		EnqueuedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	sub, err := c.Connect(ctx, "bob")
	require.NoError(t, err)
	defer sub.Close()
	require.Eventually(t, func() bool { return srv.conns.count() == 1 },
		5*time.Second, 10*time.Millisecond)

	// A fresh submit queues but cannot deliver past the corrupt entry.
	res, err := c.Submit(ctx, domain.Envelope{
		Version:     domain.EnvelopeVersion,
		SenderID:    "alice",
		RecipientID: "bob",
		SessionID:   domain.SessionID("alice", "bob"),
		Body:        []byte("later"),
		Timestamp:   time.Now().Unix(),
	})
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.False(t, res.Delivered)

	total, byRecipient, err := srv.store.PendingDepths()
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, 2, byRecipient["bob"])

	select {
	case frame := <-sub.Envelopes():
		t.Fatalf("unexpected frame delivered: %+v", frame)
	case <-time.After(200 * time.Millisecond):
	}
}
