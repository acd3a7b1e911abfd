package relay_test

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
	"courier/internal/relay"
)

func newTestRelay(t *testing.T) *relay.Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := relay.NewServer(filepath.Join(t.TempDir(), "relay.db"), log)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return relay.NewClient(ts.URL)
}

func envelope(from, to, body string) domain.Envelope {
	return domain.Envelope{
		Version:     domain.EnvelopeVersion,
		SenderID:    from,
		RecipientID: to,
		SessionID:   domain.SessionID(from, to),
		Type:        domain.MessageEstablished,
		Body:        []byte(body),
		Timestamp:   time.Now().Unix(),
	}
}

func recvFrame(t *testing.T, sub *relay.Subscription) relay.PushFrame {
	t.Helper()
	select {
	case frame, ok := <-sub.Envelopes():
		require.True(t, ok, "push connection closed: %v", sub.Err())
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for push frame")
		return relay.PushFrame{}
	}
}

func waitConnections(t *testing.T, c *relay.Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := c.Diagnostics(context.Background())
		return err == nil && snap.Connections == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRegister_Idempotent(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "alice"))
	require.NoError(t, c.Register(ctx, "alice"))

	snap, err := c.Diagnostics(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Identities)
}

func TestRegister_RejectsNULInID(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()

	// NUL separates recipient and sequence in the pending index; an id
	// carrying one could alias another recipient's backlog.
	require.Error(t, c.Register(ctx, "a\x00b"))

	snap, err := c.Diagnostics(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, snap.Identities)
}

func TestPublishBundle_RequiresRegistration(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()

	err := c.PublishBundle(ctx, "ghost", domain.Bundle{ID: "ghost"})
	require.ErrorIs(t, err, domain.ErrNotRegistered)
}

func TestBundle_LastWriteWins(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "alice"))

	_, err := c.FetchBundle(ctx, "alice")
	require.ErrorIs(t, err, domain.ErrBundleNotFound)

	first := domain.Bundle{ID: "alice", RegistrationID: 7,
		SignedPreKey: domain.SignedPreKeyPublic{KeyID: 1}}
	require.NoError(t, c.PublishBundle(ctx, "alice", first))

	second := first
	second.SignedPreKey.KeyID = 2
	require.NoError(t, c.PublishBundle(ctx, "alice", second))

	got, err := c.FetchBundle(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.SignedPreKey.KeyID)
	require.Equal(t, uint32(7), got.RegistrationID)
}

func TestSubmit_UnregisteredRecipient(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "alice"))

	_, err := c.Submit(ctx, envelope("alice", "nobody", "hi"))
	require.ErrorIs(t, err, domain.ErrNotRegistered)
}

func TestSubmit_OnlineDelivery(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "alice"))
	require.NoError(t, c.Register(ctx, "bob"))

	sub, err := c.Connect(ctx, "bob")
	require.NoError(t, err)
	defer sub.Close()
	waitConnections(t, c, 1)

	res, err := c.Submit(ctx, envelope("alice", "bob", "hi bob"))
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.True(t, res.Delivered)

	frame := recvFrame(t, sub)
	require.Equal(t, "alice", frame.From)
	require.Equal(t, "bob", frame.To)
	require.Equal(t, []byte("hi bob"), frame.Envelope.Body)
	require.Equal(t, domain.SessionID("alice", "bob"), frame.Envelope.SessionID)
}

func TestSubmit_OfflineQueueAndOrderedReplay(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "alice"))
	require.NoError(t, c.Register(ctx, "bob"))

	res, err := c.Submit(ctx, envelope("alice", "bob", "first"))
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.False(t, res.Delivered)

	res, err = c.Submit(ctx, envelope("alice", "bob", "second"))
	require.NoError(t, err)
	require.False(t, res.Delivered)

	snap, err := c.Diagnostics(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, snap.PendingTotal)
	require.Equal(t, 2, snap.PendingByRecipient["bob"])

	// Backlog replays in enqueue order when the recipient connects.
	sub, err := c.Connect(ctx, "bob")
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, []byte("first"), recvFrame(t, sub).Envelope.Body)
	require.Equal(t, []byte("second"), recvFrame(t, sub).Envelope.Body)

	require.Eventually(t, func() bool {
		snap, err := c.Diagnostics(ctx)
		return err == nil && snap.PendingTotal == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnect_Unregistered(t *testing.T) {
	c := newTestRelay(t)

	_, err := c.Connect(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrNotRegistered)
}

func TestConnect_Supersession(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "alice"))

	sub1, err := c.Connect(ctx, "alice")
	require.NoError(t, err)
	waitConnections(t, c, 1)

	sub2, err := c.Connect(ctx, "alice")
	require.NoError(t, err)
	defer sub2.Close()

	// The older connection is closed with the supersession reason.
	select {
	case _, ok := <-sub1.Envelopes():
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded connection was not closed")
	}
	require.ErrorIs(t, sub1.Err(), relay.ErrSuperseded)

	// The newer connection still receives.
	require.NoError(t, c.Register(ctx, "bob"))
	waitConnections(t, c, 1)
	_, err = c.Submit(ctx, envelope("bob", "alice", "for the new conn"))
	require.NoError(t, err)
	require.Equal(t, []byte("for the new conn"), recvFrame(t, sub2).Envelope.Body)
}

func TestHostMetrics(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()

	err := c.PushHostMetrics(ctx, domain.HostMetrics{Hostname: "", CPUPercent: 10})
	require.Error(t, err)

	err = c.PushHostMetrics(ctx, domain.HostMetrics{Hostname: "node1", CPUPercent: 142})
	require.Error(t, err)

	sample := domain.HostMetrics{
		Hostname:      "node1",
		CPUPercent:    37.5,
		MemUsedBytes:  1 << 30,
		MemTotalBytes: 4 << 30,
	}
	require.NoError(t, c.PushHostMetrics(ctx, sample))

	snap, err := c.Diagnostics(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.HostMetrics)
	require.Equal(t, "node1", snap.HostMetrics.Hostname)
	require.Equal(t, 37.5, snap.HostMetrics.CPUPercent)
	require.NotZero(t, snap.HostMetrics.ReportedAt)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()
	require.NoError(t, c.Register(ctx, "bob"))

	_, err := c.Submit(ctx, envelope("", "bob", "x"))
	require.Error(t, err)

	_, err = c.Submit(ctx, envelope("alice", "", "x"))
	require.Error(t, err)
}
