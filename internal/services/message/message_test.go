package message_test

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
	"courier/internal/material"
	"courier/internal/relay"
	"courier/internal/services/bundle"
	"courier/internal/services/message"
	"courier/internal/services/session"
)

type peer struct {
	id       string
	store    *material.Store
	client   *relay.Client
	bundles  *bundle.Service
	messages *message.Service
}

func newPeer(t *testing.T, relayURL, id string) *peer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := material.Open(filepath.Join(t.TempDir(), id+".db"), "pass")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.InitializeIdentity(id, domain.DefaultDeviceID)
	require.NoError(t, err)

	client := relay.NewClient(relayURL)
	sessions := session.NewService(store, client, log)
	return &peer{
		id:       id,
		store:    store,
		client:   client,
		bundles:  bundle.NewService(store),
		messages: message.NewService(store, client, sessions, log),
	}
}

func (p *peer) registerAndPublish(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, p.client.Register(ctx, p.id))
	b, err := p.bundles.Export()
	require.NoError(t, err)
	require.NoError(t, p.client.PublishBundle(ctx, p.id, b))
}

func newTestRelay(t *testing.T) string {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := relay.NewServer(filepath.Join(t.TempDir(), "relay.db"), log)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return ts.URL
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

func TestEndToEnd_OfflineQueueThenReceive(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	alice := newPeer(t, url, "alice")
	bob := newPeer(t, url, "bob")
	alice.registerAndPublish(t, ctx)
	bob.registerAndPublish(t, ctx)

	// Bob is offline: the envelope queues.
	const text = "hello from docker phase zero e2e"
	res, err := alice.messages.Send(ctx, "bob", []byte(text))
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.False(t, res.Delivered)
	require.True(t, res.NewSession)
	require.Equal(t, material.TrustNew, res.Trust)

	// Bob connects, receives the queued envelope, and decrypts it.
	sub, err := bob.client.Connect(ctx, "bob")
	require.NoError(t, err)
	defer sub.Close()

	frame := recvFrame(t, sub)
	require.Equal(t, "alice", frame.From)
	require.Equal(t, domain.MessagePreKey, frame.Envelope.Type)
	require.Equal(t, domain.SessionID("alice", "bob"), frame.Envelope.SessionID)

	in, err := bob.messages.Open(frame.Envelope)
	require.NoError(t, err)
	require.Equal(t, "alice", in.From)
	require.Equal(t, text, string(in.Plaintext))
	require.Equal(t, material.TrustNew, in.Trust)
}

func TestEndToEnd_ReplyOnEstablishedSession(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	alice := newPeer(t, url, "alice")
	bob := newPeer(t, url, "bob")
	alice.registerAndPublish(t, ctx)
	bob.registerAndPublish(t, ctx)

	aliceSub, err := alice.client.Connect(ctx, "alice")
	require.NoError(t, err)
	defer aliceSub.Close()
	bobSub, err := bob.client.Connect(ctx, "bob")
	require.NoError(t, err)
	defer bobSub.Close()

	_, err = alice.messages.Send(ctx, "bob", []byte("ping"))
	require.NoError(t, err)
	in, err := bob.messages.Open(recvFrame(t, bobSub).Envelope)
	require.NoError(t, err)
	require.Equal(t, "ping", string(in.Plaintext))

	// Bob's reply reuses his responder-side session; no bundle fetch.
	res, err := bob.messages.Send(ctx, "alice", []byte("pong"))
	require.NoError(t, err)
	require.False(t, res.NewSession)

	frame := recvFrame(t, aliceSub)
	require.Equal(t, domain.MessageEstablished, frame.Envelope.Type)
	in, err = alice.messages.Open(frame.Envelope)
	require.NoError(t, err)
	require.Equal(t, "pong", string(in.Plaintext))

	// Further traffic in both directions stays on established sessions.
	_, err = alice.messages.Send(ctx, "bob", []byte("ping 2"))
	require.NoError(t, err)
	frame = recvFrame(t, bobSub)
	require.Equal(t, domain.MessageEstablished, frame.Envelope.Type)
	in, err = bob.messages.Open(frame.Envelope)
	require.NoError(t, err)
	require.Equal(t, "ping 2", string(in.Plaintext))
}

func TestEndToEnd_OrderedDelivery(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	alice := newPeer(t, url, "alice")
	bob := newPeer(t, url, "bob")
	alice.registerAndPublish(t, ctx)
	bob.registerAndPublish(t, ctx)

	_, err := alice.messages.Send(ctx, "bob", []byte("first"))
	require.NoError(t, err)
	_, err = alice.messages.Send(ctx, "bob", []byte("second"))
	require.NoError(t, err)

	sub, err := bob.client.Connect(ctx, "bob")
	require.NoError(t, err)
	defer sub.Close()

	in, err := bob.messages.Open(recvFrame(t, sub).Envelope)
	require.NoError(t, err)
	require.Equal(t, "first", string(in.Plaintext))
	in, err = bob.messages.Open(recvFrame(t, sub).Envelope)
	require.NoError(t, err)
	require.Equal(t, "second", string(in.Plaintext))
}

func TestSend_RecipientWithoutBundle(t *testing.T) {
	url := newTestRelay(t)
	ctx := context.Background()

	alice := newPeer(t, url, "alice")
	alice.registerAndPublish(t, ctx)
	require.NoError(t, alice.client.Register(ctx, "bob"))

	_, err := alice.messages.Send(ctx, "bob", []byte("x"))
	require.ErrorIs(t, err, domain.ErrBundleNotFound)
}

func TestBundleExport_RequiresIdentity(t *testing.T) {
	store, err := material.Open(filepath.Join(t.TempDir(), "v.db"), "pass")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = bundle.NewService(store).Export()
	require.ErrorIs(t, err, domain.ErrIdentityNotInitialized)
}
