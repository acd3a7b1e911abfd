package protocol_test

import (
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"courier/internal/domain"
	"courier/internal/material"
	"courier/internal/protocol"
)

func newStore(t *testing.T, id string, opts ...material.Option) *material.Store {
	t.Helper()
	s, err := material.Open(filepath.Join(t.TempDir(), "vault.db"), "pass", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.InitializeIdentity(id, domain.DefaultDeviceID)
	require.NoError(t, err)
	_, err = s.GeneratePreKeys(3)
	require.NoError(t, err)
	return s
}

func exportBundle(t *testing.T, s *material.Store) domain.Bundle {
	t.Helper()
	id, err := s.Identity()
	require.NoError(t, err)
	spk, err := s.CurrentSignedPreKey()
	require.NoError(t, err)
	opk, err := s.CurrentOneTimePreKey()
	require.NoError(t, err)
	kyber, err := s.CurrentKyberPreKey()
	require.NoError(t, err)

	return domain.Bundle{
		ID:             id.ID,
		DeviceID:       id.DeviceID,
		RegistrationID: id.RegistrationID,
		IdentityKey:    id.KeyPair.PublicKey(),
		SignedPreKey: domain.SignedPreKeyPublic{
			KeyID:     spk.ID,
			PublicKey: spk.Pub.Slice(),
			Signature: spk.Signature,
		},
		PreKey: domain.OneTimePreKeyPublic{
			KeyID:     opk.ID,
			PublicKey: opk.Pub.Slice(),
		},
		KyberPreKey: domain.KyberPreKeyPublic{
			KeyID:     kyber.ID,
			PublicKey: kyber.Pub,
			Signature: kyber.Signature,
		},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	alice := newStore(t, "alice")
	bob := newStore(t, "bob")

	_, err := protocol.ProcessBundle(bob, exportBundle(t, alice))
	require.NoError(t, err)

	// Bob -> Alice: first message is prekey-typed.
	msg1, err := protocol.Encrypt(bob, "alice", []byte("hello alice"))
	require.NoError(t, err)
	require.Equal(t, domain.MessagePreKey, msg1.Type)

	pt, trust, err := protocol.DecryptPreKey(alice, "bob", msg1.Body)
	require.NoError(t, err)
	require.Equal(t, material.TrustNew, trust)
	require.Equal(t, []byte("hello alice"), pt)

	// Bob keeps repeating the handshake until Alice replies.
	msg2, err := protocol.Encrypt(bob, "alice", []byte("still me"))
	require.NoError(t, err)
	require.Equal(t, domain.MessagePreKey, msg2.Type)

	pt, trust, err = protocol.DecryptPreKey(alice, "bob", msg2.Body)
	require.NoError(t, err)
	require.Equal(t, material.TrustUnchanged, trust)
	require.Equal(t, []byte("still me"), pt)

	// Alice -> Bob: reply on the established session.
	reply, err := protocol.Encrypt(alice, "bob", []byte("hi bob"))
	require.NoError(t, err)
	require.Equal(t, domain.MessageEstablished, reply.Type)

	pt, err = protocol.Decrypt(bob, "alice", reply.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("hi bob"), pt)

	// Bob's pending handshake is cleared once Alice's reply decrypts.
	msg3, err := protocol.Encrypt(bob, "alice", []byte("round two"))
	require.NoError(t, err)
	require.Equal(t, domain.MessageEstablished, msg3.Type)

	pt, err = protocol.Decrypt(alice, "bob", msg3.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("round two"), pt)
}

func TestRoundTrip_EmptyAndLargePlaintext(t *testing.T) {
	alice := newStore(t, "alice")
	bob := newStore(t, "bob")

	_, err := protocol.ProcessBundle(bob, exportBundle(t, alice))
	require.NoError(t, err)

	large := make([]byte, 8192)
	_, err = rand.Read(large)
	require.NoError(t, err)

	for _, plaintext := range [][]byte{{}, large} {
		msg, err := protocol.Encrypt(bob, "alice", plaintext)
		require.NoError(t, err)

		var pt []byte
		switch msg.Type {
		case domain.MessagePreKey:
			pt, _, err = protocol.DecryptPreKey(alice, "bob", msg.Body)
		case domain.MessageEstablished:
			pt, err = protocol.Decrypt(alice, "bob", msg.Body)
		}
		require.NoError(t, err)
		require.Equal(t, string(plaintext), string(pt))
	}
}

func TestDecrypt_OutOfOrderDelivery(t *testing.T) {
	alice := newStore(t, "alice")
	bob := newStore(t, "bob")

	_, err := protocol.ProcessBundle(bob, exportBundle(t, alice))
	require.NoError(t, err)
	msg, err := protocol.Encrypt(bob, "alice", []byte("hi"))
	require.NoError(t, err)
	_, _, err = protocol.DecryptPreKey(alice, "bob", msg.Body)
	require.NoError(t, err)
	reply, err := protocol.Encrypt(alice, "bob", []byte("yo"))
	require.NoError(t, err)
	_, err = protocol.Decrypt(bob, "alice", reply.Body)
	require.NoError(t, err)

	// Four messages on the established chain, delivered 1, 3, 2, 4. The
	// second arrives late and decrypts via its cached skipped key without
	// disturbing the chain position for the fourth.
	texts := []string{"m1", "m2", "m3", "m4"}
	msgs := make([]protocol.Message, len(texts))
	for i, text := range texts {
		msgs[i], err = protocol.Encrypt(alice, "bob", []byte(text))
		require.NoError(t, err)
	}
	for _, i := range []int{0, 2, 1, 3} {
		pt, err := protocol.Decrypt(bob, "alice", msgs[i].Body)
		require.NoError(t, err, "message %q", texts[i])
		require.Equal(t, texts[i], string(pt))
	}

	// In-order traffic keeps flowing afterwards, both directions.
	msg, err = protocol.Encrypt(alice, "bob", []byte("m5"))
	require.NoError(t, err)
	pt, err := protocol.Decrypt(bob, "alice", msg.Body)
	require.NoError(t, err)
	require.Equal(t, "m5", string(pt))

	msg, err = protocol.Encrypt(bob, "alice", []byte("m6"))
	require.NoError(t, err)
	pt, err = protocol.Decrypt(alice, "bob", msg.Body)
	require.NoError(t, err)
	require.Equal(t, "m6", string(pt))
}

func TestEncrypt_NoSession(t *testing.T) {
	bob := newStore(t, "bob")

	_, err := protocol.Encrypt(bob, "alice", []byte("x"))
	require.ErrorIs(t, err, protocol.ErrNoSession)
}

func TestProcessBundle_BadSignature(t *testing.T) {
	alice := newStore(t, "alice")
	bob := newStore(t, "bob")

	b := exportBundle(t, alice)
	b.SignedPreKey.Signature[0] ^= 0xff
	_, err := protocol.ProcessBundle(bob, b)
	require.ErrorIs(t, err, protocol.ErrBadBundleSignature)
}

func TestDecryptPreKey_StalePreKeyID(t *testing.T) {
	alice := newStore(t, "alice")
	bob := newStore(t, "bob")

	// A stale bundle referencing a one-time prekey Alice never issued.
	b := exportBundle(t, alice)
	b.PreKey.KeyID = 999

	_, err := protocol.ProcessBundle(bob, b)
	require.NoError(t, err)
	msg, err := protocol.Encrypt(bob, "alice", []byte("x"))
	require.NoError(t, err)

	_, _, err = protocol.DecryptPreKey(alice, "bob", msg.Body)
	var notFound *domain.MaterialNotFoundError
	require.True(t, errors.As(err, &notFound))
	require.Equal(t, uint32(999), notFound.KeyID)
	require.Equal(t, "one-time prekey", notFound.Kind)
}

func TestDeleteOnUse_RejectsBundleReuse(t *testing.T) {
	aliceDir := filepath.Join(t.TempDir(), "alice.db")
	alice, err := material.Open(aliceDir, "pass", material.WithConsumePolicy(material.DeleteOnUse))
	require.NoError(t, err)
	t.Cleanup(func() { _ = alice.Close() })
	_, err = alice.InitializeIdentity("alice", domain.DefaultDeviceID)
	require.NoError(t, err)
	_, err = alice.GeneratePreKeys(1)
	require.NoError(t, err)

	bundle := exportBundle(t, alice)

	bob := newStore(t, "bob")
	_, err = protocol.ProcessBundle(bob, bundle)
	require.NoError(t, err)
	msg, err := protocol.Encrypt(bob, "alice", []byte("first"))
	require.NoError(t, err)
	_, _, err = protocol.DecryptPreKey(alice, "bob", msg.Body)
	require.NoError(t, err)

	// A second initiator reusing the same bundle hits the deleted prekey.
	carol := newStore(t, "carol")
	_, err = protocol.ProcessBundle(carol, bundle)
	require.NoError(t, err)
	msg, err = protocol.Encrypt(carol, "alice", []byte("second"))
	require.NoError(t, err)
	_, _, err = protocol.DecryptPreKey(alice, "carol", msg.Body)
	require.True(t, domain.IsMaterialNotFound(err))
}

func TestMarkUsed_ToleratesBundleReuse(t *testing.T) {
	alice := newStore(t, "alice")
	bundle := exportBundle(t, alice)

	bob := newStore(t, "bob")
	_, err := protocol.ProcessBundle(bob, bundle)
	require.NoError(t, err)
	msg, err := protocol.Encrypt(bob, "alice", []byte("from bob"))
	require.NoError(t, err)
	pt, _, err := protocol.DecryptPreKey(alice, "bob", msg.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("from bob"), pt)

	carol := newStore(t, "carol")
	_, err = protocol.ProcessBundle(carol, bundle)
	require.NoError(t, err)
	msg, err = protocol.Encrypt(carol, "alice", []byte("from carol"))
	require.NoError(t, err)
	pt, _, err = protocol.DecryptPreKey(alice, "carol", msg.Body)
	require.NoError(t, err)
	require.Equal(t, []byte("from carol"), pt)
}
