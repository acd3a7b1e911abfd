package protocol

import (
	"crypto/mlkem"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"courier/internal/crypto"
	"courier/internal/domain"
	"courier/internal/material"
	"courier/internal/util/memzero"
)

const rootInfo = "courier-pqxdh-v1"

// handshake carries the agreement parameters inside the first (prekey-type)
// message so the responder can derive the same root key.
type handshake struct {
	IdentityKey     []byte              `cbor:"ik"`
	Ephemeral       crypto.X25519Public `cbor:"eph"`
	SignedPreKeyID  uint32              `cbor:"spk_id"`
	OneTimePreKeyID uint32              `cbor:"opk_id"`
	KyberPreKeyID   uint32              `cbor:"kyber_id"`
	KyberCiphertext []byte              `cbor:"kyber_ct"`
}

// sessionRecord is the persisted per-peer session state. Pending stays set on
// the initiator side until the first message from the peer decrypts, so every
// outbound message until then repeats the handshake.
type sessionRecord struct {
	Peer          string       `cbor:"peer"`
	DeviceID      uint32       `cbor:"device_id"`
	CreatedAt     int64        `cbor:"created_at"`
	Pending       *handshake   `cbor:"pending,omitempty"`
	HandshakeHash []byte       `cbor:"handshake_hash,omitempty"`
	Ratchet       ratchetState `cbor:"ratchet"`
}

type preKeyBody struct {
	Handshake  handshake     `cbor:"handshake"`
	Header     ratchetHeader `cbor:"header"`
	Ciphertext []byte        `cbor:"ct"`
}

type messageBody struct {
	Header     ratchetHeader `cbor:"header"`
	Ciphertext []byte        `cbor:"ct"`
}

// ProcessBundle validates the bundle's internal signatures and establishes
// session state for (bundle.ID, bundle.DeviceID), replacing any existing
// session with that peer. The returned trust state reports how the bundle's
// identity key compared to the stored one.
func ProcessBundle(s Store, b domain.Bundle) (material.TrustState, error) {
	if !crypto.Verify(b.IdentityKey, b.SignedPreKey.PublicKey, b.SignedPreKey.Signature) {
		return material.TrustNew, fmt.Errorf("signed prekey %d: %w", b.SignedPreKey.KeyID, ErrBadBundleSignature)
	}
	if !crypto.Verify(b.IdentityKey, b.KyberPreKey.PublicKey, b.KyberPreKey.Signature) {
		return material.TrustNew, fmt.Errorf("kyber prekey %d: %w", b.KyberPreKey.KeyID, ErrBadBundleSignature)
	}

	ourID, err := s.IdentityKeyPair()
	if err != nil {
		return material.TrustNew, err
	}
	trust, err := s.SaveRemoteIdentity(b.ID, b.IdentityKey)
	if err != nil {
		return trust, err
	}

	peerIK, err := crypto.MontgomeryFromEd25519(b.IdentityKey)
	if err != nil {
		return trust, fmt.Errorf("peer identity key: %w", err)
	}
	var spk, opk crypto.X25519Public
	if len(b.SignedPreKey.PublicKey) != 32 || len(b.PreKey.PublicKey) != 32 {
		return trust, &domain.ValidationError{Field: "bundle", Reason: "prekey public keys must be 32 bytes"}
	}
	copy(spk[:], b.SignedPreKey.PublicKey)
	copy(opk[:], b.PreKey.PublicKey)

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return trust, err
	}

	ek, err := mlkem.NewEncapsulationKey768(b.KyberPreKey.PublicKey)
	if err != nil {
		return trust, fmt.Errorf("kyber prekey %d: %w", b.KyberPreKey.KeyID, err)
	}
	kyberSS, kyberCT := ek.Encapsulate()

	root, err := initiatorRoot(ourID, ephPriv, peerIK, spk, opk, kyberSS)
	memzero.Zero(kyberSS)
	if err != nil {
		return trust, err
	}

	st, err := initAsInitiator(root, peerIK)
	memzero.Zero(root)
	if err != nil {
		return trust, err
	}

	rec := sessionRecord{
		Peer:      b.ID,
		DeviceID:  b.DeviceID,
		CreatedAt: time.Now().Unix(),
		Pending: &handshake{
			IdentityKey:     ourID.PublicKey(),
			Ephemeral:       ephPub,
			SignedPreKeyID:  b.SignedPreKey.KeyID,
			OneTimePreKeyID: b.PreKey.KeyID,
			KyberPreKeyID:   b.KyberPreKey.KeyID,
			KyberCiphertext: kyberCT,
		},
		Ratchet: st,
	}
	return trust, saveSession(s, b.ID, &rec)
}

// Encrypt produces the next ciphertext for peer. The message is prekey-typed
// while the session still carries its initiation handshake, established-typed
// afterwards. The advanced ratchet state is persisted before returning.
func Encrypt(s Store, peer string, plaintext []byte) (Message, error) {
	rec, ok, err := loadSession(s, peer)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{}, fmt.Errorf("peer %q: %w", peer, ErrNoSession)
	}

	header, ct, err := ratchetEncrypt(&rec.Ratchet, nil, plaintext)
	if err != nil {
		return Message{}, err
	}

	var msg Message
	if rec.Pending != nil {
		body, err := cbor.Marshal(preKeyBody{Handshake: *rec.Pending, Header: header, Ciphertext: ct})
		if err != nil {
			return Message{}, err
		}
		msg = Message{Type: domain.MessagePreKey, Body: body}
	} else {
		body, err := cbor.Marshal(messageBody{Header: header, Ciphertext: ct})
		if err != nil {
			return Message{}, err
		}
		msg = Message{Type: domain.MessageEstablished, Body: body}
	}

	if err := saveSession(s, peer, rec); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Decrypt opens an established-session message from peer. A successful
// decrypt clears any pending handshake: the peer evidently holds the session.
func Decrypt(s Store, peer string, body []byte) ([]byte, error) {
	rec, ok, err := loadSession(s, peer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("peer %q: %w", peer, ErrNoSession)
	}
	var mb messageBody
	if err := cbor.Unmarshal(body, &mb); err != nil {
		return nil, fmt.Errorf("decoding message body: %w", err)
	}
	pt, err := ratchetDecrypt(&rec.Ratchet, nil, mb.Header, mb.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt from %q: %w", peer, err)
	}
	rec.Pending = nil
	if err := saveSession(s, peer, rec); err != nil {
		return nil, err
	}
	return pt, nil
}

// DecryptPreKey opens a prekey-type message from peer, establishing the
// responder side of the session on first contact. Repeats of the same
// handshake reuse the existing session; a different handshake replaces it.
// The consumed one-time and kyber prekeys are marked used through the store.
func DecryptPreKey(s Store, peer string, body []byte) ([]byte, material.TrustState, error) {
	var pb preKeyBody
	if err := cbor.Unmarshal(body, &pb); err != nil {
		return nil, material.TrustNew, fmt.Errorf("decoding prekey body: %w", err)
	}

	hsRaw, err := cbor.Marshal(pb.Handshake)
	if err != nil {
		return nil, material.TrustNew, err
	}
	hsHash := sha256.Sum256(hsRaw)

	trust, err := s.SaveRemoteIdentity(peer, pb.Handshake.IdentityKey)
	if err != nil {
		return nil, trust, err
	}

	rec, ok, err := loadSession(s, peer)
	if err != nil {
		return nil, trust, err
	}
	if !ok || !equalBytes(rec.HandshakeHash, hsHash[:]) {
		rec, err = respond(s, peer, &pb, hsHash[:])
		if err != nil {
			return nil, trust, err
		}
	}

	pt, err := ratchetDecrypt(&rec.Ratchet, nil, pb.Header, pb.Ciphertext)
	if err != nil {
		return nil, trust, fmt.Errorf("decrypt from %q: %w", peer, err)
	}
	if err := saveSession(s, peer, rec); err != nil {
		return nil, trust, err
	}
	return pt, trust, nil
}

// respond runs the responder side of the agreement for one handshake and
// returns a fresh session record seeded to receive.
func respond(s Store, peer string, pb *preKeyBody, hsHash []byte) (*sessionRecord, error) {
	hs := pb.Handshake
	ourID, err := s.IdentityKeyPair()
	if err != nil {
		return nil, err
	}

	spk, err := s.SignedPreKey(hs.SignedPreKeyID)
	if err != nil {
		return nil, err
	}
	opk, err := s.OneTimePreKey(hs.OneTimePreKeyID)
	if err != nil {
		return nil, err
	}
	kyber, err := s.KyberPreKey(hs.KyberPreKeyID)
	if err != nil {
		return nil, err
	}
	kyberSS, err := kyber.Decapsulate(hs.KyberCiphertext)
	if err != nil {
		return nil, fmt.Errorf("kyber prekey %d: %w", hs.KyberPreKeyID, err)
	}

	peerIK, err := crypto.MontgomeryFromEd25519(hs.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("initiator identity key: %w", err)
	}

	root, err := responderRoot(ourID, spk.Priv, opk.Priv, peerIK, hs.Ephemeral, kyberSS)
	memzero.Zero(kyberSS)
	if err != nil {
		return nil, err
	}

	if len(pb.Header.DHPub) != 32 {
		return nil, &domain.ValidationError{Field: "header", Reason: "ratchet public key must be 32 bytes"}
	}
	var senderRatchetPub crypto.X25519Public
	copy(senderRatchetPub[:], pb.Header.DHPub)

	st, err := initAsResponder(root, ourID.DHPrivate(), senderRatchetPub)
	memzero.Zero(root)
	if err != nil {
		return nil, err
	}

	if err := s.ConsumeOneTimePreKey(hs.OneTimePreKeyID); err != nil {
		return nil, err
	}
	if err := s.ConsumeKyberPreKey(hs.KyberPreKeyID); err != nil {
		return nil, err
	}

	return &sessionRecord{
		Peer:          peer,
		DeviceID:      domain.DefaultDeviceID,
		CreatedAt:     time.Now().Unix(),
		HandshakeHash: hsHash,
		Ratchet:       st,
	}, nil
}

// initiatorRoot derives the shared root key on the initiating side.
func initiatorRoot(ourID crypto.IdentityKeyPair, eph crypto.X25519Private, peerIK, peerSPK, peerOPK crypto.X25519Public, kyberSS []byte) ([]byte, error) {
	dh1, err := crypto.DH(ourID.DHPrivate(), peerSPK)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(eph, peerIK)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(eph, peerSPK)
	if err != nil {
		return nil, err
	}
	dh4, err := crypto.DH(eph, peerOPK)
	if err != nil {
		return nil, err
	}
	return deriveRoot(dh1, dh2, dh3, dh4, kyberSS), nil
}

// responderRoot mirrors initiatorRoot on the responding side.
func responderRoot(ourID crypto.IdentityKeyPair, spkPriv, opkPriv crypto.X25519Private, peerIK crypto.X25519Public, peerEph crypto.X25519Public, kyberSS []byte) ([]byte, error) {
	dh1, err := crypto.DH(spkPriv, peerIK)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourID.DHPrivate(), peerEph)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(spkPriv, peerEph)
	if err != nil {
		return nil, err
	}
	dh4, err := crypto.DH(opkPriv, peerEph)
	if err != nil {
		return nil, err
	}
	return deriveRoot(dh1, dh2, dh3, dh4, kyberSS), nil
}

func deriveRoot(dh1, dh2, dh3, dh4 [32]byte, kyberSS []byte) []byte {
	ikm := make([]byte, 0, 32*5)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	ikm = append(ikm, dh4[:]...)
	ikm = append(ikm, kyberSS...)
	defer memzero.Zero(ikm)

	r := hkdf.New(sha256.New, ikm, nil, []byte(rootInfo))
	root := make([]byte, 32)
	_, _ = io.ReadFull(r, root)
	return root
}

func loadSession(s Store, peer string) (*sessionRecord, bool, error) {
	raw, ok, err := s.LoadSession(peer)
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec sessionRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decoding session %q: %w", peer, err)
	}
	return &rec, true, nil
}

func saveSession(s Store, peer string, rec *sessionRecord) error {
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return s.SaveSession(peer, raw)
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
