package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"courier/internal/crypto"
	"courier/internal/util/memzero"
)

const (
	aeadKeySize  = 32
	nonceSize    = chacha20poly1305.NonceSize
	maxSkippedMK = 1000
)

var errChainUninitialised = errors.New("ratchet chain key is uninitialised")

// ratchetHeader travels with every ciphertext.
type ratchetHeader struct {
	DHPub []byte `cbor:"dh"`
	PN    uint32 `cbor:"pn"`
	N     uint32 `cbor:"n"`
}

// ratchetState is the per-peer Double Ratchet state, persisted inside the
// session record.
type ratchetState struct {
	RootKey   []byte               `cbor:"root_key"`
	DHPriv    crypto.X25519Private `cbor:"dh_priv"`
	DHPub     crypto.X25519Public  `cbor:"dh_pub"`
	PeerDHPub crypto.X25519Public  `cbor:"peer_dh_pub"`
	SendCK    []byte               `cbor:"send_ck,omitempty"`
	RecvCK    []byte               `cbor:"recv_ck,omitempty"`
	Ns        uint32               `cbor:"ns"`
	Nr        uint32               `cbor:"nr"`
	PN        uint32               `cbor:"pn"`
	Skipped   map[string][]byte    `cbor:"skipped"`
}

func generateRatchetKey() (crypto.X25519Private, crypto.X25519Public, error) {
	var priv crypto.X25519Private
	if _, err := rand.Read(priv[:]); err != nil {
		return priv, crypto.X25519Public{}, err
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv.Slice(), curve25519.Basepoint)
	if err != nil {
		return priv, crypto.X25519Public{}, err
	}
	var pub crypto.X25519Public
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// initAsInitiator seeds the sending chain from root using a fresh ratchet key
// and the peer identity DH key.
func initAsInitiator(root []byte, peerIdentity crypto.X25519Public) (ratchetState, error) {
	priv, pub, err := generateRatchetKey()
	if err != nil {
		return ratchetState{}, err
	}
	dh, err := crypto.DH(priv, peerIdentity)
	if err != nil {
		return ratchetState{}, err
	}
	newRK, sendCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return ratchetState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: peerIdentity, // placeholder until first remote ratchet pub arrives
		SendCK:    sendCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// initAsResponder seeds the receiving chain from root using our identity DH
// key and the sender's first ratchet pub.
func initAsResponder(root []byte, ourIdentityPriv crypto.X25519Private, senderRatchetPub crypto.X25519Public) (ratchetState, error) {
	priv, pub, err := generateRatchetKey()
	if err != nil {
		return ratchetState{}, err
	}
	dh, err := crypto.DH(ourIdentityPriv, senderRatchetPub)
	if err != nil {
		return ratchetState{}, err
	}
	newRK, recvCK := kdfRK(root, dh[:])
	memzero.Zero(dh[:])

	return ratchetState{
		RootKey:   newRK,
		DHPriv:    priv,
		DHPub:     pub,
		PeerDHPub: senderRatchetPub,
		RecvCK:    recvCK,
		Skipped:   make(map[string][]byte),
	}, nil
}

// ratchetEncrypt produces a header and ciphertext, auto-stepping the DH
// ratchet on the first send after responding.
func ratchetEncrypt(st *ratchetState, ad, plaintext []byte) (ratchetHeader, []byte, error) {
	if len(st.SendCK) == 0 {
		st.PN = st.Ns
		st.Ns = 0

		newPriv, newPub, err := generateRatchetKey()
		if err != nil {
			return ratchetHeader{}, nil, err
		}
		dh, err := crypto.DH(newPriv, st.PeerDHPub)
		if err != nil {
			return ratchetHeader{}, nil, err
		}
		rk2, sendCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		st.RootKey = rk2
		st.DHPriv, st.DHPub = newPriv, newPub
		st.SendCK = sendCK
	}

	mk, err := kdfCKSend(st)
	if err != nil {
		return ratchetHeader{}, nil, err
	}
	h := ratchetHeader{DHPub: st.DHPub.Slice(), PN: st.PN, N: st.Ns}

	ct, err := seal(mk, h, ad, plaintext)
	memzero.Zero(mk)
	if err != nil {
		return ratchetHeader{}, nil, err
	}
	st.Ns++
	return h, ct, nil
}

// ratchetDecrypt handles skipped keys, steps the DH ratchet on new remote
// pubs, then opens the message.
func ratchetDecrypt(st *ratchetState, ad []byte, header ratchetHeader, ciphertext []byte) ([]byte, error) {
	if equal32(st.PeerDHPub[:], header.DHPub) {
		skipUntil(st, header.N)
		keyID := skippedKeyID(st.PeerDHPub, header.N)
		if mk, ok := st.Skipped[keyID]; ok {
			delete(st.Skipped, keyID)
			pt, err := open(mk, header, ad, ciphertext)
			memzero.Zero(mk)
			if err != nil {
				return nil, err
			}
			// Nr stays put: a cached key belongs to a position the chain
			// already advanced past, and rewinding would desync it.
			return pt, nil
		}
	}

	if !equal32(st.PeerDHPub[:], header.DHPub) {
		skipUntil(st, header.PN)

		var newPeer crypto.X25519Public
		copy(newPeer[:], header.DHPub)

		dh, err := crypto.DH(st.DHPriv, newPeer)
		if err != nil {
			return nil, err
		}
		rk2, recvCK := kdfRK(st.RootKey, dh[:])
		memzero.Zero(dh[:])

		newPriv, newPub, err := generateRatchetKey()
		if err != nil {
			return nil, err
		}
		dh2, err := crypto.DH(newPriv, newPeer)
		if err != nil {
			return nil, err
		}
		rk3, sendCK := kdfRK(rk2, dh2[:])
		memzero.Zero(dh2[:])

		st.PN = st.Ns
		st.Ns, st.Nr = 0, 0
		st.RootKey = rk3
		st.DHPriv, st.DHPub = newPriv, newPub
		st.PeerDHPub = newPeer
		st.SendCK, st.RecvCK = sendCK, recvCK
	}

	mk, err := kdfCKRecv(st)
	if err != nil {
		return nil, err
	}
	pt, err := open(mk, header, ad, ciphertext)
	memzero.Zero(mk)
	if err != nil {
		return nil, err
	}
	st.Nr++
	return pt, nil
}

func seal(mk []byte, header ratchetHeader, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Seal(nil, nonce, plaintext, append(ad, headerBytes(header)...)), nil
}

func open(mk []byte, header ratchetHeader, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:aeadKeySize])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	binary.BigEndian.PutUint32(nonce[nonceSize-4:], header.N)
	return aead.Open(nil, nonce, ciphertext, append(ad, headerBytes(header)...))
}

func headerBytes(h ratchetHeader) []byte {
	out := make([]byte, 0, len(h.DHPub)+8)
	out = append(out, h.DHPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], h.PN)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], h.N)
	out = append(out, b[:]...)
	return out
}

// HKDF-based KDFs with labels.
func kdfRK(rk, dh []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dh, rk, []byte("courier-dr-rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("courier-dr-ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}

func kdfCKSend(st *ratchetState) ([]byte, error) {
	if len(st.SendCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.SendCK)
	st.SendCK = nextCK
	return mk, nil
}

func kdfCKRecv(st *ratchetState) ([]byte, error) {
	if len(st.RecvCK) == 0 {
		return nil, errChainUninitialised
	}
	nextCK, mk := kdfCK(st.RecvCK)
	st.RecvCK = nextCK
	return mk, nil
}

func skippedKeyID(peer crypto.X25519Public, n uint32) string {
	b := make([]byte, 32+4)
	copy(b, peer[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return hex.EncodeToString(b)
}

// skipUntil derives and stores message keys up to pn with a hard cap.
func skipUntil(st *ratchetState, pn uint32) {
	for st.Nr < pn {
		mk, err := kdfCKRecv(st)
		if err != nil {
			return
		}
		if len(st.Skipped) >= maxSkippedMK {
			for k := range st.Skipped {
				delete(st.Skipped, k)
				break
			}
		}
		st.Skipped[skippedKeyID(st.PeerDHPub, st.Nr)] = mk
		st.Nr++
	}
}

func equal32(a, b []byte) bool {
	if len(a) != 32 || len(b) != 32 {
		return false
	}
	var v byte
	for i := 0; i < 32; i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
