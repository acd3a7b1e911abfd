package protocol

import (
	"errors"

	"courier/internal/crypto"
	"courier/internal/domain"
	"courier/internal/material"
)

var (
	// ErrNoSession indicates no established session with the peer; process
	// their bundle first.
	ErrNoSession = errors.New("no session with peer")

	// ErrBadBundleSignature indicates a bundle whose prekey signatures do not
	// verify against its identity key.
	ErrBadBundleSignature = errors.New("bundle signature verification failed")
)

// Store is the storage surface the engine requires. *material.Store
// implements it.
type Store interface {
	IdentityKeyPair() (crypto.IdentityKeyPair, error)
	SaveRemoteIdentity(peer string, key []byte) (material.TrustState, error)

	LoadSession(peer string) ([]byte, bool, error)
	SaveSession(peer string, record []byte) error

	SignedPreKey(id uint32) (material.SignedPreKeyRecord, error)
	OneTimePreKey(id uint32) (material.OneTimePreKeyRecord, error)
	ConsumeOneTimePreKey(id uint32) error
	KyberPreKey(id uint32) (material.KyberPreKeyRecord, error)
	ConsumeKyberPreKey(id uint32) error
}

// Message is one produced ciphertext plus its envelope type discriminator.
type Message struct {
	Type domain.MessageType
	Body []byte
}

var _ Store = (*material.Store)(nil)
