package material

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"courier/internal/crypto"
	"courier/internal/domain"
	"courier/internal/vault"
)

// Vault key namespaces. Prekey ids are zero-padded so byte order equals
// numeric order under prefix scans.
const (
	keyIdentity     = "identity/local"
	prefixOneTime   = "opk/"
	prefixSignedPK  = "spk/"
	prefixKyber     = "kyber/"
	prefixSession   = "session/"
	prefixPeer      = "peer/"
	counterOneTime  = "counter/opk"
	counterSignedPK = "counter/spk"
	counterKyber    = "counter/kyber"
)

// Registration ids are bounded to 1..16383.
const maxRegistrationID = 0x3FFF

// ConsumePolicy controls what "removing" a consumed prekey means.
type ConsumePolicy int

const (
	// MarkUsed retains consumed prekeys with a used flag, tolerating bundle
	// reuse across concurrent session initiations. This is the default.
	MarkUsed ConsumePolicy = iota
	// DeleteOnUse enforces strict single use; a reused bundle then fails
	// session initiation with MaterialNotFound.
	DeleteOnUse
)

// Store is the local identity and material store. One Store per identity
// owner; it is the single writer of its vault.
type Store struct {
	v      *vault.Vault
	policy ConsumePolicy
}

// Option configures a Store.
type Option func(*Store)

// WithConsumePolicy sets the one-time and kyber prekey consumption policy.
func WithConsumePolicy(p ConsumePolicy) Option {
	return func(s *Store) { s.policy = p }
}

// Open opens the material store backed by the encrypted vault at path.
func Open(path, passphrase string, opts ...Option) (*Store, error) {
	v, err := vault.Open(path, passphrase)
	if err != nil {
		return nil, err
	}
	s := &Store{v: v, policy: MarkUsed}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the backing vault.
func (s *Store) Close() error { return s.v.Close() }

// LocalIdentity is the persisted local identity record.
type LocalIdentity struct {
	ID             string                 `cbor:"id"`
	DeviceID       uint32                 `cbor:"device_id"`
	RegistrationID uint32                 `cbor:"registration_id"`
	KeyPair        crypto.IdentityKeyPair `cbor:"key_pair"`
}

// InitializeIdentity generates a random registration id and a fresh identity
// key pair and persists them. Re-invoking overwrites the existing identity;
// callers wanting idempotence must check HasIdentity first.
func (s *Store) InitializeIdentity(localID string, deviceID uint32) (LocalIdentity, error) {
	if localID == "" {
		return LocalIdentity{}, &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	kp, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		return LocalIdentity{}, err
	}
	regID, err := randomRegistrationID()
	if err != nil {
		return LocalIdentity{}, err
	}
	id := LocalIdentity{
		ID:             localID,
		DeviceID:       deviceID,
		RegistrationID: regID,
		KeyPair:        kp,
	}
	if err := s.v.Set(keyIdentity, id); err != nil {
		return LocalIdentity{}, err
	}
	return id, nil
}

// Identity returns the local identity, or ErrIdentityNotInitialized.
func (s *Store) Identity() (LocalIdentity, error) {
	var id LocalIdentity
	if err := s.v.Get(keyIdentity, &id); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return LocalIdentity{}, domain.ErrIdentityNotInitialized
		}
		return LocalIdentity{}, err
	}
	return id, nil
}

// HasIdentity reports whether an identity has been initialized.
func (s *Store) HasIdentity() (bool, error) {
	return s.v.Has(keyIdentity)
}

// IdentityKeyPair returns the local identity key pair.
func (s *Store) IdentityKeyPair() (crypto.IdentityKeyPair, error) {
	id, err := s.Identity()
	if err != nil {
		return crypto.IdentityKeyPair{}, err
	}
	return id.KeyPair, nil
}

// RegistrationID returns the local registration id.
func (s *Store) RegistrationID() (uint32, error) {
	id, err := s.Identity()
	if err != nil {
		return 0, err
	}
	return id.RegistrationID, nil
}

func randomRegistrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:])%maxRegistrationID + 1, nil
}

func keyFor(prefix string, id uint32) string {
	return fmt.Sprintf("%s%08d", prefix, id)
}

// nextIDs reserves n consecutive ids from the named counter, returning the
// first. Read-then-increment; single-writer-per-store is assumed.
func (s *Store) nextIDs(counter string, n uint32) (uint32, error) {
	var next uint32
	err := s.v.Get(counter, &next)
	if errors.Is(err, vault.ErrNotFound) {
		next = 1
	} else if err != nil {
		return 0, err
	}
	if err := s.v.Set(counter, next+n); err != nil {
		return 0, err
	}
	return next, nil
}
