package material

import (
	"crypto/mlkem"
	"errors"
	"time"

	"courier/internal/crypto"
	"courier/internal/domain"
	"courier/internal/vault"
)

// SignedPreKeyRecord is a medium-term prekey with a signature over its public
// key made by the identity key.
type SignedPreKeyRecord struct {
	ID        uint32               `cbor:"id"`
	Priv      crypto.X25519Private `cbor:"priv"`
	Pub       crypto.X25519Public  `cbor:"pub"`
	Signature []byte               `cbor:"sig"`
	CreatedAt int64                `cbor:"created_at"`
}

// OneTimePreKeyRecord is an ephemeral prekey. Used records are retained under
// the MarkUsed policy.
type OneTimePreKeyRecord struct {
	ID        uint32               `cbor:"id"`
	Priv      crypto.X25519Private `cbor:"priv"`
	Pub       crypto.X25519Public  `cbor:"pub"`
	CreatedAt int64                `cbor:"created_at"`
	Used      bool                 `cbor:"used"`
}

// KyberPreKeyRecord is a post-quantum encapsulation prekey (ML-KEM-768). Seed
// regenerates the decapsulation key; Pub is the encapsulation key bytes.
type KyberPreKeyRecord struct {
	ID        uint32 `cbor:"id"`
	Seed      []byte `cbor:"seed"`
	Pub       []byte `cbor:"pub"`
	Signature []byte `cbor:"sig"`
	CreatedAt int64  `cbor:"created_at"`
	Used      bool   `cbor:"used"`
}

// Decapsulate recovers the shared secret for a ciphertext produced against
// this prekey's public key.
func (r KyberPreKeyRecord) Decapsulate(ct []byte) ([]byte, error) {
	dk, err := mlkem.NewDecapsulationKey768(r.Seed)
	if err != nil {
		return nil, err
	}
	return dk.Decapsulate(ct)
}

// GeneratedPreKeys reports the ids allocated by one GeneratePreKeys call.
type GeneratedPreKeys struct {
	OneTimeIDs     []uint32
	SignedPreKeyID uint32
	KyberPreKeyID  uint32
}

// GeneratePreKeys allocates count fresh one-time prekeys with strictly
// increasing ids, one fresh signed prekey, and one fresh kyber prekey, both
// signed by the identity key over their public keys.
func (s *Store) GeneratePreKeys(count int) (GeneratedPreKeys, error) {
	if count < 1 {
		return GeneratedPreKeys{}, &domain.ValidationError{Field: "count", Reason: "must be positive"}
	}
	id, err := s.Identity()
	if err != nil {
		return GeneratedPreKeys{}, err
	}
	now := time.Now().Unix()

	var out GeneratedPreKeys

	first, err := s.nextIDs(counterOneTime, uint32(count))
	if err != nil {
		return GeneratedPreKeys{}, err
	}
	for i := uint32(0); i < uint32(count); i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return GeneratedPreKeys{}, err
		}
		rec := OneTimePreKeyRecord{ID: first + i, Priv: priv, Pub: pub, CreatedAt: now}
		if err := s.v.Set(keyFor(prefixOneTime, rec.ID), rec); err != nil {
			return GeneratedPreKeys{}, err
		}
		out.OneTimeIDs = append(out.OneTimeIDs, rec.ID)
	}

	spkID, err := s.nextIDs(counterSignedPK, 1)
	if err != nil {
		return GeneratedPreKeys{}, err
	}
	spkPriv, spkPub, err := crypto.GenerateX25519()
	if err != nil {
		return GeneratedPreKeys{}, err
	}
	spk := SignedPreKeyRecord{
		ID:        spkID,
		Priv:      spkPriv,
		Pub:       spkPub,
		Signature: id.KeyPair.Sign(spkPub.Slice()),
		CreatedAt: now,
	}
	if err := s.v.Set(keyFor(prefixSignedPK, spkID), spk); err != nil {
		return GeneratedPreKeys{}, err
	}
	out.SignedPreKeyID = spkID

	kyberID, err := s.nextIDs(counterKyber, 1)
	if err != nil {
		return GeneratedPreKeys{}, err
	}
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return GeneratedPreKeys{}, err
	}
	ek := dk.EncapsulationKey().Bytes()
	kyber := KyberPreKeyRecord{
		ID:        kyberID,
		Seed:      dk.Bytes(),
		Pub:       ek,
		Signature: id.KeyPair.Sign(ek),
		CreatedAt: now,
	}
	if err := s.v.Set(keyFor(prefixKyber, kyberID), kyber); err != nil {
		return GeneratedPreKeys{}, err
	}
	out.KyberPreKeyID = kyberID

	return out, nil
}

// SignedPreKey loads a signed prekey by id.
func (s *Store) SignedPreKey(id uint32) (SignedPreKeyRecord, error) {
	var rec SignedPreKeyRecord
	if err := s.v.Get(keyFor(prefixSignedPK, id), &rec); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return SignedPreKeyRecord{}, &domain.MaterialNotFoundError{Kind: "signed prekey", KeyID: id}
		}
		return SignedPreKeyRecord{}, err
	}
	return rec, nil
}

// OneTimePreKey loads a one-time prekey by id. Under MarkUsed, already
// consumed records still load.
func (s *Store) OneTimePreKey(id uint32) (OneTimePreKeyRecord, error) {
	var rec OneTimePreKeyRecord
	if err := s.v.Get(keyFor(prefixOneTime, id), &rec); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return OneTimePreKeyRecord{}, &domain.MaterialNotFoundError{Kind: "one-time prekey", KeyID: id}
		}
		return OneTimePreKeyRecord{}, err
	}
	return rec, nil
}

// ConsumeOneTimePreKey marks the prekey used, or deletes it under
// DeleteOnUse.
func (s *Store) ConsumeOneTimePreKey(id uint32) error {
	if s.policy == DeleteOnUse {
		return s.v.Delete(keyFor(prefixOneTime, id))
	}
	rec, err := s.OneTimePreKey(id)
	if err != nil {
		return err
	}
	rec.Used = true
	return s.v.Set(keyFor(prefixOneTime, id), rec)
}

// KyberPreKey loads a kyber prekey by id.
func (s *Store) KyberPreKey(id uint32) (KyberPreKeyRecord, error) {
	var rec KyberPreKeyRecord
	if err := s.v.Get(keyFor(prefixKyber, id), &rec); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return KyberPreKeyRecord{}, &domain.MaterialNotFoundError{Kind: "kyber prekey", KeyID: id}
		}
		return KyberPreKeyRecord{}, err
	}
	return rec, nil
}

// ConsumeKyberPreKey marks the prekey used, or deletes it under DeleteOnUse.
func (s *Store) ConsumeKyberPreKey(id uint32) error {
	if s.policy == DeleteOnUse {
		return s.v.Delete(keyFor(prefixKyber, id))
	}
	rec, err := s.KyberPreKey(id)
	if err != nil {
		return err
	}
	rec.Used = true
	return s.v.Set(keyFor(prefixKyber, id), rec)
}

// CurrentSignedPreKey returns the signed prekey with the latest issued id.
func (s *Store) CurrentSignedPreKey() (SignedPreKeyRecord, error) {
	id, err := s.latestID(prefixSignedPK, "signed prekey")
	if err != nil {
		return SignedPreKeyRecord{}, err
	}
	return s.SignedPreKey(id)
}

// CurrentOneTimePreKey returns the one-time prekey with the latest issued id.
func (s *Store) CurrentOneTimePreKey() (OneTimePreKeyRecord, error) {
	id, err := s.latestID(prefixOneTime, "one-time prekey")
	if err != nil {
		return OneTimePreKeyRecord{}, err
	}
	return s.OneTimePreKey(id)
}

// CurrentKyberPreKey returns the kyber prekey with the latest issued id.
func (s *Store) CurrentKyberPreKey() (KyberPreKeyRecord, error) {
	id, err := s.latestID(prefixKyber, "kyber prekey")
	if err != nil {
		return KyberPreKeyRecord{}, err
	}
	return s.KyberPreKey(id)
}

// latestID scans a prekey namespace and returns the numerically largest id.
// Zero-padded keys make byte order numeric order.
func (s *Store) latestID(prefix, kind string) (uint32, error) {
	keys, err := s.v.KeysWithPrefix(prefix)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, &domain.MaterialNotFoundError{Kind: kind, KeyID: 0}
	}
	last := keys[len(keys)-1]
	var id uint32
	var n int
	for _, c := range last[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint32(c-'0')
		n++
	}
	if n == 0 {
		return 0, &domain.MaterialNotFoundError{Kind: kind, KeyID: 0}
	}
	return id, nil
}
