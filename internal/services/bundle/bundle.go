// Package bundle assembles and replenishes the local prekey bundle.
package bundle

import (
	"courier/internal/domain"
	"courier/internal/material"
)

// DefaultBatchSize is the number of one-time prekeys generated when the store
// has none left to publish.
const DefaultBatchSize = 10

// Service exports the local key material as a publishable bundle.
type Service struct {
	store *material.Store
}

// NewService returns a bundle service over the material store.
func NewService(store *material.Store) *Service {
	return &Service{store: store}
}

// Replenish generates a fresh batch of prekeys.
func (s *Service) Replenish(count int) (material.GeneratedPreKeys, error) {
	return s.store.GeneratePreKeys(count)
}

// Export builds the bundle from the current key material, generating an
// initial batch if none has been issued yet. Fails if the identity is not
// initialized.
func (s *Service) Export() (domain.Bundle, error) {
	id, err := s.store.Identity()
	if err != nil {
		return domain.Bundle{}, err
	}

	spk, err := s.store.CurrentSignedPreKey()
	if err != nil {
		if !domain.IsMaterialNotFound(err) {
			return domain.Bundle{}, err
		}
		if _, err := s.store.GeneratePreKeys(DefaultBatchSize); err != nil {
			return domain.Bundle{}, err
		}
		if spk, err = s.store.CurrentSignedPreKey(); err != nil {
			return domain.Bundle{}, err
		}
	}
	opk, err := s.store.CurrentOneTimePreKey()
	if err != nil {
		return domain.Bundle{}, err
	}
	kyber, err := s.store.CurrentKyberPreKey()
	if err != nil {
		return domain.Bundle{}, err
	}

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
	}, nil
}
