package material

import (
	"bytes"
	"errors"

	"courier/internal/vault"
)

// TrustState classifies a peer identity key on save.
type TrustState int

const (
	// TrustNew is a first-seen peer key, saved on first use.
	TrustNew TrustState = iota
	// TrustUnchanged matches the stored key.
	TrustUnchanged
	// TrustChanged differs from the stored key. The new key replaces the old
	// one; re-verification is the caller's concern, not enforced here.
	TrustChanged
)

// SaveRemoteIdentity records a peer's identity key trust-on-first-use and
// reports whether it is new, unchanged, or changed.
func (s *Store) SaveRemoteIdentity(peer string, key []byte) (TrustState, error) {
	var stored []byte
	err := s.v.Get(prefixPeer+peer, &stored)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		if err := s.v.Set(prefixPeer+peer, key); err != nil {
			return TrustNew, err
		}
		return TrustNew, nil
	case err != nil:
		return TrustNew, err
	}
	if bytes.Equal(stored, key) {
		return TrustUnchanged, nil
	}
	if err := s.v.Set(prefixPeer+peer, key); err != nil {
		return TrustChanged, err
	}
	return TrustChanged, nil
}

// RemoteIdentity returns the stored identity key for peer, if any.
func (s *Store) RemoteIdentity(peer string) ([]byte, bool, error) {
	var stored []byte
	err := s.v.Get(prefixPeer+peer, &stored)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// SaveSession persists an opaque session record for peer.
func (s *Store) SaveSession(peer string, record []byte) error {
	return s.v.Set(prefixSession+peer, record)
}

// LoadSession returns the session record for peer, if any.
func (s *Store) LoadSession(peer string) ([]byte, bool, error) {
	var record []byte
	err := s.v.Get(prefixSession+peer, &record)
	if errors.Is(err, vault.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// HasSession reports whether a session with peer exists.
func (s *Store) HasSession(peer string) (bool, error) {
	return s.v.Has(prefixSession + peer)
}

// DeleteSession removes the session with peer.
func (s *Store) DeleteSession(peer string) error {
	return s.v.Delete(prefixSession + peer)
}
