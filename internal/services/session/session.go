// Package session establishes outbound sessions on demand.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"courier/internal/material"
	"courier/internal/protocol"
	"courier/internal/relay"
)

// Service fetches peer bundles from the relay and turns them into local
// session state.
type Service struct {
	store  *material.Store
	client *relay.Client
	log    *slog.Logger
}

// NewService returns a session service.
func NewService(store *material.Store, client *relay.Client, log *slog.Logger) *Service {
	return &Service{store: store, client: client, log: log}
}

// Ensure makes sure a session with peer exists, fetching and processing the
// peer's bundle if it does not. It reports whether a new session was created
// and, for new sessions, how the peer's identity key compared to any stored
// one.
func (s *Service) Ensure(ctx context.Context, peer string) (bool, material.TrustState, error) {
	has, err := s.store.HasSession(peer)
	if err != nil {
		return false, material.TrustUnchanged, err
	}
	if has {
		return false, material.TrustUnchanged, nil
	}

	bundle, err := s.client.FetchBundle(ctx, peer)
	if err != nil {
		return false, material.TrustUnchanged, fmt.Errorf("fetching bundle for %s: %w", peer, err)
	}
	trust, err := protocol.ProcessBundle(s.store, bundle)
	if err != nil {
		return false, trust, fmt.Errorf("processing bundle for %s: %w", peer, err)
	}

	s.log.Info("session established", "peer", peer,
		"signed_prekey_id", bundle.SignedPreKey.KeyID, "trust", int(trust))
	if trust == material.TrustChanged {
		s.log.Warn("peer identity key changed since last contact", "peer", peer)
	}
	return true, trust, nil
}
