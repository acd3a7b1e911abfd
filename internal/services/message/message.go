// Package message is the send/open layer above the session protocol and the
// relay client.
package message

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/domain"
	"courier/internal/material"
	"courier/internal/protocol"
	"courier/internal/relay"
	"courier/internal/services/session"
)

// SendResult reports the outcome of one send.
type SendResult struct {
	Queued     bool
	Delivered  bool
	NewSession bool
	Trust      material.TrustState
}

// Incoming is one decrypted inbound message.
type Incoming struct {
	From      string
	Plaintext []byte
	Trust     material.TrustState
}

// Service encrypts outbound plaintext into relay envelopes and opens inbound
// envelopes back into plaintext.
type Service struct {
	store    *material.Store
	client   *relay.Client
	sessions *session.Service
	log      *slog.Logger
}

// NewService returns a message service.
func NewService(store *material.Store, client *relay.Client, sessions *session.Service, log *slog.Logger) *Service {
	return &Service{store: store, client: client, sessions: sessions, log: log}
}

// Send encrypts plaintext for recipient and submits the envelope, fetching
// the recipient's bundle first if no session exists yet.
func (s *Service) Send(ctx context.Context, recipient string, plaintext []byte) (SendResult, error) {
	id, err := s.store.Identity()
	if err != nil {
		return SendResult{}, err
	}

	created, trust, err := s.sessions.Ensure(ctx, recipient)
	if err != nil {
		return SendResult{}, err
	}

	msg, err := protocol.Encrypt(s.store, recipient, plaintext)
	if err != nil {
		return SendResult{}, fmt.Errorf("encrypting for %s: %w", recipient, err)
	}

	env := domain.Envelope{
		Version:     domain.EnvelopeVersion,
		SenderID:    id.ID,
		RecipientID: recipient,
		SessionID:   domain.SessionID(id.ID, recipient),
		Type:        msg.Type,
		Body:        msg.Body,
		Timestamp:   time.Now().Unix(),
	}
	res, err := s.client.Submit(ctx, env)
	if err != nil {
		return SendResult{}, fmt.Errorf("submitting envelope: %w", err)
	}

	s.log.Info("message sent", "to", recipient,
		"type", int(msg.Type), "delivered", res.Delivered)
	return SendResult{
		Queued:     res.Queued,
		Delivered:  res.Delivered,
		NewSession: created,
		Trust:      trust,
	}, nil
}

// Open decrypts an inbound envelope. Prekey-typed envelopes may establish a
// new responder-side session; the trust state reports how the sender's
// identity key compared to any stored one.
func (s *Service) Open(env domain.Envelope) (Incoming, error) {
	switch env.Type {
	case domain.MessagePreKey:
		pt, trust, err := protocol.DecryptPreKey(s.store, env.SenderID, env.Body)
		if err != nil {
			return Incoming{}, fmt.Errorf("opening prekey message from %s: %w", env.SenderID, err)
		}
		if trust == material.TrustChanged {
			s.log.Warn("sender identity key changed since last contact", "from", env.SenderID)
		}
		return Incoming{From: env.SenderID, Plaintext: pt, Trust: trust}, nil

	case domain.MessageEstablished:
		pt, err := protocol.Decrypt(s.store, env.SenderID, env.Body)
		if err != nil {
			return Incoming{}, fmt.Errorf("opening message from %s: %w", env.SenderID, err)
		}
		return Incoming{From: env.SenderID, Plaintext: pt, Trust: material.TrustUnchanged}, nil

	default:
		return Incoming{}, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %d", env.Type)}
	}
}
