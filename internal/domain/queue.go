package domain

import "time"

// QueueEntry is one submitted envelope in the relay's durable queue. Entries
// are append-only; the only mutation is flipping Delivered to true. The full
// history is retained for the relay's lifetime.
type QueueEntry struct {
	ID          string    `cbor:"id"`
	RecipientID string    `cbor:"recipient_id"`
	SenderID    string    `cbor:"sender_id"`
	Envelope    []byte    `cbor:"envelope"`
	EnqueuedAt  time.Time `cbor:"enqueued_at"`
	Delivered   bool      `cbor:"delivered"`
}
