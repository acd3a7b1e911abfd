package domain

// MessageType discriminates the two ciphertext kinds a relay envelope can carry.
type MessageType int

const (
	// MessagePreKey is the first message of a session; its body carries the
	// handshake parameters the recipient needs to establish its side.
	MessagePreKey MessageType = 0
	// MessageEstablished is a message on an already established session.
	MessageEstablished MessageType = 1
)

// EnvelopeVersion is the current envelope wire version.
const EnvelopeVersion = 1

// Envelope is the wire record carrying one ciphertext message plus routing
// metadata. The relay never inspects Body. Envelopes are immutable once
// created.
type Envelope struct {
	Version     int         `json:"version"`
	SenderID    string      `json:"senderId"`
	RecipientID string      `json:"recipientId"`
	SessionID   string      `json:"sessionId"`
	Type        MessageType `json:"type"`
	Body        []byte      `json:"body"`
	Timestamp   int64       `json:"timestamp"`
}

// SessionID returns the session identifier for a sender/recipient pair.
func SessionID(sender, recipient string) string {
	return sender + "::" + recipient
}
