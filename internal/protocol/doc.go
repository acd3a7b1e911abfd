// Package protocol is the session-establishment and message-cipher engine.
//
// The rest of the repository consumes it only through four operations
// (ProcessBundle, Encrypt, Decrypt and DecryptPreKey) and supplies storage
// through the Store interface, so the engine is replaceable as a unit.
//
// Session establishment runs a PQXDH-style agreement against a peer's
// published bundle: three or four X25519 exchanges plus an ML-KEM-768
// encapsulation against the bundle's kyber prekey, mixed into the root key.
// Per-message keys then come from a Double Ratchet with ChaCha20-Poly1305.
// Message bodies are opaque CBOR blobs; the relay never sees structure.
package protocol
