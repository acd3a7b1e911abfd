// Package crypto exposes the minimal key primitives used by courier.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519, DH)
//   - Identity key pairs: one Ed25519 seed that signs and, in its X25519
//     form, does Diffie–Hellman (IdentityKeyPair, MontgomeryFromEd25519)
//   - Short public-key fingerprints for display (Fingerprint)
//
// All fixed-size key types live here to avoid accidental reallocations.
// Callers should treat returned secrets as sensitive.
package crypto
