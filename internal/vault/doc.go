// Package vault provides the encrypted record store backing all local state.
//
// A vault is a single bbolt file holding authenticated-encrypted values under
// string keys. The symmetric key is derived once per open from a passphrase
// with scrypt; the derivation parameters are generated on first open and
// persisted alongside the records. Every value carries its own random nonce
// and is bound to its key as associated data. Decryption fails closed: a
// wrong passphrase or a tampered record surfaces ErrTamperOrWrongPassphrase,
// never garbled plaintext.
//
// Values are serialized with CBOR, so binary key material and structured
// records round-trip through the same path without corruption.
package vault
