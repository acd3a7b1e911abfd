// Package material is the local identity and key-material store.
//
// It layers domain accessors over an encrypted vault: the local identity
// (id, device id, registration id, identity key pair), per-category prekey
// tables with persisted monotonic id counters, the trust-on-first-use table
// of peer identity keys, and opaque session records. It exposes exactly the
// storage operations the protocol engine requires.
//
// A store assumes a single writer per process; prekey id counters are
// read-then-incremented without cross-process coordination.
package material
