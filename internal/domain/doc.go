// Package domain defines the shared data model for courier: envelopes,
// key bundles, queue entries, host metrics, and the error taxonomy used
// across the material store, protocol engine, and relay.
//
// Wire types carry fixed JSON field sets; nothing here holds behaviour
// beyond validation.
package domain
