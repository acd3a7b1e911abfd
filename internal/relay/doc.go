// Package relay implements the store-and-forward relay and its client.
//
// The server side keeps registrations, published bundles, and a durable FIFO
// queue of envelopes in a single bbolt file, pushes envelopes over websocket
// connections keyed by identity id (at most one live connection per id,
// enforced by supersession), and serves an operational diagnostics readout.
// Envelopes are opaque: the relay never inspects ciphertext.
//
// The client side wraps the HTTP request surface and the websocket push
// channel for use by the CLI and the service layer.
package relay
