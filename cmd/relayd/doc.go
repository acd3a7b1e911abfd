// Package main runs the courier relay daemon. It stores registrations,
// published prekey bundles, and queued encrypted envelopes in a bbolt file,
// and pushes envelopes to recipients over websocket connections.
//
// HTTP API
//
//	POST /register
//	    Record an identity id. Idempotent.
//
//	POST /bundle
//	    Store the latest prekey bundle for an id. Last write wins.
//
//	GET /bundle/{id}
//	    Return the latest published bundle for {id}.
//
//	POST /submit
//	    Durably queue an envelope for its recipient and attempt immediate
//	    push delivery. Responds with {"queued":true,"delivered":bool}.
//
//	GET /push?client_id={id}
//	    Upgrade to a websocket push connection. Connecting supersedes any
//	    previous connection for the same id, which is closed with a policy
//	    violation frame and reason "superseded".
//
//	GET /diagnostics
//	    Operational snapshot: counts, pending depths, uptime, host metrics.
//
//	POST /metrics/host
//	    Accept an externally sampled host metrics readout.
//
//	GET /metrics
//	    Prometheus exposition.
//
// The relay never sees plaintext or private keys; it stores ciphertext and
// public bundles only.
package main
