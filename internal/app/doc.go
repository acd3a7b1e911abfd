// Package app wires stores, services, and the relay client into one
// dependency graph for the CLI.
package app
