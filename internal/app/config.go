package app

import (
	"log/slog"

	"courier/internal/material"
)

// Config holds runtime wiring options for building the app.
type Config struct {
	Home          string // config directory, e.g. $HOME/.courier
	Passphrase    string // vault passphrase
	RelayURL      string // relay base URL, e.g. http://127.0.0.1:8080
	ConsumePolicy material.ConsumePolicy
	Logger        *slog.Logger // optional; defaults to slog.Default()
}
