package app

import (
	"log/slog"
	"os"
	"path/filepath"

	"courier/internal/material"
	"courier/internal/relay"
	bundlesvc "courier/internal/services/bundle"
	messagesvc "courier/internal/services/message"
	sessionsvc "courier/internal/services/session"
)

// App bundles the material store, relay client, and services for the CLI.
type App struct {
	Store    *material.Store
	Relay    *relay.Client
	Bundles  *bundlesvc.Service
	Sessions *sessionsvc.Service
	Messages *messagesvc.Service
	Log      *slog.Logger
}

// New constructs the dependency graph from cfg, opening the encrypted
// material store under cfg.Home.
func New(cfg Config) (*App, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}

	store, err := material.Open(filepath.Join(cfg.Home, "material.db"), cfg.Passphrase,
		material.WithConsumePolicy(cfg.ConsumePolicy))
	if err != nil {
		return nil, err
	}

	client := relay.NewClient(cfg.RelayURL)
	sessions := sessionsvc.NewService(store, client, log)

	return &App{
		Store:    store,
		Relay:    client,
		Bundles:  bundlesvc.NewService(store),
		Sessions: sessions,
		Messages: messagesvc.NewService(store, client, sessions, log),
		Log:      log,
	}, nil
}

// Close releases the material store.
func (a *App) Close() error {
	return a.Store.Close()
}
