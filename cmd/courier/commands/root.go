package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"courier/internal/app"
	"courier/internal/material"
	"courier/internal/relay"
)

var (
	home        string
	passphrase  string
	relayURL    string
	deleteOnUse bool
)

func Execute() error {
	root := &cobra.Command{
		Use:           "courier",
		Short:         "End-to-end encrypted message courier CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.courier)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the local material store")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().BoolVar(&deleteOnUse, "strict-prekeys", false, "delete one-time prekeys on use instead of marking them used")

	root.AddCommand(initCmd(), registerCmd(), publishCmd(), sendCmd(),
		listenCmd(), diagCmd(), fingerprintCmd())
	return root.Execute()
}

func resolveHome() (string, error) {
	if home != "" {
		return home, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".courier"), nil
}

// openApp builds the wired app. All vault-touching commands come through
// here so the passphrase requirement lives in one place.
func openApp() (*app.App, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required (-p)")
	}
	dir, err := resolveHome()
	if err != nil {
		return nil, err
	}
	policy := material.MarkUsed
	if deleteOnUse {
		policy = material.DeleteOnUse
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	return app.New(app.Config{
		Home:          dir,
		Passphrase:    passphrase,
		RelayURL:      relayURL,
		ConsumePolicy: policy,
		Logger:        log,
	})
}

func relayClient() (*relay.Client, error) {
	if relayURL == "" {
		return nil, fmt.Errorf("no relay configured. use --relay")
	}
	return relay.NewClient(relayURL), nil
}
