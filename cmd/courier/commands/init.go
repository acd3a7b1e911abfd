package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"courier/internal/crypto"
	"courier/internal/domain"
)

const minPassphraseLen = 8

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <id>",
		Short: "Create the local identity and encrypted material store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(passphrase) < minPassphraseLen {
				return fmt.Errorf("passphrase must be at least %d characters", minPassphraseLen)
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			has, err := a.Store.HasIdentity()
			if err != nil {
				return err
			}
			if has && !force {
				return fmt.Errorf("identity already initialized; use --force to replace it")
			}

			id, err := a.Store.InitializeIdentity(args[0], domain.DefaultDeviceID)
			if err != nil {
				return err
			}
			fmt.Printf("Identity created for %q (registration id %d).\n", id.ID, id.RegistrationID)
			fmt.Printf("Fingerprint: %s\n", crypto.Fingerprint(id.KeyPair.PublicKey()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity and all its sessions")
	return cmd
}
