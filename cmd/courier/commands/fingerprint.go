package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"courier/internal/crypto"
)

// fingerprint [peer]: print the local identity fingerprint, or a stored
// peer's, for out-of-band verification.
func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint [peer]",
		Short: "Show an identity key fingerprint for out-of-band verification",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				id, err := a.Store.Identity()
				if err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", id.ID, crypto.Fingerprint(id.KeyPair.PublicKey()))
				return nil
			}

			peer := args[0]
			key, ok, err := a.Store.RemoteIdentity(peer)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no identity key stored for %q yet", peer)
			}
			fmt.Printf("%s: %s\n", peer, crypto.Fingerprint(key))
			return nil
		},
	}
}
