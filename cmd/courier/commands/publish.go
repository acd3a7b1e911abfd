package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"courier/internal/services/bundle"
)

func publishCmd() *cobra.Command {
	var replenish int
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the current prekey bundle to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if relayURL == "" {
				return fmt.Errorf("no relay configured. use --relay")
			}

			if replenish > 0 {
				gen, err := a.Bundles.Replenish(replenish)
				if err != nil {
					return err
				}
				fmt.Printf("Generated %d one-time prekeys (signed prekey %d, kyber prekey %d).\n",
					len(gen.OneTimeIDs), gen.SignedPreKeyID, gen.KyberPreKeyID)
			}

			b, err := a.Bundles.Export()
			if err != nil {
				return err
			}
			if err := a.Relay.PublishBundle(cmd.Context(), b.ID, b); err != nil {
				return err
			}
			fmt.Printf("Published bundle for %q (signed prekey %d, one-time prekey %d, kyber prekey %d).\n",
				b.ID, b.SignedPreKey.KeyID, b.PreKey.KeyID, b.KyberPreKey.KeyID)
			return nil
		},
	}
	cmd.Flags().IntVar(&replenish, "replenish", 0,
		fmt.Sprintf("generate this many fresh one-time prekeys before publishing (0 keeps current; first publish auto-generates %d)", bundle.DefaultBatchSize))
	return cmd
}
