package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"courier/internal/material"
)

// send <peer> <message>: encrypt and submit a message for <peer>.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if relayURL == "" {
				return fmt.Errorf("no relay configured. use --relay")
			}

			res, err := a.Messages.Send(cmd.Context(), args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			if res.NewSession {
				fmt.Printf("New session established with %q.\n", args[0])
			}
			if res.Trust == material.TrustChanged {
				fmt.Printf("WARNING: %q has a different identity key than last time. Verify fingerprints out of band.\n", args[0])
			}
			if res.Delivered {
				fmt.Println("delivered")
			} else {
				fmt.Println("queued (peer offline)")
			}
			return nil
		},
	}
}
