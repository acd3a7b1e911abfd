package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Announce the local identity to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if relayURL == "" {
				return fmt.Errorf("no relay configured. use --relay")
			}

			id, err := a.Store.Identity()
			if err != nil {
				return err
			}
			if err := a.Relay.Register(cmd.Context(), id.ID); err != nil {
				return err
			}
			fmt.Printf("Registered %q with %s\n", id.ID, relayURL)
			return nil
		},
	}
}
