package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/material"
	"courier/internal/relay"
)

// listen: subscribe to the relay push channel and print decrypted messages
// until interrupted.
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Receive and decrypt messages as they arrive",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sub, err := a.Relay.Connect(ctx, id.ID)
			if err != nil {
				return err
			}
			defer sub.Close()
			fmt.Printf("Listening as %q. Ctrl-C to stop.\n", id.ID)

			for {
				select {
				case <-ctx.Done():
					return nil
				case frame, ok := <-sub.Envelopes():
					if !ok {
						if errors.Is(sub.Err(), relay.ErrSuperseded) {
							return fmt.Errorf("disconnected: another device connected as %q", id.ID)
						}
						if err := sub.Err(); err != nil {
							return fmt.Errorf("push connection lost: %w", err)
						}
						return nil
					}
					in, err := a.Messages.Open(frame.Envelope)
					if err != nil {
						fmt.Printf("[%s] undecryptable message from %q: %v\n",
							time.Now().Format(time.TimeOnly), frame.From, err)
						continue
					}
					if in.Trust == material.TrustChanged {
						fmt.Printf("WARNING: %q has a different identity key than last time.\n", in.From)
					}
					fmt.Printf("[%s] %s: %s\n",
						time.Unix(frame.Envelope.Timestamp, 0).Format(time.TimeOnly),
						in.From, in.Plaintext)
				}
			}
		},
	}
}
