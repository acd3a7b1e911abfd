package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

// diag: fetch and pretty-print the relay's diagnostics snapshot. Needs only
// the relay, not the vault.
func diagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Show relay diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := relayClient()
			if err != nil {
				return err
			}
			snap, err := c.Diagnostics(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("relay uptime:       %s\n", (time.Duration(snap.UptimeSeconds) * time.Second).String())
			fmt.Printf("identities:         %d\n", snap.Identities)
			fmt.Printf("published bundles:  %d\n", snap.Bundles)
			fmt.Printf("open connections:   %d\n", snap.Connections)
			fmt.Printf("pending envelopes:  %d\n", snap.PendingTotal)

			if len(snap.PendingByRecipient) > 0 {
				recipients := make([]string, 0, len(snap.PendingByRecipient))
				for r := range snap.PendingByRecipient {
					recipients = append(recipients, r)
				}
				sort.Strings(recipients)
				for _, r := range recipients {
					fmt.Printf("  %-20s %d\n", r, snap.PendingByRecipient[r])
				}
			}
			if m := snap.HostMetrics; m != nil {
				fmt.Printf("host %q: cpu %.1f%%, mem %d/%d MiB (reported %s)\n",
					m.Hostname, m.CPUPercent,
					m.MemUsedBytes>>20, m.MemTotalBytes>>20,
					time.Unix(m.ReportedAt, 0).Format(time.RFC3339))
			}
			return nil
		},
	}
}
