package commands

import (
	"time"

	"github.com/spf13/cobra"
)

func auditCmd(s *settings) *cobra.Command {
	var sync time.Duration
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Sync with the configured peers, then print chain statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			node, radio, err := s.openNode(ctx)
			if err != nil {
				return err
			}
			defer radio.Close()
			defer node.Close()

			if err := node.Start(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			connectPeers(node, s.peers, out)

			timer := time.NewTimer(sync)
			defer timer.Stop()
		wait:
			for {
				select {
				case <-timer.C:
					break wait
				case <-ctx.Done():
					break wait
				case <-node.Events():
				}
			}

			printAudit(out, node)
			return nil
		},
	}
	cmd.Flags().DurationVar(&sync, "sync", 3*time.Second, "how long to listen to peers before auditing")
	return cmd
}
