package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/clock/system"
	"github.com/JakeFAU/swarmcrawl/internal/cluster"
	"github.com/JakeFAU/swarmcrawl/internal/lock"
)

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Inspect the workers of a distributed crawl",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the leader, heartbeats and suspects as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadedConfig(cmd.Context())
			if err != nil {
				return err
			}
			client, keys, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			// An observer coordinator never beats, so it does not join the crawl.
			observer := cluster.New(client, keys, lock.NewRedis(client, keys.LockPrefix()), system.New(),
				cluster.Config{WorkerID: "cli", Interval: cfg.Cluster.HeartbeatInterval}, zap.NewNop())
			view, err := observer.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	})
	return cmd
}
