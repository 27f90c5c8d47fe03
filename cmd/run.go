package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/swarmcrawl/internal/config"
	"github.com/JakeFAU/swarmcrawl/internal/server"
)

func newRunCmd() *cobra.Command {
	var (
		spider   string
		mode     string
		threads  int
		replay   bool
		noServer bool
		workerID string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a spider until its crawl drains",
		Long: `Starts the dispatch and record controllers for one spider. In distributed mode the
first worker to start becomes leader and seeds the crawl; later workers join and pull
from the shared queues.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadedConfig(cmd.Context())
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("spider") {
				cfg.Worker.Spider = spider
			}
			if flags.Changed("mode") {
				cfg.Mode = mode
			}
			if flags.Changed("threads") {
				cfg.Worker.Threads = threads
			}
			if flags.Changed("worker-id") {
				cfg.Worker.ID = workerID
			}
			if replay {
				cfg.DeadLetter.ReplayOnStart = true
			}
			if noServer {
				cfg.Server.Enabled = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			app, err := server.Build(cmd.Context(), *cfg, Version)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			stats, err := app.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("run crawl: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "total=%d succeeded=%d failed=%d\n", stats.Total, stats.Succeeded, stats.Failed)
			return err
		},
	}
	cmd.Flags().StringVar(&spider, "spider", "", "spider to run (overrides worker.spider)")
	cmd.Flags().StringVar(&mode, "mode", "", fmt.Sprintf("%s or %s (overrides mode)", config.ModeLocal, config.ModeDistributed))
	cmd.Flags().IntVar(&threads, "threads", 0, "dispatch threads (overrides worker.threads)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "stable worker id (defaults to hostname plus a uuid)")
	cmd.Flags().BoolVar(&replay, "replay-dead-letters", false, "requeue dead letters when this worker seeds the crawl")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the admin HTTP server")
	return cmd
}
