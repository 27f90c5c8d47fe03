package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/swarmcrawl/internal/deadletter"
	redisqueue "github.com/JakeFAU/swarmcrawl/internal/queue/redis"
)

func newDeadLetterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and replay tasks and records that exhausted their retries",
	}
	cmd.AddCommand(newDeadLetterListCmd(), newDeadLetterReplayCmd())
	return cmd
}

func newDeadLetterListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <request|item>",
		Short: "Print dead-letter entries as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := deadletter.ParseKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadedConfig(cmd.Context())
			if err != nil {
				return err
			}
			client, keys, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			entries, err := deadletter.NewRedis(client, keys).List(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, env := range entries {
				if err := enc.Encode(env); err != nil {
					return fmt.Errorf("write entry: %w", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to print (0 for all)")
	return cmd
}

func newDeadLetterReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <request|item>",
		Short: "Move dead-letter entries back onto the shared queues",
		Long: `Replayed tasks go back on the task queue with their retry count reset; replayed
records go back on the record queue. A running crawl picks them up immediately.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := deadletter.ParseKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadedConfig(cmd.Context())
			if err != nil {
				return err
			}
			client, keys, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			spider := cfg.Worker.Spider
			res, err := deadletter.Replay(cmd.Context(), deadletter.NewRedis(client, keys), kind,
				redisqueue.NewTaskQueue(client, keys.Request(), cfg.Ordering(), spider),
				redisqueue.NewRecordQueue(client, keys.Item(), spider),
				zap.NewNop(),
			)
			if err != nil {
				return fmt.Errorf("replay %s: %w", kind, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "replayed tasks=%d records=%d\n", res.Tasks, res.Records)
			return err
		},
	}
}
