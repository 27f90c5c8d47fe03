// Package cmd defines the swarmcrawl CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	goredis "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/swarmcrawl/internal/config"
	"github.com/JakeFAU/swarmcrawl/internal/redisstore"
)

// Version is stamped at build time with -ldflags "-X github.com/JakeFAU/swarmcrawl/cmd.Version=...".
var Version = "dev"

type configKeyType struct{}

// newRootCmd creates the root command. Configuration is loaded once before any subcommand runs.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "swarmcrawl",
		Short: "A distributed crawl engine coordinated through Redis.",
		Long: `swarmcrawl runs spiders on one or many workers. In distributed mode the workers
share task and record queues, dedup filters and a leader election in Redis, and stop
together once every queue has drained.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKeyType{}, &cfg))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env SWARMCRAWL_* overrides it)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newDeadLetterCmd())
	cmd.AddCommand(newClusterCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
			return err
		},
	})
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadedConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKeyType{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// openStore connects to the shared store. Only distributed crawls keep state there.
func openStore(ctx context.Context, cfg *config.Config) (goredis.UniversalClient, redisstore.Keys, error) {
	if !cfg.Distributed() {
		return nil, redisstore.Keys{}, errors.New("this command needs mode=distributed; local crawls keep no shared state")
	}
	client, err := redisstore.Connect(ctx, redisstore.Options{
		Addrs:       cfg.Redis.Addrs,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
		PoolSize:    cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, redisstore.Keys{}, err
	}
	return client, redisstore.NewKeys(cfg.Redis.KeyPrefix), nil
}
