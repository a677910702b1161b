// Package cli implements the workctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"work-orchestrator/internal/config"
	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string

	cfg config.Config
	log *logger.Logger
}

// NewRootCommand creates the workctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "workctl",
		Short:         "Operate the work queue and schedule executor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFile(opts.ConfigFile)
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
			}
			log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stderr"})
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = log
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "TOML config file (env vars still override)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewExecuteCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCronCommand(opts))
	cmd.AddCommand(NewRecipesCommand(opts))
	return cmd
}

func (o *RootOptions) openStore(ctx context.Context) (*store.Store, error) {
	return store.New(ctx, o.cfg.PostgresDSN)
}

func (o *RootOptions) redisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.cfg.RedisAddr,
		Password: o.cfg.RedisPassword,
		DB:       o.cfg.RedisDB,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
