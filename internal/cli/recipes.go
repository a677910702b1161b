package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"work-orchestrator/internal/recipes"
)

// NewRecipesCommand groups catalog maintenance.
func NewRecipesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipes",
		Short: "Manage the recipe catalog",
	}
	cmd.AddCommand(newRecipesSyncCommand(opts))
	return cmd
}

func newRecipesSyncCommand(opts *RootOptions) *cobra.Command {
	var (
		file  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert recipes from a YAML catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if file == "" {
				file = opts.cfg.RecipesFile
			}
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if watch {
				if err := recipes.Watch(ctx, file, st, opts.log); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			n, err := recipes.Sync(ctx, file, st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d recipes from %s\n", n, file)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog file (defaults to RECIPES_FILE)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and re-sync on change")
	return cmd
}
