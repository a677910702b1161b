package cli

import (
	"github.com/spf13/cobra"

	"work-orchestrator/internal/intake"
	"work-orchestrator/internal/models"
	"work-orchestrator/internal/queue"
)

type queueOptions struct {
	basketID    string
	recipeSlug  string
	userID      string
	workspaceID string
	priority    int
	source      string
	recurring   bool
	params      map[string]string
}

// NewQueueCommand submits one work request as a service caller.
func NewQueueCommand(opts *RootOptions) *cobra.Command {
	q := &queueOptions{}
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue a work request directly against the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			rdb := opts.redisClient()
			defer rdb.Close()

			svc := intake.New(st, opts.log, intake.WithAnnouncer(queue.NewFeed(rdb, opts.cfg.FeedPrefix, opts.cfg.FeedChannel)))
			res, err := svc.Queue(ctx, intake.ServiceCaller{User: q.userID, Workspace: q.workspaceID}, q.input(cmd.Flags().Changed("priority")))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	f := cmd.Flags()
	f.StringVar(&q.basketID, "basket", "", "basket id")
	f.StringVar(&q.recipeSlug, "recipe", "", "recipe slug")
	f.StringVar(&q.userID, "user", "", "acting user id")
	f.StringVar(&q.workspaceID, "workspace", "", "workspace id (defaults to the basket's)")
	f.IntVar(&q.priority, "priority", models.DefaultPriority, "priority 1..10")
	f.StringVar(&q.source, "source", models.SourceAPI, "request source")
	f.BoolVar(&q.recurring, "recurring", false, "mark the request as recurring")
	f.StringToStringVarP(&q.params, "param", "p", nil, "recipe parameter key=value (repeatable)")
	_ = cmd.MarkFlagRequired("basket")
	_ = cmd.MarkFlagRequired("recipe")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (q *queueOptions) input(prioritySet bool) intake.Input {
	in := intake.Input{
		BasketID:   q.basketID,
		RecipeSlug: q.recipeSlug,
		Source:     q.source,
	}
	if prioritySet {
		p := q.priority
		in.Priority = &p
	}
	if len(q.params) > 0 {
		in.Parameters = make(map[string]any, len(q.params))
		for k, v := range q.params {
			in.Parameters[k] = v
		}
	}
	if q.recurring {
		in.SchedulingIntent = &models.SchedulingIntent{Mode: models.SchedulingRecurring}
	}
	return in
}
