package cli

import (
	"time"

	"github.com/spf13/cobra"

	"work-orchestrator/internal/archive"
	"work-orchestrator/internal/intake"
	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/queue"
	"work-orchestrator/internal/schedule"
	"work-orchestrator/internal/store"
)

func (o *RootOptions) executor(st *store.Store, feed *queue.Feed) (*schedule.Executor, error) {
	advance, err := schedule.NewAdvancer(o.cfg.ScheduleAdvance)
	if err != nil {
		return nil, err
	}
	svc := intake.New(st, o.log, intake.WithAnnouncer(feed))
	return schedule.NewExecutor(st, svc, advance, o.log), nil
}

// NewExecuteCommand runs one executor batch in-process.
func NewExecuteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "execute",
		Short: "Promote every due schedule now",
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

			exec, err := opts.executor(st, queue.NewFeed(rdb, opts.cfg.FeedPrefix, opts.cfg.FeedChannel))
			if err != nil {
				return err
			}
			report, err := exec.Execute(ctx, time.Now().UTC())
			if err != nil {
				return err
			}

			if report.Processed > 0 {
				arc, err := archive.New(ctx, opts.cfg)
				if err != nil {
					opts.log.Warn("archive unavailable", logger.F("error", err.Error()))
				} else if arc != nil {
					if loc, err := arc.Save(ctx, report.ExecutedAt, report); err != nil {
						opts.log.Warn("archive report failed", logger.F("error", err.Error()))
					} else {
						opts.log.Info("report archived", logger.F("location", loc))
					}
				}
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

// NewStatusCommand prints the scheduler health counts.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show due and enabled schedules and pending tickets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := schedule.NewExecutor(st, nil, nil, opts.log).Status(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}
