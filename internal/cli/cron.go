package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/schedule"
)

// trigger calls the executor endpoint of a running API server.
type trigger struct {
	client  *http.Client
	baseURL string
	secret  string
}

func (t *trigger) fire(ctx context.Context) (schedule.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/schedules/execute", nil)
	if err != nil {
		return schedule.Report{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.secret)

	resp, err := t.client.Do(req)
	if err != nil {
		return schedule.Report{}, fmt.Errorf("call executor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return schedule.Report{}, fmt.Errorf("executor returned %d: %s", resp.StatusCode, body)
	}
	var report schedule.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return schedule.Report{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}

// NewCronCommand periodically triggers POST /schedules/execute.
func NewCronCommand(opts *RootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Trigger the schedule executor on the configured cron spec",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			t := &trigger{
				client:  &http.Client{Timeout: 60 * time.Second},
				baseURL: opts.cfg.APIBaseURL,
				secret:  opts.cfg.CronSecret,
			}
			if once {
				report, err := t.fire(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			}
			return runCron(ctx, opts.cfg.CronSpec, t, opts.log)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "trigger a single run and exit")
	return cmd
}

func runCron(ctx context.Context, spec string, t *trigger, log *logger.Logger) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		report, err := t.fire(ctx)
		if err != nil {
			log.Error("scheduled trigger failed", err)
			return
		}
		log.Info("scheduled trigger finished",
			logger.F("processed", report.Processed),
			logger.F("success", report.Success),
			logger.F("errors", report.Errors))
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	log.Info("cron trigger started", logger.F("spec", spec), logger.F("target", t.baseURL))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
