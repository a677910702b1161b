// Package schedule promotes due schedules into work requests and tickets.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"work-orchestrator/internal/intake"
	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/models"
	"work-orchestrator/internal/telemetry"
)

// Store is the schedule bookkeeping the executor needs.
type Store interface {
	DueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error)
	RecipeByID(ctx context.Context, id string) (*models.Recipe, error)
	WorkspaceForBasket(ctx context.Context, basketID string) (string, error)
	BasketOwner(ctx context.Context, basketID string) (string, error)
	RecordScheduleSuccess(ctx context.Context, id string, ranAt time.Time, ticketID string, nextRunAt *time.Time) error
	RecordScheduleFailure(ctx context.Context, id string, ranAt time.Time) error
	CountDueSchedules(ctx context.Context, now time.Time) (int64, error)
	CountEnabledSchedules(ctx context.Context) (int64, error)
	CountTicketsByStatus(ctx context.Context, status string) (int64, error)
}

// Queuer is the intake entry point schedules are promoted through.
type Queuer interface {
	Queue(ctx context.Context, caller intake.Caller, in intake.Input) (intake.Result, error)
}

// Item outcomes.
const (
	ItemSuccess = "success"
	ItemError   = "error"
)

// ItemResult is the outcome for one schedule.
type ItemResult struct {
	ScheduleID    string `json:"schedule_id"`
	WorkRequestID string `json:"work_request_id,omitempty"`
	WorkTicketID  string `json:"work_ticket_id,omitempty"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

// Report aggregates one executor batch.
type Report struct {
	Message    string       `json:"message"`
	Processed  int          `json:"processed"`
	Success    int          `json:"success"`
	Errors     int          `json:"errors"`
	Results    []ItemResult `json:"results"`
	ExecutedAt time.Time    `json:"executed_at"`
}

// StatusReport is the read-only health view of the scheduler.
type StatusReport struct {
	Status               string    `json:"status"`
	DueSchedules         int64     `json:"due_schedules"`
	TotalActiveSchedules int64     `json:"total_active_schedules"`
	PendingTickets       int64     `json:"pending_tickets"`
	CheckedAt            time.Time `json:"checked_at"`
}

// Executor turns due schedules into intake calls.
type Executor struct {
	store   Store
	queue   Queuer
	advance Advancer
	log     *logger.Logger
}

// NewExecutor builds an executor. A nil advancer leaves next_run_at untouched.
func NewExecutor(st Store, q Queuer, advance Advancer, log *logger.Logger) *Executor {
	if advance == nil {
		advance = noAdvance{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{store: st, queue: q, advance: advance, log: log}
}

// Execute promotes every schedule due at now, earliest first. A failing
// schedule is recorded and skipped; only the due-schedule query is fatal.
func (e *Executor) Execute(ctx context.Context, now time.Time) (Report, error) {
	due, err := e.store.DueSchedules(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("query due schedules: %w", err)
	}

	report := Report{Results: make([]ItemResult, 0, len(due)), ExecutedAt: now}
	for _, s := range due {
		item := e.run(ctx, s, now)
		report.Processed++
		if item.Status == ItemSuccess {
			report.Success++
		} else {
			report.Errors++
		}
		report.Results = append(report.Results, item)
	}

	if report.Processed == 0 {
		report.Message = "No schedules due"
	} else {
		report.Message = fmt.Sprintf("Processed %d schedules", report.Processed)
	}
	e.log.InfoCtx(ctx, "schedule batch executed",
		logger.F("processed", report.Processed),
		logger.F("success", report.Success),
		logger.F("errors", report.Errors))
	return report, nil
}

func (e *Executor) run(ctx context.Context, s models.Schedule, now time.Time) ItemResult {
	log := e.log.With(logger.F("schedule_id", s.ID), logger.F("basket_id", s.BasketID))

	caller, recipe, err := e.resolve(ctx, s)
	if err != nil {
		return e.fail(ctx, log, s, now, err)
	}

	res, err := e.queue.Queue(ctx, caller, intake.Input{
		BasketID:   s.BasketID,
		RecipeSlug: recipe.Slug,
		Parameters: s.RecipeParameters,
		Source:     models.SourceSchedule,
		SchedulingIntent: &models.SchedulingIntent{
			Mode:      models.SchedulingRecurring,
			Frequency: s.Frequency,
			DayOfWeek: s.DayOfWeek,
			TimeOfDay: s.TimeOfDay,
		},
		ScheduleID: s.ID,
	})
	if err != nil {
		return e.fail(ctx, log, s, now, err)
	}

	item := ItemResult{
		ScheduleID:    s.ID,
		WorkRequestID: res.WorkRequestID,
		WorkTicketID:  res.WorkTicketID,
		Status:        ItemSuccess,
	}

	next, err := e.advance.Next(s, now)
	if err != nil {
		log.Warn("next run not advanced", logger.F("frequency", s.Frequency), logger.F("error", err.Error()))
		next = nil
	}
	if err := e.store.RecordScheduleSuccess(ctx, s.ID, now, res.WorkTicketID, next); err != nil {
		log.Error("record schedule success failed", err, logger.F("work_ticket_id", res.WorkTicketID))
		item.Error = fmt.Sprintf("record run: %v", err)
	}
	telemetry.ScheduleRuns.WithLabelValues(models.RunSuccess).Inc()
	e.audit(ctx, s.ID, fmt.Sprintf("status=success ticket=%s", res.WorkTicketID))
	log.Info("schedule promoted", logger.F("work_ticket_id", res.WorkTicketID))
	return item
}

// resolve finds the recipe and acting identity for s.
func (e *Executor) resolve(ctx context.Context, s models.Schedule) (intake.Caller, *models.Recipe, error) {
	recipe, err := e.store.RecipeByID(ctx, s.RecipeID)
	if err != nil {
		return nil, nil, fmt.Errorf("load recipe %s: %w", s.RecipeID, err)
	}
	if recipe == nil {
		return nil, nil, fmt.Errorf("recipe %s not found", s.RecipeID)
	}

	workspaceID, err := e.store.WorkspaceForBasket(ctx, s.BasketID)
	if err != nil {
		return nil, nil, fmt.Errorf("load basket %s: %w", s.BasketID, err)
	}
	if workspaceID == "" {
		return nil, nil, fmt.Errorf("workspace not found for basket %s", s.BasketID)
	}

	var userID string
	if s.CreatedBy != nil && *s.CreatedBy != "" {
		userID = *s.CreatedBy
	} else {
		owner, err := e.store.BasketOwner(ctx, s.BasketID)
		if err != nil {
			return nil, nil, fmt.Errorf("load basket owner %s: %w", s.BasketID, err)
		}
		userID = owner
	}
	if userID == "" {
		return nil, nil, errors.New("no user to run schedule as")
	}

	return intake.ServiceCaller{User: userID, Workspace: workspaceID}, recipe, nil
}

func (e *Executor) fail(ctx context.Context, log *logger.Logger, s models.Schedule, now time.Time, cause error) ItemResult {
	log.Warn("schedule run failed", logger.F("error", cause.Error()))
	if err := e.store.RecordScheduleFailure(ctx, s.ID, now); err != nil {
		log.Error("record schedule failure failed", err)
	}
	telemetry.ScheduleRuns.WithLabelValues(models.RunFailed).Inc()
	e.audit(ctx, s.ID, "status=failed error="+cause.Error())
	return ItemResult{ScheduleID: s.ID, Status: ItemError, Error: cause.Error()}
}

func (e *Executor) audit(ctx context.Context, scheduleID, detail string) {
	a, ok := e.store.(intake.Auditor)
	if !ok {
		return
	}
	if err := a.AppendAudit(ctx, scheduleID, "schedule_run", detail); err != nil {
		e.log.Warn("append audit failed", logger.F("schedule_id", scheduleID), logger.F("error", err.Error()))
	}
}

// Status reports due and enabled schedule counts plus pending tickets.
func (e *Executor) Status(ctx context.Context, now time.Time) (StatusReport, error) {
	due, err := e.store.CountDueSchedules(ctx, now)
	if err != nil {
		return StatusReport{}, fmt.Errorf("count due schedules: %w", err)
	}
	enabled, err := e.store.CountEnabledSchedules(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("count enabled schedules: %w", err)
	}
	pending, err := e.store.CountTicketsByStatus(ctx, models.TicketPending)
	if err != nil {
		return StatusReport{}, fmt.Errorf("count pending tickets: %w", err)
	}
	telemetry.PendingTickets.Set(float64(pending))
	return StatusReport{
		Status:               "healthy",
		DueSchedules:         due,
		TotalActiveSchedules: enabled,
		PendingTickets:       pending,
		CheckedAt:            now,
	}, nil
}
