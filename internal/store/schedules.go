package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"work-orchestrator/internal/models"
)

const scheduleColumns = `id, project_id, basket_id, recipe_id, frequency, day_of_week, time_of_day, recipe_parameters,
	enabled, next_run_at, run_count, created_by, last_run_at, last_run_status, last_run_ticket_id`

// DueSchedules returns enabled schedules with next_run_at <= now, earliest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]models.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled AND next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetSchedule fetches one schedule, or nil.
func (s *Store) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func scanSchedule(row pgx.Row) (models.Schedule, error) {
	var (
		sc            models.Schedule
		dayOfWeek     pgtype.Int4
		params        []byte
		createdBy     pgtype.Text
		lastRunAt     pgtype.Timestamptz
		lastRunStatus pgtype.Text
		lastTicketID  pgtype.Text
	)
	if err := row.Scan(&sc.ID, &sc.ProjectID, &sc.BasketID, &sc.RecipeID, &sc.Frequency, &dayOfWeek, &sc.TimeOfDay,
		&params, &sc.Enabled, &sc.NextRunAt, &sc.RunCount, &createdBy, &lastRunAt, &lastRunStatus, &lastTicketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sc, err
		}
		return sc, fmt.Errorf("scan schedule: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &sc.RecipeParameters); err != nil {
			return sc, fmt.Errorf("unmarshal recipe parameters: %w", err)
		}
	}
	if dayOfWeek.Valid {
		d := int(dayOfWeek.Int32)
		sc.DayOfWeek = &d
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		sc.LastRunAt = &t
	}
	sc.CreatedBy = textPtr(createdBy)
	sc.LastRunStatus = textPtr(lastRunStatus)
	sc.LastRunTicketID = textPtr(lastTicketID)
	return sc, nil
}

// PutSchedule inserts or replaces a schedule definition.
func (s *Store) PutSchedule(ctx context.Context, sc models.Schedule) error {
	params := sc.RecipeParameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal recipe parameters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, project_id, basket_id, recipe_id, frequency, day_of_week, time_of_day,
			recipe_parameters, enabled, next_run_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id, basket_id = EXCLUDED.basket_id, recipe_id = EXCLUDED.recipe_id,
			frequency = EXCLUDED.frequency, day_of_week = EXCLUDED.day_of_week, time_of_day = EXCLUDED.time_of_day,
			recipe_parameters = EXCLUDED.recipe_parameters, enabled = EXCLUDED.enabled,
			next_run_at = EXCLUDED.next_run_at, created_by = EXCLUDED.created_by
	`, sc.ID, sc.ProjectID, sc.BasketID, sc.RecipeID, sc.Frequency, sc.DayOfWeek, sc.TimeOfDay,
		paramsJSON, sc.Enabled, sc.NextRunAt, sc.CreatedBy)
	if err != nil {
		return fmt.Errorf("put schedule: %w", err)
	}
	return nil
}

// RecordScheduleSuccess bumps run_count and stamps the run. A nil nextRunAt
// leaves next_run_at unchanged.
func (s *Store) RecordScheduleSuccess(ctx context.Context, id string, ranAt time.Time, ticketID string, nextRunAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET last_run_at = $2,
		    last_run_status = $3,
		    last_run_ticket_id = $4,
		    run_count = run_count + 1,
		    next_run_at = COALESCE($5, next_run_at)
		WHERE id = $1
	`, id, ranAt, models.RunSuccess, ticketID, nextRunAt)
	if err != nil {
		return fmt.Errorf("record schedule success: %w", err)
	}
	return nil
}

// RecordScheduleFailure stamps a failed run without touching run_count.
func (s *Store) RecordScheduleFailure(ctx context.Context, id string, ranAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE schedules SET last_run_at = $2, last_run_status = $3 WHERE id = $1
	`, id, ranAt, models.RunFailed)
	if err != nil {
		return fmt.Errorf("record schedule failure: %w", err)
	}
	return nil
}

// CountDueSchedules counts enabled schedules due at now.
func (s *Store) CountDueSchedules(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schedules WHERE enabled AND next_run_at <= $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due schedules: %w", err)
	}
	return n, nil
}

// CountEnabledSchedules counts enabled schedules.
func (s *Store) CountEnabledSchedules(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schedules WHERE enabled`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count enabled schedules: %w", err)
	}
	return n, nil
}
