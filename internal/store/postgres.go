package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"work-orchestrator/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const recipeColumns = `id, slug, name, version, agent_type, required_context, schedulable, status, parameter_schema`

// ActiveRecipeBySlug returns the highest active version of slug, or nil.
func (s *Store) ActiveRecipeBySlug(ctx context.Context, slug string) (*models.Recipe, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recipeColumns+`
		FROM recipes WHERE slug = $1 AND status = $2
		ORDER BY version DESC LIMIT 1
	`, slug, models.StatusActive)
	return scanRecipe(row)
}

// RecipeByID returns the recipe regardless of status, or nil.
func (s *Store) RecipeByID(ctx context.Context, id string) (*models.Recipe, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE id = $1`, id)
	return scanRecipe(row)
}

func scanRecipe(row pgx.Row) (*models.Recipe, error) {
	var r models.Recipe
	var schemaJSON []byte
	if err := row.Scan(&r.ID, &r.Slug, &r.Name, &r.Version, &r.AgentType, &r.RequiredContext, &r.Schedulable, &r.Status, &schemaJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan recipe: %w", err)
	}
	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &r.ParameterSchema); err != nil {
			return nil, fmt.Errorf("unmarshal parameter schema: %w", err)
		}
	}
	return &r, nil
}

// UpsertRecipe inserts or replaces a catalog entry by id.
func (s *Store) UpsertRecipe(ctx context.Context, r models.Recipe) error {
	if r.Status == "" {
		r.Status = models.StatusActive
	}
	if r.Version == 0 {
		r.Version = 1
	}
	required := r.RequiredContext
	if required == nil {
		required = []string{}
	}
	schema := r.ParameterSchema
	if schema == nil {
		schema = map[string]any{}
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal parameter schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recipes (id, slug, name, version, agent_type, required_context, schedulable, status, parameter_schema, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug, name = EXCLUDED.name, version = EXCLUDED.version,
			agent_type = EXCLUDED.agent_type, required_context = EXCLUDED.required_context,
			schedulable = EXCLUDED.schedulable, status = EXCLUDED.status,
			parameter_schema = EXCLUDED.parameter_schema, updated_at = NOW()
	`, r.ID, r.Slug, r.Name, r.Version, r.AgentType, required, r.Schedulable, r.Status, schemaJSON)
	if err != nil {
		return fmt.Errorf("upsert recipe %s: %w", r.Slug, err)
	}
	return nil
}

// ActiveContextTypes lists distinct item types with an active item on the basket.
func (s *Store) ActiveContextTypes(ctx context.Context, basketID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT item_type FROM context_items WHERE basket_id = $1 AND status = $2
	`, basketID, models.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("query context items: %w", err)
	}
	types, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect context items: %w", err)
	}
	return types, nil
}

// FirstWorkspaceForUser returns the user's earliest membership, or "".
func (s *Store) FirstWorkspaceForUser(ctx context.Context, userID string) (string, error) {
	return s.optionalText(ctx, `
		SELECT workspace_id FROM workspace_memberships WHERE user_id = $1
		ORDER BY created_at ASC LIMIT 1
	`, userID)
}

// WorkspaceForBasket returns the basket's workspace, or "".
func (s *Store) WorkspaceForBasket(ctx context.Context, basketID string) (string, error) {
	return s.optionalText(ctx, `SELECT workspace_id FROM baskets WHERE id = $1`, basketID)
}

// BasketOwner returns the basket's owner, or "".
func (s *Store) BasketOwner(ctx context.Context, basketID string) (string, error) {
	return s.optionalText(ctx, `SELECT owner_user_id FROM baskets WHERE id = $1`, basketID)
}

func (s *Store) optionalText(ctx context.Context, sql string, args ...any) (string, error) {
	var v pgtype.Text
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query: %w", err)
	}
	return v.String, nil
}

// CreateWorkRequest inserts the request row.
func (s *Store) CreateWorkRequest(ctx context.Context, req models.WorkRequest) error {
	return insertWorkRequest(ctx, s.pool, req)
}

// CreateWorkTicket inserts the ticket row.
func (s *Store) CreateWorkTicket(ctx context.Context, t models.WorkTicket) error {
	return insertWorkTicket(ctx, s.pool, t)
}

// CreateRequestWithTicket inserts both rows in one transaction.
func (s *Store) CreateRequestWithTicket(ctx context.Context, req models.WorkRequest, t models.WorkTicket) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := insertWorkRequest(ctx, tx, req); err != nil {
		return err
	}
	if err := insertWorkTicket(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// queryExecer is satisfied by both the pool and a transaction.
type queryExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertWorkRequest(ctx context.Context, db queryExecer, req models.WorkRequest) error {
	parameters := req.Parameters
	if parameters == nil {
		parameters = map[string]any{}
	}
	params, err := json.Marshal(parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	var intent []byte
	if req.SchedulingIntent != nil {
		if intent, err = json.Marshal(req.SchedulingIntent); err != nil {
			return fmt.Errorf("marshal scheduling intent: %w", err)
		}
	}
	_, err = db.Exec(ctx, `
		INSERT INTO work_requests (id, workspace_id, basket_id, requested_by_user_id, request_type, task_intent,
			parameters, recipe_id, recipe_slug, source, scheduling_intent, tp_session_id, priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, req.ID, req.WorkspaceID, req.BasketID, req.RequestedByUserID, req.RequestType, req.TaskIntent,
		params, req.RecipeID, req.RecipeSlug, req.Source, intent, req.TPSessionID, req.Priority, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert work request: %w", err)
	}
	return nil
}

func insertWorkTicket(ctx context.Context, db queryExecer, t models.WorkTicket) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO work_tickets (id, work_request_id, workspace_id, basket_id, agent_type, status,
			priority, source, mode, schedule_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, t.ID, t.WorkRequestID, t.WorkspaceID, t.BasketID, t.AgentType, t.Status,
		t.Priority, t.Source, t.Mode, t.ScheduleID, metadata, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert work ticket: %w", err)
	}
	return nil
}

// DeleteWorkRequest removes a request that never got its ticket.
func (s *Store) DeleteWorkRequest(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM work_requests r WHERE r.id = $1
		AND NOT EXISTS (SELECT 1 FROM work_tickets t WHERE t.work_request_id = r.id)
	`, id)
	if err != nil {
		return fmt.Errorf("delete work request: %w", err)
	}
	return nil
}

// GetWorkTicket fetches a ticket by id, or nil.
func (s *Store) GetWorkTicket(ctx context.Context, id string) (*models.WorkTicket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, work_request_id, workspace_id, basket_id, agent_type, status, priority, source, mode,
			schedule_id, metadata, created_at
		FROM work_tickets WHERE id = $1
	`, id)

	var t models.WorkTicket
	var scheduleID pgtype.Text
	var metadata []byte
	if err := row.Scan(&t.ID, &t.WorkRequestID, &t.WorkspaceID, &t.BasketID, &t.AgentType, &t.Status, &t.Priority,
		&t.Source, &t.Mode, &scheduleID, &metadata, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan work ticket: %w", err)
	}
	if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	t.ScheduleID = textPtr(scheduleID)
	return &t, nil
}

// CountTicketsByStatus counts tickets in status.
func (s *Store) CountTicketsByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM work_tickets WHERE status = $1`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s tickets: %w", status, err)
	}
	return n, nil
}

// OrphanedRequests lists requests created before cutoff with no ticket.
func (s *Store) OrphanedRequests(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id FROM work_requests r
		LEFT JOIN work_tickets t ON t.work_request_id = r.id
		WHERE t.id IS NULL AND r.created_at < $1
		ORDER BY r.created_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query orphaned requests: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect orphaned requests: %w", err)
	}
	return ids, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, entityID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (entity_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, entityID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
