package models

import (
	"time"
)

// Ticket statuses. Only TicketPending is written by this service; the rest
// are set by the external agent runtime.
const (
	TicketPending   = "pending"
	TicketRunning   = "running"
	TicketCompleted = "completed"
	TicketFailed    = "failed"
)

// Request sources.
const (
	SourceManual          = "manual"
	SourceThinkingPartner = "thinking_partner"
	SourceSchedule        = "schedule"
	SourceAPI             = "api"
)

// Ticket execution modes.
const (
	ModeOneShot    = "one_shot"
	ModeContinuous = "continuous"
)

// SchedulingRecurring is the scheduling_intent.mode that asks for repeated runs.
const SchedulingRecurring = "recurring"

// Schedule run outcomes.
const (
	RunSuccess = "success"
	RunFailed  = "failed"
)

// Catalog and context item statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ValidSource reports whether s is a known request origin.
func ValidSource(s string) bool {
	switch s {
	case SourceManual, SourceThinkingPartner, SourceSchedule, SourceAPI:
		return true
	}
	return false
}

// Recipe is a named work template owned by the catalog.
type Recipe struct {
	ID              string         `json:"id" yaml:"id"`
	Slug            string         `json:"slug" yaml:"slug"`
	Name            string         `json:"name" yaml:"name"`
	Version         int            `json:"version" yaml:"version"`
	AgentType       string         `json:"agent_type" yaml:"agent_type"`
	RequiredContext []string       `json:"required_context" yaml:"required_context"`
	Schedulable     bool           `json:"schedulable" yaml:"schedulable"`
	Status          string         `json:"status" yaml:"status"`
	ParameterSchema map[string]any `json:"parameter_schema,omitempty" yaml:"parameter_schema,omitempty"`
}

// ContextItem is a piece of basket content a recipe may require.
type ContextItem struct {
	BasketID string `json:"basket_id"`
	ItemType string `json:"item_type"`
	Status   string `json:"status"`
}

// SchedulingIntent carries the caller's recurrence wishes. Only Mode drives behavior here.
type SchedulingIntent struct {
	Mode      string `json:"mode"`
	Frequency string `json:"frequency,omitempty"`
	DayOfWeek *int   `json:"day_of_week,omitempty"`
	TimeOfDay string `json:"time_of_day,omitempty"`
}

// Recurring reports whether the intent asks for recurring execution.
func (s *SchedulingIntent) Recurring() bool {
	return s != nil && s.Mode == SchedulingRecurring
}

// WorkRequest is the append-only record of why work was requested.
type WorkRequest struct {
	ID                string            `json:"id"`
	WorkspaceID       string            `json:"workspace_id"`
	BasketID          string            `json:"basket_id"`
	RequestedByUserID string            `json:"requested_by_user_id"`
	RequestType       string            `json:"request_type"`
	TaskIntent        string            `json:"task_intent"`
	Parameters        map[string]any    `json:"parameters"`
	RecipeID          string            `json:"recipe_id"`
	RecipeSlug        string            `json:"recipe_slug"`
	Source            string            `json:"source"`
	SchedulingIntent  *SchedulingIntent `json:"scheduling_intent,omitempty"`
	TPSessionID       *string           `json:"tp_session_id,omitempty"`
	Priority          string            `json:"priority"`
	CreatedAt         time.Time         `json:"created_at"`
}

// WorkTicket is the durable, statusful execution unit created from a request.
type WorkTicket struct {
	ID            string         `json:"id"`
	WorkRequestID string         `json:"work_request_id"`
	WorkspaceID   string         `json:"workspace_id"`
	BasketID      string         `json:"basket_id"`
	AgentType     string         `json:"agent_type"`
	Status        string         `json:"status"`
	Priority      int            `json:"priority"`
	Source        string         `json:"source"`
	Mode          string         `json:"mode"`
	ScheduleID    *string        `json:"schedule_id,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Schedule is a recurring rule that periodically produces work.
type Schedule struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"project_id"`
	BasketID         string         `json:"basket_id"`
	RecipeID         string         `json:"recipe_id"`
	Frequency        string         `json:"frequency"`
	DayOfWeek        *int           `json:"day_of_week,omitempty"`
	TimeOfDay        string         `json:"time_of_day"`
	RecipeParameters map[string]any `json:"recipe_parameters"`
	Enabled          bool           `json:"enabled"`
	NextRunAt        time.Time      `json:"next_run_at"`
	RunCount         int            `json:"run_count"`
	CreatedBy        *string        `json:"created_by,omitempty"`
	LastRunAt        *time.Time     `json:"last_run_at,omitempty"`
	LastRunStatus    *string        `json:"last_run_status,omitempty"`
	LastRunTicketID  *string        `json:"last_run_ticket_id,omitempty"`
}

// Due reports whether the schedule should run at now.
func (s Schedule) Due(now time.Time) bool {
	return s.Enabled && !s.NextRunAt.After(now)
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	EntityID string    `json:"entity_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
