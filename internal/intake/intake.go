// Package intake validates work requests from every origin and turns each
// accepted one into a WorkRequest plus a pending WorkTicket.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/models"
	"work-orchestrator/internal/telemetry"
)

// Store is the persistence the intake path reads and writes.
// Lookups return a zero value and nil error when nothing matches.
type Store interface {
	ActiveRecipeBySlug(ctx context.Context, slug string) (*models.Recipe, error)
	ActiveContextTypes(ctx context.Context, basketID string) ([]string, error)
	FirstWorkspaceForUser(ctx context.Context, userID string) (string, error)
	WorkspaceForBasket(ctx context.Context, basketID string) (string, error)
	CreateWorkRequest(ctx context.Context, req models.WorkRequest) error
	CreateWorkTicket(ctx context.Context, ticket models.WorkTicket) error
	DeleteWorkRequest(ctx context.Context, id string) error
}

// AtomicCreator is implemented by stores that can insert the request and its
// ticket in one transaction. When present it replaces the compensating path.
type AtomicCreator interface {
	CreateRequestWithTicket(ctx context.Context, req models.WorkRequest, ticket models.WorkTicket) error
}

// Auditor records audit events. Optional.
type Auditor interface {
	AppendAudit(ctx context.Context, entityID, event, detail string) error
}

// Announcer publishes newly created tickets to downstream listeners. Optional.
type Announcer interface {
	Announce(ctx context.Context, ticket models.WorkTicket) error
}

// Input is a single queue request.
type Input struct {
	BasketID         string                   `json:"basket_id"`
	RecipeSlug       string                   `json:"recipe_slug"`
	Parameters       map[string]any           `json:"parameters,omitempty"`
	Priority         *int                     `json:"priority,omitempty"`
	Source           string                   `json:"source,omitempty"`
	SchedulingIntent *models.SchedulingIntent `json:"scheduling_intent,omitempty"`
	TPSessionID      string                   `json:"tp_session_id,omitempty"`
	ScheduleID       string                   `json:"schedule_id,omitempty"`
}

// Result identifies the rows created for an accepted request.
type Result struct {
	WorkRequestID string `json:"work_request_id"`
	WorkTicketID  string `json:"work_ticket_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// StatusQueued is the Result status of every accepted request.
const StatusQueued = "queued"

// descriptionParam lets callers override the derived task intent.
const descriptionParam = "task_description"

// Service runs the intake pipeline.
type Service struct {
	store     Store
	log       *logger.Logger
	announcer Announcer
	now       func() time.Time
	newID     func() string
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAnnouncer publishes every created ticket through a.
func WithAnnouncer(a Announcer) Option {
	return func(s *Service) { s.announcer = a }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// New constructs the intake service.
func New(st Store, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		store: st,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Queue validates in and creates the request/ticket pair. Failures are *Error.
// Identical inputs are not deduplicated: each successful call creates new rows.
func (s *Service) Queue(ctx context.Context, caller Caller, in Input) (Result, error) {
	res, err := s.queue(ctx, caller, in)
	if err != nil {
		code := CodeCreateFailed
		if ie, ok := AsError(err); ok {
			code = ie.Code
		}
		telemetry.IntakeRejected.WithLabelValues(code).Inc()
		s.log.WarnCtx(ctx, "work request rejected",
			logger.F("code", code),
			logger.F("recipe_slug", in.RecipeSlug),
			logger.F("basket_id", in.BasketID),
			logger.F("error", err.Error()))
		return Result{}, err
	}
	telemetry.IntakeAccepted.Inc()
	return res, nil
}

func (s *Service) queue(ctx context.Context, caller Caller, in Input) (Result, error) {
	if caller == nil {
		return Result{}, Unauthorized("no caller identity")
	}
	if caller.UserID() == "" {
		if _, ok := caller.(ServiceCaller); ok {
			return Result{}, MissingUserID()
		}
		return Result{}, Unauthorized("session has no user")
	}

	if missing := missingFields(in); len(missing) > 0 {
		return Result{}, validationError(CodeMissingFields, "missing required fields", missing...)
	}
	source := in.Source
	if source == "" {
		source = caller.DefaultSource()
	}
	if !models.ValidSource(source) {
		return Result{}, validationError(CodeInvalidSource, fmt.Sprintf("unknown source %q", source))
	}

	recipe, err := s.store.ActiveRecipeBySlug(ctx, in.RecipeSlug)
	if err != nil {
		return Result{}, lookupError("recipe", err)
	}
	if recipe == nil {
		return Result{}, &Error{
			Kind:    KindNotFound,
			Code:    CodeRecipeNotFound,
			Message: fmt.Sprintf("recipe not found or inactive: %s", in.RecipeSlug),
		}
	}

	if len(recipe.RequiredContext) > 0 {
		present, err := s.store.ActiveContextTypes(ctx, in.BasketID)
		if err != nil {
			return Result{}, lookupError("context items", err)
		}
		if missing := MissingContext(recipe.RequiredContext, present); len(missing) > 0 {
			return Result{}, validationError(CodeMissingContext, "basket is missing required context", missing...)
		}
	}

	if in.SchedulingIntent.Recurring() && !recipe.Schedulable {
		return Result{}, validationError(CodeNotSchedulable, fmt.Sprintf("recipe %s cannot be scheduled", recipe.Slug))
	}

	workspaceID, err := s.resolveWorkspace(ctx, caller, in.BasketID)
	if err != nil {
		return Result{}, err
	}

	req, ticket := s.build(caller, in, recipe, source, workspaceID)
	if err := s.create(ctx, req, ticket); err != nil {
		return Result{}, err
	}

	s.afterCreate(ctx, req, ticket)
	return Result{
		WorkRequestID: req.ID,
		WorkTicketID:  ticket.ID,
		Status:        StatusQueued,
		Message:       fmt.Sprintf("%s queued successfully", recipe.Name),
	}, nil
}

func missingFields(in Input) []string {
	var missing []string
	if strings.TrimSpace(in.BasketID) == "" {
		missing = append(missing, "basket_id")
	}
	if strings.TrimSpace(in.RecipeSlug) == "" {
		missing = append(missing, "recipe_slug")
	}
	return missing
}

// MissingContext returns the required types absent from present, in the
// order they are declared and without duplicates.
func MissingContext(required, present []string) []string {
	have := make(map[string]struct{}, len(present))
	for _, p := range present {
		have[p] = struct{}{}
	}
	var missing []string
	seen := make(map[string]struct{}, len(required))
	for _, r := range required {
		if _, ok := have[r]; ok {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		missing = append(missing, r)
	}
	return missing
}

func (s *Service) resolveWorkspace(ctx context.Context, caller Caller, basketID string) (string, error) {
	var workspaceID string
	switch c := caller.(type) {
	case ServiceCaller:
		workspaceID = c.Workspace
	case InteractiveCaller:
		ws, err := s.store.FirstWorkspaceForUser(ctx, c.User)
		if err != nil {
			return "", lookupError("workspace membership", err)
		}
		workspaceID = ws
	}
	if workspaceID == "" {
		ws, err := s.store.WorkspaceForBasket(ctx, basketID)
		if err != nil {
			return "", lookupError("basket workspace", err)
		}
		workspaceID = ws
	}
	if workspaceID == "" {
		return "", &Error{
			Kind:    KindDependency,
			Code:    CodeWorkspaceUnresolved,
			Message: fmt.Sprintf("could not resolve workspace for basket %s", basketID),
		}
	}
	return workspaceID, nil
}

func (s *Service) build(caller Caller, in Input, recipe *models.Recipe, source, workspaceID string) (models.WorkRequest, models.WorkTicket) {
	now := s.now()
	params := in.Parameters
	if params == nil {
		params = map[string]any{}
	}
	priority := models.DefaultPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	priority = models.ClampPriority(priority)

	intent := fmt.Sprintf("%s via %s", recipe.Name, source)
	if d, ok := params[descriptionParam].(string); ok && strings.TrimSpace(d) != "" {
		intent = d
	}

	req := models.WorkRequest{
		ID:                s.newID(),
		WorkspaceID:       workspaceID,
		BasketID:          in.BasketID,
		RequestedByUserID: caller.UserID(),
		RequestType:       recipe.Slug,
		TaskIntent:        intent,
		Parameters:        params,
		RecipeID:          recipe.ID,
		RecipeSlug:        recipe.Slug,
		Source:            source,
		SchedulingIntent:  in.SchedulingIntent,
		TPSessionID:       emptyToNil(in.TPSessionID),
		Priority:          models.PriorityLabel(priority),
		CreatedAt:         now,
	}

	mode := models.ModeOneShot
	if in.ScheduleID != "" || in.SchedulingIntent.Recurring() {
		mode = models.ModeContinuous
	}
	metadata := map[string]any{
		"recipe_name": recipe.Name,
		"recipe_slug": recipe.Slug,
		"recipe_id":   recipe.ID,
		"parameters":  params,
		"created_at":  now.Format(time.RFC3339),
	}
	if in.TPSessionID != "" {
		metadata["tp_session_id"] = in.TPSessionID
	}

	ticket := models.WorkTicket{
		ID:            s.newID(),
		WorkRequestID: req.ID,
		WorkspaceID:   workspaceID,
		BasketID:      in.BasketID,
		AgentType:     recipe.AgentType,
		Status:        models.TicketPending,
		Priority:      priority,
		Source:        source,
		Mode:          mode,
		ScheduleID:    emptyToNil(in.ScheduleID),
		Metadata:      metadata,
		CreatedAt:     now,
	}
	return req, ticket
}

// create writes the pair. Without a transactional store the request is
// deleted again when the ticket insert fails.
func (s *Service) create(ctx context.Context, req models.WorkRequest, ticket models.WorkTicket) error {
	if ac, ok := s.store.(AtomicCreator); ok {
		if err := ac.CreateRequestWithTicket(ctx, req, ticket); err != nil {
			return persistenceError("create work request and ticket", err)
		}
		return nil
	}

	if err := s.store.CreateWorkRequest(ctx, req); err != nil {
		return persistenceError("create work request", err)
	}
	if err := s.store.CreateWorkTicket(ctx, ticket); err != nil {
		telemetry.IntakeCompensations.Inc()
		if derr := s.store.DeleteWorkRequest(ctx, req.ID); derr != nil {
			s.log.ErrorCtx(ctx, "compensating delete failed, work request left without ticket", derr,
				logger.F("work_request_id", req.ID))
		} else {
			s.audit(ctx, req.ID, "compensated", err.Error())
		}
		return persistenceError("create work ticket", err)
	}
	return nil
}

func (s *Service) afterCreate(ctx context.Context, req models.WorkRequest, ticket models.WorkTicket) {
	s.audit(ctx, ticket.ID, "queued", fmt.Sprintf("request=%s recipe=%s source=%s priority=%d",
		req.ID, req.RecipeSlug, req.Source, ticket.Priority))
	if s.announcer != nil {
		if err := s.announcer.Announce(ctx, ticket); err != nil {
			s.log.WarnCtx(ctx, "announce ticket failed",
				logger.F("work_ticket_id", ticket.ID), logger.F("error", err.Error()))
		}
	}
	s.log.InfoCtx(ctx, "work queued",
		logger.F("work_request_id", req.ID),
		logger.F("work_ticket_id", ticket.ID),
		logger.F("recipe_slug", req.RecipeSlug),
		logger.F("source", req.Source),
		logger.F("mode", ticket.Mode))
}

func (s *Service) audit(ctx context.Context, entityID, event, detail string) {
	a, ok := s.store.(Auditor)
	if !ok {
		return
	}
	if err := a.AppendAudit(ctx, entityID, event, detail); err != nil {
		s.log.WarnCtx(ctx, "append audit failed", logger.F("entity_id", entityID), logger.F("error", err.Error()))
	}
}

func lookupError(what string, err error) *Error {
	return &Error{Kind: KindPersistence, Code: CodeLookupFailed, Message: "lookup " + what, Err: err}
}

func persistenceError(what string, err error) *Error {
	return &Error{Kind: KindPersistence, Code: CodeCreateFailed, Message: what, Err: err}
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
