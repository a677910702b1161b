package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"work-orchestrator/internal/config"
	"work-orchestrator/internal/intake"
	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/models"
	"work-orchestrator/internal/schedule"
	"work-orchestrator/internal/telemetry"
)

// Queuer accepts work.
type Queuer interface {
	Queue(ctx context.Context, caller intake.Caller, in intake.Input) (intake.Result, error)
}

// Executor promotes due schedules.
type Executor interface {
	Execute(ctx context.Context, now time.Time) (schedule.Report, error)
	Status(ctx context.Context, now time.Time) (schedule.StatusReport, error)
}

// Tickets reads ticket state for diagnostics.
type Tickets interface {
	GetWorkTicket(ctx context.Context, id string) (*models.WorkTicket, error)
	CountTicketsByStatus(ctx context.Context, status string) (int64, error)
}

// Sessions maps an interactive session token to a user id ("" when unknown).
type Sessions interface {
	Resolve(ctx context.Context, token string) (string, error)
}

// Limiter throttles intake per caller.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// FeedDepth reports how many announced tickets are waiting in the pending feed.
type FeedDepth interface {
	Depth(ctx context.Context) (int64, error)
}

// ReportArchiver stores executor reports.
type ReportArchiver interface {
	Save(ctx context.Context, executedAt time.Time, v any) (string, error)
}

// Deps are the collaborators behind the HTTP surface. Limiter, Feed and
// Archive are optional.
type Deps struct {
	Queue    Queuer
	Executor Executor
	Tickets  Tickets
	Sessions Sessions
	Limiter  Limiter
	Feed     FeedDepth
	Archive  ReportArchiver
}

// Server wires HTTP handlers for the work queue and schedule executor.
type Server struct {
	cfg  config.Config
	deps Deps
	log  *logger.Logger
	now  func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/work", func(r chi.Router) {
		r.Post("/queue", s.handleQueue)
		r.Get("/queue", s.handleQueueStatus)
		r.Get("/tickets/{id}", s.handleGetTicket)
	})
	r.Route("/schedules", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Get("/execute", s.handleScheduleStatus)
	})
	return r
}

type queueRequest struct {
	intake.Input
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
}

type errorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Missing []string `json:"missing,omitempty"`
}

// channel is how a request authenticated.
type channel int

const (
	channelInteractive channel = iota + 1
	channelService
)

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ch, sessionUser, err := s.authenticate(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json", Code: "invalid_json"})
		return
	}

	var caller intake.Caller
	switch ch {
	case channelService:
		caller = intake.ServiceCaller{User: req.UserID, Workspace: req.WorkspaceID}
	default:
		caller = intake.InteractiveCaller{User: sessionUser}
	}

	if s.deps.Limiter != nil && caller.UserID() != "" {
		allowed, _, err := s.deps.Limiter.Allow(r.Context(), "intake:"+caller.UserID())
		if err != nil {
			s.log.ErrorCtx(r.Context(), "rate limit check failed", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "rate limit error", Code: "rate_limit_error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited", Code: "rate_limited"})
			return
		}
	}

	res, err := s.deps.Queue.Queue(r.Context(), caller, req.Input)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// authenticate picks the caller channel. A bearer token must be the service
// secret; without one the session token must resolve to a user.
func (s *Server) authenticate(r *http.Request) (channel, string, error) {
	if token, ok := bearerToken(r); ok {
		if !secretMatches(token, s.cfg.ServiceSecret) {
			telemetry.IntakeRejected.WithLabelValues(intake.CodeUnauthorized).Inc()
			return 0, "", intake.Unauthorized("invalid service credential")
		}
		return channelService, "", nil
	}

	token := r.Header.Get("X-Session-Token")
	if c, err := r.Cookie(s.cfg.SessionCookie); err == nil && c.Value != "" {
		token = c.Value
	}
	if token == "" || s.deps.Sessions == nil {
		telemetry.IntakeRejected.WithLabelValues(intake.CodeUnauthorized).Inc()
		return 0, "", intake.Unauthorized("authentication required")
	}
	userID, err := s.deps.Sessions.Resolve(r.Context(), token)
	if err != nil {
		return 0, "", &intake.Error{Kind: intake.KindPersistence, Code: intake.CodeLookupFailed, Message: "session lookup failed", Err: err}
	}
	if userID == "" {
		telemetry.IntakeRejected.WithLabelValues(intake.CodeUnauthorized).Inc()
		return 0, "", intake.Unauthorized("session expired or invalid")
	}
	return channelInteractive, userID, nil
}

type queueStatus struct {
	Status    string      `json:"status"`
	Queue     queueCounts `json:"queue"`
	CheckedAt time.Time   `json:"checked_at"`
}

type queueCounts struct {
	Pending   int64  `json:"pending"`
	Running   int64  `json:"running"`
	FeedDepth *int64 `json:"feed_depth,omitempty"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pending, err := s.deps.Tickets.CountTicketsByStatus(ctx, models.TicketPending)
	if err != nil {
		s.log.ErrorCtx(ctx, "count pending tickets failed", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read queue", Code: intake.CodeLookupFailed})
		return
	}
	running, err := s.deps.Tickets.CountTicketsByStatus(ctx, models.TicketRunning)
	if err != nil {
		s.log.ErrorCtx(ctx, "count running tickets failed", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read queue", Code: intake.CodeLookupFailed})
		return
	}
	telemetry.PendingTickets.Set(float64(pending))

	counts := queueCounts{Pending: pending, Running: running}
	if s.deps.Feed != nil {
		if depth, err := s.deps.Feed.Depth(ctx); err == nil {
			counts.FeedDepth = &depth
		} else {
			s.log.WarnCtx(ctx, "feed depth unavailable", logger.F("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, queueStatus{Status: "healthy", Queue: counts, CheckedAt: s.now()})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.authenticate(r); err != nil {
		s.writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	ticket, err := s.deps.Tickets.GetWorkTicket(r.Context(), id)
	if err != nil {
		s.log.ErrorCtx(r.Context(), "load ticket failed", err, logger.F("work_ticket_id", id))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to load ticket", Code: intake.CodeLookupFailed})
		return
	}
	if ticket == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "ticket not found", Code: "ticket_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	if s.cfg.CronSecret == "" || !secretMatches(token, s.cfg.CronSecret) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: intake.CodeUnauthorized})
		return
	}

	ctx := r.Context()
	report, err := s.deps.Executor.Execute(ctx, s.now())
	if err != nil {
		s.log.ErrorCtx(ctx, "schedule execution failed", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "schedule execution failed", Code: intake.CodeLookupFailed})
		return
	}
	if s.deps.Archive != nil && report.Processed > 0 {
		if loc, err := s.deps.Archive.Save(ctx, report.ExecutedAt, report); err != nil {
			s.log.WarnCtx(ctx, "archive report failed", logger.F("error", err.Error()))
		} else {
			s.log.InfoCtx(ctx, "report archived", logger.F("location", loc))
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Executor.Status(r.Context(), s.now())
	if err != nil {
		s.log.ErrorCtx(r.Context(), "schedule status failed", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read schedules", Code: intake.CodeLookupFailed})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	ie, ok := intake.AsError(err)
	if !ok {
		s.log.Error("unclassified intake error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
		return
	}
	status := ie.HTTPStatus()
	msg := ie.Message
	if status >= http.StatusInternalServerError && ie.Err != nil {
		s.log.Error("request failed", ie.Err, logger.F("code", ie.Code))
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: ie.Code, Missing: ie.Missing})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logger.F("method", r.Method),
			logger.F("path", r.URL.Path),
			logger.F("status", ww.Status()),
			logger.F("duration_ms", time.Since(start).Milliseconds()),
			logger.F("request_id", middleware.GetReqID(r.Context())))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")), true
}

func secretMatches(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
