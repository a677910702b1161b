package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"work-orchestrator/internal/archive"
	"work-orchestrator/internal/config"
	"work-orchestrator/internal/intake"
	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/memstore"
	"work-orchestrator/internal/models"
	"work-orchestrator/internal/queue"
	"work-orchestrator/internal/ratelimit"
	"work-orchestrator/internal/schedule"
	"work-orchestrator/internal/session"
)

var testNow = time.Date(2026, 10, 1, 8, 30, 0, 0, time.UTC)

type fixture struct {
	st         *memstore.Store
	mr         *miniredis.Miniredis
	server     *Server
	handler    http.Handler
	archiveDir string
}

func newFixture(t *testing.T, mutate ...func(*config.Config, *Deps)) *fixture {
	t.Helper()
	st := memstore.New()
	st.PutRecipe(models.Recipe{ID: "r-digest", Slug: "weekly-digest", Name: "Weekly Digest", AgentType: "reporting", Schedulable: true})
	st.PutRecipe(models.Recipe{ID: "r-brief", Slug: "research-brief", Name: "Research Brief", AgentType: "research", RequiredContext: []string{"problem", "customer"}})
	st.PutBasket("b-1", "ws-basket", "owner-1")
	st.AddMembership("u-1", "ws-member")

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := session.NewStore(client, "session:")
	require.NoError(t, sessions.Put(context.Background(), "tok-1", "u-1", time.Hour))

	feed := queue.NewFeed(client, "work", "work_tickets")
	svc := intake.New(st, logger.Nop(),
		intake.WithClock(func() time.Time { return testNow }),
		intake.WithAnnouncer(feed))

	dir := t.TempDir()
	cfg := config.Config{
		ServiceSecret: "svc-secret",
		CronSecret:    "cron-secret",
		SessionCookie: "session",
	}
	deps := Deps{
		Queue:    svc,
		Executor: schedule.NewExecutor(st, svc, nil, logger.Nop()),
		Tickets:  st,
		Sessions: sessions,
		Feed:     feed,
		Archive:  archive.NewWithUploader(&archive.LocalUploader{BaseDir: dir}),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	srv := New(cfg, deps, logger.Nop())
	srv.now = func() time.Time { return testNow }
	return &fixture{st: st, mr: mr, server: srv, handler: srv.Router(), archiveDir: dir}
}

type requestOpt func(*http.Request)

func withSession(token string) requestOpt {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "session", Value: token}) }
}

func withBearer(token string) requestOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (f *fixture) do(t *testing.T, method, path, body string, opts ...requestOpt) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestQueueInteractive(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/work/queue",
		`{"basket_id":"b-1","recipe_slug":"weekly-digest","priority":8}`, withSession("tok-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "Weekly Digest queued successfully", body["message"])
	ticketID, _ := body["work_ticket_id"].(string)
	require.NotEmpty(t, ticketID)
	assert.NotEmpty(t, body["work_request_id"])

	rec, ticket := f.do(t, http.MethodGet, "/work/tickets/"+ticketID, "", withSession("tok-1"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.TicketPending, ticket["status"])
	assert.Equal(t, models.SourceManual, ticket["source"])
	assert.Equal(t, "ws-member", ticket["workspace_id"])
	assert.Equal(t, float64(8), ticket["priority"])

	urgent, err := f.mr.List("work:pending:urgent")
	require.NoError(t, err)
	assert.Equal(t, []string{ticketID}, urgent)
}

func TestQueueSessionHeader(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/work/queue", `{"basket_id":"b-1","recipe_slug":"weekly-digest"}`,
		func(r *http.Request) { r.Header.Set("X-Session-Token", "tok-1") })
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestQueueService(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/work/queue",
		`{"basket_id":"b-1","recipe_slug":"weekly-digest","user_id":"agent-user","workspace_id":"ws-svc","tp_session_id":"tp-9"}`,
		withBearer("svc-secret"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	ticket, err := f.st.GetWorkTicket(context.Background(), body["work_ticket_id"].(string))
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, models.SourceAPI, ticket.Source)
	assert.Equal(t, "ws-svc", ticket.WorkspaceID)

	req, err := f.st.GetWorkRequest(context.Background(), ticket.WorkRequestID)
	require.NoError(t, err)
	assert.Equal(t, "agent-user", req.RequestedByUserID)
	require.NotNil(t, req.TPSessionID)
	assert.Equal(t, "tp-9", *req.TPSessionID)
}

func TestQueueRejections(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		opts    []requestOpt
		status  int
		code    string
		missing []any
	}{
		{name: "no credentials", body: `{}`, status: http.StatusUnauthorized, code: intake.CodeUnauthorized},
		{name: "wrong bearer", body: `{}`, opts: []requestOpt{withBearer("nope")}, status: http.StatusUnauthorized, code: intake.CodeUnauthorized},
		{name: "unknown session", body: `{}`, opts: []requestOpt{withSession("stale")}, status: http.StatusUnauthorized, code: intake.CodeUnauthorized},
		{
			name:   "service without user",
			body:   `{"basket_id":"b-1","recipe_slug":"weekly-digest"}`,
			opts:   []requestOpt{withBearer("svc-secret")},
			status: http.StatusBadRequest, code: intake.CodeMissingUserID,
		},
		{
			name:   "missing fields",
			body:   `{}`,
			opts:   []requestOpt{withSession("tok-1")},
			status: http.StatusBadRequest, code: intake.CodeMissingFields, missing: []any{"basket_id", "recipe_slug"},
		},
		{
			name:   "unknown recipe",
			body:   `{"basket_id":"b-1","recipe_slug":"nope"}`,
			opts:   []requestOpt{withSession("tok-1")},
			status: http.StatusNotFound, code: intake.CodeRecipeNotFound,
		},
		{
			name:   "missing context",
			body:   `{"basket_id":"b-1","recipe_slug":"research-brief"}`,
			opts:   []requestOpt{withSession("tok-1")},
			status: http.StatusBadRequest, code: intake.CodeMissingContext, missing: []any{"problem", "customer"},
		},
		{
			name:   "invalid source",
			body:   `{"basket_id":"b-1","recipe_slug":"weekly-digest","source":"fax"}`,
			opts:   []requestOpt{withSession("tok-1")},
			status: http.StatusBadRequest, code: intake.CodeInvalidSource,
		},
		{
			name:   "invalid json",
			body:   `{"basket_id":`,
			opts:   []requestOpt{withSession("tok-1")},
			status: http.StatusBadRequest, code: "invalid_json",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			rec, body := f.do(t, http.MethodPost, "/work/queue", tc.body, tc.opts...)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, body["code"])
			assert.NotEmpty(t, body["error"])
			if tc.missing != nil {
				assert.Equal(t, tc.missing, body["missing"])
			}
			assert.Empty(t, f.st.WorkRequests())
		})
	}
}

func TestQueueEmptyServiceSecretRejectsBearer(t *testing.T) {
	f := newFixture(t, func(c *config.Config, _ *Deps) { c.ServiceSecret = "" })
	rec, _ := f.do(t, http.MethodPost, "/work/queue", `{}`, withBearer(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueueSessionStoreDown(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()
	rec, body := f.do(t, http.MethodPost, "/work/queue", `{}`, withSession("tok-1"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, intake.CodeLookupFailed, body["code"])
}

func TestQueueRateLimited(t *testing.T) {
	f := newFixture(t)
	client := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f.server.deps.Limiter = ratelimit.NewTokenBucket(client, 2, 0.001,
		ratelimit.WithClock(func() time.Time { return testNow }))
	f.handler = f.server.Router()

	body := `{"basket_id":"b-1","recipe_slug":"weekly-digest"}`
	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodPost, "/work/queue", body, withSession("tok-1"))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec, resp := f.do(t, http.MethodPost, "/work/queue", body, withSession("tok-1"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", resp["code"])
	assert.Len(t, f.st.WorkTickets(), 2)
}

func TestQueueStatus(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		rec, _ := f.do(t, http.MethodPost, "/work/queue", `{"basket_id":"b-1","recipe_slug":"weekly-digest"}`, withSession("tok-1"))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	f.st.SetTicketStatus(f.st.WorkTickets()[0].ID, models.TicketRunning)

	rec, body := f.do(t, http.MethodGet, "/work/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, testNow.Format(time.RFC3339), body["checked_at"])
	q := body["queue"].(map[string]any)
	assert.Equal(t, float64(2), q["pending"])
	assert.Equal(t, float64(1), q["running"])
	assert.Equal(t, float64(3), q["feed_depth"])
}

func TestQueueStatusStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.st.FailLookups(errors.New("db down"))
	rec, _ := f.do(t, http.MethodGet, "/work/queue", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetTicket(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/work/tickets/missing", "", withSession("tok-1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/work/tickets/missing", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExecuteAuth(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/schedules/execute", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/schedules/execute", "", withBearer("svc-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	open := newFixture(t, func(c *config.Config, _ *Deps) { c.CronSecret = "" })
	rec, _ = open.do(t, http.MethodPost, "/schedules/execute", "", withBearer(""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExecutePromotesAndArchives(t *testing.T) {
	f := newFixture(t)
	creator := "u-1"
	f.st.PutSchedule(models.Schedule{
		ID: "s-1", ProjectID: "p-1", BasketID: "b-1", RecipeID: "r-digest",
		Frequency: "daily", TimeOfDay: "08:00", Enabled: true,
		NextRunAt: testNow.Add(-time.Hour), CreatedBy: &creator,
	})
	f.st.PutSchedule(models.Schedule{
		ID: "s-2", ProjectID: "p-1", BasketID: "b-1", RecipeID: "r-gone",
		Frequency: "daily", Enabled: true, NextRunAt: testNow.Add(-time.Minute),
	})

	rec, body := f.do(t, http.MethodPost, "/schedules/execute", "", withBearer("cron-secret"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Processed 2 schedules", body["message"])
	assert.Equal(t, float64(2), body["processed"])
	assert.Equal(t, float64(1), body["success"])
	assert.Equal(t, float64(1), body["errors"])

	results := body["results"].([]any)
	first := results[0].(map[string]any)
	assert.Equal(t, "s-1", first["schedule_id"])
	assert.Equal(t, schedule.ItemSuccess, first["status"])
	assert.NotEmpty(t, first["work_ticket_id"])
	second := results[1].(map[string]any)
	assert.Equal(t, schedule.ItemError, second["status"])
	assert.NotEmpty(t, second["error"])

	archived, err := os.ReadFile(filepath.Join(f.archiveDir, archive.ReportKey(testNow)))
	require.NoError(t, err)
	assert.Contains(t, string(archived), "Processed 2 schedules")

	rec, status := f.do(t, http.MethodGet, "/schedules/execute", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", status["status"])
	assert.Equal(t, float64(2), status["due_schedules"], "next_run_at is not advanced by default")
	assert.Equal(t, float64(2), status["total_active_schedules"])
	assert.Equal(t, float64(1), status["pending_tickets"])
}

func TestExecuteNothingDue(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodPost, "/schedules/execute", "", withBearer("cron-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "No schedules due", body["message"])
	assert.Equal(t, float64(0), body["processed"])

	entries, err := os.ReadDir(f.archiveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExecuteDueQueryFailure(t *testing.T) {
	f := newFixture(t)
	f.st.FailLookups(errors.New("db down"))
	rec, _ := f.do(t, http.MethodPost, "/schedules/execute", "", withBearer("cron-secret"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/schedules/execute", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
