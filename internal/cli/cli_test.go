package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"work-orchestrator/internal/logger"
	"work-orchestrator/internal/models"
	"work-orchestrator/internal/schedule"
)

func executorStub(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/schedules/execute" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer cron-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized","code":"unauthorized"}`))
			return
		}
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(schedule.Report{Message: "Processed 1 schedules", Processed: 1, Success: 1})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTriggerFire(t *testing.T) {
	var calls atomic.Int32
	srv := executorStub(t, &calls)

	tr := &trigger{client: srv.Client(), baseURL: srv.URL, secret: "cron-secret"}
	report, err := tr.fire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, int32(1), calls.Load())

	tr.secret = "wrong"
	_, err = tr.fire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestRunCronRejectsBadSpec(t *testing.T) {
	err := runCron(context.Background(), "not a spec", &trigger{}, logger.Nop())
	assert.Error(t, err)
}

func TestRunCronStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runCron(ctx, "@every 1h", &trigger{}, logger.Nop())
	assert.NoError(t, err)
}

func TestCronOnceViaConfigFile(t *testing.T) {
	var calls atomic.Int32
	srv := executorStub(t, &calls)
	t.Setenv("API_BASE_URL", "")
	t.Setenv("CRON_SECRET", "")

	path := filepath.Join(t.TempDir(), "workctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"api_base_url = \""+srv.URL+"\"\ncron_secret = \"cron-secret\"\nlog_level = \"error\"\n"), 0o644))

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", path, "cron", "--once"})
	require.NoError(t, cmd.Execute())

	var report schedule.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "Processed 1 schedules", report.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRootRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("http_port = ["), 0o644))

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--config", path, "cron", "--once"})
	assert.Error(t, cmd.Execute())
}

func TestCommandTree(t *testing.T) {
	cmd := NewRootCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"migrate", "queue", "execute", "status", "cron", "recipes"})

	sync, _, err := cmd.Find([]string{"recipes", "sync"})
	require.NoError(t, err)
	assert.NotNil(t, sync.Flags().Lookup("watch"))
}

func TestQueueInput(t *testing.T) {
	q := &queueOptions{
		basketID:   "b-1",
		recipeSlug: "weekly-digest",
		priority:   9,
		source:     models.SourceAPI,
		recurring:  true,
		params:     map[string]string{"topic": "pricing"},
	}

	in := q.input(true)
	assert.Equal(t, "b-1", in.BasketID)
	require.NotNil(t, in.Priority)
	assert.Equal(t, 9, *in.Priority)
	assert.Equal(t, map[string]any{"topic": "pricing"}, in.Parameters)
	assert.True(t, in.SchedulingIntent.Recurring())

	q.recurring = false
	in = q.input(false)
	assert.Nil(t, in.Priority)
	assert.Nil(t, in.SchedulingIntent)
}
