package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"work-orchestrator/internal/intake"
	"work-orchestrator/internal/schedule"
)

var (
	_ intake.Store         = (*Store)(nil)
	_ intake.AtomicCreator = (*Store)(nil)
	_ intake.Auditor       = (*Store)(nil)
	_ schedule.Store       = (*Store)(nil)
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := migrationFiles.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	content, err := migrationFiles.ReadFile("migrations/" + entries[0].Name())
	require.NoError(t, err)
	sql := string(content)
	for _, table := range []string{"recipes", "work_requests", "work_tickets", "schedules", "audit_logs"} {
		assert.True(t, strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table), table)
	}
	assert.Contains(t, sql, "work_request_id TEXT NOT NULL UNIQUE")
}
