package recipes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"work-orchestrator/internal/memstore"
	"work-orchestrator/internal/models"
)

const catalogYAML = `
recipes:
  - id: r-research
    slug: research-brief
    name: Research Brief
    agent_type: research
    required_context: [problem, customer]
    parameter_schema:
      depth:
        type: string
  - id: r-digest
    slug: weekly-digest
    name: Weekly Digest
    version: 2
    agent_type: reporting
    schedulable: true
  - id: r-old
    slug: legacy
    name: Legacy
    agent_type: research
    status: inactive
`

func TestParse(t *testing.T) {
	list, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, "research-brief", list[0].Slug)
	assert.Equal(t, 1, list[0].Version)
	assert.Equal(t, models.StatusActive, list[0].Status)
	assert.Equal(t, []string{"problem", "customer"}, list[0].RequiredContext)
	assert.Contains(t, list[0].ParameterSchema, "depth")

	assert.Equal(t, 2, list[1].Version)
	assert.True(t, list[1].Schedulable)
	assert.Equal(t, models.StatusInactive, list[2].Status)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing id":    "recipes:\n  - slug: a\n    name: A\n    agent_type: x\n",
		"missing slug":  "recipes:\n  - id: r\n    name: A\n    agent_type: x\n",
		"missing agent": "recipes:\n  - id: r\n    slug: a\n    name: A\n",
		"bad status":    "recipes:\n  - id: r\n    slug: a\n    name: A\n    agent_type: x\n    status: draft\n",
		"duplicate":     "recipes:\n  - {id: r1, slug: a, name: A, agent_type: x}\n  - {id: r2, slug: a, name: A, agent_type: x}\n",
		"not yaml":      "recipes: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))
	st := memstore.New()

	n, err := Sync(context.Background(), path, st)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	r, err := st.ActiveRecipeBySlug(context.Background(), "weekly-digest")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "r-digest", r.ID)

	r, err = st.ActiveRecipeBySlug(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestSyncMissingFile(t *testing.T) {
	_, err := Sync(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), memstore.New())
	assert.Error(t, err)
}

func TestWatchResyncsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o644))
	st := memstore.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, st, nil) }()

	require.Eventually(t, func() bool {
		r, _ := st.ActiveRecipeBySlug(context.Background(), "research-brief")
		return r != nil
	}, 2*time.Second, 10*time.Millisecond)

	updated := catalogYAML + "  - {id: r-new, slug: fresh, name: Fresh, agent_type: research}\n"
	require.Eventually(t, func() bool {
		// Rewrite until the watcher, which may still be starting, picks it up.
		_ = os.WriteFile(path, []byte(updated), 0o644)
		r, _ := st.ActiveRecipeBySlug(context.Background(), "fresh")
		return r != nil
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
