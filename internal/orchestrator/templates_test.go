package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
	"tabrelay/internal/store"
)

func TestDefaultTemplatesAreValid(t *testing.T) {
	templates := DefaultTemplates()
	require.Len(t, templates, 2)
	for _, tmpl := range templates {
		assert.NoError(t, ValidateTemplate(tmpl), tmpl.ID)
	}
	assert.Equal(t, "two_role_demo", templates[0].ID)
	assert.Equal(t, 3, templates[0].MaxRounds())
	assert.Equal(t, []string{"RoleA", "RoleB"}, templates[0].RoleNames())
	assert.Equal(t, "QCP_Hunter_v1", templates[1].ID)
	assert.Equal(t, 100, templates[1].MaxRounds())
}

func TestValidateTemplateRejects(t *testing.T) {
	base := func() domain.ScenarioTemplate {
		return domain.ScenarioTemplate{
			ID:    "t",
			Roles: []domain.TemplateRole{{SlotName: "A"}},
			Stages: domain.Stages{
				&domain.LoopStage{ID: "loop", MaxRounds: 2, Body: domain.Stages{
					&domain.PromptStage{ID: "p", TargetRole: "A", PromptTemplate: "hi"},
				}},
			},
		}
	}
	require.NoError(t, ValidateTemplate(base()))

	cases := map[string]func(*domain.ScenarioTemplate){
		"missing id":       func(t *domain.ScenarioTemplate) { t.ID = "" },
		"duplicate role":   func(t *domain.ScenarioTemplate) { t.Roles = append(t.Roles, domain.TemplateRole{SlotName: "A"}) },
		"empty role":       func(t *domain.ScenarioTemplate) { t.Roles = append(t.Roles, domain.TemplateRole{}) },
		"unknown target":   func(t *domain.ScenarioTemplate) { t.Stages = append(t.Stages, &domain.AggregateStage{ID: "agg", TargetRole: "B"}) },
		"zero rounds":      func(t *domain.ScenarioTemplate) { t.Stages[0].(*domain.LoopStage).MaxRounds = 0 },
		"bad condition":    func(t *domain.ScenarioTemplate) { t.Stages[0].(*domain.LoopStage).StopCondition = "round >" },
		"bad hook":         func(t *domain.ScenarioTemplate) { t.Hooks = &domain.TemplateHooks{ShouldStop: "alert(1)"} },
		"stage without id": func(t *domain.ScenarioTemplate) { t.Stages = append(t.Stages, &domain.ArtifactStage{Mode: domain.ArtifactModeAppend}) },
		"bad mode":         func(t *domain.ScenarioTemplate) { t.Stages = append(t.Stages, &domain.ArtifactStage{ID: "a", Mode: "prepend"}) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			tmpl := base()
			mutate(&tmpl)
			assert.ErrorIs(t, ValidateTemplate(tmpl), ErrInvalidTemplate)
		})
	}
}

func TestTemplatesYAMLRoundTrip(t *testing.T) {
	data, err := MarshalTemplatesYAML(DefaultTemplates())
	require.NoError(t, err)
	assert.Contains(t, string(data), "kind: loop")

	parsed, err := ParseTemplatesYAML(data)
	require.NoError(t, err)
	assert.Equal(t, DefaultTemplates(), parsed)
}

func TestParseTemplatesYAMLRejectsUnknownKind(t *testing.T) {
	doc := `
templates:
  - id: bad
    name: Bad
    roles: [{slotName: A}]
    stages:
      - kind: teleport
        id: x
`
	_, err := ParseTemplatesYAML([]byte(doc))
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestParseTemplateJSON(t *testing.T) {
	doc := `{
		"id": "solo",
		"name": "Solo",
		"roles": [{"slotName": "A", "defaultSystemPrompt": ""}],
		"stages": [
			{"kind": "prompt", "id": "p", "targetRole": "A", "promptTemplate": "go {{round}}"},
			{"kind": "artifact", "id": "a", "template": "{{lastReplies.A}}"}
		]
	}`
	tmpl, err := ParseTemplateJSON([]byte(doc))
	require.NoError(t, err)
	require.Len(t, tmpl.Stages, 2)
	art, ok := tmpl.Stages[1].(*domain.ArtifactStage)
	require.True(t, ok)
	assert.Equal(t, domain.ArtifactModeAppend, art.Mode)
	assert.Equal(t, 1, tmpl.MaxRounds())

	_, err = ParseTemplateJSON([]byte(`{"id": "x", "stages": [{"kind": "prompt", "id": "p", "targetRole": "Nobody"}]}`))
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestMergeTemplatesOverlaysById(t *testing.T) {
	defaults := DefaultTemplates()
	edited := defaults[0]
	edited.Name = "Edited"
	extra := domain.ScenarioTemplate{ID: "extra", Name: "Extra"}

	merged := MergeTemplates(defaults, []domain.ScenarioTemplate{extra, edited})
	require.Len(t, merged, 3)
	assert.Equal(t, "Edited", merged[0].Name)
	assert.Equal(t, "QCP_Hunter_v1", merged[1].ID)
	assert.Equal(t, "extra", merged[2].ID)
	assert.Equal(t, "Two Role Ping Pong", DefaultTemplates()[0].Name)
}

func TestPersistenceTemplates(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	p := NewPersistence(kv, nil)

	assert.Nil(t, p.LoadTemplates(ctx))
	require.NoError(t, p.SaveTemplates(ctx, DefaultTemplates()[:1]))
	loaded := p.LoadTemplates(ctx)
	require.Len(t, loaded, 1)
	assert.Equal(t, "two_role_demo", loaded[0].ID)

	require.NoError(t, kv.Put(ctx, templatesKey, []byte("{not json")))
	assert.Nil(t, p.LoadTemplates(ctx))
}

func TestPersistenceKeepsTwentyNewestSummaries(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(store.NewMemory(), nil)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		require.NoError(t, p.SaveRunSummary(ctx, domain.ScenarioRun{
			RunID:           fmt.Sprintf("run-%02d", i),
			TemplateID:      "two_role_demo",
			CreatedAt:       created,
			Status:          domain.RunStatusCompleted,
			CentralArtifact: fmt.Sprintf("artifact %d", i),
		}))
	}
	list := p.RunSummaries(ctx)
	require.Len(t, list, maxRunSummaries)
	assert.Equal(t, "run-24", list[0].RunID)
	assert.Equal(t, "run-05", list[len(list)-1].RunID)
	assert.Equal(t, "artifact 24", list[0].ArtifactPreview)
}

func TestPersistenceSummaryPreviewIsTruncated(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(store.NewMemory(), nil)
	long := make([]rune, 1000)
	for i := range long {
		long[i] = 'x'
	}
	require.NoError(t, p.SaveRunSummary(ctx, domain.ScenarioRun{RunID: "r", CentralArtifact: string(long)}))
	list := p.RunSummaries(ctx)
	require.Len(t, list, 1)
	assert.Len(t, list[0].ArtifactPreview, summaryPreviewLen)
}

func TestPersistenceMalformedSummariesReadAsEmpty(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	p := NewPersistence(kv, nil)
	require.NoError(t, kv.Put(ctx, runSummariesKey, []byte(`{"runId": 1}`)))
	assert.Empty(t, p.RunSummaries(ctx))

	require.NoError(t, p.SaveRunSummary(ctx, domain.ScenarioRun{RunID: "fresh"}))
	list := p.RunSummaries(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].RunID)
}
