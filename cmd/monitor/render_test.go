package main

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
	"tabrelay/internal/orchestrator"
	"tabrelay/internal/persona"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line   string
		method string
		path   string
		body   any
	}{
		{line: "pause", method: http.MethodPost, path: "/runs/pause"},
		{line: "STEP", method: http.MethodPost, path: "/runs/step"},
		{
			line:   "start two_role_demo draft one",
			method: http.MethodPost,
			path:   "/runs",
			body:   map[string]string{"templateId": "two_role_demo", "initialArtifact": "draft one"},
		},
		{
			line:   "start QCP_Hunter_v1",
			method: http.MethodPost,
			path:   "/runs",
			body:   map[string]string{"templateId": "QCP_Hunter_v1", "initialArtifact": ""},
		},
		{line: "select QCP_Hunter_v1", method: http.MethodPost, path: "/templates/QCP_Hunter_v1/select"},
		{line: "bind RoleA w-1", method: http.MethodPut, path: "/slots/RoleA", body: map[string]string{"workerId": "w-1"}},
		{line: "unbind RoleA", method: http.MethodPut, path: "/slots/RoleA", body: map[string]string{"workerId": ""}},
		{line: "name nightly pass", method: http.MethodPut, path: "/runs/name", body: map[string]string{"name": "nightly pass"}},
		{line: "persona stop", method: http.MethodPost, path: "/persona/stop"},
		{
			line:   "label w-1 Red Team",
			method: http.MethodPost,
			path:   "/workers/w-1/commands",
			body:   map[string]any{"type": domain.MessageTypeSetPersonaLabel, "label": "Red Team"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			req, err := parseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.method, req.method)
			assert.Equal(t, tt.path, req.path)
			assert.Equal(t, tt.body, req.body)
		})
	}
}

func TestParseCommandRejectsBadInput(t *testing.T) {
	for _, line := range []string{"", "jump", "start", "bind RoleA", "persona pause", "ping"} {
		_, err := parseCommand(line)
		assert.Error(t, err, line)
	}
}

func TestRenderRun(t *testing.T) {
	state := orchestrator.State{
		SelectedTemplateID: "two_role_demo",
		Slots:              []domain.WorkerSlot{{SlotName: "RoleA", BoundWorkerID: "0123456789"}, {SlotName: "RoleB"}},
	}
	out := renderRun(state)
	assert.Contains(t, out, "RoleA -> 01234567")
	assert.Contains(t, out, "RoleB -> [red]unbound[-]")
	assert.Contains(t, out, "no run")
	assert.Equal(t, "(empty)", renderArtifact(state))

	state.CurrentRun = &orchestrator.RunView{
		ID:               "run-abcdefgh-1",
		Status:           domain.RunStatusPaused,
		CurrentRound:     2,
		MaxRounds:        5,
		CurrentStagePath: []string{"main_loop", "a_turn"},
		CentralArtifact:  "[draft]",
		LastReplies:      map[string]string{"RoleB": "second", "RoleA": "first\nline"},
	}
	out = renderRun(state)
	assert.Contains(t, out, "run-abcd")
	assert.Contains(t, out, "[yellow]paused[-]")
	assert.Contains(t, out, "round 2/5")
	assert.Contains(t, out, "stage main_loop > a_turn")
	assert.Less(t, strings.Index(out, "RoleA: first line"), strings.Index(out, "RoleB: second"))
	assert.Equal(t, tview.Escape("[draft]"), renderArtifact(state))
}

func TestRenderEventsNewestFirst(t *testing.T) {
	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	failed := false
	events := []domain.ScenarioEvent{
		{Seq: 1, Type: domain.EventTypeRunStatus, Time: at, From: domain.RunStatusIdle, To: domain.RunStatusRunning},
		{Seq: 2, Type: domain.EventTypeTaskAssigned, Time: at.Add(time.Second), Slot: "RoleA", PromptPreview: "do it"},
		{Seq: 3, Type: domain.EventTypeTaskResult, Time: at.Add(2 * time.Second), Slot: "RoleA", OK: &failed, Error: "timeout"},
	}
	out := renderEvents(events, 2)
	assert.Equal(t, "10:00:02 [red]result[-] RoleA timeout\n10:00:01 [blue]assign[-] RoleA do it", out)
	assert.Equal(t, "No events.", renderEvents(nil, 10))
}

func TestRenderPersona(t *testing.T) {
	assert.Equal(t, "coordinator disabled", renderPersona(nil))

	out := renderPersona(&persona.State{
		Round:       3,
		MaxRounds:   100,
		Stage:       persona.StageNeedSyn,
		IsRunning:   true,
		Workers:     map[domain.PersonaRole]string{domain.PersonaRoleSynthesizer: "tab-s"},
		PendingRole: domain.PersonaRoleSynthesizer,
	})
	assert.Contains(t, out, "running  round 3/100  stage needSyn")
	assert.Contains(t, out, "* Synthesizer tab-s")
	assert.Contains(t, out, "  Maximizer   -")
}

func TestRenderWorkersTable(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 0, 30, 0, time.UTC)
	table := tview.NewTable()
	renderWorkersTable(table, []orchestrator.WorkerView{
		{WorkerID: "w-2", Status: domain.WorkerStatusBusy, QueueLength: 2, LastSeenAt: now.Add(-5 * time.Second)},
		{WorkerID: "w-1", PersonaLabel: "Judge", SlotName: "RoleA", Status: domain.WorkerStatusIdle},
	}, now)
	require.Equal(t, 3, table.GetRowCount())
	assert.Equal(t, "w-1", table.GetCell(1, 0).Text)
	assert.Equal(t, "RoleA", table.GetCell(1, 2).Text)
	assert.Equal(t, "-", table.GetCell(1, 5).Text)
	assert.Equal(t, "2", table.GetCell(2, 4).Text)
	assert.Equal(t, "5s", table.GetCell(2, 5).Text)
}

func TestTrimAndShort(t *testing.T) {
	assert.Equal(t, "abc", trimLine("abc", 5))
	assert.Equal(t, "ab...", trimLine("abcdefgh", 5))
	assert.Equal(t, "abcdefgh", shortID("abcdefghij"))
	assert.Equal(t, "a b c", oneLine(" a\n b\tc "))
}

