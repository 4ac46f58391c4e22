package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"tabrelay/internal/domain"
	"tabrelay/internal/orchestrator"
	"tabrelay/internal/persona"
)

var errUnknownCommand = errors.New("unknown command; try: start, pause, resume, stop, step, select, bind, unbind, name, ping, label, persona")

// request is one control API call built from a command line.
type request struct {
	method string
	path   string
	body   any
}

// parseCommand turns an operator command line into an API request.
func parseCommand(line string) (request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return request{}, errUnknownCommand
	}
	verb, args := strings.ToLower(fields[0]), fields[1:]
	rest := func(from int) string {
		parts := strings.SplitN(strings.TrimSpace(line), " ", from+2)
		if len(parts) <= from+1 {
			return ""
		}
		return strings.TrimSpace(parts[from+1])
	}

	switch verb {
	case "pause", "resume", "stop", "step":
		return request{method: http.MethodPost, path: "/runs/" + verb}, nil
	case "start":
		if len(args) == 0 {
			return request{}, errors.New("usage: start <template-id> [initial artifact]")
		}
		return request{method: http.MethodPost, path: "/runs", body: map[string]string{
			"templateId":      args[0],
			"initialArtifact": rest(1),
		}}, nil
	case "select":
		if len(args) != 1 {
			return request{}, errors.New("usage: select <template-id>")
		}
		return request{method: http.MethodPost, path: "/templates/" + url.PathEscape(args[0]) + "/select"}, nil
	case "bind":
		if len(args) != 2 {
			return request{}, errors.New("usage: bind <slot> <worker-id>")
		}
		return request{method: http.MethodPut, path: "/slots/" + url.PathEscape(args[0]), body: map[string]string{"workerId": args[1]}}, nil
	case "unbind":
		if len(args) != 1 {
			return request{}, errors.New("usage: unbind <slot>")
		}
		return request{method: http.MethodPut, path: "/slots/" + url.PathEscape(args[0]), body: map[string]string{"workerId": ""}}, nil
	case "name":
		return request{method: http.MethodPut, path: "/runs/name", body: map[string]string{"name": rest(0)}}, nil
	case "ping":
		if len(args) != 1 {
			return request{}, errors.New("usage: ping <worker-id>")
		}
		return workerCommand(args[0], map[string]any{"type": domain.MessageTypePing})
	case "label":
		if len(args) < 2 {
			return request{}, errors.New("usage: label <worker-id> <label>")
		}
		return workerCommand(args[0], map[string]any{"type": domain.MessageTypeSetPersonaLabel, "label": rest(1)})
	case "persona":
		if len(args) != 1 || (args[0] != "start" && args[0] != "stop") {
			return request{}, errors.New("usage: persona start|stop")
		}
		return request{method: http.MethodPost, path: "/persona/" + args[0]}, nil
	}
	return request{}, errUnknownCommand
}

func workerCommand(workerID string, body map[string]any) (request, error) {
	return request{method: http.MethodPost, path: "/workers/" + url.PathEscape(workerID) + "/commands", body: body}, nil
}

func renderWorkersTable(table *tview.Table, workers []orchestrator.WorkerView, now time.Time) {
	table.Clear()
	headers := []string{"Worker", "Label", "Slot", "Status", "Queue", "Seen"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	sorted := append([]orchestrator.WorkerView(nil), workers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].WorkerID < sorted[j].WorkerID })
	for i, w := range sorted {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(w.WorkerID)))
		table.SetCell(row, 1, tview.NewTableCell(trimLine(w.PersonaLabel, 20)))
		table.SetCell(row, 2, tview.NewTableCell(w.SlotName))
		table.SetCell(row, 3, tview.NewTableCell(string(w.Status)).SetTextColor(statusColor(w.Status)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", w.QueueLength)))
		table.SetCell(row, 5, tview.NewTableCell(ago(now, w.LastSeenAt)))
	}
}

func statusColor(s domain.WorkerStatus) tcell.Color {
	switch s {
	case domain.WorkerStatusBusy:
		return tcell.ColorYellow
	case domain.WorkerStatusCooldown:
		return tcell.ColorDarkCyan
	case domain.WorkerStatusError:
		return tcell.ColorRed
	}
	return tcell.ColorGreen
}

func renderRun(state orchestrator.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[::b]template[::-] %s\n", state.SelectedTemplateID)
	for _, slot := range state.Slots {
		bound := slot.BoundWorkerID
		if bound == "" {
			bound = "[red]unbound[-]"
		} else {
			bound = shortID(bound)
		}
		fmt.Fprintf(&b, "  %s -> %s\n", slot.SlotName, bound)
	}
	run := state.CurrentRun
	if run == nil {
		b.WriteString("\nno run")
		return b.String()
	}
	name := run.Name
	if name == "" {
		name = shortID(run.ID)
	}
	fmt.Fprintf(&b, "\n[::b]run[::-] %s  [%s]%s[-]\n", name, runColor(run.Status), run.Status)
	fmt.Fprintf(&b, "round %d/%d\n", run.CurrentRound, run.MaxRounds)
	if len(run.CurrentStagePath) > 0 {
		fmt.Fprintf(&b, "stage %s\n", strings.Join(run.CurrentStagePath, " > "))
	}
	roles := make([]string, 0, len(run.LastReplies))
	for role := range run.LastReplies {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Fprintf(&b, "  %s: %s\n", role, trimLine(oneLine(run.LastReplies[role]), 60))
	}
	return b.String()
}

func runColor(s domain.RunStatus) string {
	switch s {
	case domain.RunStatusRunning:
		return "green"
	case domain.RunStatusPaused:
		return "yellow"
	case domain.RunStatusError:
		return "red"
	}
	return "white"
}

func renderArtifact(state orchestrator.State) string {
	if state.CurrentRun == nil || state.CurrentRun.CentralArtifact == "" {
		return "(empty)"
	}
	return tview.Escape(state.CurrentRun.CentralArtifact)
}

// renderEvents lists the newest events first, at most limit of them.
func renderEvents(events []domain.ScenarioEvent, limit int) string {
	if len(events) == 0 {
		return "No events."
	}
	var lines []string
	for i := len(events) - 1; i >= 0 && len(lines) < limit; i-- {
		lines = append(lines, eventLine(events[i]))
	}
	return strings.Join(lines, "\n")
}

func eventLine(ev domain.ScenarioEvent) string {
	at := ev.Time.Format("15:04:05")
	switch ev.Type {
	case domain.EventTypeTaskAssigned:
		return fmt.Sprintf("%s [blue]assign[-] %s %s", at, ev.Slot, tview.Escape(trimLine(oneLine(ev.PromptPreview), 60)))
	case domain.EventTypeTaskResult:
		if ev.OK != nil && !*ev.OK {
			return fmt.Sprintf("%s [red]result[-] %s %s", at, ev.Slot, tview.Escape(ev.Error))
		}
		return fmt.Sprintf("%s [green]result[-] %s %s", at, ev.Slot, shortID(ev.TaskID))
	case domain.EventTypeArtifactUpdated:
		return fmt.Sprintf("%s [yellow]artifact[-] %s", at, tview.Escape(trimLine(oneLine(ev.DiffPreview), 60)))
	case domain.EventTypeRunStatus:
		return fmt.Sprintf("%s status %s -> %s", at, ev.From, ev.To)
	case domain.EventTypeRunError:
		return fmt.Sprintf("%s [red]error[-] %s", at, tview.Escape(ev.Message))
	}
	return fmt.Sprintf("%s %s", at, ev.Type)
}

func renderHistory(items []domain.PersistedRunSummary, limit int) string {
	if len(items) == 0 {
		return "No finished runs."
	}
	var lines []string
	for i := 0; i < len(items) && i < limit; i++ {
		it := items[i]
		lines = append(lines, fmt.Sprintf("%s %s %s %s",
			it.CreatedAt.Format("01-02 15:04"), shortID(it.RunID), it.Status, tview.Escape(trimLine(oneLine(it.ArtifactPreview), 40))))
	}
	return strings.Join(lines, "\n")
}

func renderPersona(state *persona.State) string {
	if state == nil {
		return "coordinator disabled"
	}
	running := "stopped"
	if state.IsRunning {
		running = "running"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  round %d/%d  stage %s\n", running, state.Round, state.MaxRounds, state.Stage)
	if state.StopReason != "" {
		fmt.Fprintf(&b, "reason: %s\n", state.StopReason)
	}
	for _, role := range []domain.PersonaRole{
		domain.PersonaRoleMaximizer,
		domain.PersonaRoleMinimizer,
		domain.PersonaRoleSynthesizer,
		domain.PersonaRoleJudge,
	} {
		tab := state.Workers[role]
		if tab == "" {
			tab = "-"
		}
		marker := " "
		if role == state.PendingRole {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %-11s %s\n", marker, role, tab)
	}
	return b.String()
}

func ago(now, at time.Time) string {
	if at.IsZero() {
		return "-"
	}
	d := now.Sub(at).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
