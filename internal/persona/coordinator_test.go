package persona

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/messaging/faultbus"
	"tabrelay/internal/messaging/inproc"
)

// tab stands in for a persona tab and records assignments addressed to it.
type tab struct {
	t     *testing.T
	bus   messaging.Bus
	id    string
	role  domain.PersonaRole
	reply func(domain.TaskAssignMessage) (string, bool)

	mu      sync.Mutex
	assigns []domain.TaskAssignMessage
}

func newTab(t *testing.T, bus messaging.Bus, id string, role domain.PersonaRole, reply func(domain.TaskAssignMessage) (string, bool)) *tab {
	tb := &tab{t: t, bus: bus, id: id, role: role, reply: reply}
	unsubscribe, err := bus.Subscribe(messaging.TopicPersona, id, tb.handle)
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return tb
}

func (tb *tab) register() {
	require.NoError(tb.t, messaging.PublishPayload(context.Background(), tb.bus, messaging.TopicPersona, tb.id,
		domain.MessageTypeRegisterPersona, domain.RegisterPersonaMessage{Role: tb.role, TabID: tb.id}))
}

func (tb *tab) handle(env domain.Envelope) {
	if env.Type != domain.MessageTypeTaskAssign {
		return
	}
	var a domain.TaskAssignMessage
	if err := env.Decode(&a); err != nil || a.TabID != tb.id {
		return
	}
	tb.mu.Lock()
	tb.assigns = append(tb.assigns, a)
	tb.mu.Unlock()
	if tb.reply == nil {
		return
	}
	if text, ok := tb.reply(a); ok {
		_ = messaging.PublishPayload(context.Background(), tb.bus, messaging.TopicPersona, tb.id, domain.MessageTypeTaskResult,
			domain.TaskResultMessage{Role: a.Role, TabID: tb.id, TaskID: a.TaskID, Reply: text})
	}
}

func (tb *tab) Assigns() []domain.TaskAssignMessage {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return append([]domain.TaskAssignMessage(nil), tb.assigns...)
}

func echo(a domain.TaskAssignMessage) (string, bool) { return "ack:" + a.Prompt, true }

func startCoordinator(t *testing.T, bus messaging.Bus, cfg Config) *Coordinator {
	t.Helper()
	c := NewCoordinator(bus, cfg, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func fourTabs(t *testing.T, bus messaging.Bus, judge func(domain.TaskAssignMessage) (string, bool)) map[domain.PersonaRole]*tab {
	tabs := map[domain.PersonaRole]*tab{
		domain.PersonaRoleMaximizer:   newTab(t, bus, "tab-max", domain.PersonaRoleMaximizer, echo),
		domain.PersonaRoleMinimizer:   newTab(t, bus, "tab-min", domain.PersonaRoleMinimizer, echo),
		domain.PersonaRoleSynthesizer: newTab(t, bus, "tab-syn", domain.PersonaRoleSynthesizer, echo),
		domain.PersonaRoleJudge:       newTab(t, bus, "tab-judge", domain.PersonaRoleJudge, judge),
	}
	return tabs
}

func registerAll(t *testing.T, c *Coordinator, tabs map[domain.PersonaRole]*tab) {
	for _, tb := range tabs {
		tb.register()
	}
	require.Eventually(t, func() bool { return len(c.State().Workers) == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestComposePrompt(t *testing.T) {
	empty := map[domain.PersonaRole]string{}
	assert.Equal(t, "Round 1: act as the Maximizer.\nNo previous synthesis available.\nGenerate an improved proposal to move the discussion forward.",
		ComposePrompt(domain.PersonaRoleMaximizer, 1, empty))
	assert.Equal(t, "Round 1: act as the Minimizer.\nCritique the Maximizer output with concise risks and gaps.\nMaximizer said: No Maximizer output yet.",
		ComposePrompt(domain.PersonaRoleMinimizer, 1, empty))

	replies := map[domain.PersonaRole]string{
		domain.PersonaRoleMaximizer:   "big",
		domain.PersonaRoleMinimizer:   "small",
		domain.PersonaRoleSynthesizer: "middle",
	}
	assert.Equal(t, "Round 2: act as the Maximizer.\nPrevious synthesis: middle\nGenerate an improved proposal to move the discussion forward.",
		ComposePrompt(domain.PersonaRoleMaximizer, 2, replies))
	assert.Equal(t, "Round 2: act as the Synthesizer.\nMaximizer said: big\nMinimizer said: small\nProduce a balanced synthesis that reconciles both.",
		ComposePrompt(domain.PersonaRoleSynthesizer, 2, replies))
	judge := ComposePrompt(domain.PersonaRoleJudge, 2, replies)
	assert.True(t, strings.HasPrefix(judge, "Round 2: act as the Judge.\nReview the latest synthesis: middle\n"))
	assert.True(t, HasJudgeMarkers(judge))
	assert.Empty(t, ComposePrompt(domain.PersonaRoleCoordinator, 1, replies))
}

func TestTaskIDAndMarkers(t *testing.T) {
	assert.Equal(t, "round-3-synthesizer", TaskID(domain.PersonaRoleSynthesizer, 3))
	assert.True(t, HasJudgeMarkers("x "+JudgeMarkerStart+" y "+JudgeMarkerEnd))
	assert.False(t, HasJudgeMarkers(JudgeMarkerStart+" only the start"))
}

func TestCoordinatorRunsRoundsUntilBudget(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	c := startCoordinator(t, bus, Config{MaxRounds: 2})
	tabs := fourTabs(t, bus, echo)
	registerAll(t, c, tabs)

	c.StartSession()
	require.Eventually(t, func() bool {
		s := c.State()
		return !s.IsRunning && s.StopReason != ""
	}, 2*time.Second, 5*time.Millisecond)

	s := c.State()
	assert.Equal(t, 3, s.Round)
	assert.Equal(t, "max rounds reached", s.StopReason)
	assert.Empty(t, s.PendingTaskID)
	for role, tb := range tabs {
		assigns := tb.Assigns()
		require.Len(t, assigns, 2, role)
		assert.Equal(t, TaskID(role, 1), assigns[0].TaskID)
		assert.Equal(t, TaskID(role, 2), assigns[1].TaskID)
	}
	second := tabs[domain.PersonaRoleMaximizer].Assigns()[1]
	assert.Contains(t, second.Prompt, "Previous synthesis: ack:Round 1: act as the Synthesizer.")
}

func TestCoordinatorRedispatchesJudgeWithoutMarkers(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	c := startCoordinator(t, bus, Config{MaxRounds: 5, MaxJudgeAttempts: 3})
	tabs := fourTabs(t, bus, func(domain.TaskAssignMessage) (string, bool) { return "CONTINUE", true })
	registerAll(t, c, tabs)

	c.StartSession()
	require.Eventually(t, func() bool { return !c.State().IsRunning }, 2*time.Second, 5*time.Millisecond)

	s := c.State()
	assert.Equal(t, 1, s.Round)
	assert.Equal(t, StageNeedJudge, s.Stage)
	assert.Equal(t, 3, s.JudgeAttempts)
	assert.Equal(t, "judge missed update markers 3 times", s.StopReason)
	judge := tabs[domain.PersonaRoleJudge].Assigns()
	require.Len(t, judge, 3)
	for _, a := range judge {
		assert.Equal(t, "round-1-judge", a.TaskID)
	}
}

func TestCoordinatorWaitsForMissingRole(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	c := startCoordinator(t, bus, Config{MaxRounds: 1})
	tabs := fourTabs(t, bus, echo)

	c.StartSession()
	assert.Empty(t, c.State().PendingTaskID)

	tabs[domain.PersonaRoleMinimizer].register()
	tabs[domain.PersonaRoleMaximizer].register()
	require.Eventually(t, func() bool { return c.State().Stage == StageNeedSyn }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.State().IsRunning)
	assert.Empty(t, c.State().PendingTaskID)

	tabs[domain.PersonaRoleSynthesizer].register()
	tabs[domain.PersonaRoleJudge].register()
	require.Eventually(t, func() bool { return !c.State().IsRunning }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, c.State().Round)
}

func TestCoordinatorRejectsStaleAndDuplicateResults(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	c := startCoordinator(t, bus, Config{})
	c.HandleMessage(envelope(t, domain.MessageTypeRegisterPersona, domain.RegisterPersonaMessage{Role: domain.PersonaRoleMaximizer, TabID: "tab-max"}))
	c.StartSession()
	require.Equal(t, "round-1-maximizer", c.State().PendingTaskID)

	c.HandleMessage(envelope(t, domain.MessageTypeTaskResult, domain.TaskResultMessage{Role: domain.PersonaRoleMaximizer, TaskID: "round-0-maximizer", Reply: "old"}))
	c.HandleMessage(envelope(t, domain.MessageTypeTaskResult, domain.TaskResultMessage{Role: domain.PersonaRoleJudge, TaskID: "round-1-maximizer", Reply: "wrong role"}))
	assert.Equal(t, StageNeedMax, c.State().Stage)

	good := envelope(t, domain.MessageTypeTaskResult, domain.TaskResultMessage{Role: domain.PersonaRoleMaximizer, TaskID: "round-1-maximizer", Reply: "fresh"})
	c.HandleMessage(good)
	s := c.State()
	assert.Equal(t, StageNeedMin, s.Stage)
	assert.Equal(t, "fresh", s.LastReplies[domain.PersonaRoleMaximizer])

	c.HandleMessage(good)
	assert.Equal(t, StageNeedMin, c.State().Stage)
}

func TestCoordinatorIgnoresResultsWhenStopped(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	c := startCoordinator(t, bus, Config{})
	c.HandleMessage(envelope(t, domain.MessageTypeRegisterPersona, domain.RegisterPersonaMessage{Role: domain.PersonaRoleMaximizer, TabID: "tab-max"}))
	c.StartSession()
	c.StopSession("operator")

	c.HandleMessage(envelope(t, domain.MessageTypeTaskResult, domain.TaskResultMessage{Role: domain.PersonaRoleMaximizer, TaskID: "round-1-maximizer", Reply: "late"}))
	s := c.State()
	assert.False(t, s.IsRunning)
	assert.Equal(t, "operator", s.StopReason)
	assert.Empty(t, s.LastReplies)
}

func TestCoordinatorIgnoresNonWorkerRegistration(t *testing.T) {
	c := NewCoordinator(inproc.New(8), Config{}, nil, nil)
	c.HandleMessage(envelope(t, domain.MessageTypeRegisterPersona, domain.RegisterPersonaMessage{Role: domain.PersonaRoleCoordinator, TabID: "x"}))
	c.HandleMessage(envelope(t, domain.MessageTypeRegisterPersona, domain.RegisterPersonaMessage{Role: "Hacker", TabID: "y"}))
	assert.Empty(t, c.State().Workers)
}

func TestCoordinatorSurvivesDuplicatedDeliveries(t *testing.T) {
	inner := inproc.New(64)
	defer inner.Close()
	bus := faultbus.Wrap(inner, faultbus.DuplicateType(domain.MessageTypeTaskResult, 2))
	c := startCoordinator(t, bus, Config{MaxRounds: 1})
	tabs := fourTabs(t, bus, echo)
	registerAll(t, c, tabs)

	c.StartSession()
	require.Eventually(t, func() bool { return !c.State().IsRunning }, 2*time.Second, 5*time.Millisecond)
	for _, tb := range tabs {
		assert.Len(t, tb.Assigns(), 1)
	}
	assert.Equal(t, 2, c.State().Round)
}

func TestCoordinatorNotifiesListeners(t *testing.T) {
	c := NewCoordinator(inproc.New(8), Config{}, nil, nil)
	var got []State
	unsubscribe := c.OnChange(func(s State) { got = append(got, s) })
	c.StartSession()
	c.StopSession("done")
	unsubscribe()
	c.StartSession()

	require.Len(t, got, 2)
	assert.True(t, got[0].IsRunning)
	assert.False(t, got[1].IsRunning)
}

func envelope(t *testing.T, msgType domain.MessageType, payload any) domain.Envelope {
	t.Helper()
	env, err := messaging.NewEnvelope(messaging.TopicPersona, "test", msgType, payload)
	require.NoError(t, err)
	return env
}
