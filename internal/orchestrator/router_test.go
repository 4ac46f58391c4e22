package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/messaging/inproc"
)

// scriptedWorker answers RUN_PROMPT commands addressed to it. A nil reply
// func swallows prompts.
type scriptedWorker struct {
	t     *testing.T
	bus   messaging.Bus
	id    string
	reply func(cmd domain.RunPromptCommand) *domain.ResultEvent

	mu       sync.Mutex
	commands []domain.RunPromptCommand
}

func newScriptedWorker(t *testing.T, bus messaging.Bus, id string, reply func(domain.RunPromptCommand) *domain.ResultEvent) *scriptedWorker {
	w := &scriptedWorker{t: t, bus: bus, id: id, reply: reply}
	unsubscribe, err := bus.Subscribe(messaging.TopicWorkerRPC, id, w.handle)
	require.NoError(t, err)
	t.Cleanup(unsubscribe)
	return w
}

func (w *scriptedWorker) handle(env domain.Envelope) {
	if env.Type != domain.MessageTypeRunPrompt || env.TargetWorkerID != w.id {
		return
	}
	var cmd domain.RunPromptCommand
	if err := env.Decode(&cmd); err != nil {
		return
	}
	w.mu.Lock()
	w.commands = append(w.commands, cmd)
	w.mu.Unlock()
	if w.reply == nil {
		return
	}
	if res := w.reply(cmd); res != nil {
		res.WorkerID = w.id
		_ = messaging.PublishPayload(context.Background(), w.bus, messaging.TopicWorkerRPC, w.id, domain.MessageTypeResult, res)
	}
}

func (w *scriptedWorker) Commands() []domain.RunPromptCommand {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.RunPromptCommand(nil), w.commands...)
}

func echoReply(cmd domain.RunPromptCommand) *domain.ResultEvent {
	return &domain.ResultEvent{ID: cmd.ID, OK: true, Reply: "re:" + cmd.Prompt}
}

func startRouter(t *testing.T, bus messaging.Bus, cfg RouterConfig) *Router {
	t.Helper()
	r := NewRouter(bus, cfg, nil, nil)
	require.NoError(t, r.Start())
	t.Cleanup(r.Close)
	return r
}

func TestRouterRunsPromptOnBoundSlot(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	worker := newScriptedWorker(t, bus, "inst_a00001", echoReply)
	r := startRouter(t, bus, RouterConfig{})
	r.SetSlots([]domain.WorkerSlot{{SlotName: "RoleA", BoundWorkerID: "inst_a00001"}})

	res := r.RunPromptOnSlot(context.Background(), "run_1", "RoleA", "hello", map[string]any{"slotName": "RoleA"})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "re:hello", res.Reply)

	cmds := worker.Commands()
	require.Len(t, cmds, 1)
	assert.Regexp(t, `^run_1-RoleA-[0-9a-f]{6}$`, cmds[0].ID)
	assert.Equal(t, "run_1", cmds[0].Metadata["runId"])
	assert.Equal(t, "RoleA", cmds[0].Metadata["slotName"])
	assert.Equal(t, 0, r.Pending())
}

func TestRouterUnboundSlotFailsWithoutSending(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	worker := newScriptedWorker(t, bus, "inst_a00002", echoReply)
	r := startRouter(t, bus, RouterConfig{})
	r.SetSlots([]domain.WorkerSlot{{SlotName: "RoleA"}})

	_, err := r.Prepare("run_1", "RoleA")
	var unbound *UnboundSlotError
	require.True(t, errors.As(err, &unbound))
	assert.Equal(t, "No worker bound for slot RoleA", err.Error())

	res := r.RunPromptOnSlot(context.Background(), "run_1", "Ghost", "hello", nil)
	assert.False(t, res.OK)
	assert.Equal(t, "No worker bound for slot Ghost", res.Error)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, worker.Commands())
}

func TestRouterTimeoutThenLateResultIsIgnored(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	var (
		mu   sync.Mutex
		held []domain.RunPromptCommand
	)
	newScriptedWorker(t, bus, "inst_a00003", func(cmd domain.RunPromptCommand) *domain.ResultEvent {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, cmd)
		return nil
	})
	r := startRouter(t, bus, RouterConfig{Timeout: 50 * time.Millisecond})
	r.SetSlots([]domain.WorkerSlot{{SlotName: "RoleA", BoundWorkerID: "inst_a00003"}})

	res := r.RunPromptOnSlot(context.Background(), "run_1", "RoleA", "hello", nil)
	assert.False(t, res.OK)
	assert.Equal(t, "Timeout waiting for result", res.Error)
	assert.Equal(t, 0, r.Pending())

	mu.Lock()
	require.Len(t, held, 1)
	late := held[0]
	mu.Unlock()
	require.NoError(t, messaging.PublishPayload(context.Background(), bus, messaging.TopicWorkerRPC, "inst_a00003", domain.MessageTypeResult,
		domain.ResultEvent{WorkerID: "inst_a00003", ID: late.ID, OK: true, Reply: "too late"}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.Pending())
}

func TestRouterAwaitHonoursContext(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	newScriptedWorker(t, bus, "inst_a00004", nil)
	r := startRouter(t, bus, RouterConfig{})
	r.SetSlots([]domain.WorkerSlot{{SlotName: "RoleA", BoundWorkerID: "inst_a00004"}})

	ctx, cancel := context.WithCancel(context.Background())
	d, err := r.Prepare("run_1", "RoleA")
	require.NoError(t, err)
	done := make(chan domain.RunPromptResult, 1)
	go func() { done <- r.Await(ctx, d, "hello", nil) }()

	require.Eventually(t, func() bool { return r.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case res := <-done:
		assert.False(t, res.OK)
		assert.Equal(t, "run canceled", res.Error)
	case <-time.After(time.Second):
		t.Fatal("await did not return after cancel")
	}
	assert.Equal(t, 0, r.Pending())
}

func TestRouterCloseFailsPendingCalls(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	newScriptedWorker(t, bus, "inst_a00005", nil)
	r := NewRouter(bus, RouterConfig{}, nil, nil)
	require.NoError(t, r.Start())
	r.SetSlots([]domain.WorkerSlot{{SlotName: "RoleA", BoundWorkerID: "inst_a00005"}})

	done := make(chan domain.RunPromptResult, 1)
	go func() { done <- r.RunPromptOnSlot(context.Background(), "run_1", "RoleA", "hello", nil) }()
	require.Eventually(t, func() bool { return r.Pending() == 1 }, time.Second, time.Millisecond)
	r.Close()

	res := <-done
	assert.False(t, res.OK)
	assert.Equal(t, "router closed", res.Error)

	after := r.RunPromptOnSlot(context.Background(), "run_1", "RoleA", "again", nil)
	assert.Equal(t, "router closed", after.Error)
}

func TestRouterSendCommandRejectsEvents(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	r := startRouter(t, bus, RouterConfig{})
	assert.Error(t, r.SendCommand(context.Background(), "inst_x", domain.MessageTypeHello, domain.HelloEvent{}))
	assert.NoError(t, r.SendCommand(context.Background(), "inst_x", domain.MessageTypePing, domain.PingCommand{ID: "p"}))
}

func TestRouterForwardsEventsToListeners(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	r := startRouter(t, bus, RouterConfig{})

	var (
		mu   sync.Mutex
		seen []domain.MessageType
	)
	unsubscribe := r.OnEvent(func(env domain.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, env.Type)
	})
	defer unsubscribe()

	require.NoError(t, messaging.PublishPayload(context.Background(), bus, messaging.TopicWorkerRPC, "inst_b00001", domain.MessageTypeLog,
		domain.LogEvent{WorkerID: "inst_b00001", Level: domain.LogLevelWarn, Message: "slow"}))
	require.NoError(t, messaging.PublishPayload(context.Background(), bus, messaging.TopicWorkerRPC, "other", domain.MessageTypePing, domain.PingCommand{ID: "p"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.MessageType{domain.MessageTypeLog}, seen)
}
