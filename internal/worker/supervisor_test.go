package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging/inproc"
	"tabrelay/internal/store"
)

func TestSupervisorReloadsAfterFailure(t *testing.T) {
	bus := inproc.New(64)
	defer bus.Close()
	p := newPeer(t, bus)
	kv := store.NewMemory()

	cfg := domain.DefaultWorkerConfig()
	cfg.MaxRetries = 0
	cfg.AutoReloadOnError = true
	cfg.MaxReloadPerSession = 1
	cfg.ReloadCooldownMS = 0

	failing := func(context.Context, domain.WorkerTask) domain.RunPromptResult {
		return domain.RunPromptResult{OK: false, Error: "send_button_not_found"}
	}
	session := NewSession()
	sup := NewSupervisor(func(ctx context.Context, s *Session) (*Agent, error) {
		return NewAgent(ctx, Options{
			Bus:           bus,
			Store:         kv,
			Executor:      failing,
			Session:       s,
			DefaultConfig: cfg,
			ReloadDelay:   10 * time.Millisecond,
			Queue:         QueueOptions{Sleep: noSleep},
		})
	}, session, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Current() != nil }, 2*time.Second, 5*time.Millisecond)
	first := sup.Current()
	assert.False(t, first.FromReload())
	first.Enqueue("t1", "hello", nil)

	require.Eventually(t, func() bool { return sup.Generations() == 2 && sup.Current() != nil }, 2*time.Second, 5*time.Millisecond)
	second := sup.Current()
	assert.True(t, second.FromReload())
	assert.Equal(t, first.ID(), second.ID(), "reloaded agent keeps its worker id")
	assert.Equal(t, 1, session.ReloadCount())

	hellos := p.waitFor(domain.MessageTypeHello, 2)
	var ev domain.HelloEvent
	require.NoError(t, hellos[len(hellos)-1].Decode(&ev))
	assert.True(t, ev.FromReload)
	assert.Equal(t, 1, ev.ReloadCount)

	// the budget is spent; a second failure does not reload again
	second.Enqueue("t2", "hello", nil)
	p.waitFor(domain.MessageTypeResult, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sup.Generations())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
