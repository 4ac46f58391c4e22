package inproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
)

type collector struct {
	mu  sync.Mutex
	got []domain.Envelope
}

func (c *collector) handle(env domain.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func TestPublishSkipsSender(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	var a, b collector
	_, err := bus.Subscribe(messaging.TopicWorkerRPC, "tab-a", a.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(messaging.TopicWorkerRPC, "tab-b", b.handle)
	require.NoError(t, err)

	env, err := messaging.NewEnvelope(messaging.TopicWorkerRPC, "tab-a", domain.MessageTypePing, domain.PingCommand{ID: "p1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), env))

	require.Eventually(t, func() bool { return b.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, a.len())
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	var worker, persona collector
	_, err := bus.Subscribe(messaging.TopicWorkerRPC, "listener", worker.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(messaging.TopicPersona, "listener", persona.handle)
	require.NoError(t, err)

	require.NoError(t, messaging.PublishPayload(context.Background(), bus, messaging.TopicPersona, "coord", domain.MessageTypeTaskAssign, domain.TaskAssignMessage{TaskID: "round-1-maximizer"}))

	require.Eventually(t, func() bool { return persona.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, worker.len())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(8)
	defer bus.Close()

	var c collector
	unsubscribe, err := bus.Subscribe(messaging.TopicWorkerRPC, "tab", c.handle)
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()

	require.NoError(t, messaging.PublishPayload(context.Background(), bus, messaging.TopicWorkerRPC, "other", domain.MessageTypePing, domain.PingCommand{}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New(1)
	defer bus.Close()

	release := make(chan struct{})
	_, err := bus.Subscribe(messaging.TopicWorkerRPC, "slow", func(domain.Envelope) { <-release })
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, messaging.PublishPayload(context.Background(), bus, messaging.TopicWorkerRPC, "fast", domain.MessageTypePing, domain.PingCommand{}))
	}
	close(release)
	assert.Greater(t, bus.Dropped(), uint64(0))
}

func TestClosedBusRejects(t *testing.T) {
	bus := New(1)
	require.NoError(t, bus.Close())

	_, err := bus.Subscribe(messaging.TopicWorkerRPC, "tab", func(domain.Envelope) {})
	assert.ErrorIs(t, err, messaging.ErrClosed)
	err = messaging.PublishPayload(context.Background(), bus, messaging.TopicWorkerRPC, "tab", domain.MessageTypePing, domain.PingCommand{})
	assert.ErrorIs(t, err, messaging.ErrClosed)
}
