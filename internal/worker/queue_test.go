package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/domain"
)

type recorder struct {
	mu       sync.Mutex
	statuses []domain.WorkerStatus
	results  []domain.WorkerTask
	outcomes []domain.RunPromptResult
	delays   []time.Duration
}

func (r *recorder) callbacks() QueueCallbacks {
	return QueueCallbacks{
		OnStatusChange: func(status domain.WorkerStatus, _, _ string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, status)
		},
		OnResult: func(task domain.WorkerTask, result domain.RunPromptResult) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, task)
			r.outcomes = append(r.outcomes, result)
		},
	}
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func fixedConfig(cfg domain.WorkerConfig) func() domain.WorkerConfig {
	return func() domain.WorkerConfig { return cfg }
}

func waitDrained(t *testing.T, q *Queue) {
	t.Helper()
	select {
	case <-q.Drained():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not drain")
	}
}

func TestQueueRunsTasksInOrderWithoutOverlap(t *testing.T) {
	var rec recorder
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var mu sync.Mutex
	var seen []string

	exec := func(_ context.Context, task domain.WorkerTask) domain.RunPromptResult {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inFlight.Add(-1)
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, task.ID)
		mu.Unlock()
		return domain.RunPromptResult{OK: true, Reply: "ok"}
	}

	cfg := domain.DefaultWorkerConfig()
	q := NewQueue(fixedConfig(cfg), exec, rec.callbacks(), QueueOptions{Sleep: rec.sleep})
	defer q.Close()

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("task-%02d", i)
		want = append(want, id)
		q.Enqueue(id, "prompt "+id, nil)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	waitDrained(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
	assert.False(t, overlapped.Load(), "executor calls overlapped")
	assert.Equal(t, 0, q.Len())
}

func TestQueueRetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 5} {
		t.Run(fmt.Sprintf("maxRetries=%d", maxRetries), func(t *testing.T) {
			var rec recorder
			var calls atomic.Int32
			exec := func(context.Context, domain.WorkerTask) domain.RunPromptResult {
				calls.Add(1)
				return domain.RunPromptResult{OK: false, Error: "input_not_found"}
			}
			cfg := domain.DefaultWorkerConfig()
			cfg.MaxRetries = maxRetries
			q := NewQueue(fixedConfig(cfg), exec, rec.callbacks(), QueueOptions{Sleep: rec.sleep})
			defer q.Close()

			q.Enqueue("t1", "hello", nil)
			require.Eventually(t, func() bool {
				rec.mu.Lock()
				defer rec.mu.Unlock()
				return len(rec.results) == 1
			}, 2*time.Second, 5*time.Millisecond)
			waitDrained(t, q)

			assert.Equal(t, int32(maxRetries+1), calls.Load())
			rec.mu.Lock()
			defer rec.mu.Unlock()
			assert.Equal(t, maxRetries+1, rec.results[0].Attempts)
			assert.False(t, rec.outcomes[0].OK)
			assert.Equal(t, "input_not_found", rec.outcomes[0].Error)
			// one delay per retry plus the steady-state delay after the task
			assert.Len(t, rec.delays, maxRetries+1)
			assert.Contains(t, rec.statuses, domain.WorkerStatusError)
			assert.Equal(t, domain.WorkerStatusIdle, rec.statuses[len(rec.statuses)-1])
		})
	}
}

func TestQueueStatusSequenceWithRecovery(t *testing.T) {
	var rec recorder
	var calls atomic.Int32
	exec := func(context.Context, domain.WorkerTask) domain.RunPromptResult {
		if calls.Add(1) == 1 {
			return domain.RunPromptResult{OK: false, Error: "send_button_not_found"}
		}
		return domain.RunPromptResult{OK: true, Reply: "done"}
	}
	cfg := domain.DefaultWorkerConfig()
	cfg.AutoProcess = false
	q := NewQueue(fixedConfig(cfg), exec, rec.callbacks(), QueueOptions{Sleep: rec.sleep})
	defer q.Close()

	q.Enqueue("t1", "hello", nil)
	assert.Equal(t, 1, q.Len())
	q.Process(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []domain.WorkerStatus{
		domain.WorkerStatusIdle,     // enqueue
		domain.WorkerStatusBusy,     // dequeued
		domain.WorkerStatusCooldown, // first attempt failed
		domain.WorkerStatusBusy,     // retry
		domain.WorkerStatusIdle,     // result ok
		domain.WorkerStatusIdle,     // drained
	}, rec.statuses)
	require.Len(t, rec.outcomes, 1)
	assert.True(t, rec.outcomes[0].OK)
	assert.Equal(t, 2, rec.results[0].Attempts)
}

func TestQueueCancelOnlyQueuedTasks(t *testing.T) {
	var rec recorder
	cfg := domain.DefaultWorkerConfig()
	cfg.AutoProcess = false
	exec := func(context.Context, domain.WorkerTask) domain.RunPromptResult {
		return domain.RunPromptResult{OK: true}
	}
	q := NewQueue(fixedConfig(cfg), exec, rec.callbacks(), QueueOptions{Sleep: rec.sleep})
	defer q.Close()

	q.Enqueue("a", "1", nil)
	q.Enqueue("b", "2", nil)
	q.Enqueue("c", "3", nil)
	assert.True(t, q.Cancel("b"))
	assert.False(t, q.Cancel("b"))
	assert.False(t, q.Cancel("missing"))
	q.Process(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.results, 2)
	assert.Equal(t, "a", rec.results[0].ID)
	assert.Equal(t, "c", rec.results[1].ID)
}

func TestQueueCloseInterruptsWait(t *testing.T) {
	cfg := domain.DefaultWorkerConfig()
	cfg.MinDelayMS = 60_000
	cfg.MaxDelayMS = 60_000
	exec := func(context.Context, domain.WorkerTask) domain.RunPromptResult {
		return domain.RunPromptResult{OK: false, Error: "x"}
	}
	var results atomic.Int32
	q := NewQueue(fixedConfig(cfg), exec, QueueCallbacks{
		OnResult: func(domain.WorkerTask, domain.RunPromptResult) { results.Add(1) },
	}, QueueOptions{})

	q.Enqueue("t1", "p", nil)
	require.Eventually(t, q.Processing, time.Second, time.Millisecond)
	q.Close()
	waitDrained(t, q)
	assert.Equal(t, int32(1), results.Load())
}

func TestRandomDelayRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	min, max := 1000*time.Millisecond, 4000*time.Millisecond
	sawMin, sawMax := false, false
	for i := 0; i < 100000; i++ {
		d := RandomDelay(min, max, rng.Intn)
		require.GreaterOrEqual(t, d, min)
		require.LessOrEqual(t, d, max)
		sawMin = sawMin || d == min
		sawMax = sawMax || d == max
	}
	assert.True(t, sawMin && sawMax, "both bounds should be reachable")

	for _, tc := range []struct{ min, max time.Duration }{
		{500 * time.Millisecond, 500 * time.Millisecond},
		{900 * time.Millisecond, 100 * time.Millisecond},
	} {
		assert.Equal(t, tc.min, RandomDelay(tc.min, tc.max, rng.Intn))
	}
}

func TestQueueDelaysStayInConfiguredRange(t *testing.T) {
	var rec recorder
	cfg := domain.DefaultWorkerConfig()
	cfg.MaxRetries = 3
	exec := func(context.Context, domain.WorkerTask) domain.RunPromptResult {
		return domain.RunPromptResult{OK: false, Error: "x"}
	}
	q := NewQueue(fixedConfig(cfg), exec, rec.callbacks(), QueueOptions{Sleep: rec.sleep})
	defer q.Close()
	for i := 0; i < 5; i++ {
		q.Enqueue(fmt.Sprintf("t%d", i), "p", nil)
	}
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.results) == 5
	}, 2*time.Second, 5*time.Millisecond)
	waitDrained(t, q)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.delays, 5*4)
	for _, d := range rec.delays {
		assert.GreaterOrEqual(t, d, cfg.MinDelay())
		assert.LessOrEqual(t, d, cfg.MaxDelay())
	}
}
