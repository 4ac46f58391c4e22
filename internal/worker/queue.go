package worker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"tabrelay/internal/domain"
)

// Executor runs one attempt of a task against the chat UI.
type Executor func(ctx context.Context, task domain.WorkerTask) domain.RunPromptResult

type QueueCallbacks struct {
	OnStatusChange func(status domain.WorkerStatus, activeTaskID, errorCode string)
	OnResult       func(task domain.WorkerTask, result domain.RunPromptResult)
	OnLog          func(level domain.LogLevel, message string, detail map[string]any)
}

type QueueOptions struct {
	// Sleep waits between attempts and tasks. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Intn draws the random part of a delay. Defaults to math/rand.
	Intn func(n int) int
}

// Queue executes tasks strictly one at a time in enqueue order. Failed
// attempts are retried up to MaxRetries with a random delay in between.
type Queue struct {
	getConfig func() domain.WorkerConfig
	exec      Executor
	cb        QueueCallbacks
	sleep     func(ctx context.Context, d time.Duration) error
	intn      func(n int) int

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	tasks        []domain.WorkerTask
	processing   bool
	activeTaskID string
	drained      chan struct{}
}

func NewQueue(getConfig func() domain.WorkerConfig, exec Executor, cb QueueCallbacks, opts QueueOptions) *Queue {
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Intn == nil {
		opts.Intn = rand.Intn
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		getConfig: getConfig,
		exec:      exec,
		cb:        cb,
		sleep:     opts.Sleep,
		intn:      opts.Intn,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue appends a task and starts draining when autoProcess is on.
func (q *Queue) Enqueue(id, prompt string, metadata map[string]any) {
	q.mu.Lock()
	q.tasks = append(q.tasks, domain.WorkerTask{ID: id, Prompt: prompt, Metadata: metadata})
	status := domain.WorkerStatusIdle
	if q.processing {
		status = domain.WorkerStatusBusy
	}
	active := q.activeTaskID
	q.mu.Unlock()

	q.status(status, active, "")
	if q.getConfig().AutoProcess {
		go q.Process(q.ctx)
	}
}

// Cancel removes a task that has not started yet.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	removed := false
	for i, task := range q.tasks {
		if task.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			removed = true
			break
		}
	}
	q.mu.Unlock()

	if removed {
		q.log(domain.LogLevelInfo, "Task canceled", map[string]any{"id": id})
	}
	return removed
}

// Len counts queued tasks, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Drained returns a channel closed the next time the drain loop goes idle.
func (q *Queue) Drained() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.processing && len(q.tasks) == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if q.drained == nil {
		q.drained = make(chan struct{})
	}
	return q.drained
}

// Close stops the drain loop at its next suspension point. Queued tasks are
// discarded.
func (q *Queue) Close() {
	q.cancel()
	q.mu.Lock()
	q.tasks = nil
	q.mu.Unlock()
}

// Process drains the queue. It returns immediately if a drain loop is
// already running.
func (q *Queue) Process(ctx context.Context) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if len(q.tasks) > 0 && ctx.Err() == nil {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.activeTaskID = task.ID
			q.mu.Unlock()
			q.run(ctx, task)
			continue
		}
		q.activeTaskID = ""
		q.mu.Unlock()

		q.status(domain.WorkerStatusIdle, "", "")

		q.mu.Lock()
		if len(q.tasks) > 0 && ctx.Err() == nil {
			q.mu.Unlock()
			continue
		}
		q.processing = false
		drained := q.drained
		q.drained = nil
		q.mu.Unlock()
		if drained != nil {
			close(drained)
		}
		return
	}
}

// run executes one task with retries and the trailing delay. A wait cut
// short by ctx ends the retries early; the result is still reported.
func (q *Queue) run(ctx context.Context, task domain.WorkerTask) {
	cfg := q.getConfig()
	q.status(domain.WorkerStatusBusy, task.ID, "")

	result := domain.RunPromptResult{OK: false, Error: "unknown"}
	interrupted := false
	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		task.Attempts = attempt
		result = q.exec(ctx, task)
		if result.OK {
			break
		}
		if attempt > cfg.MaxRetries {
			break
		}
		q.status(domain.WorkerStatusCooldown, task.ID, result.Error)
		delay := RandomDelay(cfg.MinDelay(), cfg.MaxDelay(), q.intn)
		q.log(domain.LogLevelWarn, "Retrying task", map[string]any{
			"id": task.ID, "attempt": attempt, "delay": delay.Milliseconds(), "error": result.Error,
		})
		if err := q.sleep(ctx, delay); err != nil {
			interrupted = true
			break
		}
		q.status(domain.WorkerStatusBusy, task.ID, "")
	}

	if q.cb.OnResult != nil {
		q.cb.OnResult(task, result)
	}
	if !result.OK {
		q.status(domain.WorkerStatusError, task.ID, result.Error)
	} else {
		q.status(domain.WorkerStatusIdle, "", "")
	}
	if interrupted {
		return
	}

	delay := RandomDelay(cfg.MinDelay(), cfg.MaxDelay(), q.intn)
	q.log(domain.LogLevelInfo, "Task processed", map[string]any{"id": task.ID, "ok": result.OK, "attempts": task.Attempts})
	_ = q.sleep(ctx, delay)
}

func (q *Queue) status(status domain.WorkerStatus, activeTaskID, errorCode string) {
	if q.cb.OnStatusChange != nil {
		q.cb.OnStatusChange(status, activeTaskID, errorCode)
	}
}

func (q *Queue) log(level domain.LogLevel, message string, detail map[string]any) {
	if q.cb.OnLog != nil {
		q.cb.OnLog(level, message, detail)
	}
}

// RandomDelay draws uniformly from [min, max] at millisecond granularity. When
// max <= min the delay is exactly min.
func RandomDelay(min, max time.Duration, intn func(int) int) time.Duration {
	if max <= min {
		return min
	}
	minMS := min.Milliseconds()
	span := int(max.Milliseconds()-minMS) + 1
	return time.Duration(minMS+int64(intn(span))) * time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
