package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/telemetry"
)

const (
	errTimeout     = "Timeout waiting for result"
	errRunCanceled = "run canceled"
	errRouterDown  = "router closed"
)

// UnboundSlotError reports a prompt aimed at a slot with no worker.
type UnboundSlotError struct {
	Slot string
}

func (e *UnboundSlotError) Error() string {
	return "No worker bound for slot " + e.Slot
}

type RouterConfig struct {
	EndpointID string
	Timeout    time.Duration
	// LateResults is how many timed-out task ids are remembered so a late
	// RESULT can be told apart from an unknown one.
	LateResults int
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.EndpointID == "" {
		c.EndpointID = "router-" + uuid.NewString()[:8]
	}
	if c.Timeout <= 0 {
		c.Timeout = 120 * time.Second
	}
	if c.LateResults <= 0 {
		c.LateResults = 256
	}
	return c
}

// Dispatch identifies one prompt sent to a worker.
type Dispatch struct {
	TaskID   string
	WorkerID string
	Slot     string
	RunID    string
}

// Router sends commands to workers and pairs RESULT events with the prompt
// that caused them.
type Router struct {
	bus     messaging.Bus
	cfg     RouterConfig
	metrics *telemetry.Metrics
	logger  logrus.FieldLogger

	slotsMu sync.RWMutex
	slots   []domain.WorkerSlot

	pendingMu sync.Mutex
	pending   map[string]chan domain.RunPromptResult
	expired   *lru.Cache[string, time.Time]
	closed    bool

	listenersMu sync.Mutex
	listeners   map[int]func(domain.Envelope)
	nextID      int

	unsubscribe func()
}

func NewRouter(bus messaging.Bus, cfg RouterConfig, metrics *telemetry.Metrics, logger logrus.FieldLogger) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	expired, _ := lru.New[string, time.Time](cfg.LateResults)
	return &Router{
		bus:       bus,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.WithField("component", "router"),
		pending:   make(map[string]chan domain.RunPromptResult),
		expired:   expired,
		listeners: make(map[int]func(domain.Envelope)),
	}
}

func (r *Router) Start() error {
	unsubscribe, err := r.bus.Subscribe(messaging.TopicWorkerRPC, r.cfg.EndpointID, r.HandleEvent)
	if err != nil {
		return fmt.Errorf("router subscribe: %w", err)
	}
	r.unsubscribe = unsubscribe
	return nil
}

// Close leaves the bus and fails every pending call.
func (r *Router) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.pendingMu.Lock()
	r.closed = true
	for id, ch := range r.pending {
		delete(r.pending, id)
		ch <- domain.RunPromptResult{OK: false, Error: errRouterDown}
	}
	r.pendingMu.Unlock()
}

func (r *Router) SetSlots(slots []domain.WorkerSlot) {
	r.slotsMu.Lock()
	defer r.slotsMu.Unlock()
	r.slots = append([]domain.WorkerSlot(nil), slots...)
}

func (r *Router) Slots() []domain.WorkerSlot {
	r.slotsMu.RLock()
	defer r.slotsMu.RUnlock()
	return append([]domain.WorkerSlot(nil), r.slots...)
}

func (r *Router) boundWorker(slot string) string {
	r.slotsMu.RLock()
	defer r.slotsMu.RUnlock()
	for _, s := range r.slots {
		if s.SlotName == slot {
			return s.BoundWorkerID
		}
	}
	return ""
}

// OnEvent registers cb for every worker event the router sees.
func (r *Router) OnEvent(cb func(domain.Envelope)) func() {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = cb
	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		delete(r.listeners, id)
	}
}

// SendCommand publishes one command addressed to workerID.
func (r *Router) SendCommand(ctx context.Context, workerID string, msgType domain.MessageType, payload any) error {
	if !msgType.IsCommand() {
		return fmt.Errorf("%s is not a worker command", msgType)
	}
	env, err := messaging.NewEnvelope(messaging.TopicWorkerRPC, r.cfg.EndpointID, msgType, payload)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, messaging.Addressed(env, workerID))
}

// Prepare resolves slot to its worker and allocates a task id. It returns
// *UnboundSlotError when nothing is bound.
func (r *Router) Prepare(runID, slot string) (Dispatch, error) {
	workerID := r.boundWorker(slot)
	if workerID == "" {
		r.metrics.RouterDispatch("unbound")
		return Dispatch{}, &UnboundSlotError{Slot: slot}
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return Dispatch{
		TaskID:   runID + "-" + slot + "-" + suffix,
		WorkerID: workerID,
		Slot:     slot,
		RunID:    runID,
	}, nil
}

// Await sends the RUN_PROMPT for d and waits for its RESULT. It never
// returns an error: timeouts, cancellation and send failures come back as
// ok=false results.
func (r *Router) Await(ctx context.Context, d Dispatch, prompt string, metadata map[string]any) domain.RunPromptResult {
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["runId"] = d.RunID

	ch := make(chan domain.RunPromptResult, 1)
	r.pendingMu.Lock()
	if r.closed {
		r.pendingMu.Unlock()
		return domain.RunPromptResult{OK: false, Error: errRouterDown}
	}
	r.pending[d.TaskID] = ch
	r.metrics.RouterPending(len(r.pending))
	r.pendingMu.Unlock()

	logger := r.logger.WithFields(logrus.Fields{"task_id": d.TaskID, "worker_id": d.WorkerID, "slot": d.Slot})
	err := r.SendCommand(ctx, d.WorkerID, domain.MessageTypeRunPrompt, domain.RunPromptCommand{
		ID:       d.TaskID,
		Prompt:   prompt,
		Metadata: meta,
	})
	if err != nil {
		r.forget(d.TaskID, false)
		logger.WithError(err).Warn("send prompt failed")
		r.metrics.RouterDispatch("failed")
		return domain.RunPromptResult{OK: false, Error: err.Error()}
	}
	logger.Debug("prompt dispatched")

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.OK {
			r.metrics.RouterDispatch("ok")
		} else {
			r.metrics.RouterDispatch("failed")
		}
		return res
	case <-timer.C:
		if !r.forget(d.TaskID, true) {
			return <-ch
		}
		logger.Warn("timed out waiting for result")
		r.metrics.RouterDispatch("timeout")
		return domain.RunPromptResult{OK: false, Error: errTimeout}
	case <-ctx.Done():
		if !r.forget(d.TaskID, false) {
			return <-ch
		}
		r.metrics.RouterDispatch("canceled")
		return domain.RunPromptResult{OK: false, Error: errRunCanceled}
	}
}

// RunPromptOnSlot is Prepare followed by Await. An unbound slot resolves
// immediately with ok=false.
func (r *Router) RunPromptOnSlot(ctx context.Context, runID, slot, prompt string, metadata map[string]any) domain.RunPromptResult {
	d, err := r.Prepare(runID, slot)
	if err != nil {
		return domain.RunPromptResult{OK: false, Error: err.Error()}
	}
	return r.Await(ctx, d, prompt, metadata)
}

// Pending reports how many prompts are awaiting a result.
func (r *Router) Pending() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// forget drops the pending entry for taskID. It returns false when a result
// already claimed it.
func (r *Router) forget(taskID string, expired bool) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if _, ok := r.pending[taskID]; !ok {
		return false
	}
	delete(r.pending, taskID)
	r.metrics.RouterPending(len(r.pending))
	if expired {
		r.expired.Add(taskID, time.Now())
	}
	return true
}

// HandleEvent hands env to listeners, then settles a pending prompt when env
// is its RESULT.
func (r *Router) HandleEvent(env domain.Envelope) {
	if env.Type.IsCommand() {
		return
	}
	r.listenersMu.Lock()
	cbs := make([]func(domain.Envelope), 0, len(r.listeners))
	for _, cb := range r.listeners {
		cbs = append(cbs, cb)
	}
	r.listenersMu.Unlock()
	for _, cb := range cbs {
		cb(env)
	}

	if env.Type != domain.MessageTypeResult {
		return
	}
	var ev domain.ResultEvent
	if err := env.Decode(&ev); err != nil {
		r.logger.WithError(err).Debug("drop malformed result")
		return
	}

	r.pendingMu.Lock()
	ch, ok := r.pending[ev.ID]
	if ok {
		delete(r.pending, ev.ID)
		r.metrics.RouterPending(len(r.pending))
	}
	r.pendingMu.Unlock()

	if !ok {
		if at, late := r.expired.Get(ev.ID); late {
			r.logger.WithFields(logrus.Fields{"task_id": ev.ID, "expired_at": at}).Info("ignoring late result")
		}
		return
	}
	ch <- domain.RunPromptResult{OK: ev.OK, Reply: ev.Reply, Error: ev.Error}
}
