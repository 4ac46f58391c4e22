package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/store"
	"tabrelay/internal/telemetry"
)

var Capabilities = []string{"run_prompt", "queue", "status", "broadcast_channel"}

type Options struct {
	// Profile namespaces the persisted id, label and config, so several
	// agents can share one store.
	Profile  string
	Bus      messaging.Bus
	Store    store.KV
	UI       ChatUI
	Executor Executor
	Session  *Session
	Metrics  *telemetry.Metrics
	Logger   logrus.FieldLogger

	DefaultConfig     domain.WorkerConfig
	HeartbeatInterval time.Duration
	ReplyTimeout      time.Duration
	ReloadDelay       time.Duration

	Now   func() time.Time
	Queue QueueOptions
}

func (o Options) withDefaults() Options {
	out := o
	out.Profile = strings.TrimSpace(out.Profile)
	if out.Profile == "" {
		out.Profile = "default"
	}
	if out.Store == nil {
		out.Store = store.NewMemory()
	}
	if out.Session == nil {
		out.Session = NewSession()
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.DefaultConfig == (domain.WorkerConfig{}) {
		out.DefaultConfig = domain.DefaultWorkerConfig()
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.ReplyTimeout <= 0 {
		out.ReplyTimeout = DefaultReplyTimeout
	}
	if out.ReloadDelay <= 0 {
		out.ReloadDelay = 600 * time.Millisecond
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

type State struct {
	WorkerID     string              `json:"workerId"`
	PersonaLabel string              `json:"personaLabel"`
	Status       domain.WorkerStatus `json:"status"`
	QueueLength  int                 `json:"queueLength"`
	Config       domain.WorkerConfig `json:"config"`
	ReloadCount  int                 `json:"reloadCount"`
}

// Agent is one worker on the bus. It owns a Queue, answers commands
// addressed to it and reports its lifecycle as events.
type Agent struct {
	opts   Options
	logger logrus.FieldLogger
	queue  *Queue

	workerID   string
	fromReload bool

	mu     sync.RWMutex
	status domain.WorkerStatus
	label  string
	config domain.WorkerConfig

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	reloadCh    chan string
	reloadTimer *time.Timer
	closeOnce   sync.Once
}

func NewAgent(ctx context.Context, opts Options) (*Agent, error) {
	opts = opts.withDefaults()
	if opts.Bus == nil {
		return nil, errors.New("worker agent requires a bus")
	}
	if opts.Executor == nil && opts.UI == nil {
		return nil, errors.New("worker agent requires a chat UI or executor")
	}

	a := &Agent{
		opts:     opts,
		status:   domain.WorkerStatusIdle,
		reloadCh: make(chan string, 1),
	}
	a.workerID = a.restoreWorkerID(ctx)
	a.label = a.restoreLabel(ctx)
	a.config = a.restoreConfig(ctx)
	a.fromReload = opts.Session.ConsumeFromReload()
	a.logger = opts.Logger.WithField("worker_id", a.workerID)

	exec := opts.Executor
	if exec == nil {
		exec = UIExecutor(Serialize(opts.UI), opts.ReplyTimeout)
	}
	a.queue = NewQueue(a.Config, a.instrument(exec), QueueCallbacks{
		OnStatusChange: a.updateStatus,
		OnResult:       a.handleResult,
		OnLog:          a.log,
	}, opts.Queue)
	return a, nil
}

// Start subscribes to the worker topic and announces the agent.
func (a *Agent) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	unsubscribe, err := a.opts.Bus.Subscribe(messaging.TopicWorkerRPC, a.workerID, a.handleEnvelope)
	if err != nil {
		a.cancel()
		return fmt.Errorf("subscribe worker topic: %w", err)
	}
	a.unsubscribe = unsubscribe

	a.sendHello()
	a.updateStatus(domain.WorkerStatusIdle, "", "")

	a.wg.Add(1)
	go a.heartbeatLoop()
	a.logger.WithFields(logrus.Fields{"label": a.Label(), "from_reload": a.fromReload}).Info("worker started")
	return nil
}

// Close leaves the bus and drops queued tasks.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		a.mu.Lock()
		if a.reloadTimer != nil {
			a.reloadTimer.Stop()
		}
		a.mu.Unlock()
		a.queue.Close()
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
	})
}

// ReloadRequested delivers the reason once the self-heal policy decides
// this agent should be recreated.
func (a *Agent) ReloadRequested() <-chan string {
	return a.reloadCh
}

func (a *Agent) ID() string { return a.workerID }

func (a *Agent) FromReload() bool { return a.fromReload }

func (a *Agent) Config() domain.WorkerConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

func (a *Agent) Label() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.label
}

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return State{
		WorkerID:     a.workerID,
		PersonaLabel: a.label,
		Status:       a.status,
		QueueLength:  a.queue.Len(),
		Config:       a.config,
		ReloadCount:  a.opts.Session.ReloadCount(),
	}
}

// Enqueue queues a prompt. The queue reports the resulting status itself.
func (a *Agent) Enqueue(id, prompt string, metadata map[string]any) {
	a.queue.Enqueue(id, prompt, metadata)
}

func (a *Agent) Cancel(id string) {
	a.queue.Cancel(id)
	a.emitStatus()
}

// ProcessOnce drains the queue when autoProcess is off.
func (a *Agent) ProcessOnce() {
	go a.queue.Process(a.context())
}

func (a *Agent) UpdateConfig(patch domain.WorkerConfigPatch) {
	a.mu.Lock()
	a.config = a.config.Merge(patch)
	cfg := a.config
	a.mu.Unlock()

	if err := store.PutJSON(a.context(), a.opts.Store, a.key("config"), cfg); err != nil {
		a.logger.WithError(err).Warn("persist worker config failed")
	}
	a.emitStatus()
}

func (a *Agent) SetPersonaLabel(label string) {
	a.mu.Lock()
	a.label = label
	a.mu.Unlock()

	if err := store.PutJSON(a.context(), a.opts.Store, a.key("label"), label); err != nil {
		a.logger.WithError(err).Warn("persist persona label failed")
	}
	a.emitStatus()
	a.sendHello()
}

func (a *Agent) handleEnvelope(env domain.Envelope) {
	if !env.Type.IsCommand() {
		return
	}
	if env.TargetWorkerID != "" && env.TargetWorkerID != a.workerID {
		return
	}

	switch env.Type {
	case domain.MessageTypePing:
		a.emitStatus()
	case domain.MessageTypeRunPrompt:
		var cmd domain.RunPromptCommand
		if a.decode(env, &cmd) {
			a.Enqueue(cmd.ID, cmd.Prompt, cmd.Metadata)
		}
	case domain.MessageTypeCancel:
		var cmd domain.CancelCommand
		if a.decode(env, &cmd) {
			a.Cancel(cmd.ID)
		}
	case domain.MessageTypeSetConfig:
		var cmd domain.SetConfigCommand
		if a.decode(env, &cmd) {
			a.UpdateConfig(cmd.Config)
		}
	case domain.MessageTypeSetPersonaLabel:
		var cmd domain.SetPersonaLabelCommand
		if a.decode(env, &cmd) {
			a.SetPersonaLabel(cmd.Label)
		}
	}
}

func (a *Agent) decode(env domain.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		a.logger.WithError(err).WithField("from", env.From).Warn("drop malformed command")
		return false
	}
	return true
}

func (a *Agent) handleResult(task domain.WorkerTask, result domain.RunPromptResult) {
	a.publish(domain.MessageTypeResult, domain.ResultEvent{
		WorkerID: a.workerID,
		ID:       task.ID,
		OK:       result.OK,
		Reply:    result.Reply,
		Error:    result.Error,
		Metadata: task.Metadata,
	})
}

func (a *Agent) updateStatus(status domain.WorkerStatus, activeTaskID, errorCode string) {
	a.mu.Lock()
	a.status = status
	cfg := a.config
	a.mu.Unlock()

	a.publish(domain.MessageTypeStatus, domain.StatusEvent{
		WorkerID:     a.workerID,
		Status:       status,
		ActiveTaskID: activeTaskID,
		QueueLength:  a.queue.Len(),
		ErrorCode:    errorCode,
		Config:       &cfg,
	})

	if status == domain.WorkerStatusError && errorCode != "" {
		a.maybeReload(errorCode)
	}
}

func (a *Agent) emitStatus() {
	a.mu.RLock()
	status := a.status
	cfg := a.config
	a.mu.RUnlock()

	a.publish(domain.MessageTypeStatus, domain.StatusEvent{
		WorkerID:    a.workerID,
		Status:      status,
		QueueLength: a.queue.Len(),
		Config:      &cfg,
	})
}

func (a *Agent) sendHello() {
	a.publish(domain.MessageTypeHello, domain.HelloEvent{
		WorkerID:     a.workerID,
		PersonaLabel: a.Label(),
		FromReload:   a.fromReload,
		ReloadCount:  a.opts.Session.ReloadCount(),
		Capabilities: Capabilities,
	})
}

func (a *Agent) maybeReload(reason string) {
	if !a.opts.Session.ClaimReload(a.opts.Now(), a.Config()) {
		return
	}
	a.log(domain.LogLevelWarn, "Auto reload triggered", map[string]any{"reason": reason})
	a.opts.Metrics.WorkerReload()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.reloadTimer = time.AfterFunc(a.opts.ReloadDelay, func() {
		select {
		case a.reloadCh <- reason:
		default:
		}
	})
}

func (a *Agent) log(level domain.LogLevel, message string, detail map[string]any) {
	entry := a.logger.WithFields(logrus.Fields(detail))
	switch level {
	case domain.LogLevelError:
		entry.Error(message)
	case domain.LogLevelWarn:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
	ev := domain.LogEvent{WorkerID: a.workerID, Level: level, Message: message}
	if detail != nil {
		ev.Detail = detail
	}
	a.publish(domain.MessageTypeLog, ev)
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.mu.RLock()
			status := a.status
			a.mu.RUnlock()
			a.publish(domain.MessageTypeHeartbeat, domain.HeartbeatEvent{
				WorkerID:    a.workerID,
				Status:      status,
				QueueLength: a.queue.Len(),
			})
		}
	}
}

func (a *Agent) publish(msgType domain.MessageType, payload any) {
	ctx := a.context()
	if ctx.Err() != nil {
		return
	}
	if err := messaging.PublishPayload(ctx, a.opts.Bus, messaging.TopicWorkerRPC, a.workerID, msgType, payload); err != nil {
		a.logger.WithError(err).WithField("type", msgType).Debug("publish failed")
	}
}

func (a *Agent) instrument(exec Executor) Executor {
	return func(ctx context.Context, task domain.WorkerTask) domain.RunPromptResult {
		a.opts.Metrics.TaskAttempt(a.workerID)
		started := time.Now()
		res := exec(ctx, task)
		if res.OK || task.Attempts > a.Config().MaxRetries {
			a.opts.Metrics.TaskResult(a.workerID, res.OK, time.Since(started))
		}
		return res
	}
}

func (a *Agent) context() context.Context {
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

func (a *Agent) key(name string) string {
	return "worker/" + a.opts.Profile + "/" + name
}

func (a *Agent) restoreWorkerID(ctx context.Context) string {
	var id string
	found, err := store.GetJSON(ctx, a.opts.Store, a.key("id"), &id)
	if err != nil {
		a.opts.Logger.WithError(err).Warn("stored worker id unreadable")
	}
	if found && id != "" {
		return id
	}
	id = NewWorkerID()
	if err := store.PutJSON(ctx, a.opts.Store, a.key("id"), id); err != nil {
		a.opts.Logger.WithError(err).Warn("persist worker id failed")
	}
	return id
}

func (a *Agent) restoreLabel(ctx context.Context) string {
	var label string
	if _, err := store.GetJSON(ctx, a.opts.Store, a.key("label"), &label); err != nil {
		a.opts.Logger.WithError(err).Warn("stored persona label unreadable")
		return ""
	}
	return label
}

func (a *Agent) restoreConfig(ctx context.Context) domain.WorkerConfig {
	cfg := a.opts.DefaultConfig
	if _, err := store.GetJSON(ctx, a.opts.Store, a.key("config"), &cfg); err != nil {
		a.opts.Logger.WithError(err).Warn("failed to parse stored worker config")
		return a.opts.DefaultConfig.Normalize()
	}
	return cfg.Normalize()
}

// NewWorkerID returns an id of the form inst_xxxxxx.
func NewWorkerID() string {
	return "inst_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
