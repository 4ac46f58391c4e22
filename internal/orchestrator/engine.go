package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/store"
	"tabrelay/internal/telemetry"
)

var (
	ErrNoActiveRun = errors.New("no active run")
	ErrUnknownSlot = errors.New("unknown slot")
)

type EngineOptions struct {
	Bus      messaging.Bus
	Store    store.KV
	Registry RegistryConfig
	Router   RouterConfig
	Metrics  *telemetry.Metrics
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

type WorkerView struct {
	WorkerID     string              `json:"workerId"`
	PersonaLabel string              `json:"personaLabel"`
	SlotName     string              `json:"slotName,omitempty"`
	Status       domain.WorkerStatus `json:"status"`
	QueueLength  int                 `json:"queueLength"`
	LastSeenAt   time.Time           `json:"lastSeenAt"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
}

type TemplateSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Roles       []string `json:"roles"`
	MaxRounds   int      `json:"maxRounds"`
}

type RunView struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name,omitempty"`
	TemplateID       string                 `json:"templateId"`
	CreatedAt        time.Time              `json:"createdAt"`
	Status           domain.RunStatus       `json:"status"`
	CurrentRound     int                    `json:"currentRound"`
	MaxRounds        int                    `json:"maxRounds"`
	CurrentStagePath []string               `json:"currentStagePath"`
	CentralArtifact  string                 `json:"centralArtifact"`
	LastReplies      map[string]string      `json:"lastReplies"`
	Rounds           []domain.RoundSummary  `json:"rounds"`
	Events           []domain.ScenarioEvent `json:"events"`
}

// State is the full view handed to observers on every change.
type State struct {
	CurrentRun         *RunView                     `json:"currentRun"`
	RunsHistory        []domain.PersistedRunSummary `json:"runsHistory"`
	Templates          []TemplateSummary            `json:"templates"`
	SelectedTemplateID string                       `json:"selectedTemplateId"`
	Workers            []WorkerView                 `json:"workers"`
	Events             []domain.ScenarioEvent       `json:"events"`
	Slots              []domain.WorkerSlot          `json:"slots"`
}

// Engine composes the registry, router and runtime and owns the template
// set, the slot bindings and the active run.
type Engine struct {
	registry    *Registry
	router      *Router
	runtime     *Runtime
	persistence *Persistence
	logger      logrus.FieldLogger

	mu                 sync.RWMutex
	templates          []domain.ScenarioTemplate
	selectedTemplateID string
	slots              []domain.WorkerSlot
	activeRunID        string
	runsHistory        []domain.PersistedRunSummary

	subsMu      sync.Mutex
	subscribers map[int]func(State)
	nextSub     int

	unsubs []func()
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if opts.Bus == nil {
		return nil, errors.New("engine requires a bus")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Registry.Now == nil {
		opts.Registry.Now = opts.Now
	}

	persistence := NewPersistence(opts.Store, opts.Logger)
	router := NewRouter(opts.Bus, opts.Router, opts.Metrics, opts.Logger)
	e := &Engine{
		registry:    NewRegistry(opts.Bus, opts.Registry, opts.Metrics, opts.Logger),
		router:      router,
		persistence: persistence,
		logger:      opts.Logger.WithField("component", "engine"),
		subscribers: make(map[int]func(State)),
	}
	e.runtime = NewRuntime(router, RuntimeOptions{
		History: persistence,
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
		Now:     opts.Now,
	})

	e.templates = MergeTemplates(DefaultTemplates(), persistence.LoadTemplates(ctx))
	e.runsHistory = persistence.RunSummaries(ctx)
	e.runtime.LoadTemplates(e.templates)
	e.selectedTemplateID = e.templates[0].ID
	e.syncSlotsLocked(e.templates[0])

	e.unsubs = append(e.unsubs,
		e.registry.OnChange(e.notify),
		e.runtime.OnRunUpdated(e.handleRunUpdated),
	)
	return e, nil
}

// Start attaches the registry and router to the bus.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.Start(ctx); err != nil {
		return err
	}
	if err := e.router.Start(); err != nil {
		e.registry.Close()
		return err
	}
	return nil
}

func (e *Engine) Close() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.runtime.Close()
	e.router.Close()
	e.registry.Close()
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Router() *Router { return e.router }

// Subscribe delivers the current state to cb now and after every change.
func (e *Engine) Subscribe(cb func(State)) func() {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = cb
	e.subsMu.Unlock()

	cb(e.State())
	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		delete(e.subscribers, id)
	}
}

func (e *Engine) State() State {
	workers := e.registry.Workers()

	e.mu.RLock()
	defer e.mu.RUnlock()

	bound := make(map[string]string, len(e.slots))
	for _, slot := range e.slots {
		if slot.BoundWorkerID != "" {
			if _, taken := bound[slot.BoundWorkerID]; !taken {
				bound[slot.BoundWorkerID] = slot.SlotName
			}
		}
	}
	views := make([]WorkerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, WorkerView{
			WorkerID:     w.WorkerID,
			PersonaLabel: w.PersonaLabel,
			SlotName:     bound[w.WorkerID],
			Status:       w.Status,
			QueueLength:  w.QueueLength,
			LastSeenAt:   w.LastSeenAt,
			ErrorMessage: w.ErrorCode,
		})
	}

	summaries := make([]TemplateSummary, 0, len(e.templates))
	for _, t := range e.templates {
		summaries = append(summaries, TemplateSummary{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			Roles:       t.RoleNames(),
			MaxRounds:   t.MaxRounds(),
		})
	}

	state := State{
		RunsHistory:        append([]domain.PersistedRunSummary{}, e.runsHistory...),
		Templates:          summaries,
		SelectedTemplateID: e.selectedTemplateID,
		Workers:            views,
		Events:             []domain.ScenarioEvent{},
		Slots:              append([]domain.WorkerSlot(nil), e.slots...),
	}
	if run, ok := e.activeRunLocked(); ok {
		view := e.runViewLocked(run)
		state.CurrentRun = &view
		state.Events = run.Events
	}
	return state
}

func (e *Engine) activeRunLocked() (domain.ScenarioRun, bool) {
	if e.activeRunID == "" {
		return domain.ScenarioRun{}, false
	}
	return e.runtime.Run(e.activeRunID)
}

func (e *Engine) runViewLocked(run domain.ScenarioRun) RunView {
	view := RunView{
		ID:               run.RunID,
		Name:             run.Name,
		TemplateID:       run.TemplateID,
		CreatedAt:        run.CreatedAt,
		Status:           run.Status,
		CurrentRound:     run.CurrentRound,
		CurrentStagePath: run.CurrentStagePath,
		CentralArtifact:  run.CentralArtifact,
		LastReplies:      run.LastReplies,
		Rounds:           run.Rounds,
		Events:           run.Events,
	}
	if t, ok := e.templateLocked(run.TemplateID); ok {
		view.MaxRounds = t.MaxRounds()
		if view.Name == "" {
			view.Name = t.Name
		}
	}
	return view
}

func (e *Engine) Templates() []domain.ScenarioTemplate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.ScenarioTemplate(nil), e.templates...)
}

func (e *Engine) Template(id string) (domain.ScenarioTemplate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.templateLocked(id)
}

func (e *Engine) templateLocked(id string) (domain.ScenarioTemplate, bool) {
	for _, t := range e.templates {
		if t.ID == id {
			return t, true
		}
	}
	return domain.ScenarioTemplate{}, false
}

// SaveTemplate validates t, replaces any template with the same id and
// persists the whole set.
func (e *Engine) SaveTemplate(ctx context.Context, t domain.ScenarioTemplate) error {
	if err := ValidateTemplate(t); err != nil {
		return err
	}
	return e.saveTemplates(ctx, []domain.ScenarioTemplate{t})
}

// ImportTemplatesYAML saves every template in a YAML document.
func (e *Engine) ImportTemplatesYAML(ctx context.Context, data []byte) (int, error) {
	templates, err := ParseTemplatesYAML(data)
	if err != nil {
		return 0, err
	}
	if err := e.saveTemplates(ctx, templates); err != nil {
		return 0, err
	}
	return len(templates), nil
}

func (e *Engine) ExportTemplatesYAML() ([]byte, error) {
	return MarshalTemplatesYAML(e.Templates())
}

func (e *Engine) saveTemplates(ctx context.Context, updated []domain.ScenarioTemplate) error {
	e.mu.Lock()
	e.templates = MergeTemplates(e.templates, updated)
	all := append([]domain.ScenarioTemplate(nil), e.templates...)
	for _, t := range updated {
		if t.ID == e.selectedTemplateID {
			e.syncSlotsLocked(t)
		}
	}
	e.mu.Unlock()

	e.runtime.LoadTemplates(all)
	err := e.persistence.SaveTemplates(ctx, all)
	e.notify()
	return err
}

// SelectTemplate makes id the template whose roles define the slots.
func (e *Engine) SelectTemplate(id string) error {
	e.mu.Lock()
	t, ok := e.templateLocked(id)
	if ok {
		e.selectedTemplateID = id
		e.syncSlotsLocked(t)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	e.notify()
	return nil
}

// syncSlotsLocked rebuilds slots in t's role order, keeping bindings of
// slot names that survive.
func (e *Engine) syncSlotsLocked(t domain.ScenarioTemplate) {
	prev := make(map[string]string, len(e.slots))
	for _, slot := range e.slots {
		prev[slot.SlotName] = slot.BoundWorkerID
	}
	slots := make([]domain.WorkerSlot, 0, len(t.Roles))
	for _, role := range t.Roles {
		slots = append(slots, domain.WorkerSlot{SlotName: role.SlotName, BoundWorkerID: prev[role.SlotName]})
	}
	e.slots = slots
	e.router.SetSlots(slots)
}

func (e *Engine) Slots() []domain.WorkerSlot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.WorkerSlot(nil), e.slots...)
}

// BindSlot binds workerID to slot; an empty workerID unbinds it.
func (e *Engine) BindSlot(slot, workerID string) error {
	e.mu.Lock()
	found := false
	for i := range e.slots {
		if e.slots[i].SlotName == slot {
			e.slots[i].BoundWorkerID = workerID
			found = true
		}
	}
	if found {
		e.router.SetSlots(e.slots)
	}
	e.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownSlot, slot)
	}
	e.logger.WithFields(logrus.Fields{"slot": slot, "worker_id": workerID}).Info("slot bound")
	e.notify()
	return nil
}

// StartRun creates and starts a run of templateID. A previous active run
// that has not finished is stopped first.
func (e *Engine) StartRun(templateID, initialArtifact, name string) (domain.ScenarioRun, error) {
	e.mu.Lock()
	t, ok := e.templateLocked(templateID)
	if !ok {
		e.mu.Unlock()
		return domain.ScenarioRun{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
	}
	previous := e.activeRunID
	e.selectedTemplateID = t.ID
	e.syncSlotsLocked(t)
	e.mu.Unlock()

	if previous != "" {
		if err := e.runtime.StopRun(previous); err != nil && !errors.Is(err, ErrRunNotFound) {
			e.logger.WithError(err).WithField("run_id", previous).Warn("stop previous run failed")
		}
	}

	run := e.runtime.CreateRun(templateID, initialArtifact, name)
	e.mu.Lock()
	e.activeRunID = run.RunID
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{"run_id": run.RunID, "template_id": templateID}).Info("starting run")
	if err := e.runtime.StartRun(run.RunID); err != nil {
		return run, err
	}
	e.notify()
	current, _ := e.runtime.Run(run.RunID)
	return current, nil
}

func (e *Engine) currentRunID() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.activeRunID == "" {
		return "", ErrNoActiveRun
	}
	return e.activeRunID, nil
}

func (e *Engine) withActiveRun(op func(runID string) error) error {
	runID, err := e.currentRunID()
	if err != nil {
		return err
	}
	if err := op(runID); err != nil {
		return err
	}
	e.notify()
	return nil
}

func (e *Engine) PauseRun() error { return e.withActiveRun(e.runtime.PauseRun) }

func (e *Engine) ResumeRun() error { return e.withActiveRun(e.runtime.StartRun) }

func (e *Engine) StopRun() error { return e.withActiveRun(e.runtime.StopRun) }

// Step resumes the active run. Stages are not stepped individually.
func (e *Engine) Step() error { return e.ResumeRun() }

func (e *Engine) SetRunName(name string) error {
	return e.withActiveRun(func(runID string) error {
		return e.runtime.SetRunName(runID, name)
	})
}

// ActiveRun returns a copy of the active run.
func (e *Engine) ActiveRun() (domain.ScenarioRun, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeRunLocked()
}

func (e *Engine) RunsHistory() []domain.PersistedRunSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.PersistedRunSummary(nil), e.runsHistory...)
}

// SendCommand forwards a raw command to one worker.
func (e *Engine) SendCommand(ctx context.Context, workerID string, msgType domain.MessageType, payload any) error {
	return e.router.SendCommand(ctx, workerID, msgType, payload)
}

func (e *Engine) handleRunUpdated(run domain.ScenarioRun) {
	e.mu.RLock()
	active := run.RunID == e.activeRunID
	e.mu.RUnlock()
	if !active {
		return
	}
	if run.Status.Terminal() {
		history := e.persistence.RunSummaries(context.Background())
		e.mu.Lock()
		e.runsHistory = history
		e.mu.Unlock()
	}
	e.notify()
}

func (e *Engine) notify() {
	e.subsMu.Lock()
	cbs := make([]func(State), 0, len(e.subscribers))
	for _, cb := range e.subscribers {
		cbs = append(cbs, cb)
	}
	e.subsMu.Unlock()
	if len(cbs) == 0 {
		return
	}
	state := e.State()
	for _, cb := range cbs {
		cb(state)
	}
}
