package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/telemetry"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrTemplateNotFound  = errors.New("template not found")
	ErrInvalidTransition = errors.New("invalid run transition")
)

// Dispatcher runs one prompt on the worker bound to a slot.
type Dispatcher interface {
	Prepare(runID, slot string) (Dispatch, error)
	Await(ctx context.Context, d Dispatch, prompt string, metadata map[string]any) domain.RunPromptResult
}

// RunHistory receives a summary whenever a run completes, fails or stops.
type RunHistory interface {
	SaveRunSummary(ctx context.Context, run domain.ScenarioRun) error
}

type RuntimeOptions struct {
	History RunHistory
	Metrics *telemetry.Metrics
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

type runState struct {
	run     domain.ScenarioRun
	ctx     context.Context
	cancel  context.CancelFunc
	walking bool
}

// Runtime interprets scenario templates. Each run has at most one walk
// goroutine, and stages within a run execute one at a time.
type Runtime struct {
	dispatcher Dispatcher
	artifact   Artifact
	history    RunHistory
	metrics    *telemetry.Metrics
	logger     logrus.FieldLogger
	now        func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	templates  map[string]domain.ScenarioTemplate
	runs       map[string]*runState
	conditions map[string]*Condition

	listenersMu sync.Mutex
	listeners   map[int]func(domain.ScenarioRun)
	nextID      int
}

func NewRuntime(dispatcher Dispatcher, opts RuntimeOptions) *Runtime {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		dispatcher: dispatcher,
		history:    opts.History,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithField("component", "runtime"),
		now:        opts.Now,
		baseCtx:    ctx,
		stop:       cancel,
		templates:  make(map[string]domain.ScenarioTemplate),
		runs:       make(map[string]*runState),
		conditions: make(map[string]*Condition),
		listeners:  make(map[int]func(domain.ScenarioRun)),
	}
}

// Close cancels every run context and waits for the walks to return.
func (r *Runtime) Close() {
	r.stop()
	r.wg.Wait()
}

// LoadTemplates replaces the template table.
func (r *Runtime) LoadTemplates(templates []domain.ScenarioTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = make(map[string]domain.ScenarioTemplate, len(templates))
	for _, t := range templates {
		r.templates[t.ID] = t
	}
}

// OnRunUpdated registers cb for changes to any run. cb gets a copy.
func (r *Runtime) OnRunUpdated(cb func(domain.ScenarioRun)) func() {
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

// CreateRun registers an idle run of templateID.
func (r *Runtime) CreateRun(templateID, initialArtifact, name string) domain.ScenarioRun {
	now := r.now()
	runID := "run_" + strconv.FormatInt(now.UnixMilli(), 36) + uuid.NewString()[:4]
	ctx, cancel := context.WithCancel(r.baseCtx)
	rs := &runState{
		run: domain.ScenarioRun{
			RunID:            runID,
			TemplateID:       templateID,
			CreatedAt:        now,
			Name:             name,
			Status:           domain.RunStatusIdle,
			CurrentStagePath: []string{},
			CurrentRound:     1,
			LastReplies:      map[string]string{},
			CentralArtifact:  initialArtifact,
			Events:           []domain.ScenarioEvent{},
			Rounds:           []domain.RoundSummary{},
		},
		ctx:    ctx,
		cancel: cancel,
	}

	r.mu.Lock()
	r.runs[runID] = rs
	r.mu.Unlock()
	return rs.run.Clone()
}

func (r *Runtime) Run(runID string) (domain.ScenarioRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.runs[runID]
	if !ok {
		return domain.ScenarioRun{}, false
	}
	return rs.run.Clone(), true
}

// SetRunName renames a run.
func (r *Runtime) SetRunName(runID, name string) error {
	r.mu.Lock()
	rs, ok := r.runs[runID]
	if ok {
		rs.run.Name = name
	}
	r.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	r.notify(rs)
	return nil
}

// StartRun moves an idle or paused run to running and walks its stages.
// Starting a running run is a no-op.
func (r *Runtime) StartRun(runID string) error {
	r.mu.Lock()
	rs, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return ErrRunNotFound
	}
	switch rs.run.Status {
	case domain.RunStatusRunning:
		r.mu.Unlock()
		return nil
	case domain.RunStatusCompleted, domain.RunStatusError:
		status := rs.run.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s run cannot start", ErrInvalidTransition, status)
	}
	r.transitionLocked(rs, domain.RunStatusRunning)
	spawn := !rs.walking
	if spawn {
		rs.walking = true
		r.wg.Add(1)
	}
	r.mu.Unlock()

	r.notify(rs)
	if spawn {
		go r.walk(rs)
	}
	return nil
}

// PauseRun halts a running run at the next stage boundary.
func (r *Runtime) PauseRun(runID string) error {
	r.mu.Lock()
	rs, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return ErrRunNotFound
	}
	switch rs.run.Status {
	case domain.RunStatusPaused:
		r.mu.Unlock()
		return nil
	case domain.RunStatusRunning:
	default:
		status := rs.run.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s run cannot pause", ErrInvalidTransition, status)
	}
	r.transitionLocked(rs, domain.RunStatusPaused)
	r.mu.Unlock()
	r.notify(rs)
	return nil
}

// StopRun completes a run and cancels its in-flight prompt. Stopping a
// finished run is a no-op.
func (r *Runtime) StopRun(runID string) error {
	r.mu.Lock()
	rs, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return ErrRunNotFound
	}
	if rs.run.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.transitionLocked(rs, domain.RunStatusCompleted)
	snapshot := rs.run.Clone()
	r.mu.Unlock()

	rs.cancel()
	r.saveSummary(snapshot)
	r.notify(rs)
	return nil
}

func (r *Runtime) walk(rs *runState) {
	defer r.wg.Done()
	for {
		finished, err := r.process(rs)

		r.mu.Lock()
		var snapshot *domain.ScenarioRun
		again := false
		switch {
		case err != nil:
			if !rs.run.Status.Terminal() {
				r.pushEventLocked(rs, domain.ScenarioEvent{Type: domain.EventTypeRunError, Message: err.Error()})
				r.transitionLocked(rs, domain.RunStatusError)
				s := rs.run.Clone()
				snapshot = &s
			}
		case finished && rs.run.Status == domain.RunStatusRunning:
			r.transitionLocked(rs, domain.RunStatusCompleted)
			s := rs.run.Clone()
			snapshot = &s
		case rs.run.Status == domain.RunStatusRunning:
			// resumed while this walk was unwinding from a pause
			again = true
		}
		if !again {
			rs.walking = false
		}
		r.mu.Unlock()

		if snapshot != nil {
			rs.cancel()
			r.saveSummary(*snapshot)
			r.notify(rs)
		}
		if !again {
			return
		}
	}
}

func (r *Runtime) process(rs *runState) (bool, error) {
	r.mu.Lock()
	tmpl, ok := r.templates[rs.run.TemplateID]
	r.mu.Unlock()
	if !ok {
		return false, ErrTemplateNotFound
	}
	return r.executeStages(rs, tmpl.Stages, tmpl.Hooks, nil), nil
}

// executeStages runs stages in order under path and reports whether the run
// is still running afterwards.
func (r *Runtime) executeStages(rs *runState, stages domain.Stages, hooks *domain.TemplateHooks, path []string) bool {
	for _, stage := range stages {
		if !r.running(rs) {
			return false
		}
		r.mu.Lock()
		rs.run.CurrentStagePath = append(append([]string(nil), path...), stage.StageID())
		r.mu.Unlock()

		switch s := stage.(type) {
		case *domain.LoopStage:
			r.executeLoop(rs, s, hooks, path)
		case *domain.PromptStage:
			r.executePrompt(rs, s.TargetRole, s.PromptTemplate, "unknown")
		case *domain.AggregateStage:
			r.executePrompt(rs, s.TargetRole, s.PromptTemplate, "aggregate failed")
		case *domain.ArtifactStage:
			r.executeArtifact(rs, s)
		}
	}
	return r.running(rs)
}

func (r *Runtime) executeLoop(rs *runState, stage *domain.LoopStage, hooks *domain.TemplateHooks, path []string) {
	r.mu.Lock()
	start := rs.run.CurrentRound
	r.mu.Unlock()

	for round := start; round <= stage.MaxRounds; round++ {
		if !r.running(rs) {
			return
		}
		r.mu.Lock()
		roundPath := append(append([]string(nil), path...), stage.ID, "round-"+strconv.Itoa(round))
		rs.run.CurrentRound = round
		rs.run.CurrentStagePath = roundPath
		r.mu.Unlock()
		r.notify(rs)

		r.executeStages(rs, stage.Body, hooks, roundPath)
		if !r.running(rs) {
			return
		}
		if r.shouldStop(rs, stage, hooks) {
			r.logger.WithFields(logrus.Fields{"run_id": rs.run.RunID, "stage": stage.ID, "round": round}).Info("stop condition met")
			return
		}
	}
}

func (r *Runtime) shouldStop(rs *runState, stage *domain.LoopStage, hooks *domain.TemplateHooks) bool {
	vars := r.vars(rs)
	if r.evaluate(stage.StopCondition, vars) {
		return true
	}
	return hooks != nil && r.evaluate(hooks.ShouldStop, vars)
}

// evaluate treats an empty, unparseable or failing condition as false.
func (r *Runtime) evaluate(expr string, vars Vars) bool {
	if strings.TrimSpace(expr) == "" {
		return false
	}
	r.mu.Lock()
	cond, ok := r.conditions[expr]
	r.mu.Unlock()
	if !ok {
		parsed, err := ParseCondition(expr)
		if err != nil {
			r.logger.WithError(err).Warn("failed to parse stop condition")
			return false
		}
		cond = parsed
		r.mu.Lock()
		r.conditions[expr] = cond
		r.mu.Unlock()
	}
	stop, err := cond.Eval(vars)
	if err != nil {
		r.logger.WithError(err).Warn("failed to evaluate stop condition")
		return false
	}
	return stop
}

func (r *Runtime) executePrompt(rs *runState, role, tmpl, fallbackErr string) {
	prompt := Render(tmpl, r.vars(rs))
	started := r.now()
	res := r.assign(rs, role, prompt)
	elapsed := r.now().Sub(started)

	r.mu.Lock()
	if rs.run.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.recordReplyLocked(rs, role, res, elapsed)
	var snapshot *domain.ScenarioRun
	if !res.OK {
		msg := res.Error
		if msg == "" {
			msg = fallbackErr
		}
		r.pushEventLocked(rs, domain.ScenarioEvent{Type: domain.EventTypeRunError, Message: msg})
		r.transitionLocked(rs, domain.RunStatusError)
		s := rs.run.Clone()
		snapshot = &s
	} else {
		rs.run.LastReplies[role] = res.Reply
	}
	r.mu.Unlock()

	if snapshot != nil {
		r.logger.WithFields(logrus.Fields{"run_id": snapshot.RunID, "slot": role, "error": res.Error}).Warn("stage failed")
		rs.cancel()
		r.saveSummary(*snapshot)
	}
	r.notify(rs)
}

func (r *Runtime) assign(rs *runState, role, prompt string) domain.RunPromptResult {
	runID := rs.run.RunID
	d, err := r.dispatcher.Prepare(runID, role)
	if err != nil {
		return domain.RunPromptResult{OK: false, Error: err.Error()}
	}

	r.mu.Lock()
	r.pushEventLocked(rs, domain.ScenarioEvent{
		Type:          domain.EventTypeTaskAssigned,
		Slot:          role,
		WorkerID:      d.WorkerID,
		TaskID:        d.TaskID,
		PromptPreview: preview(prompt, promptPreviewLen),
	})
	r.mu.Unlock()
	r.notify(rs)

	res := r.dispatcher.Await(rs.ctx, d, prompt, map[string]any{"runId": runID, "slotName": role})

	ok := res.OK
	r.mu.Lock()
	r.pushEventLocked(rs, domain.ScenarioEvent{
		Type:     domain.EventTypeTaskResult,
		Slot:     role,
		WorkerID: d.WorkerID,
		TaskID:   d.TaskID,
		OK:       &ok,
	})
	r.mu.Unlock()
	r.notify(rs)
	return res
}

func (r *Runtime) executeArtifact(rs *runState, stage *domain.ArtifactStage) {
	rendered := Render(stage.Template, r.vars(rs))
	r.mu.Lock()
	r.artifact.Apply(&rs.run, stage, rendered)
	r.pushEventLocked(rs, domain.ScenarioEvent{
		Type:        domain.EventTypeArtifactUpdated,
		DiffPreview: preview(rendered, artifactPreviewLen),
	})
	r.mu.Unlock()
	r.notify(rs)
}

func (r *Runtime) recordReplyLocked(rs *runState, role string, res domain.RunPromptResult, elapsed time.Duration) {
	round := rs.run.CurrentRound
	idx := -1
	for i := range rs.run.Rounds {
		if rs.run.Rounds[i].Round == round {
			idx = i
			break
		}
	}
	if idx < 0 {
		rs.run.Rounds = append(rs.run.Rounds, domain.RoundSummary{Round: round})
		idx = len(rs.run.Rounds) - 1
	}
	text := res.Reply
	if !res.OK {
		text = res.Error
	}
	reply := domain.RoleReply{
		Role:       role,
		ShortLabel: preview(firstLine(text), shortLabelLen),
		FullReply:  text,
		DurationMS: elapsed.Milliseconds(),
		OK:         res.OK,
	}
	// a resumed round runs its body again; keep one entry per role
	replies := rs.run.Rounds[idx].RoleReplies
	for i := range replies {
		if replies[i].Role == role {
			replies[i] = reply
			return
		}
	}
	rs.run.Rounds[idx].RoleReplies = append(replies, reply)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (r *Runtime) vars(rs *runState) Vars {
	r.mu.Lock()
	defer r.mu.Unlock()
	replies := make(map[string]string, len(rs.run.LastReplies))
	for k, v := range rs.run.LastReplies {
		replies[k] = v
	}
	return Vars{Round: rs.run.CurrentRound, CentralArtifact: rs.run.CentralArtifact, LastReplies: replies}
}

func (r *Runtime) running(rs *runState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rs.run.Status == domain.RunStatusRunning
}

func (r *Runtime) transitionLocked(rs *runState, next domain.RunStatus) {
	prev := rs.run.Status
	rs.run.Status = next
	r.pushEventLocked(rs, domain.ScenarioEvent{Type: domain.EventTypeRunStatus, From: prev, To: next})
	r.metrics.RunTransition(string(next))
	r.logger.WithFields(logrus.Fields{"run_id": rs.run.RunID, "from": prev, "to": next}).Info("run status changed")
}

func (r *Runtime) pushEventLocked(rs *runState, ev domain.ScenarioEvent) {
	ev.Seq = len(rs.run.Events) + 1
	ev.Time = r.now()
	rs.run.Events = append(rs.run.Events, ev)
}

func (r *Runtime) notify(rs *runState) {
	r.mu.Lock()
	snapshot := rs.run.Clone()
	r.mu.Unlock()

	r.listenersMu.Lock()
	cbs := make([]func(domain.ScenarioRun), 0, len(r.listeners))
	for _, cb := range r.listeners {
		cbs = append(cbs, cb)
	}
	r.listenersMu.Unlock()
	for _, cb := range cbs {
		cb(snapshot)
	}
}

func (r *Runtime) saveSummary(run domain.ScenarioRun) {
	if r.history == nil {
		return
	}
	if err := r.history.SaveRunSummary(context.Background(), run); err != nil {
		r.logger.WithError(err).WithField("run_id", run.RunID).Warn("save run summary failed")
	}
}
