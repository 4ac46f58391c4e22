// Package persona runs the fixed four-role meeting: Maximizer, Minimizer,
// Synthesizer and Judge take turns on the persona topic until the round
// budget is spent.
package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/telemetry"
)

const (
	JudgeMarkerStart = "<<<JUDGE_ROUND_UPDATE>>>"
	JudgeMarkerEnd   = "<<<JUDGE_ROUND_UPDATE_END>>>"
)

type Stage string

const (
	StageNeedMax   Stage = "needMax"
	StageNeedMin   Stage = "needMin"
	StageNeedSyn   Stage = "needSyn"
	StageNeedJudge Stage = "needJudge"
)

var stageRoles = map[Stage]domain.PersonaRole{
	StageNeedMax:   domain.PersonaRoleMaximizer,
	StageNeedMin:   domain.PersonaRoleMinimizer,
	StageNeedSyn:   domain.PersonaRoleSynthesizer,
	StageNeedJudge: domain.PersonaRoleJudge,
}

type Config struct {
	EndpointID string
	MaxRounds  int
	// MaxJudgeAttempts bounds Judge dispatches within one round. Zero keeps
	// re-dispatching until the Judge emits the markers.
	MaxJudgeAttempts int
	// SeenEnvelopes is how many result envelope ids are remembered to drop
	// redelivered results.
	SeenEnvelopes int
}

func (c Config) withDefaults() Config {
	if c.EndpointID == "" {
		c.EndpointID = "persona-coordinator-" + uuid.NewString()[:8]
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 100
	}
	if c.MaxJudgeAttempts < 0 {
		c.MaxJudgeAttempts = 0
	}
	if c.SeenEnvelopes <= 0 {
		c.SeenEnvelopes = 512
	}
	return c
}

// State is a snapshot of the meeting.
type State struct {
	Round         int                           `json:"round"`
	MaxRounds     int                           `json:"maxRounds"`
	Stage         Stage                         `json:"stage"`
	IsRunning     bool                          `json:"isRunning"`
	Workers       map[domain.PersonaRole]string `json:"workers"`
	LastReplies   map[domain.PersonaRole]string `json:"lastReplies"`
	PendingTaskID string                        `json:"pendingTaskId,omitempty"`
	PendingRole   domain.PersonaRole            `json:"pendingRole,omitempty"`
	JudgeAttempts int                           `json:"judgeAttempts"`
	StopReason    string                        `json:"stopReason,omitempty"`
}

// Coordinator dispatches one task at a time and accepts a result only when
// its task id and role match the pending task.
type Coordinator struct {
	bus     messaging.Bus
	cfg     Config
	metrics *telemetry.Metrics
	logger  logrus.FieldLogger
	seen    *lru.Cache[string, struct{}]

	mu            sync.Mutex
	round         int
	stage         Stage
	running       bool
	workers       map[domain.PersonaRole]string
	lastReplies   map[domain.PersonaRole]string
	pendingTaskID string
	pendingRole   domain.PersonaRole
	judgeAttempts int
	stopReason    string

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

func NewCoordinator(bus messaging.Bus, cfg Config, metrics *telemetry.Metrics, logger logrus.FieldLogger) *Coordinator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	seen, _ := lru.New[string, struct{}](cfg.SeenEnvelopes)
	return &Coordinator{
		bus:         bus,
		cfg:         cfg,
		metrics:     metrics,
		logger:      logger.WithField("component", "persona-coordinator"),
		seen:        seen,
		round:       1,
		stage:       StageNeedMax,
		workers:     make(map[domain.PersonaRole]string),
		lastReplies: make(map[domain.PersonaRole]string),
		listeners:   make(map[int]func(State)),
	}
}

// Start listens on the persona topic. The meeting itself begins with
// StartSession.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.bus == nil {
		return errors.New("persona coordinator requires a bus")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	unsubscribe, err := c.bus.Subscribe(messaging.TopicPersona, c.cfg.EndpointID, c.HandleMessage)
	if err != nil {
		c.cancel()
		return fmt.Errorf("persona subscribe: %w", err)
	}
	c.unsubscribe = unsubscribe
	return nil
}

func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.cancel != nil {
		c.cancel()
	}
}

// StartSession resets the meeting to round one and dispatches the first
// task when a Maximizer is registered.
func (c *Coordinator) StartSession() {
	c.mu.Lock()
	c.running = true
	c.round = 1
	c.stage = StageNeedMax
	c.lastReplies = make(map[domain.PersonaRole]string)
	c.pendingTaskID = ""
	c.pendingRole = ""
	c.judgeAttempts = 0
	c.stopReason = ""
	assign := c.nextAssignmentLocked()
	c.mu.Unlock()

	c.logger.WithField("max_rounds", c.cfg.MaxRounds).Info("persona session started")
	c.send(assign)
	c.notify()
}

func (c *Coordinator) StopSession(reason string) {
	c.mu.Lock()
	c.stopLocked(reason)
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) stopLocked(reason string) {
	if c.running {
		c.logger.WithFields(logrus.Fields{"round": c.round, "reason": reason}).Info("persona session stopped")
	}
	c.running = false
	c.pendingTaskID = ""
	c.pendingRole = ""
	c.stopReason = reason
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	workers := make(map[domain.PersonaRole]string, len(c.workers))
	for k, v := range c.workers {
		workers[k] = v
	}
	replies := make(map[domain.PersonaRole]string, len(c.lastReplies))
	for k, v := range c.lastReplies {
		replies[k] = v
	}
	return State{
		Round:         c.round,
		MaxRounds:     c.cfg.MaxRounds,
		Stage:         c.stage,
		IsRunning:     c.running,
		Workers:       workers,
		LastReplies:   replies,
		PendingTaskID: c.pendingTaskID,
		PendingRole:   c.pendingRole,
		JudgeAttempts: c.judgeAttempts,
		StopReason:    c.stopReason,
	}
}

// OnChange registers cb to receive the state after every transition.
func (c *Coordinator) OnChange(cb func(State)) func() {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = cb
	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) HandleMessage(env domain.Envelope) {
	switch env.Type {
	case domain.MessageTypeRegisterPersona:
		var msg domain.RegisterPersonaMessage
		if err := env.Decode(&msg); err != nil || !msg.Role.IsWorker() {
			return
		}
		c.mu.Lock()
		c.workers[msg.Role] = msg.TabID
		var assign *domain.TaskAssignMessage
		if c.running {
			assign = c.nextAssignmentLocked()
		}
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{"role": msg.Role, "tab_id": msg.TabID}).Info("persona registered")
		c.send(assign)
		c.notify()

	case domain.MessageTypeTaskResult:
		if _, dup := c.seen.Get(env.ID); dup {
			return
		}
		c.seen.Add(env.ID, struct{}{})
		var msg domain.TaskResultMessage
		if err := env.Decode(&msg); err != nil {
			c.logger.WithError(err).Debug("drop malformed task result")
			return
		}
		c.handleResult(msg)
	}
}

func (c *Coordinator) handleResult(msg domain.TaskResultMessage) {
	c.mu.Lock()
	if !c.running || msg.TaskID != c.pendingTaskID || msg.Role != c.pendingRole {
		c.mu.Unlock()
		return
	}
	c.lastReplies[msg.Role] = msg.Reply

	switch msg.Role {
	case domain.PersonaRoleMaximizer:
		c.stage = StageNeedMin
	case domain.PersonaRoleMinimizer:
		c.stage = StageNeedSyn
	case domain.PersonaRoleSynthesizer:
		c.stage = StageNeedJudge
	case domain.PersonaRoleJudge:
		if HasJudgeMarkers(msg.Reply) {
			c.stage = StageNeedMax
			c.round++
			c.judgeAttempts = 0
		} else {
			c.stage = StageNeedJudge
			c.logger.WithFields(logrus.Fields{"round": c.round, "attempt": c.judgeAttempts}).Warn("judge reply missing update markers, re-assigning round")
		}
	}
	c.pendingTaskID = ""
	c.pendingRole = ""

	var assign *domain.TaskAssignMessage
	switch {
	case c.round > c.cfg.MaxRounds:
		c.stopLocked("max rounds reached")
	case c.stage == StageNeedJudge && c.cfg.MaxJudgeAttempts > 0 && c.judgeAttempts >= c.cfg.MaxJudgeAttempts:
		c.stopLocked(fmt.Sprintf("judge missed update markers %d times", c.judgeAttempts))
	default:
		assign = c.nextAssignmentLocked()
	}
	c.mu.Unlock()

	c.send(assign)
	c.notify()
}

// nextAssignmentLocked claims the pending slot for the current stage. It
// returns nil when a task is already out or the stage has no worker.
func (c *Coordinator) nextAssignmentLocked() *domain.TaskAssignMessage {
	if !c.running || c.pendingTaskID != "" {
		return nil
	}
	role := stageRoles[c.stage]
	tabID, ok := c.workers[role]
	if !ok {
		return nil
	}
	assign := &domain.TaskAssignMessage{
		Role:   role,
		TabID:  tabID,
		TaskID: TaskID(role, c.round),
		Prompt: ComposePrompt(role, c.round, c.lastReplies),
	}
	c.pendingTaskID = assign.TaskID
	c.pendingRole = role
	if role == domain.PersonaRoleJudge {
		c.judgeAttempts++
	}
	return assign
}

func (c *Coordinator) send(assign *domain.TaskAssignMessage) {
	if assign == nil {
		return
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	c.metrics.PersonaDispatch(string(assign.Role))
	if err := messaging.PublishPayload(ctx, c.bus, messaging.TopicPersona, c.cfg.EndpointID, domain.MessageTypeTaskAssign, assign); err != nil {
		c.logger.WithError(err).WithField("task_id", assign.TaskID).Warn("publish task assignment failed")
		return
	}
	c.logger.WithFields(logrus.Fields{"task_id": assign.TaskID, "role": assign.Role, "tab_id": assign.TabID}).Debug("task assigned")
}

func (c *Coordinator) notify() {
	c.listenersMu.Lock()
	cbs := make([]func(State), 0, len(c.listeners))
	for _, cb := range c.listeners {
		cbs = append(cbs, cb)
	}
	c.listenersMu.Unlock()
	if len(cbs) == 0 {
		return
	}
	state := c.State()
	for _, cb := range cbs {
		cb(state)
	}
}

// TaskID names the task for role in round.
func TaskID(role domain.PersonaRole, round int) string {
	return fmt.Sprintf("round-%d-%s", round, strings.ToLower(string(role)))
}

// HasJudgeMarkers reports whether reply carries both update markers.
func HasJudgeMarkers(reply string) bool {
	return strings.Contains(reply, JudgeMarkerStart) && strings.Contains(reply, JudgeMarkerEnd)
}

// ComposePrompt builds the prompt for role from the replies so far.
func ComposePrompt(role domain.PersonaRole, round int, replies map[domain.PersonaRole]string) string {
	or := func(r domain.PersonaRole, fallback string) string {
		if v, ok := replies[r]; ok {
			return v
		}
		return fallback
	}
	header := fmt.Sprintf("Round %d: act as the %s.", round, role)

	switch role {
	case domain.PersonaRoleMaximizer:
		synthesis := "No previous synthesis available."
		if v, ok := replies[domain.PersonaRoleSynthesizer]; ok && v != "" {
			synthesis = "Previous synthesis: " + v
		}
		return strings.Join([]string{
			header,
			synthesis,
			"Generate an improved proposal to move the discussion forward.",
		}, "\n")
	case domain.PersonaRoleMinimizer:
		return strings.Join([]string{
			header,
			"Critique the Maximizer output with concise risks and gaps.",
			"Maximizer said: " + or(domain.PersonaRoleMaximizer, "No Maximizer output yet."),
		}, "\n")
	case domain.PersonaRoleSynthesizer:
		return strings.Join([]string{
			header,
			"Maximizer said: " + or(domain.PersonaRoleMaximizer, "No Maximizer output."),
			"Minimizer said: " + or(domain.PersonaRoleMinimizer, "No Minimizer output."),
			"Produce a balanced synthesis that reconciles both.",
		}, "\n")
	case domain.PersonaRoleJudge:
		return strings.Join([]string{
			header,
			"Review the latest synthesis: " + or(domain.PersonaRoleSynthesizer, "No synthesis provided."),
			"Update central_artifact.md accordingly and include markers:",
			JudgeMarkerStart,
			"Summarize your update here.",
			JudgeMarkerEnd,
		}, "\n")
	}
	return ""
}
