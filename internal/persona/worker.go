package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/store"
	"tabrelay/internal/worker"
)

const DefaultReplyTimeout = 120 * time.Second

func roleKey(profile string) string {
	if strings.TrimSpace(profile) == "" {
		profile = "default"
	}
	return "persona/" + profile + "/role"
}

// LoadRole reads the stored persona role of profile. Anything unreadable
// or unknown is None.
func LoadRole(ctx context.Context, kv store.KV, profile string) domain.PersonaRole {
	var raw string
	found, err := store.GetJSON(ctx, kv, roleKey(profile), &raw)
	if err != nil || !found {
		return domain.PersonaRoleNone
	}
	return domain.ParsePersonaRole(raw)
}

func SaveRole(ctx context.Context, kv store.KV, profile string, role domain.PersonaRole) error {
	return store.PutJSON(ctx, kv, roleKey(profile), string(domain.ParsePersonaRole(string(role))))
}

type WorkerOptions struct {
	Bus          messaging.Bus
	UI           worker.ChatUI
	TabID        string
	Role         domain.PersonaRole
	ReplyTimeout time.Duration
	Logger       logrus.FieldLogger
}

// Worker plays one persona role in one tab. It registers on the persona
// topic, runs assignments for its tab and role, and reports the reply.
type Worker struct {
	bus     messaging.Bus
	ui      *worker.SerialUI
	tabID   string
	timeout time.Duration
	logger  logrus.FieldLogger

	mu          sync.Mutex
	role        domain.PersonaRole
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc

	wg sync.WaitGroup
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Bus == nil || opts.UI == nil {
		return nil, errors.New("persona worker requires a bus and a chat UI")
	}
	if opts.TabID == "" {
		return nil, errors.New("persona worker requires a tab id")
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Worker{
		bus:     opts.Bus,
		ui:      worker.Serialize(opts.UI),
		tabID:   opts.TabID,
		timeout: opts.ReplyTimeout,
		role:    opts.Role,
		logger:  opts.Logger.WithFields(logrus.Fields{"component": "persona-worker", "tab_id": opts.TabID}),
	}, nil
}

func (w *Worker) Role() domain.PersonaRole {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.role
}

// Start joins the persona topic when the role takes part in the rotation.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctx, w.cancel = context.WithCancel(ctx)
	return w.attachLocked()
}

// SetRole switches role, leaving and re-joining the topic.
func (w *Worker) SetRole(role domain.PersonaRole) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.detachLocked()
	w.role = role
	if w.ctx == nil {
		return nil
	}
	return w.attachLocked()
}

func (w *Worker) Close() {
	w.mu.Lock()
	w.detachLocked()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) attachLocked() error {
	if !w.role.IsWorker() {
		return nil
	}
	unsubscribe, err := w.bus.Subscribe(messaging.TopicPersona, w.tabID, w.handle)
	if err != nil {
		return fmt.Errorf("persona worker subscribe: %w", err)
	}
	w.unsubscribe = unsubscribe
	if err := messaging.PublishPayload(w.ctx, w.bus, messaging.TopicPersona, w.tabID, domain.MessageTypeRegisterPersona,
		domain.RegisterPersonaMessage{Role: w.role, TabID: w.tabID}); err != nil {
		w.logger.WithError(err).Warn("register persona failed")
	}
	w.logger.WithField("role", w.role).Info("persona worker registered")
	return nil
}

func (w *Worker) detachLocked() {
	if w.unsubscribe != nil {
		w.unsubscribe()
		w.unsubscribe = nil
	}
}

func (w *Worker) handle(env domain.Envelope) {
	if env.Type != domain.MessageTypeTaskAssign {
		return
	}
	var assign domain.TaskAssignMessage
	if err := env.Decode(&assign); err != nil {
		return
	}
	w.mu.Lock()
	role, ctx := w.role, w.ctx
	attached := w.unsubscribe != nil
	w.mu.Unlock()
	if !attached || assign.TabID != w.tabID || assign.Role != role {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx, assign)
	}()
}

func (w *Worker) run(ctx context.Context, assign domain.TaskAssignMessage) {
	logger := w.logger.WithField("task_id", assign.TaskID)

	var reply string
	err := w.ui.Exclusive(ctx, func(ui worker.ChatUI) {
		baseline := ui.LatestReply(ctx)
		if res := ui.SubmitPrompt(ctx, assign.Prompt); !res.OK {
			logger.WithField("error", res.Error).Warn("submit failed, skip task")
			return
		}
		got, ok := ui.AwaitReply(ctx, worker.AwaitOptions{Timeout: w.timeout, PreviousText: baseline})
		if !ok || got == "" {
			logger.Warn("no reply before timeout")
			return
		}
		reply = got
	})
	if err != nil || reply == "" {
		return
	}
	if err := messaging.PublishPayload(ctx, w.bus, messaging.TopicPersona, w.tabID, domain.MessageTypeTaskResult, domain.TaskResultMessage{
		Role:   assign.Role,
		TabID:  w.tabID,
		TaskID: assign.TaskID,
		Reply:  reply,
	}); err != nil {
		logger.WithError(err).Warn("publish task result failed")
	}
}
