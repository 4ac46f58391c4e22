package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
	"tabrelay/internal/telemetry"
)

type RegistryConfig struct {
	EndpointID    string
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.EndpointID == "" {
		c.EndpointID = "registry-" + uuid.NewString()[:8]
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 3 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Registry is a passive directory of workers built from the events they
// broadcast. It never asks workers anything.
type Registry struct {
	bus     messaging.Bus
	cfg     RegistryConfig
	metrics *telemetry.Metrics
	logger  logrus.FieldLogger

	mu      sync.RWMutex
	workers map[string]domain.WorkerInfoSnapshot

	listenersMu sync.Mutex
	listeners   map[int]func()
	nextID      int

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewRegistry(bus messaging.Bus, cfg RegistryConfig, metrics *telemetry.Metrics, logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		bus:       bus,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		logger:    logger.WithField("component", "registry"),
		workers:   make(map[string]domain.WorkerInfoSnapshot),
		listeners: make(map[int]func()),
	}
}

// Start subscribes to worker events and sweeps stale entries every
// SweepInterval until ctx is done or Close is called.
func (r *Registry) Start(ctx context.Context) error {
	unsubscribe, err := r.bus.Subscribe(messaging.TopicWorkerRPC, r.cfg.EndpointID, r.HandleEvent)
	if err != nil {
		return fmt.Errorf("registry subscribe: %w", err)
	}
	r.unsubscribe = unsubscribe

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.cfg.Now())
			}
		}
	}()
	return nil
}

func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// OnChange registers cb to run after the worker list changes.
func (r *Registry) OnChange(cb func()) func() {
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

// Workers lists known workers ordered by persona label.
func (r *Registry) Workers() []domain.WorkerInfoSnapshot {
	r.mu.RLock()
	out := make([]domain.WorkerInfoSnapshot, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := strings.Compare(out[i].PersonaLabel, out[j].PersonaLabel); c != 0 {
			return c < 0
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	return out
}

func (r *Registry) Worker(id string) (domain.WorkerInfoSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// HandleEvent folds one worker event into the directory.
func (r *Registry) HandleEvent(env domain.Envelope) {
	now := r.cfg.Now()
	changed := false

	switch env.Type {
	case domain.MessageTypeHello:
		var ev domain.HelloEvent
		if !r.decode(env, &ev) {
			return
		}
		r.mu.Lock()
		r.workers[ev.WorkerID] = domain.WorkerInfoSnapshot{
			WorkerID:     ev.WorkerID,
			PersonaLabel: ev.PersonaLabel,
			Status:       domain.WorkerStatusIdle,
			LastSeenAt:   now,
		}
		r.mu.Unlock()
		changed = true
		r.logger.WithFields(logrus.Fields{
			"worker_id": ev.WorkerID, "label": ev.PersonaLabel, "from_reload": ev.FromReload,
		}).Info("worker announced")

	case domain.MessageTypeStatus:
		var ev domain.StatusEvent
		if !r.decode(env, &ev) {
			return
		}
		r.mu.Lock()
		existing, ok := r.workers[ev.WorkerID]
		snapshot := domain.WorkerInfoSnapshot{
			WorkerID:       ev.WorkerID,
			PersonaLabel:   ev.WorkerID,
			Status:         ev.Status,
			QueueLength:    ev.QueueLength,
			LastSeenAt:     now,
			ErrorCode:      ev.ErrorCode,
			ConfigSnapshot: ev.Config,
		}
		if ok {
			if existing.PersonaLabel != "" {
				snapshot.PersonaLabel = existing.PersonaLabel
			}
			if snapshot.ConfigSnapshot == nil {
				snapshot.ConfigSnapshot = existing.ConfigSnapshot
			}
		}
		r.workers[ev.WorkerID] = snapshot
		r.mu.Unlock()
		changed = true

	case domain.MessageTypeHeartbeat:
		var ev domain.HeartbeatEvent
		if !r.decode(env, &ev) {
			return
		}
		r.mu.Lock()
		existing, ok := r.workers[ev.WorkerID]
		if !ok {
			existing = domain.WorkerInfoSnapshot{WorkerID: ev.WorkerID, PersonaLabel: ev.WorkerID}
		}
		changed = !ok || existing.Status != ev.Status || existing.QueueLength != ev.QueueLength
		existing.Status = ev.Status
		existing.QueueLength = ev.QueueLength
		existing.LastSeenAt = now
		r.workers[ev.WorkerID] = existing
		r.mu.Unlock()

	case domain.MessageTypeLog:
		var ev domain.LogEvent
		if r.decode(env, &ev) {
			r.touch(ev.WorkerID, now)
		}

	case domain.MessageTypeResult:
		var ev domain.ResultEvent
		if r.decode(env, &ev) {
			r.touch(ev.WorkerID, now)
		}

	default:
		return
	}

	if changed {
		r.changed()
	}
}

func (r *Registry) touch(workerID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.LastSeenAt = now
		r.workers[workerID] = w
	}
}

// Sweep evicts workers not seen for longer than StaleAfter and reports how
// many were removed. Listeners run once per sweep that removed anything.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	removed := 0
	for id, w := range r.workers {
		if now.Sub(w.LastSeenAt) > r.cfg.StaleAfter {
			delete(r.workers, id)
			removed++
			r.logger.WithFields(logrus.Fields{"worker_id": id, "last_seen": w.LastSeenAt}).Info("evicted stale worker")
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.changed()
	}
	return removed
}

func (r *Registry) changed() {
	r.mu.RLock()
	r.metrics.WorkersKnown(len(r.workers))
	r.mu.RUnlock()

	r.listenersMu.Lock()
	cbs := make([]func(), 0, len(r.listeners))
	for _, cb := range r.listeners {
		cbs = append(cbs, cb)
	}
	r.listenersMu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (r *Registry) decode(env domain.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		r.logger.WithError(err).WithField("from", env.From).Debug("drop malformed event")
		return false
	}
	return true
}
