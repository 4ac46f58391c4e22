package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/store"
)

const (
	templatesKey    = "orchestrator/templates"
	runSummariesKey = "orchestrator/runs"
	maxRunSummaries = 20
)

// Persistence keeps the template set and the ring of recent run summaries.
// A malformed document reads as absent.
type Persistence struct {
	kv     store.KV
	logger logrus.FieldLogger

	// serializes the read-modify-write of the run ring within this process
	mu sync.Mutex
}

func NewPersistence(kv store.KV, logger logrus.FieldLogger) *Persistence {
	if kv == nil {
		kv = store.NewMemory()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Persistence{kv: kv, logger: logger.WithField("component", "persistence")}
}

// LoadTemplates returns the stored template set, or nil when none is stored.
func (p *Persistence) LoadTemplates(ctx context.Context) []domain.ScenarioTemplate {
	var doc templateDocument
	found, err := store.GetJSON(ctx, p.kv, templatesKey, &doc)
	if err != nil {
		p.warn(err, "failed to parse templates")
		return nil
	}
	if !found {
		return nil
	}
	return doc.Templates
}

func (p *Persistence) SaveTemplates(ctx context.Context, templates []domain.ScenarioTemplate) error {
	if err := store.PutJSON(ctx, p.kv, templatesKey, templateDocument{Templates: templates}); err != nil {
		return fmt.Errorf("save templates: %w", err)
	}
	return nil
}

// SaveRunSummary puts a summary of run at the head of the ring.
func (p *Persistence) SaveRunSummary(ctx context.Context, run domain.ScenarioRun) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	summary := domain.PersistedRunSummary{
		RunID:           run.RunID,
		TemplateID:      run.TemplateID,
		CreatedAt:       run.CreatedAt,
		Status:          run.Status,
		ArtifactPreview: preview(run.CentralArtifact, summaryPreviewLen),
	}
	next := append([]domain.PersistedRunSummary{summary}, p.runSummaries(ctx)...)
	if len(next) > maxRunSummaries {
		next = next[:maxRunSummaries]
	}
	if err := store.PutJSON(ctx, p.kv, runSummariesKey, next); err != nil {
		return fmt.Errorf("save run summary: %w", err)
	}
	return nil
}

// RunSummaries lists saved summaries, newest first.
func (p *Persistence) RunSummaries(ctx context.Context) []domain.PersistedRunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runSummaries(ctx)
}

func (p *Persistence) runSummaries(ctx context.Context) []domain.PersistedRunSummary {
	var list []domain.PersistedRunSummary
	if _, err := store.GetJSON(ctx, p.kv, runSummariesKey, &list); err != nil {
		p.warn(err, "failed to parse run summaries")
		return nil
	}
	return list
}

func (p *Persistence) warn(err error, msg string) {
	var malformed *store.ErrMalformed
	if errors.As(err, &malformed) {
		p.logger.WithError(err).WithField("key", malformed.Key).Warn(msg)
		return
	}
	p.logger.WithError(err).Warn(msg)
}
