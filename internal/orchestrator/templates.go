package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"tabrelay/internal/domain"
)

var ErrInvalidTemplate = errors.New("invalid template")

// DefaultTemplates returns fresh copies of the built-in scenarios.
func DefaultTemplates() []domain.ScenarioTemplate {
	return []domain.ScenarioTemplate{
		{
			ID:          "two_role_demo",
			Name:        "Two Role Ping Pong",
			Description: "Simple two role conversation for a few rounds",
			Roles: []domain.TemplateRole{
				{SlotName: "RoleA", DefaultSystemPrompt: "You are role A. Reply concisely."},
				{SlotName: "RoleB", DefaultSystemPrompt: "You are role B. Reply concisely."},
			},
			Stages: domain.Stages{
				&domain.LoopStage{
					ID:        "loop-main",
					MaxRounds: 3,
					Body: domain.Stages{
						&domain.PromptStage{ID: "prompt-A", TargetRole: "RoleA", PromptTemplate: "Round {{round}}: respond to artifact {{centralArtifact}}"},
						&domain.PromptStage{ID: "prompt-B", TargetRole: "RoleB", PromptTemplate: "Reply to RoleA: {{lastReplies.RoleA}}"},
						&domain.ArtifactStage{ID: "artifact-log", Mode: domain.ArtifactModeAppend, Template: "Round {{round}}\n- A: {{lastReplies.RoleA}}\n- B: {{lastReplies.RoleB}}"},
					},
				},
			},
		},
		{
			ID:          "QCP_Hunter_v1",
			Name:        "QCP Hunter v1",
			Description: "Demo template with Maximizer/Minimizer/Synthesizer/Judge loop",
			Roles: []domain.TemplateRole{
				{SlotName: "Maximizer", DefaultSystemPrompt: "You propose expansive ideas."},
				{SlotName: "Minimizer", DefaultSystemPrompt: "You critique and stress-test ideas."},
				{SlotName: "Synthesizer", DefaultSystemPrompt: "You merge perspectives into a concise plan."},
				{SlotName: "Judge", DefaultSystemPrompt: "You evaluate and decide readiness to stop."},
			},
			Stages: domain.Stages{
				&domain.LoopStage{
					ID:            "loop-core",
					MaxRounds:     100,
					StopCondition: "round >= 100",
					Body: domain.Stages{
						&domain.PromptStage{ID: "maximize", TargetRole: "Maximizer", PromptTemplate: "Round {{round}}: propose next actions based on artifact: {{centralArtifact}}"},
						&domain.PromptStage{ID: "minimize", TargetRole: "Minimizer", PromptTemplate: "Critique and risks for: {{lastReplies.Maximizer}}"},
						&domain.AggregateStage{ID: "synthesize", TargetRole: "Synthesizer", PromptTemplate: "Combine proposal and critique. Proposal: {{lastReplies.Maximizer}}\nCritique: {{lastReplies.Minimizer}}"},
						&domain.PromptStage{ID: "judge", TargetRole: "Judge", PromptTemplate: "Judge the synthesis and decide if loop can stop. Synthesis: {{lastReplies.Synthesizer}}. Say CONTINUE or STOP and why."},
						&domain.ArtifactStage{
							ID:       "append-round",
							Mode:     domain.ArtifactModeAppend,
							Template: "### Round {{round}}\n- Maximizer: {{lastReplies.Maximizer}}\n- Minimizer: {{lastReplies.Minimizer}}\n- Synthesizer: {{lastReplies.Synthesizer}}\n- Judge: {{lastReplies.Judge}}",
						},
					},
				},
			},
			Hooks: &domain.TemplateHooks{ShouldStop: "false"},
		},
	}
}

// MergeTemplates overlays stored on defaults by id. Stored templates that
// are not defaults are appended in their stored order.
func MergeTemplates(defaults, stored []domain.ScenarioTemplate) []domain.ScenarioTemplate {
	out := append([]domain.ScenarioTemplate(nil), defaults...)
	index := make(map[string]int, len(out))
	for i, t := range out {
		index[t.ID] = i
	}
	for _, t := range stored {
		if i, ok := index[t.ID]; ok {
			out[i] = t
			continue
		}
		index[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

// ValidateTemplate checks the structure a run depends on: ids, known
// target roles, positive loop budgets and parseable conditions.
func ValidateTemplate(t domain.ScenarioTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTemplate)
	}
	roles := make(map[string]bool, len(t.Roles))
	for _, role := range t.Roles {
		if role.SlotName == "" {
			return fmt.Errorf("%w: template %s has a role without slotName", ErrInvalidTemplate, t.ID)
		}
		if roles[role.SlotName] {
			return fmt.Errorf("%w: template %s repeats role %s", ErrInvalidTemplate, t.ID, role.SlotName)
		}
		roles[role.SlotName] = true
	}
	if t.Hooks != nil && t.Hooks.ShouldStop != "" {
		if _, err := ParseCondition(t.Hooks.ShouldStop); err != nil {
			return fmt.Errorf("%w: template %s hooks.shouldStop: %v", ErrInvalidTemplate, t.ID, err)
		}
	}
	return validateStages(t.ID, t.Stages, roles)
}

func validateStages(templateID string, stages domain.Stages, roles map[string]bool) error {
	for _, stage := range stages {
		if stage == nil {
			return fmt.Errorf("%w: template %s has an empty stage", ErrInvalidTemplate, templateID)
		}
		if stage.StageID() == "" {
			return fmt.Errorf("%w: template %s has a %s stage without id", ErrInvalidTemplate, templateID, stage.Kind())
		}
		switch s := stage.(type) {
		case *domain.LoopStage:
			if s.MaxRounds < 1 {
				return fmt.Errorf("%w: loop %s needs maxRounds >= 1", ErrInvalidTemplate, s.ID)
			}
			if s.StopCondition != "" {
				if _, err := ParseCondition(s.StopCondition); err != nil {
					return fmt.Errorf("%w: loop %s stopCondition: %v", ErrInvalidTemplate, s.ID, err)
				}
			}
			if err := validateStages(templateID, s.Body, roles); err != nil {
				return err
			}
		case *domain.PromptStage:
			if !roles[s.TargetRole] {
				return fmt.Errorf("%w: stage %s targets unknown role %q", ErrInvalidTemplate, s.ID, s.TargetRole)
			}
		case *domain.AggregateStage:
			if !roles[s.TargetRole] {
				return fmt.Errorf("%w: stage %s targets unknown role %q", ErrInvalidTemplate, s.ID, s.TargetRole)
			}
		case *domain.ArtifactStage:
			if s.Mode != domain.ArtifactModeAppend && s.Mode != domain.ArtifactModeOverwriteSection {
				return fmt.Errorf("%w: artifact %s has unknown mode %q", ErrInvalidTemplate, s.ID, s.Mode)
			}
		}
	}
	return nil
}

// ParseTemplateJSON decodes and validates one template from the editor.
func ParseTemplateJSON(data []byte) (domain.ScenarioTemplate, error) {
	var t domain.ScenarioTemplate
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.ScenarioTemplate{}, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	if err := ValidateTemplate(t); err != nil {
		return domain.ScenarioTemplate{}, err
	}
	return t, nil
}

type templateDocument struct {
	Templates []domain.ScenarioTemplate `json:"templates" yaml:"templates"`
}

// ParseTemplatesYAML reads a `templates:` document and validates every
// entry.
func ParseTemplatesYAML(data []byte) ([]domain.ScenarioTemplate, error) {
	var doc templateDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	for _, t := range doc.Templates {
		if err := ValidateTemplate(t); err != nil {
			return nil, err
		}
	}
	return doc.Templates, nil
}

func MarshalTemplatesYAML(templates []domain.ScenarioTemplate) ([]byte, error) {
	return yaml.Marshal(templateDocument{Templates: templates})
}
