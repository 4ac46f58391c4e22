package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

type StageKind string

const (
	StageKindLoop      StageKind = "loop"
	StageKindPrompt    StageKind = "prompt"
	StageKindAggregate StageKind = "aggregate"
	StageKindArtifact  StageKind = "artifact"
)

type ArtifactMode string

const (
	ArtifactModeAppend           ArtifactMode = "append"
	ArtifactModeOverwriteSection ArtifactMode = "overwrite_section"
)

// Stage is one node of a template's stage tree. The set of implementations
// is closed: LoopStage, PromptStage, AggregateStage and ArtifactStage.
type Stage interface {
	StageID() string
	Kind() StageKind
	sealed()
}

type LoopStage struct {
	ID            string
	MaxRounds     int
	StopCondition string
	Body          Stages
}

type PromptStage struct {
	ID             string
	TargetRole     string
	PromptTemplate string
}

// AggregateStage has the shape of a PromptStage; it asks the target role to
// combine earlier replies.
type AggregateStage struct {
	ID             string
	TargetRole     string
	PromptTemplate string
}

type ArtifactStage struct {
	ID       string
	Mode     ArtifactMode
	Template string
}

func (s *LoopStage) StageID() string      { return s.ID }
func (s *PromptStage) StageID() string    { return s.ID }
func (s *AggregateStage) StageID() string { return s.ID }
func (s *ArtifactStage) StageID() string  { return s.ID }

func (s *LoopStage) Kind() StageKind      { return StageKindLoop }
func (s *PromptStage) Kind() StageKind    { return StageKindPrompt }
func (s *AggregateStage) Kind() StageKind { return StageKindAggregate }
func (s *ArtifactStage) Kind() StageKind  { return StageKindArtifact }

func (*LoopStage) sealed()      {}
func (*PromptStage) sealed()    {}
func (*AggregateStage) sealed() {}
func (*ArtifactStage) sealed()  {}

// Stages encodes as a list of objects discriminated by "kind".
type Stages []Stage

type stageWire struct {
	Kind           StageKind    `json:"kind" yaml:"kind"`
	ID             string       `json:"id" yaml:"id"`
	MaxRounds      int          `json:"maxRounds,omitempty" yaml:"maxRounds,omitempty"`
	StopCondition  string       `json:"stopCondition,omitempty" yaml:"stopCondition,omitempty"`
	Body           Stages       `json:"body,omitempty" yaml:"body,omitempty"`
	TargetRole     string       `json:"targetRole,omitempty" yaml:"targetRole,omitempty"`
	PromptTemplate string       `json:"promptTemplate,omitempty" yaml:"promptTemplate,omitempty"`
	Mode           ArtifactMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Template       string       `json:"template,omitempty" yaml:"template,omitempty"`
}

func toWire(stage Stage) (stageWire, error) {
	switch s := stage.(type) {
	case *LoopStage:
		return stageWire{Kind: StageKindLoop, ID: s.ID, MaxRounds: s.MaxRounds, StopCondition: s.StopCondition, Body: s.Body}, nil
	case *PromptStage:
		return stageWire{Kind: StageKindPrompt, ID: s.ID, TargetRole: s.TargetRole, PromptTemplate: s.PromptTemplate}, nil
	case *AggregateStage:
		return stageWire{Kind: StageKindAggregate, ID: s.ID, TargetRole: s.TargetRole, PromptTemplate: s.PromptTemplate}, nil
	case *ArtifactStage:
		return stageWire{Kind: StageKindArtifact, ID: s.ID, Mode: s.Mode, Template: s.Template}, nil
	case nil:
		return stageWire{}, fmt.Errorf("nil stage")
	default:
		return stageWire{}, fmt.Errorf("unsupported stage type %T", stage)
	}
}

func (w stageWire) toStage() (Stage, error) {
	switch w.Kind {
	case StageKindLoop:
		return &LoopStage{ID: w.ID, MaxRounds: w.MaxRounds, StopCondition: w.StopCondition, Body: w.Body}, nil
	case StageKindPrompt:
		return &PromptStage{ID: w.ID, TargetRole: w.TargetRole, PromptTemplate: w.PromptTemplate}, nil
	case StageKindAggregate:
		return &AggregateStage{ID: w.ID, TargetRole: w.TargetRole, PromptTemplate: w.PromptTemplate}, nil
	case StageKindArtifact:
		mode := w.Mode
		if mode == "" {
			mode = ArtifactModeAppend
		}
		return &ArtifactStage{ID: w.ID, Mode: mode, Template: w.Template}, nil
	default:
		return nil, fmt.Errorf("stage %q: unknown kind %q", w.ID, w.Kind)
	}
}

func (s Stages) wire() ([]stageWire, error) {
	out := make([]stageWire, 0, len(s))
	for _, stage := range s {
		w, err := toWire(stage)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func fromWire(in []stageWire) (Stages, error) {
	out := make(Stages, 0, len(in))
	for _, w := range in {
		stage, err := w.toStage()
		if err != nil {
			return nil, err
		}
		out = append(out, stage)
	}
	return out, nil
}

func (s Stages) MarshalJSON() ([]byte, error) {
	w, err := s.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (s *Stages) UnmarshalJSON(data []byte) error {
	var in []stageWire
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	out, err := fromWire(in)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

func (s Stages) MarshalYAML() (any, error) {
	return s.wire()
}

func (s *Stages) UnmarshalYAML(node *yaml.Node) error {
	var in []stageWire
	if err := node.Decode(&in); err != nil {
		return err
	}
	out, err := fromWire(in)
	if err != nil {
		return err
	}
	*s = out
	return nil
}

type TemplateRole struct {
	SlotName            string `json:"slotName" yaml:"slotName"`
	DefaultSystemPrompt string `json:"defaultSystemPrompt" yaml:"defaultSystemPrompt"`
}

// TemplateHooks are carried with a template. Only ShouldStop is evaluated.
type TemplateHooks struct {
	BeforeRound string `json:"beforeRound,omitempty" yaml:"beforeRound,omitempty"`
	AfterRound  string `json:"afterRound,omitempty" yaml:"afterRound,omitempty"`
	ShouldStop  string `json:"shouldStop,omitempty" yaml:"shouldStop,omitempty"`
}

type ScenarioTemplate struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Roles       []TemplateRole `json:"roles" yaml:"roles"`
	Stages      Stages         `json:"stages" yaml:"stages"`
	Hooks       *TemplateHooks `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// MaxRounds is the round budget of the first top-level loop, or 1 when the
// template has none.
func (t ScenarioTemplate) MaxRounds() int {
	for _, stage := range t.Stages {
		if loop, ok := stage.(*LoopStage); ok {
			if loop.MaxRounds > 0 {
				return loop.MaxRounds
			}
			return 1
		}
	}
	return 1
}

func (t ScenarioTemplate) RoleNames() []string {
	out := make([]string, 0, len(t.Roles))
	for _, role := range t.Roles {
		out = append(out, role.SlotName)
	}
	return out
}

type EventType string

const (
	EventTypeTaskAssigned    EventType = "TASK_ASSIGNED"
	EventTypeTaskResult      EventType = "TASK_RESULT"
	EventTypeArtifactUpdated EventType = "ARTIFACT_UPDATED"
	EventTypeRunStatus       EventType = "RUN_STATUS"
	EventTypeRunError        EventType = "RUN_ERROR"
)

// ScenarioEvent is one entry in a run's audit log. Which fields are set
// depends on Type.
type ScenarioEvent struct {
	Seq           int       `json:"seq"`
	Type          EventType `json:"type"`
	Time          time.Time `json:"time"`
	Slot          string    `json:"slot,omitempty"`
	WorkerID      string    `json:"workerId,omitempty"`
	TaskID        string    `json:"taskId,omitempty"`
	PromptPreview string    `json:"promptPreview,omitempty"`
	OK            *bool     `json:"ok,omitempty"`
	Error         string    `json:"error,omitempty"`
	DiffPreview   string    `json:"diffPreview,omitempty"`
	From          RunStatus `json:"from,omitempty"`
	To            RunStatus `json:"to,omitempty"`
	Message       string    `json:"message,omitempty"`
}

type RoleReply struct {
	Role       string `json:"role"`
	ShortLabel string `json:"shortLabel"`
	FullReply  string `json:"fullReply"`
	DurationMS int64  `json:"durationMs"`
	OK         bool   `json:"ok"`
}

type RoundSummary struct {
	Round       int         `json:"round"`
	RoleReplies []RoleReply `json:"roleReplies"`
}

type ScenarioRun struct {
	RunID            string            `json:"runId"`
	TemplateID       string            `json:"templateId"`
	CreatedAt        time.Time         `json:"createdAt"`
	Name             string            `json:"name,omitempty"`
	Status           RunStatus         `json:"status"`
	CurrentStagePath []string          `json:"currentStagePath"`
	CurrentRound     int               `json:"currentRound"`
	LastReplies      map[string]string `json:"lastReplies"`
	CentralArtifact  string            `json:"centralArtifact"`
	Events           []ScenarioEvent   `json:"events"`
	Rounds           []RoundSummary    `json:"rounds"`
}

// Clone returns a deep copy safe to hand to observers.
func (r ScenarioRun) Clone() ScenarioRun {
	out := r
	out.CurrentStagePath = append([]string(nil), r.CurrentStagePath...)
	out.LastReplies = make(map[string]string, len(r.LastReplies))
	for k, v := range r.LastReplies {
		out.LastReplies[k] = v
	}
	out.Events = append([]ScenarioEvent(nil), r.Events...)
	out.Rounds = make([]RoundSummary, len(r.Rounds))
	for i, round := range r.Rounds {
		out.Rounds[i] = RoundSummary{Round: round.Round, RoleReplies: append([]RoleReply(nil), round.RoleReplies...)}
	}
	return out
}

type PersistedRunSummary struct {
	RunID           string    `json:"runId"`
	TemplateID      string    `json:"templateId"`
	CreatedAt       time.Time `json:"createdAt"`
	Status          RunStatus `json:"status"`
	ArtifactPreview string    `json:"artifactPreview"`
}
