package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusCooldown WorkerStatus = "cooldown"
	WorkerStatusError    WorkerStatus = "error"
)

type MessageType string

// Worker RPC commands.
const (
	MessageTypePing            MessageType = "PING"
	MessageTypeRunPrompt       MessageType = "RUN_PROMPT"
	MessageTypeCancel          MessageType = "CANCEL"
	MessageTypeSetConfig       MessageType = "SET_CONFIG"
	MessageTypeSetPersonaLabel MessageType = "SET_PERSONA_LABEL"
)

// Worker lifecycle events.
const (
	MessageTypeHello     MessageType = "HELLO"
	MessageTypeStatus    MessageType = "STATUS"
	MessageTypeResult    MessageType = "RESULT"
	MessageTypeLog       MessageType = "LOG"
	MessageTypeHeartbeat MessageType = "HEARTBEAT"
)

// Persona-role protocol.
const (
	MessageTypeRegisterPersona MessageType = "REGISTER_PERSONA"
	MessageTypeTaskAssign      MessageType = "TASK_ASSIGN"
	MessageTypeTaskResult      MessageType = "TASK_RESULT"
)

func (t MessageType) IsCommand() bool {
	switch t {
	case MessageTypePing, MessageTypeRunPrompt, MessageTypeCancel, MessageTypeSetConfig, MessageTypeSetPersonaLabel:
		return true
	}
	return false
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Envelope is the unit carried by the bus. From identifies the publishing
// endpoint; the bus never hands an envelope back to the endpoint that sent it.
type Envelope struct {
	ID             string          `json:"id"`
	Topic          string          `json:"topic"`
	From           string          `json:"from"`
	Type           MessageType     `json:"type"`
	TargetWorkerID string          `json:"targetWorkerId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	SentAt         time.Time       `json:"sentAt"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type WorkerTask struct {
	ID       string         `json:"id"`
	Prompt   string         `json:"prompt"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Attempts int            `json:"attempts"`
}

type RunPromptResult struct {
	OK    bool   `json:"ok"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

type WorkerConfig struct {
	MinDelayMS          int  `json:"minDelayMs" toml:"min_delay_ms"`
	MaxDelayMS          int  `json:"maxDelayMs" toml:"max_delay_ms"`
	MaxRetries          int  `json:"maxRetries" toml:"max_retries"`
	AutoProcess         bool `json:"autoProcess" toml:"auto_process"`
	AutoReloadOnError   bool `json:"autoReloadOnError" toml:"auto_reload_on_error"`
	MaxReloadPerSession int  `json:"maxReloadPerSession" toml:"max_reload_per_session"`
	ReloadCooldownMS    int  `json:"reloadCooldownMs" toml:"reload_cooldown_ms"`
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MinDelayMS:          1000,
		MaxDelayMS:          4000,
		MaxRetries:          2,
		AutoProcess:         true,
		AutoReloadOnError:   false,
		MaxReloadPerSession: 2,
		ReloadCooldownMS:    30000,
	}
}

// Normalize enforces minDelay <= maxDelay and non-negative counters.
func (c WorkerConfig) Normalize() WorkerConfig {
	if c.MinDelayMS < 0 {
		c.MinDelayMS = 0
	}
	if c.MaxDelayMS < 0 {
		c.MaxDelayMS = 0
	}
	if c.MinDelayMS > c.MaxDelayMS {
		c.MinDelayMS = c.MaxDelayMS
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxReloadPerSession < 0 {
		c.MaxReloadPerSession = 0
	}
	if c.ReloadCooldownMS < 0 {
		c.ReloadCooldownMS = 0
	}
	return c
}

func (c WorkerConfig) MinDelay() time.Duration {
	return time.Duration(c.MinDelayMS) * time.Millisecond
}

func (c WorkerConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

func (c WorkerConfig) ReloadCooldown() time.Duration {
	return time.Duration(c.ReloadCooldownMS) * time.Millisecond
}

// WorkerConfigPatch is a partial config; nil fields are left untouched.
type WorkerConfigPatch struct {
	MinDelayMS          *int  `json:"minDelayMs,omitempty"`
	MaxDelayMS          *int  `json:"maxDelayMs,omitempty"`
	MaxRetries          *int  `json:"maxRetries,omitempty"`
	AutoProcess         *bool `json:"autoProcess,omitempty"`
	AutoReloadOnError   *bool `json:"autoReloadOnError,omitempty"`
	MaxReloadPerSession *int  `json:"maxReloadPerSession,omitempty"`
	ReloadCooldownMS    *int  `json:"reloadCooldownMs,omitempty"`
}

func (c WorkerConfig) Merge(p WorkerConfigPatch) WorkerConfig {
	if p.MinDelayMS != nil {
		c.MinDelayMS = *p.MinDelayMS
	}
	if p.MaxDelayMS != nil {
		c.MaxDelayMS = *p.MaxDelayMS
	}
	if p.MaxRetries != nil {
		c.MaxRetries = *p.MaxRetries
	}
	if p.AutoProcess != nil {
		c.AutoProcess = *p.AutoProcess
	}
	if p.AutoReloadOnError != nil {
		c.AutoReloadOnError = *p.AutoReloadOnError
	}
	if p.MaxReloadPerSession != nil {
		c.MaxReloadPerSession = *p.MaxReloadPerSession
	}
	if p.ReloadCooldownMS != nil {
		c.ReloadCooldownMS = *p.ReloadCooldownMS
	}
	return c.Normalize()
}

type PingCommand struct {
	ID string `json:"id"`
}

type RunPromptCommand struct {
	ID       string         `json:"id"`
	Prompt   string         `json:"prompt"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type CancelCommand struct {
	ID string `json:"id"`
}

type SetConfigCommand struct {
	Config WorkerConfigPatch `json:"config"`
}

type SetPersonaLabelCommand struct {
	Label string `json:"label"`
}

type HelloEvent struct {
	WorkerID     string   `json:"workerId"`
	PersonaLabel string   `json:"personaLabel"`
	FromReload   bool     `json:"fromReload"`
	ReloadCount  int      `json:"reloadCount"`
	Capabilities []string `json:"capabilities"`
}

type StatusEvent struct {
	WorkerID     string        `json:"workerId"`
	Status       WorkerStatus  `json:"status"`
	ActiveTaskID string        `json:"activeTaskId,omitempty"`
	QueueLength  int           `json:"queueLength"`
	ErrorCode    string        `json:"errorCode,omitempty"`
	Config       *WorkerConfig `json:"config,omitempty"`
}

type ResultEvent struct {
	WorkerID string         `json:"workerId"`
	ID       string         `json:"id"`
	OK       bool           `json:"ok"`
	Reply    string         `json:"reply,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type LogEvent struct {
	WorkerID string   `json:"workerId"`
	Level    LogLevel `json:"level"`
	Message  string   `json:"message"`
	Detail   any      `json:"detail,omitempty"`
}

type HeartbeatEvent struct {
	WorkerID    string       `json:"workerId"`
	Status      WorkerStatus `json:"status"`
	QueueLength int          `json:"queueLength"`
}

// WorkerInfoSnapshot is the registry's last observed view of a worker.
type WorkerInfoSnapshot struct {
	WorkerID       string        `json:"workerId"`
	PersonaLabel   string        `json:"personaLabel"`
	Status         WorkerStatus  `json:"status"`
	QueueLength    int           `json:"queueLength"`
	LastSeenAt     time.Time     `json:"lastSeenAt"`
	ErrorCode      string        `json:"errorCode,omitempty"`
	ConfigSnapshot *WorkerConfig `json:"configSnapshot,omitempty"`
}

type WorkerSlot struct {
	SlotName      string `json:"slotName"`
	BoundWorkerID string `json:"boundWorkerId,omitempty"`
}

type PersonaRole string

const (
	PersonaRoleNone        PersonaRole = "None"
	PersonaRoleCoordinator PersonaRole = "Coordinator"
	PersonaRoleMaximizer   PersonaRole = "Maximizer"
	PersonaRoleMinimizer   PersonaRole = "Minimizer"
	PersonaRoleSynthesizer PersonaRole = "Synthesizer"
	PersonaRoleJudge       PersonaRole = "Judge"
)

func ParsePersonaRole(s string) PersonaRole {
	switch r := PersonaRole(s); r {
	case PersonaRoleCoordinator, PersonaRoleMaximizer, PersonaRoleMinimizer, PersonaRoleSynthesizer, PersonaRoleJudge:
		return r
	}
	return PersonaRoleNone
}

// IsWorker reports whether the role takes part in the four-role rotation.
func (r PersonaRole) IsWorker() bool {
	switch r {
	case PersonaRoleMaximizer, PersonaRoleMinimizer, PersonaRoleSynthesizer, PersonaRoleJudge:
		return true
	}
	return false
}

type RegisterPersonaMessage struct {
	Role  PersonaRole `json:"role"`
	TabID string      `json:"tabId"`
}

type TaskAssignMessage struct {
	Role   PersonaRole `json:"role"`
	TabID  string      `json:"tabId"`
	TaskID string      `json:"taskId"`
	Prompt string      `json:"prompt"`
}

type TaskResultMessage struct {
	Role   PersonaRole `json:"role"`
	TabID  string      `json:"tabId"`
	TaskID string      `json:"taskId"`
	Reply  string      `json:"reply"`
}
