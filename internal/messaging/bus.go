package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tabrelay/internal/domain"
)

const (
	// TopicWorkerRPC carries worker commands and lifecycle events.
	TopicWorkerRPC = "tabrelay.worker-rpc"
	// TopicPersona carries the four-role persona protocol.
	TopicPersona = "tabrelay.persona"
)

var (
	ErrClosed       = errors.New("bus is closed")
	ErrTopicMissing = errors.New("topic is required")
	ErrEndpointID   = errors.New("endpoint id is required")
)

type Handler func(domain.Envelope)

// Bus is a best-effort broadcast transport. Delivery is at-most-once and
// unordered across senders, and an envelope is never delivered back to the
// endpoint named in its From field.
type Bus interface {
	Publish(ctx context.Context, env domain.Envelope) error
	Subscribe(topic, endpointID string, handler Handler) (unsubscribe func(), err error)
}

// NewEnvelope encodes payload and stamps id and time.
func NewEnvelope(topic, from string, msgType domain.MessageType, payload any) (domain.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return domain.Envelope{
		ID:      uuid.NewString(),
		Topic:   topic,
		From:    from,
		Type:    msgType,
		Payload: raw,
		SentAt:  time.Now().UTC(),
	}, nil
}

// Addressed returns a copy of env targeted at one worker.
func Addressed(env domain.Envelope, workerID string) domain.Envelope {
	env.TargetWorkerID = workerID
	return env
}

// PublishPayload is the NewEnvelope + Publish shorthand used by most callers.
func PublishPayload(ctx context.Context, bus Bus, topic, from string, msgType domain.MessageType, payload any) error {
	env, err := NewEnvelope(topic, from, msgType, payload)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, env)
}
