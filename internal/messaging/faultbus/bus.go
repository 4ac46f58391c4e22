// Package faultbus wraps a Bus and misbehaves on purpose so tests can check
// that callers survive lost, repeated and late messages.
package faultbus

import (
	"context"
	"sync"
	"time"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
)

// Rule decides what happens to one published envelope.
type Rule func(env domain.Envelope) Action

type Action struct {
	Drop      bool
	Duplicate int
	Delay     time.Duration
}

type Bus struct {
	inner messaging.Bus

	mu        sync.Mutex
	rule      Rule
	dropped   []domain.Envelope
	published int
	wg        sync.WaitGroup
}

func Wrap(inner messaging.Bus, rule Rule) *Bus {
	return &Bus{inner: inner, rule: rule}
}

// SetRule swaps the active rule; nil passes everything through.
func (b *Bus) SetRule(rule Rule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rule = rule
}

func (b *Bus) Subscribe(topic, endpointID string, handler messaging.Handler) (func(), error) {
	return b.inner.Subscribe(topic, endpointID, handler)
}

func (b *Bus) Publish(ctx context.Context, env domain.Envelope) error {
	b.mu.Lock()
	b.published++
	rule := b.rule
	b.mu.Unlock()

	var act Action
	if rule != nil {
		act = rule(env)
	}
	if act.Drop {
		b.mu.Lock()
		b.dropped = append(b.dropped, env)
		b.mu.Unlock()
		return nil
	}

	copies := 1 + act.Duplicate
	if act.Delay <= 0 {
		for i := 0; i < copies; i++ {
			if err := b.inner.Publish(ctx, env); err != nil {
				return err
			}
		}
		return nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		timer := time.NewTimer(act.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		for i := 0; i < copies; i++ {
			_ = b.inner.Publish(context.Background(), env)
		}
	}()
	return nil
}

// Dropped returns the envelopes swallowed so far.
func (b *Bus) Dropped() []domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Envelope(nil), b.dropped...)
}

func (b *Bus) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Wait blocks until delayed deliveries have been handed to the inner bus.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// DropType drops the first n envelopes of the given type.
func DropType(msgType domain.MessageType, n int) Rule {
	var mu sync.Mutex
	left := n
	return func(env domain.Envelope) Action {
		if env.Type != msgType {
			return Action{}
		}
		mu.Lock()
		defer mu.Unlock()
		if left <= 0 {
			return Action{}
		}
		left--
		return Action{Drop: true}
	}
}

// DuplicateType publishes every envelope of the given type extra times.
func DuplicateType(msgType domain.MessageType, extra int) Rule {
	return func(env domain.Envelope) Action {
		if env.Type != msgType {
			return Action{}
		}
		return Action{Duplicate: extra}
	}
}

// DelayType holds every envelope of the given type back for d.
func DelayType(msgType domain.MessageType, d time.Duration) Rule {
	return func(env domain.Envelope) Action {
		if env.Type != msgType {
			return Action{}
		}
		return Action{Delay: d}
	}
}

var _ messaging.Bus = (*Bus)(nil)
