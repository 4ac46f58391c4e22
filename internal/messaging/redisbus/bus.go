// Package redisbus carries bus topics over Redis PUB/SUB so endpoints on
// different hosts can share one broadcast domain.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every topic to form the Redis channel name.
	Prefix string
}

func (c Config) withDefaults() Config {
	out := c
	out.Addr = strings.TrimSpace(out.Addr)
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6379"
	}
	if out.Prefix == "" {
		out.Prefix = "tabrelay:"
	}
	return out
}

type Bus struct {
	cfg    Config
	client *redis.Client
	logger logrus.FieldLogger

	mu     sync.Mutex
	subs   map[*redis.PubSub]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// Connect opens a client and pings the server.
func Connect(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Bus, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg, logger), nil
}

func NewWithClient(client *redis.Client, cfg Config, logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		cfg:    cfg.withDefaults(),
		client: client,
		logger: logger.WithField("component", "redisbus"),
		subs:   make(map[*redis.PubSub]context.CancelFunc),
	}
}

func (b *Bus) channel(topic string) string {
	return b.cfg.Prefix + topic
}

func (b *Bus) Publish(ctx context.Context, env domain.Envelope) error {
	if env.Topic == "" {
		return messaging.ErrTopicMissing
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return messaging.ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(env.Topic), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", env.Topic, err)
	}
	return nil
}

func (b *Bus) Subscribe(topic, endpointID string, handler messaging.Handler) (func(), error) {
	if topic == "" {
		return nil, messaging.ErrTopicMissing
	}
	if endpointID == "" {
		return nil, messaging.ErrEndpointID
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, messaging.ErrClosed
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[ps] = cancel
	b.mu.Unlock()

	log := b.logger.WithFields(logrus.Fields{"topic": topic, "endpoint": endpointID})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range ps.Channel() {
			var env domain.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.WithError(err).Debug("ignore malformed envelope")
				continue
			}
			if env.From == endpointID {
				continue
			}
			handler(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ps)
			b.mu.Unlock()
			cancel()
			_ = ps.Close()
		})
	}, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*redis.PubSub]context.CancelFunc)
	b.mu.Unlock()

	for ps, cancel := range subs {
		cancel()
		_ = ps.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}

var _ messaging.Bus = (*Bus)(nil)
