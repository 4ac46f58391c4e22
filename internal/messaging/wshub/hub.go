// Package wshub exposes a local Bus to remote processes over websockets.
// Each remote endpoint subscribes through the hub and receives deliveries
// from the local bus; its publications are injected into the local bus.
package wshub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
)

// TokenHeader carries the shared hub token on the upgrade request. The
// token query parameter is accepted too.
const TokenHeader = "X-Tabrelay-Token"

type Config struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// Token, when set, must accompany every upgrade request.
	Token string
	// AllowedOrigins lists the browser origins, such as
	// http://127.0.0.1:8091, that may connect besides the hub's own host.
	AllowedOrigins []string
	// CheckOrigin replaces the AllowedOrigins policy.
	CheckOrigin func(*http.Request) bool
}

func (c Config) withDefaults() Config {
	out := c
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 30 * time.Second
	}
	out.Token = strings.TrimSpace(out.Token)
	if out.CheckOrigin == nil {
		out.CheckOrigin = allowOrigins(out.AllowedOrigins)
	}
	return out
}

// allowOrigins admits requests without an Origin header (native clients),
// requests from the hub's own host and the listed origins.
func allowOrigins(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

type Hub struct {
	cfg    Config
	local  messaging.Bus
	logger logrus.FieldLogger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func New(local messaging.Bus, cfg Config, logger logrus.FieldLogger) *Hub {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		cfg:      cfg,
		local:    local,
		logger:   logger.WithField("component", "wshub"),
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
		conns:    make(map[*conn]struct{}),
	}
}

// Connections reports the number of live remote connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.cfg.Token == "" {
		return true
	}
	got := r.Header.Get(TokenHeader)
	if got == "" {
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.Token)) == 1
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.logger.WithField("remote", r.RemoteAddr).Warn("reject endpoint without valid token")
		http.Error(w, "invalid hub token", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &conn{
		hub:  h,
		ws:   ws,
		subs: make(map[string]func()),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.logger.WithField("remote", r.RemoteAddr).Info("endpoint connected")
	go c.pingLoop()
	c.readLoop()
}

// Close drops every remote connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type conn struct {
	hub *Hub
	ws  *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	subs      map[string]func()
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) readLoop() {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.logger.WithError(err).Debug("ignore malformed frame")
			continue
		}
		c.handle(f)
	}
}

func (c *conn) handle(f frame) {
	log := c.hub.logger.WithFields(logrus.Fields{"op": f.Op, "topic": f.Topic, "endpoint": f.Endpoint})
	switch f.Op {
	case opSubscribe:
		if f.Sub == "" {
			log.Warn("subscribe without id")
			return
		}
		sub := f.Sub
		unsubscribe, err := c.hub.local.Subscribe(f.Topic, f.Endpoint, func(env domain.Envelope) {
			e := env
			_ = c.write(frame{Op: opDeliver, Sub: sub, Envelope: &e})
		})
		if err != nil {
			log.WithError(err).Warn("subscribe failed")
			return
		}
		c.mu.Lock()
		if prev, ok := c.subs[sub]; ok {
			prev()
		}
		c.subs[sub] = unsubscribe
		c.mu.Unlock()
	case opUnsubscribe:
		c.mu.Lock()
		unsubscribe, ok := c.subs[f.Sub]
		delete(c.subs, f.Sub)
		c.mu.Unlock()
		if ok {
			unsubscribe()
		}
	case opPublish:
		if f.Envelope == nil {
			return
		}
		if err := c.hub.local.Publish(context.Background(), *f.Envelope); err != nil {
			log.WithError(err).Warn("publish failed")
		}
	default:
		log.Debug("ignore unknown op")
	}
}

func (c *conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
	return c.ws.WriteJSON(f)
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]func())
		c.mu.Unlock()
		for _, unsubscribe := range subs {
			unsubscribe()
		}
		_ = c.ws.Close()
		c.hub.remove(c)
		c.hub.logger.Info("endpoint disconnected")
	})
}
