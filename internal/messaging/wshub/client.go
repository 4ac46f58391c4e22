package wshub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
)

type clientSub struct {
	topic      string
	endpointID string
	handler    messaging.Handler
}

// Client is a Bus backed by one websocket connection to a Hub.
type Client struct {
	ws     *websocket.Conn
	logger logrus.FieldLogger

	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string]clientSub
	nextID atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to a hub endpoint such as ws://127.0.0.1:8790/ws.
func Dial(ctx context.Context, url string, logger logrus.FieldLogger) (*Client, error) {
	return DialToken(ctx, url, "", logger)
}

// DialToken is Dial for a hub that requires a shared token.
func DialToken(ctx context.Context, url, token string, logger logrus.FieldLogger) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var header http.Header
	if token != "" {
		header = http.Header{TokenHeader: []string{token}}
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}
	c := &Client{
		ws:     ws,
		logger: logger.WithField("component", "wshub.client"),
		subs:   make(map[string]clientSub),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection to the hub is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) Subscribe(topic, endpointID string, handler messaging.Handler) (func(), error) {
	if topic == "" {
		return nil, messaging.ErrTopicMissing
	}
	if endpointID == "" {
		return nil, messaging.ErrEndpointID
	}
	select {
	case <-c.done:
		return nil, messaging.ErrClosed
	default:
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	c.mu.Lock()
	c.subs[id] = clientSub{topic: topic, endpointID: endpointID, handler: handler}
	c.mu.Unlock()

	if err := c.write(frame{Op: opSubscribe, Sub: id, Topic: topic, Endpoint: endpointID}); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			_ = c.write(frame{Op: opUnsubscribe, Sub: id})
		})
	}, nil
}

func (c *Client) Publish(ctx context.Context, env domain.Envelope) error {
	if env.Topic == "" {
		return messaging.ErrTopicMissing
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(frame{Op: opPublish, Envelope: &env})
}

func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) write(f frame) error {
	select {
	case <-c.done:
		return messaging.ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Op, err)
	}
	return nil
}

func (c *Client) readLoop() {
	var readErr error
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			readErr = err
			break
		}
		if f.Op != opDeliver || f.Envelope == nil {
			continue
		}
		c.mu.RLock()
		sub, ok := c.subs[f.Sub]
		c.mu.RUnlock()
		if !ok || sub.endpointID == f.Envelope.From {
			continue
		}
		sub.handler(*f.Envelope)
	}
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure) || errors.Is(readErr, websocket.ErrCloseSent) {
		readErr = nil
	}
	c.shutdown(readErr)
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		if err != nil {
			c.logger.WithError(err).Warn("hub connection lost")
		}
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}

var _ messaging.Bus = (*Client)(nil)
