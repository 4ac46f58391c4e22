// Package uibridge drives a real chat tab through a browser extension. The
// extension dials a loopback websocket, completes a hello/welcome handshake
// and then answers JSON-RPC calls that type prompts and read replies.
package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tabrelay/internal/worker"
)

const protocolVersion = 1

const (
	methodLatestReply  = "chat.latestReply"
	methodSubmitPrompt = "chat.submitPrompt"
	methodAwaitReply   = "chat.awaitReply"
)

var ErrNotConnected = errors.New("chat extension bridge is not connected")

type Config struct {
	ListenAddr string
	Token      string
	// Timeout bounds every call except awaitReply, which uses the reply
	// timeout plus Slack.
	Timeout time.Duration
	Slack   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.ListenAddr = strings.TrimSpace(out.ListenAddr)
	out.Token = strings.TrimSpace(out.Token)
	if out.ListenAddr == "" {
		out.ListenAddr = "127.0.0.1:17334"
	}
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	if out.Slack <= 0 {
		out.Slack = 5 * time.Second
	}
	return out
}

// Bridge is a worker.ChatUI backed by whichever extension connected last.
type Bridge struct {
	cfg    Config
	logger logrus.FieldLogger

	mu        sync.RWMutex
	ln        net.Listener
	httpSrv   *http.Server
	addr      string
	conn      *websocket.Conn
	lastHello helloMessage

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult
	nextID    atomic.Uint64
}

func New(cfg Config, logger logrus.FieldLogger) *Bridge {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bridge{
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("component", "uibridge"),
		pending: make(map[string]chan callResult),
	}
}

func (b *Bridge) Addr() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.addr
}

func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil
}

// Client reports the name the extension gave in its hello.
func (b *Bridge) Client() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastHello.Client
}

// Start listens on the configured loopback address.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.ln != nil {
		b.mu.Unlock()
		return nil
	}
	cfg := b.cfg
	b.mu.Unlock()

	if err := requireLoopback(cfg.ListenAddr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", cfg.ListenAddr, err)
	}
	addr := ln.Addr().String()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	b.mu.Lock()
	b.ln = ln
	b.httpSrv = srv
	b.addr = addr
	b.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.WithError(err).Warn("bridge server stopped")
		}
	}()
	b.logger.WithField("addr", addr).Info("chat bridge listening")
	return nil
}

func requireLoopback(listenAddr string) error {
	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return fmt.Errorf("invalid bridge listen addr %q: %w", listenAddr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("bridge listen addr must bind to loopback, got %q", listenAddr)
	}
	return nil
}

func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	srv := b.httpSrv
	conn := b.conn
	b.httpSrv = nil
	b.conn = nil
	b.ln = nil
	b.addr = ""
	b.lastHello = helloMessage{}
	b.failAllPending(ErrNotConnected)
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// WaitForConnected polls until an extension has completed the handshake.
func (b *Bridge) WaitForConnected(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.Connected() {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return waitCtx.Err()
		case <-ticker.C:
		}
	}
}

// Call issues one JSON-RPC request to the extension.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return b.call(ctx, method, params, b.cfg.Timeout)
}

func (b *Bridge) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := fmt.Sprintf("%d", b.nextID.Add(1))
	ch := make(chan callResult, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := b.writeJSON(conn, req); err != nil {
		b.forget(id)
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-callCtx.Done():
		b.forget(id)
		return nil, callCtx.Err()
	case res := <-ch:
		return res.Result, res.Err
	}
}

func (b *Bridge) forget(id string) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := b.accept(conn); err != nil {
		b.logger.WithError(err).Warn("extension handshake failed")
		_ = conn.Close()
	}
}

type helloMessage struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Client  string `json:"client,omitempty"`
	Version int    `json:"version,omitempty"`
}

type welcomeMessage struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

func (b *Bridge) accept(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var hello helloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(hello.Type), "hello") {
		return fmt.Errorf("expected hello, got %q", hello.Type)
	}
	if b.cfg.Token != "" && hello.Token != b.cfg.Token {
		return errors.New("unauthorized")
	}

	_ = conn.SetReadDeadline(time.Time{})
	if err := b.writeJSON(conn, welcomeMessage{Type: "welcome", Version: protocolVersion}); err != nil {
		return err
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.failAllPending(ErrNotConnected)
	}
	b.conn = conn
	b.lastHello = hello
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{"client": hello.Client, "version": hello.Version}).Info("extension connected")
	go b.readLoop(conn)
	return nil
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		b.handleMessage(data)
	}

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		b.lastHello = helloMessage{}
		b.failAllPending(ErrNotConnected)
		b.logger.Warn("extension disconnected")
	}
	b.mu.Unlock()
	_ = conn.Close()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResult struct {
	Result json.RawMessage
	Err    error
}

func (b *Bridge) handleMessage(data []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	if resp.JSONRPC != "2.0" || resp.Method != "" {
		return
	}
	id := rpcIDToString(resp.ID)
	if id == "" {
		return
	}

	out := callResult{Result: resp.Result}
	if resp.Error != nil {
		out.Err = fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	b.pendingMu.Lock()
	ch := b.pending[id]
	delete(b.pending, id)
	b.pendingMu.Unlock()
	if ch != nil {
		ch <- out
	}
}

func (b *Bridge) failAllPending(err error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		delete(b.pending, id)
		ch <- callResult{Err: err}
	}
}

func (b *Bridge) writeJSON(conn *websocket.Conn, v any) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func rpcIDToString(id any) string {
	switch v := id.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

type textResult struct {
	Text string `json:"text"`
}

type submitParams struct {
	Text string `json:"text"`
}

type submitResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type awaitParams struct {
	TimeoutMS    int64  `json:"timeoutMs"`
	PreviousText string `json:"previousText,omitempty"`
}

type awaitResult struct {
	// Reply is null when the page produced nothing before the timeout.
	Reply *string `json:"reply"`
}

func (b *Bridge) LatestReply(ctx context.Context) string {
	raw, err := b.Call(ctx, methodLatestReply, nil)
	if err != nil {
		b.logger.WithError(err).Debug("latest reply unavailable")
		return ""
	}
	var out textResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return out.Text
}

func (b *Bridge) SubmitPrompt(ctx context.Context, text string) worker.SubmitResult {
	raw, err := b.Call(ctx, methodSubmitPrompt, submitParams{Text: text})
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			return worker.SubmitResult{OK: false, Error: "bridge_not_connected"}
		}
		return worker.SubmitResult{OK: false, Error: err.Error()}
	}
	var out submitResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return worker.SubmitResult{OK: false, Error: "malformed_submit_result"}
	}
	return worker.SubmitResult{OK: out.OK, Error: out.Error}
}

func (b *Bridge) AwaitReply(ctx context.Context, opts worker.AwaitOptions) (string, bool) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = worker.DefaultReplyTimeout
	}
	raw, err := b.call(ctx, methodAwaitReply, awaitParams{
		TimeoutMS:    timeout.Milliseconds(),
		PreviousText: opts.PreviousText,
	}, timeout+b.cfg.Slack)
	if err != nil {
		b.logger.WithError(err).Warn("await reply failed")
		return "", false
	}
	var out awaitResult
	if err := json.Unmarshal(raw, &out); err != nil || out.Reply == nil {
		return "", false
	}
	return *out.Reply, true
}

var _ worker.ChatUI = (*Bridge)(nil)
