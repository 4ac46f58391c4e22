package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/worker"
)

// fakeExtension answers bridge calls the way the content script does: it
// remembers the last prompt and replies with "echo:" + prompt.
func fakeExtension(t *testing.T, addr, token string, failSubmit string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.WriteJSON(helloMessage{Type: "hello", Token: token, Client: "chat_tab", Version: 1}))
	var welcome welcomeMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, "welcome", welcome.Type)
	require.Equal(t, protocolVersion, welcome.Version)

	go func() {
		var latest, pending string
		for {
			var req struct {
				JSONRPC string          `json:"jsonrpc"`
				ID      string          `json:"id"`
				Method  string          `json:"method"`
				Params  json.RawMessage `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var result any
			switch req.Method {
			case methodLatestReply:
				result = textResult{Text: latest}
			case methodSubmitPrompt:
				var p submitParams
				_ = json.Unmarshal(req.Params, &p)
				if failSubmit != "" {
					result = submitResult{OK: false, Error: failSubmit}
					break
				}
				pending = p.Text
				result = submitResult{OK: true}
			case methodAwaitReply:
				if pending == "" {
					result = awaitResult{}
					break
				}
				reply := "echo:" + pending
				latest, pending = reply, ""
				result = awaitResult{Reply: &reply}
			default:
				_ = conn.WriteJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32601, Message: "method not found"}})
				continue
			}
			raw, _ := json.Marshal(result)
			_ = conn.WriteJSON(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: raw})
		}
	}()
	return conn
}

func startBridge(t *testing.T, cfg Config) *Bridge {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	b := New(cfg, nil)
	require.NoError(t, b.Start())
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestBridgeRequiresConnection(t *testing.T) {
	b := New(Config{ListenAddr: "127.0.0.1:0"}, nil)
	_, err := b.Call(context.Background(), methodLatestReply, nil)
	assert.True(t, errors.Is(err, ErrNotConnected))

	res := b.SubmitPrompt(context.Background(), "hi")
	assert.False(t, res.OK)
	assert.Equal(t, "bridge_not_connected", res.Error)
}

func TestBridgeRejectsNonLoopback(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:17334", ":17334", "10.1.2.3:80", "nonsense"} {
		b := New(Config{ListenAddr: addr}, nil)
		assert.Error(t, b.Start(), addr)
	}
}

func TestBridgeRunsPromptThroughExtension(t *testing.T) {
	b := startBridge(t, Config{Token: "secret", Timeout: 2 * time.Second})
	fakeExtension(t, b.Addr(), "secret", "")
	require.NoError(t, b.WaitForConnected(context.Background(), 2*time.Second))
	assert.Equal(t, "chat_tab", b.Client())

	res := worker.RunPromptAndWait(context.Background(), b, "hello", time.Second)
	assert.True(t, res.OK)
	assert.Equal(t, "echo:hello", res.Reply)
	assert.Equal(t, "echo:hello", b.LatestReply(context.Background()))

	// nothing submitted, so the extension reports no reply
	reply, ok := b.AwaitReply(context.Background(), worker.AwaitOptions{Timeout: time.Second})
	assert.False(t, ok)
	assert.Empty(t, reply)
}

func TestBridgeSurfacesSubmitErrors(t *testing.T) {
	b := startBridge(t, Config{Timeout: 2 * time.Second})
	fakeExtension(t, b.Addr(), "", "input_not_found")
	require.NoError(t, b.WaitForConnected(context.Background(), 2*time.Second))

	res := worker.RunPromptAndWait(context.Background(), b, "hello", time.Second)
	assert.False(t, res.OK)
	assert.Equal(t, "input_not_found", res.Error)
}

func TestBridgeRejectsBadToken(t *testing.T) {
	b := startBridge(t, Config{Token: "expected"})
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+b.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(helloMessage{Type: "hello", Token: "wrong"}))
	var welcome welcomeMessage
	assert.Error(t, conn.ReadJSON(&welcome))
	assert.False(t, b.Connected())
}

func TestBridgeFailsPendingCallsOnDisconnect(t *testing.T) {
	b := startBridge(t, Config{Timeout: 5 * time.Second})
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+b.Addr()+"/ws", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(helloMessage{Type: "hello"}))
	var welcome welcomeMessage
	require.NoError(t, conn.ReadJSON(&welcome))
	require.NoError(t, b.WaitForConnected(context.Background(), 2*time.Second))

	go func() {
		// read the request, then drop the connection without answering
		var req rpcRequest
		_ = conn.ReadJSON(&req)
		_ = conn.Close()
	}()

	started := time.Now()
	_, err = b.Call(context.Background(), methodLatestReply, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(started), 4*time.Second)
}
