package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"tabrelay/internal/domain"
)

// ErrorReplyPrefix marks a reply that carries a UI error instead of an answer.
const ErrorReplyPrefix = "ERROR:"

const DefaultReplyTimeout = 120 * time.Second

type SubmitResult struct {
	OK    bool
	Error string
}

type AwaitOptions struct {
	Timeout time.Duration
	// PreviousText is the latest reply seen before submitting; an unchanged
	// reply is not a new one.
	PreviousText string
}

// ChatUI drives one chat page: type a prompt, then wait for the assistant.
type ChatUI interface {
	LatestReply(ctx context.Context) string
	SubmitPrompt(ctx context.Context, text string) SubmitResult
	// AwaitReply returns the next reply, or ok=false on timeout. A reply
	// starting with ErrorReplyPrefix reports a UI error.
	AwaitReply(ctx context.Context, opts AwaitOptions) (reply string, ok bool)
}

// RunPromptAndWait submits prompt and waits for the answer. On a SerialUI the
// whole exchange runs as one turn.
func RunPromptAndWait(ctx context.Context, ui ChatUI, prompt string, timeout time.Duration) domain.RunPromptResult {
	if serial, ok := ui.(*SerialUI); ok {
		var result domain.RunPromptResult
		if err := serial.Exclusive(ctx, func(inner ChatUI) {
			result = runPromptAndWait(ctx, inner, prompt, timeout)
		}); err != nil {
			return domain.RunPromptResult{OK: false, Error: "canceled"}
		}
		return result
	}
	return runPromptAndWait(ctx, ui, prompt, timeout)
}

func runPromptAndWait(ctx context.Context, ui ChatUI, prompt string, timeout time.Duration) domain.RunPromptResult {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	baseline := ui.LatestReply(ctx)
	if res := ui.SubmitPrompt(ctx, prompt); !res.OK {
		return domain.RunPromptResult{OK: false, Error: res.Error}
	}
	reply, ok := ui.AwaitReply(ctx, AwaitOptions{Timeout: timeout, PreviousText: baseline})
	if !ok {
		return domain.RunPromptResult{OK: false, Error: "timeout"}
	}
	if strings.HasPrefix(reply, ErrorReplyPrefix) {
		return domain.RunPromptResult{OK: false, Error: strings.TrimPrefix(reply, ErrorReplyPrefix)}
	}
	return domain.RunPromptResult{OK: true, Reply: reply}
}

// UIExecutor adapts a ChatUI to the queue's Executor.
func UIExecutor(ui ChatUI, timeout time.Duration) Executor {
	return func(ctx context.Context, task domain.WorkerTask) domain.RunPromptResult {
		return RunPromptAndWait(ctx, ui, task.Prompt, timeout)
	}
}

// SerialUI shares one chat page between several drivers. A submit and the
// wait for its reply form one turn; turns never overlap.
type SerialUI struct {
	ui   ChatUI
	turn chan struct{}
}

// Serialize wraps ui in a SerialUI. A SerialUI is returned unchanged so every
// holder of it shares the same turn.
func Serialize(ui ChatUI) *SerialUI {
	if serial, ok := ui.(*SerialUI); ok {
		return serial
	}
	return &SerialUI{ui: ui, turn: make(chan struct{}, 1)}
}

// Exclusive runs fn with sole use of the page. fn must use the ChatUI it is
// given, not the SerialUI.
func (s *SerialUI) Exclusive(ctx context.Context, fn func(ui ChatUI)) error {
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.turn }()
	fn(s.ui)
	return nil
}

func (s *SerialUI) LatestReply(ctx context.Context) string {
	var reply string
	_ = s.Exclusive(ctx, func(ui ChatUI) { reply = ui.LatestReply(ctx) })
	return reply
}

func (s *SerialUI) SubmitPrompt(ctx context.Context, text string) SubmitResult {
	res := SubmitResult{OK: false, Error: "canceled"}
	_ = s.Exclusive(ctx, func(ui ChatUI) { res = ui.SubmitPrompt(ctx, text) })
	return res
}

func (s *SerialUI) AwaitReply(ctx context.Context, opts AwaitOptions) (string, bool) {
	var (
		reply string
		ok    bool
	)
	_ = s.Exclusive(ctx, func(ui ChatUI) { reply, ok = ui.AwaitReply(ctx, opts) })
	return reply, ok
}

// EchoUI answers every prompt with Prefix+prompt. It stands in for a real
// chat page in demos and tests.
type EchoUI struct {
	Prefix string
	Delay  time.Duration

	mu      sync.Mutex
	pending string
	waiting bool
	latest  string
	prompts []string
}

func NewEchoUI() *EchoUI {
	return &EchoUI{Prefix: "ack:"}
}

func (e *EchoUI) LatestReply(context.Context) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

func (e *EchoUI) SubmitPrompt(_ context.Context, text string) SubmitResult {
	if strings.TrimSpace(text) == "" {
		return SubmitResult{OK: false, Error: "empty_prompt"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = text
	e.waiting = true
	e.prompts = append(e.prompts, text)
	return SubmitResult{OK: true}
}

func (e *EchoUI) AwaitReply(ctx context.Context, opts AwaitOptions) (string, bool) {
	e.mu.Lock()
	if !e.waiting {
		e.mu.Unlock()
		return "", false
	}
	prompt := e.pending
	e.waiting = false
	e.mu.Unlock()

	if e.Delay > 0 {
		wait := e.Delay
		if opts.Timeout > 0 && opts.Timeout < wait {
			wait = opts.Timeout
		}
		if err := sleepContext(ctx, wait); err != nil || wait < e.Delay {
			return "", false
		}
	}

	reply := e.Prefix + prompt
	e.mu.Lock()
	e.latest = reply
	e.mu.Unlock()
	return reply, true
}

// Prompts lists every prompt submitted so far.
func (e *EchoUI) Prompts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.prompts...)
}
