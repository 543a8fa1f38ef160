// Package session drives individual tasks against a claimed skill handle:
// it opens the event stream, sends the request, relays events in arrival
// order, enforces the invocation budget, and guarantees exactly one abort
// when the caller gives up first.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/protocol"
)

const (
	// DefaultInvokeTimeout bounds one task when the caller's context
	// carries no deadline of its own.
	DefaultInvokeTimeout = 5 * time.Minute
	// DefaultAbortAck is how long an abort may go unacknowledged before
	// the process is forced down.
	DefaultAbortAck = 2 * time.Second
)

// EventStream is the session-facing slice of a supervisor subscription.
type EventStream interface {
	Events() <-chan protocol.Event
	Err() error
	Cancel()
}

// Conn is the slice of a supervisor a session drives. A supervisor lease
// satisfies it through a thin adapter.
type Conn interface {
	SkillID() string
	Call(ctx context.Context, method string, params, result any) error
	Subscribe(sessionID string) EventStream
	ForceStop(ctx context.Context) error
}

// EventHandler receives each event in arrival order. Handlers run on the
// session goroutine; slow handlers back-pressure the stream.
type EventHandler func(protocol.Event)

// Result is the settled outcome of one invocation or prompt turn.
type Result struct {
	SessionID string
	Output    json.RawMessage
	Summary   string
	Elapsed   time.Duration
	Events    int
}

// Runner executes tasks and prompt turns over skill connections.
type Runner struct {
	timeout  time.Duration
	abortAck time.Duration
	logger   *slog.Logger
	newID    func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout sets the default invocation budget.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithAbortAck bounds the wait for an abort acknowledgement.
func WithAbortAck(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.abortAck = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithIDGenerator replaces session id generation, mainly for tests.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewRunner builds a Runner with the standard budgets.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		timeout:  DefaultInvokeTimeout,
		abortAck: DefaultAbortAck,
		logger:   slog.Default(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke runs one task to completion under a fresh session id. Events for
// the session reach handler in order; the returned Result carries the
// terminal output.
func (r *Runner) Invoke(ctx context.Context, conn Conn, task string, input json.RawMessage, handler EventHandler) (*Result, error) {
	sid := r.newID()
	params := protocol.InvokeParams{SessionID: sid, Task: task, Input: input}
	return r.stream(ctx, conn, sid, protocol.MethodInvoke, params, handler)
}

// NewSession opens a named conversation on a stateful skill and returns the
// child-issued session id for later Prompt turns.
func (r *Runner) NewSession(ctx context.Context, conn Conn, label string) (string, error) {
	var res protocol.NewSessionResult
	if err := conn.Call(ctx, protocol.MethodNewSession, protocol.NewSessionParams{Label: label}, &res); err != nil {
		return "", err
	}
	if res.SessionID == "" {
		return "", fmt.Errorf("%w: new_session returned an empty session id", hosterr.ErrMalformedMessage)
	}
	return res.SessionID, nil
}

// Prompt sends one conversational turn into an existing session.
func (r *Runner) Prompt(ctx context.Context, conn Conn, sessionID, prompt string, handler EventHandler) (*Result, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("prompt needs a session id; call NewSession first")
	}
	params := protocol.PromptParams{SessionID: sessionID, Prompt: prompt}
	return r.stream(ctx, conn, sessionID, protocol.MethodPrompt, params, handler)
}

// State fetches a session's state snapshot as the child reports it.
func (r *Runner) State(ctx context.Context, conn Conn, sessionID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := conn.Call(ctx, protocol.MethodGetState, protocol.GetStateParams{SessionID: sessionID}, &raw)
	return raw, err
}

type callOutcome struct {
	result protocol.InvokeResult
	err    error
}

// stream is the shared select loop behind Invoke and Prompt: one goroutine
// waits on the call while this one relays events, so neither a chatty child
// nor a slow response can starve the other.
func (r *Runner) stream(ctx context.Context, conn Conn, sid, method string, params any, handler EventHandler) (*Result, error) {
	start := time.Now()
	sub := conn.Subscribe(sid)
	defer sub.Cancel()

	cctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := make(chan callOutcome, 1)
	go func() {
		var res protocol.InvokeResult
		err := conn.Call(cctx, method, params, &res)
		done <- callOutcome{result: res, err: err}
	}()

	result := &Result{SessionID: sid}
	deliver := func(ev protocol.Event) {
		result.Events++
		if ev.Kind == protocol.EventDone {
			var p protocol.DonePayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				result.Summary = p.Summary
			}
		}
		if handler != nil {
			handler(ev)
		}
	}

	// Pull whatever the read loop queued ahead of the response so callers
	// always see every event before the terminal result.
	drain := func() {
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				deliver(ev)
			default:
				return
			}
		}
	}

	// A closed stream disables its case; the call settles the session
	// either way, failing through the same cause when the process died.
	events := sub.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			deliver(ev)

		case out := <-done:
			drain()
			if out.err != nil {
				if errors.Is(out.err, hosterr.ErrTimeout) || errors.Is(out.err, context.Canceled) {
					r.abort(conn, sid, sub, deliver, abortReason(out.err))
				}
				return nil, fmt.Errorf("session %s: %w", sid, out.err)
			}
			if out.result.SessionID != "" && out.result.SessionID != sid {
				return nil, fmt.Errorf("%w: result for session %s arrived on session %s", hosterr.ErrMalformedMessage, out.result.SessionID, sid)
			}
			result.Output = out.result.Output
			result.Elapsed = time.Since(start)
			r.logger.Debug("session settled",
				"skill", conn.SkillID(), "session", sid, "method", method,
				"elapsed", result.Elapsed, "events", result.Events)
			return result, nil
		}
	}
}

func abortReason(err error) string {
	if errors.Is(err, hosterr.ErrTimeout) {
		return "timeout"
	}
	return "canceled"
}

// abort cancels the child-side task exactly once. An acknowledged abort
// relays the terminal aborted event; anything else forces the process down
// so a runaway task cannot outlive its caller.
func (r *Runner) abort(conn Conn, sid string, sub EventStream, deliver func(protocol.Event), reason string) {
	actx, cancel := context.WithTimeout(context.Background(), r.abortAck)
	defer cancel()

	var ack protocol.AbortResult
	err := conn.Call(actx, protocol.MethodAbort, protocol.AbortParams{SessionID: sid, Reason: reason}, &ack)
	if err != nil || !ack.Aborted {
		r.logger.Warn("abort unacknowledged; forcing process down",
			"skill", conn.SkillID(), "session", sid, "error", err)
		_ = conn.ForceStop(actx)
		return
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			deliver(ev)
			if ev.Kind == protocol.EventAborted {
				return
			}
		case <-actx.Done():
			return
		}
	}
}
