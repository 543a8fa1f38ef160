package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/hosterr"
	"github.com/skillhost-dev/skillhost/manifest"
	"github.com/skillhost-dev/skillhost/protocol"
	"github.com/skillhost-dev/skillhost/validation"
)

const (
	// DefaultHandshakeTimeout bounds the initial exchange after spawn.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultShutdownGrace is how long a shutdown request may go
	// unanswered before the process is force-killed.
	DefaultShutdownGrace = 3 * time.Second
	// DefaultQueueDepth bounds the event queue between the read loop and
	// one session consumer.
	DefaultQueueDepth = 64
)

// HostVersion is reported to children during the handshake.
const HostVersion = "0.3.0"

type pendingCall struct {
	method string
	ch     chan callResult
}

type callResult struct {
	resp *protocol.Response
	err  error
}

// Subscription delivers one session's events in arrival order. The channel
// is bounded; a full queue back-pressures the read loop. When the stream
// dies, C is closed and Err reports why.
type Subscription struct {
	C <-chan protocol.Event

	ch   chan protocol.Event
	done chan struct{}

	s  *Supervisor
	id string

	closeOnce  sync.Once
	cancelOnce sync.Once

	mu  sync.Mutex
	err error
}

// Events returns the delivery channel. Same channel as C; the method form
// lets consumers depend on a small interface instead of this package.
func (sub *Subscription) Events() <-chan protocol.Event { return sub.C }

// Err reports why C was closed. Nil until then; io.EOF for a clean stop.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// Cancel detaches the subscription. Events arriving afterwards are dropped.
func (sub *Subscription) Cancel() {
	sub.cancelOnce.Do(func() {
		close(sub.done)
		sub.s.removeSub(sub.id, sub)
	})
}

func (sub *Subscription) closeWith(err error) {
	sub.closeOnce.Do(func() {
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		close(sub.ch)
	})
}

// Supervisor owns one skill process. All methods are safe for concurrent
// use; the internal mutex is never held across a blocking wait.
type Supervisor struct {
	desc     *manifest.SkillDescriptor
	launcher Launcher
	command  string
	args     []string
	dir      string
	env      []string

	validator        validation.Validator
	logger           *slog.Logger
	bridge           *protocol.LogBridge
	handshakeTimeout time.Duration
	shutdownGrace    time.Duration
	queueDepth       int
	backoff          func(attempt int) time.Duration

	// startMu serializes spawn attempts so two callers never race a launch.
	startMu sync.Mutex

	mu             sync.Mutex
	state          State
	lastErr        error
	proc           Process
	pid            int
	codec          *protocol.Codec
	pending        map[uint64]pendingCall
	subs           map[string]*Subscription
	procDone       chan struct{}
	readDone       chan struct{}
	gen            int
	spawns         int
	handshakeFails int
	handshake      protocol.HandshakeResult
	window         *restartWindow
	lastProbe      time.Time
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLauncher overrides process spawning, mainly for tests.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithCommand sets the resolved entry command the supervisor launches.
func WithCommand(command string, args ...string) Option {
	return func(s *Supervisor) {
		s.command = command
		s.args = args
	}
}

// WithDir sets the child working directory.
func WithDir(dir string) Option {
	return func(s *Supervisor) { s.dir = dir }
}

// WithEnv sets the complete child environment. See BuildEnv.
func WithEnv(env []string) Option {
	return func(s *Supervisor) { s.env = env }
}

// WithValidator overrides the wire schema table.
func WithValidator(v validation.Validator) Option {
	return func(s *Supervisor) {
		if v != nil {
			s.validator = v
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHandshakeTimeout bounds the handshake exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithShutdownGrace bounds the graceful half of Stop.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.shutdownGrace = d
		}
	}
}

// WithRestartPolicy bounds automatic restarts per sliding window.
func WithRestartPolicy(maxRestarts int, window time.Duration) Option {
	return func(s *Supervisor) {
		s.window = newRestartWindow(maxRestarts, window)
	}
}

// WithBackoff replaces the restart delay curve.
func WithBackoff(fn func(attempt int) time.Duration) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.backoff = fn
		}
	}
}

// WithQueueDepth sets the per-session event queue bound.
func WithQueueDepth(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// New builds a supervisor for one skill descriptor. It does not spawn;
// call Start.
func New(desc *manifest.SkillDescriptor, opts ...Option) *Supervisor {
	s := &Supervisor{
		desc:             desc,
		launcher:         ExecLauncher{},
		validator:        validation.MustMessageValidator(),
		logger:           slog.Default(),
		handshakeTimeout: DefaultHandshakeTimeout,
		shutdownGrace:    DefaultShutdownGrace,
		queueDepth:       DefaultQueueDepth,
		backoff:          Backoff,
		state:            StateNotStarted,
		pending:          make(map[uint64]pendingCall),
		subs:             make(map[string]*Subscription),
		window:           newRestartWindow(DefaultMaxRestarts, DefaultRestartWindow),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("skill", desc.ID)
	s.bridge = protocol.NewLogBridge(s.logger)
	return s
}

// SkillID returns the owning descriptor's id.
func (s *Supervisor) SkillID() string { return s.desc.ID }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid returns the child pid, or 0 when no process is alive.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Running() {
		return 0
	}
	return s.pid
}

// Handshake returns the child's last successful handshake result.
func (s *Supervisor) Handshake() protocol.HandshakeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshake
}

// Err returns the error that put the supervisor in its current state.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// MarkProbe records a health probe timestamp on the handle.
func (s *Supervisor) MarkProbe(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProbe = t
}

// LastProbe returns the last recorded probe time.
func (s *Supervisor) LastProbe() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProbe
}

// setStateLocked transitions with edge checking. Invalid edges are a
// programming error; they are logged and refused.
func (s *Supervisor) setStateLocked(to State) bool {
	if s.state == to {
		return true
	}
	if !s.state.CanTransition(to) {
		s.logger.Error("refusing invalid state transition", "from", s.state.String(), "to", to.String())
		return false
	}
	s.logger.Debug("state transition", "from", s.state.String(), "to", to.String())
	s.state = to
	return true
}

// Start ensures a Ready process: first start, lazy restart after a crash,
// or the single retry after a handshake failure. Ready and Busy are no-ops.
// Restarts beyond the window bound fail with ErrRestartsExhausted.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateReady, StateBusy:
		s.mu.Unlock()
		return nil
	case StateFailed:
		err := s.lastErr
		s.mu.Unlock()
		if err == nil {
			err = hosterr.ErrRestartsExhausted
		}
		return fmt.Errorf("skill %s is failed: %w", s.desc.ID, err)
	case StateStarting, StateHandshaking, StateStopping:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("skill %s is %s; cannot start", s.desc.ID, state)
	}
	respawn := s.spawns > 0
	attempt := s.spawns - 1
	s.mu.Unlock()

	if respawn {
		wait := s.backoff(attempt)
		s.logger.Info("waiting before restart", "attempt", attempt+1, "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}

		now := time.Now()
		s.mu.Lock()
		if !s.window.Allow(now) {
			s.lastErr = errors.Join(hosterr.ErrRestartsExhausted, s.lastErr)
			s.setStateLocked(StateFailed)
			err := s.lastErr
			s.mu.Unlock()
			return fmt.Errorf("skill %s: %w", s.desc.ID, err)
		}
		s.window.Record(now)
		s.mu.Unlock()
	}

	return s.spawnAndHandshake(ctx)
}

func (s *Supervisor) spawnAndHandshake(ctx context.Context) error {
	s.mu.Lock()
	if !s.setStateLocked(StateStarting) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("skill %s: cannot start from %s", s.desc.ID, state)
	}
	if old := s.proc; old != nil {
		_ = old.Kill()
		s.proc = nil
	}
	s.spawns++
	prevRead := s.readDone
	s.mu.Unlock()

	// One read loop at a time: the previous generation must finish its
	// close-out before a new process takes over the channels.
	if prevRead != nil {
		select {
		case <-prevRead:
		case <-ctx.Done():
			s.mu.Lock()
			s.setStateLocked(StateRestarting)
			s.mu.Unlock()
			return ctx.Err()
		}
	}

	proc, err := s.launcher.Launch(ctx, LaunchSpec{
		Command: s.command,
		Args:    s.args,
		Dir:     s.dir,
		Env:     s.env,
	})
	if err != nil {
		launchErr := &hosterr.UnavailableError{Kind: string(s.desc.Runtime.Kind), Reason: "spawn failed", Err: err}
		s.mu.Lock()
		s.lastErr = launchErr
		s.setStateLocked(StateRestarting)
		s.mu.Unlock()
		return fmt.Errorf("skill %s: %w", s.desc.ID, launchErr)
	}

	codec := protocol.NewCodec(proc.Stdout(), proc.Stdin(), protocol.WithCodecLogger(s.logger))
	procDone := make(chan struct{})
	readDone := make(chan struct{})

	s.mu.Lock()
	if s.state != StateStarting {
		// Stopped out from under us while spawning.
		state := s.state
		s.mu.Unlock()
		_ = proc.Kill()
		return fmt.Errorf("skill %s: start interrupted by %s", s.desc.ID, state)
	}
	s.gen++
	gen := s.gen
	s.proc = proc
	s.pid = proc.Pid()
	s.codec = codec
	s.procDone = procDone
	s.readDone = readDone
	s.pending = make(map[uint64]pendingCall)
	s.lastErr = nil
	s.setStateLocked(StateHandshaking)
	s.mu.Unlock()

	s.logger.Info("skill process started", "pid", proc.Pid(), "command", s.command)

	go s.waitProc(gen, proc, procDone)
	go s.readLoop(gen, codec, procDone, readDone)
	go s.drainStderr(proc.Stderr())

	if err := s.performHandshake(ctx); err != nil {
		s.failLaunch(err, proc, procDone)
		return fmt.Errorf("skill %s: %w", s.desc.ID, err)
	}

	s.mu.Lock()
	s.handshakeFails = 0
	s.setStateLocked(StateReady)
	hs := s.handshake
	s.mu.Unlock()

	s.logger.Info("skill ready", "pid", proc.Pid(), "name", hs.Name, "version", hs.Version)
	return nil
}

// failLaunch tears down a process whose handshake failed. The state is
// settled before the kill so the waiter sees an expected exit. One failed
// handshake leaves the supervisor Stopped (retried on the next invocation);
// the second in a row is Failed.
func (s *Supervisor) failLaunch(cause error, proc Process, procDone chan struct{}) {
	s.mu.Lock()
	s.handshakeFails++
	s.lastErr = cause
	if s.handshakeFails >= 2 {
		s.setStateLocked(StateFailed)
	} else {
		s.setStateLocked(StateStopped)
	}
	s.proc = nil
	s.mu.Unlock()

	_ = proc.Kill()
	<-procDone
}

func (s *Supervisor) performHandshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	var result protocol.HandshakeResult
	err := s.Call(hsCtx, protocol.MethodHandshake, protocol.HandshakeParams{
		ProtocolVersion: protocol.Version,
		ExpectedName:    s.desc.ID,
		HostVersion:     HostVersion,
	}, &result)
	if err != nil {
		return &hosterr.HandshakeError{SkillID: s.desc.ID, Reason: "no valid response", Err: err}
	}

	if err := s.verifyHandshake(result); err != nil {
		return err
	}

	s.mu.Lock()
	s.handshake = result
	s.mu.Unlock()
	return nil
}

// verifyHandshake cross-checks the child's reported identity against the
// registered descriptor. Any disagreement is fatal for the launch.
func (s *Supervisor) verifyHandshake(hs protocol.HandshakeResult) error {
	if hs.ProtocolVersion != protocol.Version {
		return &hosterr.MismatchError{
			SkillID: s.desc.ID, Field: "protocol_version",
			Want: fmt.Sprint(protocol.Version), Got: fmt.Sprint(hs.ProtocolVersion),
		}
	}
	if hs.Name != s.desc.ID {
		return &hosterr.MismatchError{SkillID: s.desc.ID, Field: "name", Want: s.desc.ID, Got: hs.Name}
	}

	if s.desc.Version != "" && hs.Version != "" {
		want, werr := semver.NewVersion(s.desc.Version)
		got, gerr := semver.NewVersion(hs.Version)
		if werr != nil || gerr != nil || !want.Equal(got) {
			return &hosterr.MismatchError{SkillID: s.desc.ID, Field: "version", Want: s.desc.Version, Got: hs.Version}
		}
	}

	declared, err := capability.ParseSet(hs.Capabilities)
	if err != nil {
		return &hosterr.MismatchError{
			SkillID: s.desc.ID, Field: "capabilities",
			Want: "parseable capability set", Got: err.Error(),
		}
	}
	if extra := declared.Difference(s.desc.Capabilities); len(extra) > 0 {
		return &hosterr.MismatchError{
			SkillID: s.desc.ID, Field: "capabilities",
			Want: fmt.Sprintf("subset of %v", s.desc.Capabilities.Strings()),
			Got:  fmt.Sprintf("extra %v", extra.Strings()),
		}
	}
	return nil
}

// Call sends one request and blocks for its response, the context, or
// process death, whichever is first. Outbound params and inbound results
// are checked against the schema table.
func (s *Supervisor) Call(ctx context.Context, method string, params, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("%s: encode params: %w", method, err)
	}
	if err := s.validator.ValidateRequest(method, raw); err != nil {
		return err
	}

	s.mu.Lock()
	if s.codec == nil || !s.state.Running() {
		state, lastErr := s.state, s.lastErr
		s.mu.Unlock()
		if lastErr != nil {
			return fmt.Errorf("skill %s is %s: %w", s.desc.ID, state, lastErr)
		}
		return fmt.Errorf("skill %s is %s; no process to call", s.desc.ID, state)
	}
	codec := s.codec
	id := codec.NextID()
	ch := make(chan callResult, 1)
	s.pending[id] = pendingCall{method: method, ch: ch}
	s.mu.Unlock()

	start := time.Now()
	if err := codec.WriteRequestID(id, method, raw); err != nil {
		s.removePending(id)
		return fmt.Errorf("send %s to skill %s: %w", method, s.desc.ID, err)
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return fmt.Errorf("%s on skill %s: %w", method, s.desc.ID, out.err)
		}
		resp := out.resp
		if resp.Error != nil {
			return fmt.Errorf("%s on skill %s: %w", method, s.desc.ID, resp.Error.Err())
		}
		if err := s.validator.ValidateResult(method, resp.Result); err != nil {
			return err
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("%w: decode %s result: %v", hosterr.ErrMalformedMessage, method, err)
			}
		}
		return nil

	case <-ctx.Done():
		s.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &hosterr.TimeoutError{Op: method, Budget: time.Since(start)}
		}
		return ctx.Err()
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

func (s *Supervisor) removePending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// failPendingLocked delivers err to every outstanding call and clears the
// table. Channels are buffered and single-shot, so sends never block.
func (s *Supervisor) failPendingLocked(err error) {
	for id, call := range s.pending {
		select {
		case call.ch <- callResult{err: err}:
		default:
		}
		delete(s.pending, id)
	}
}

// Acquire claims the handle for one task, moving Ready to Busy. The
// release closure is idempotent. A Busy handle yields BusyError so two
// tasks never interleave one event stream.
func (s *Supervisor) Acquire() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateBusy:
		return nil, &hosterr.BusyError{SkillID: s.desc.ID, Pid: s.pid}
	case StateReady:
		s.setStateLocked(StateBusy)
		var once sync.Once
		return func() {
			once.Do(func() {
				s.mu.Lock()
				defer s.mu.Unlock()
				if s.state == StateBusy {
					s.setStateLocked(StateReady)
				}
			})
		}, nil
	default:
		if s.lastErr != nil {
			return nil, fmt.Errorf("skill %s is %s: %w", s.desc.ID, s.state, s.lastErr)
		}
		return nil, fmt.Errorf("skill %s is %s; not accepting tasks", s.desc.ID, s.state)
	}
}

// Subscribe routes events for one session id to a bounded queue.
func (s *Supervisor) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		ch:   make(chan protocol.Event, s.queueDepth),
		done: make(chan struct{}),
		s:    s,
		id:   sessionID,
	}
	sub.C = sub.ch

	s.mu.Lock()
	if old, ok := s.subs[sessionID]; ok {
		// A session id is never reused while live; replacing is a bug on
		// the caller's side, but leaving the old one dangling is worse.
		old.closeWith(fmt.Errorf("session %s resubscribed", sessionID))
	}
	s.subs[sessionID] = sub
	s.mu.Unlock()
	return sub
}

func (s *Supervisor) removeSub(sessionID string, sub *Subscription) {
	s.mu.Lock()
	if cur, ok := s.subs[sessionID]; ok && cur == sub {
		delete(s.subs, sessionID)
	}
	s.mu.Unlock()
}

// readLoop owns the child's stdout exclusively. It routes responses to
// pending calls, events to their session subscriptions, and log events into
// the structured logger. It exits when the stream ends; subscription
// close-out waits for the waiter's verdict so Err reflects the real cause.
func (s *Supervisor) readLoop(gen int, codec *protocol.Codec, procDone, readDone chan struct{}) {
	defer close(readDone)
	defer func() {
		<-procDone
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		err := s.lastErr
		if err == nil {
			err = io.EOF
		}
		subs := s.subs
		s.subs = make(map[string]*Subscription)
		s.mu.Unlock()
		for _, sub := range subs {
			sub.closeWith(err)
		}
	}()

	for {
		msg, err := codec.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var tooLong *hosterr.LineTooLongError
			if errors.As(err, &tooLong) {
				// The scanner cannot recover mid-line; treat the stream as
				// dead and let the exit path restart the process.
				s.logger.Error("protocol line over cap; killing process", "limit", tooLong.Limit)
				s.streamFailed(gen, err)
				return
			}
			if errors.Is(err, hosterr.ErrMalformedMessage) {
				s.logger.Warn("malformed protocol line", "error", err)
				s.failSessions(gen, err)
				continue
			}
			if !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				s.logger.Debug("protocol read ended", "error", err)
			}
			return
		}

		switch {
		case msg.Response != nil:
			s.routeResponse(gen, msg.Response)
		case msg.Event != nil:
			s.routeEvent(gen, msg.Event)
		case msg.Request != nil:
			// Children do not call the host. Answer so a confused skill
			// does not hang on the missing response.
			s.logger.Warn("unexpected request from skill", "method", msg.Request.Method, "id", msg.Request.ID)
			_ = codec.WriteResponse(protocol.Response{
				ID:    msg.Request.ID,
				Error: &protocol.ErrorObject{Code: hosterr.CodeMalformedMessage, Message: "host does not accept requests"},
			})
		}
	}
}

func (s *Supervisor) routeResponse(gen int, resp *protocol.Response) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	call, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()

	if !ok {
		// Late responses for cancelled requests are expected.
		s.logger.Warn("dropping unmatched response", "id", resp.ID)
		return
	}
	call.ch <- callResult{resp: resp}
}

func (s *Supervisor) routeEvent(gen int, ev *protocol.Event) {
	if err := s.validator.ValidateEvent(ev.Kind, ev.Payload); err != nil {
		s.logger.Warn("invalid event from skill", "kind", string(ev.Kind), "session", ev.SessionID, "error", err)
		s.failSession(gen, ev.SessionID, err)
		return
	}

	if ev.Kind == protocol.EventLog {
		s.bridge.Forward(context.Background(), s.desc.ID, *ev)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	sub, ok := s.subs[ev.SessionID]
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("dropping event for unknown session", "session", ev.SessionID, "kind", string(ev.Kind))
		return
	}

	select {
	case sub.ch <- *ev:
	case <-sub.done:
		// Consumer cancelled; stop delivering.
	}
}

// failSession ends one session stream with err, leaving the process alive.
func (s *Supervisor) failSession(gen int, sessionID string, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	sub, ok := s.subs[sessionID]
	if ok {
		delete(s.subs, sessionID)
	}
	s.mu.Unlock()
	if ok {
		sub.closeWith(err)
	}
}

// failSessions is the malformed-line path: fatal to in-flight work, not to
// the supervisor or process.
func (s *Supervisor) failSessions(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.failPendingLocked(err)
	subs := s.subs
	s.subs = make(map[string]*Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.closeWith(err)
	}
}

// streamFailed records the fatal stream error and kills the process; the
// waiter handles state, pending calls, and the restart decision.
func (s *Supervisor) streamFailed(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

// waitProc reaps the child exactly once and settles the aftermath: expected
// exits (Stop, Restart, failed handshake) just close the books; anything
// else is a crash that fails outstanding work and arms the restart policy.
func (s *Supervisor) waitProc(gen int, proc Process, procDone chan struct{}) {
	waitErr := proc.Wait()
	code := ExitCode(waitErr)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(procDone)

	if gen != s.gen {
		return
	}

	switch s.state {
	case StateStopping, StateStopped, StateRestarting, StateFailed:
		s.failPendingLocked(fmt.Errorf("skill %s stopped", s.desc.ID))
		s.logger.Info("skill process exited", "pid", s.pid, "code", code)
		return
	}

	cause := s.lastErr
	if cause == nil {
		cause = &hosterr.CrashError{SkillID: s.desc.ID, Pid: s.pid, ExitCode: code}
	}
	s.lastErr = cause
	s.failPendingLocked(cause)
	s.logger.Error("skill process exited unexpectedly", "pid", s.pid, "code", code, "error", cause)

	if s.window.Allow(time.Now()) {
		s.setStateLocked(StateRestarting)
	} else {
		s.lastErr = errors.Join(hosterr.ErrRestartsExhausted, cause)
		s.setStateLocked(StateFailed)
	}
}

// drainStderr forwards diagnostic output line by line. Stderr never carries
// protocol traffic, but an undrained pipe would block the child.
func (s *Supervisor) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			s.logger.Debug("skill stderr", "line", line)
		}
	}
	if err := sc.Err(); err != nil {
		// Keep the pipe drained even when a line overflows the scanner.
		_, _ = io.Copy(io.Discard, r)
	}
}

// Stop requests a graceful shutdown, waits the grace period, then
// force-kills. It runs on every exit route and is idempotent; every started
// process ends in exactly one terminal Stopped observation.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateNotStarted, StateStopped:
		s.mu.Unlock()
		return nil
	case StateFailed:
		// Failed keeps its diagnosis but must not leak a live process.
		proc := s.proc
		s.proc = nil
		s.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
		}
		return nil
	}
	if !s.setStateLocked(StateStopping) {
		s.mu.Unlock()
		return fmt.Errorf("skill %s: cannot stop from %s", s.desc.ID, s.state)
	}
	proc := s.proc
	procDone := s.procDone
	codec := s.codec
	s.mu.Unlock()

	if proc == nil {
		s.mu.Lock()
		s.setStateLocked(StateStopped)
		s.mu.Unlock()
		return nil
	}

	if codec != nil {
		id := codec.NextID()
		s.mu.Lock()
		s.pending[id] = pendingCall{method: protocol.MethodShutdown, ch: make(chan callResult, 1)}
		s.mu.Unlock()
		if err := codec.WriteRequestID(id, protocol.MethodShutdown, protocol.ShutdownParams{Reason: "host shutdown"}); err != nil {
			s.logger.Debug("shutdown request not delivered", "error", err)
		}
	}

	grace := time.NewTimer(s.shutdownGrace)
	defer grace.Stop()
	select {
	case <-procDone:
	case <-grace.C:
		s.logger.Warn("shutdown grace elapsed; killing process", "pid", proc.Pid(), "grace", s.shutdownGrace)
		_ = proc.Kill()
		<-procDone
	case <-ctx.Done():
		_ = proc.Kill()
		<-procDone
	}

	s.mu.Lock()
	s.setStateLocked(StateStopped)
	s.proc = nil
	s.codec = nil
	s.mu.Unlock()

	s.logger.Info("skill stopped", "pid", proc.Pid())
	return nil
}

// ForceStop kills without the graceful request. Used when the process is
// known unresponsive or a caller has no time budget left.
func (s *Supervisor) ForceStop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateNotStarted, StateStopped:
		s.mu.Unlock()
		return nil
	}
	if s.state != StateFailed {
		s.setStateLocked(StateStopping)
	}
	proc := s.proc
	procDone := s.procDone
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
		select {
		case <-procDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	if s.state != StateFailed {
		s.setStateLocked(StateStopped)
	}
	s.proc = nil
	s.codec = nil
	s.mu.Unlock()
	return nil
}

// Restart tears the process down without grace and brings a fresh one up.
// Driven by the health monitor after consecutive unresponsive probes.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Running() {
		s.setStateLocked(StateRestarting)
		proc := s.proc
		procDone := s.procDone
		s.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
			select {
			case <-procDone:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	} else {
		s.mu.Unlock()
	}
	return s.Start(ctx)
}

// Reset clears Failed so an operator can explicitly revive the skill. The
// restart window and backoff start over.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateNotStarted
	s.lastErr = nil
	s.spawns = 0
	s.handshakeFails = 0
	s.window = newRestartWindow(s.window.max, s.window.window)
}
