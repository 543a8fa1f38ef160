package skillhost_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost"
	"github.com/skillhost-dev/skillhost/audit"
	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/capability/gatekeeper"
	"github.com/skillhost-dev/skillhost/manifest"
	"github.com/skillhost-dev/skillhost/protocol"
	"github.com/skillhost-dev/skillhost/registry"
	"github.com/skillhost-dev/skillhost/supervisor"
)

// fakeProc is an in-memory Process wired with pipes, mirroring what the
// supervisor sees from a real child.
type fakeProc struct {
	pid int

	stdinW  *io.PipeWriter
	stdinR  *io.PipeReader
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	exited chan struct{}
	code   int
	once   sync.Once
}

func newFakeProc(pid int) *fakeProc {
	p := &fakeProc{pid: pid, exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProc) Pid() int              { return p.pid }
func (p *fakeProc) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader     { return p.stderrR }

func (p *fakeProc) Wait() error {
	<-p.exited
	if p.code != 0 {
		return fmt.Errorf("exit status %d", p.code)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.exit(-1)
	return nil
}

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
		close(p.exited)
	})
}

func (p *fakeProc) done() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

type skillWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *skillWriter) line(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = io.WriteString(w.w, string(b)+"\n")
}

func (w *skillWriter) respond(id uint64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	w.line(protocol.Response{ID: id, Result: raw})
}

func (w *skillWriter) event(sessionID string, kind protocol.EventKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	w.line(protocol.Event{SessionID: sessionID, Kind: kind, Payload: raw})
}

// fakeSkill scripts a child process: it answers the handshake and routes
// invoke to a hook or a default echo.
type fakeSkill struct {
	name    string
	version string
	caps    []string

	onInvoke func(p *fakeProc, w *skillWriter, req protocol.Request)

	launches atomic.Int32

	mu       sync.Mutex
	lastProc *fakeProc
}

func newFakeSkill(name, version string) *fakeSkill {
	return &fakeSkill{name: name, version: version}
}

func (f *fakeSkill) launcher() supervisor.Launcher {
	return launcherFunc(func(ctx context.Context, spec supervisor.LaunchSpec) (supervisor.Process, error) {
		n := f.launches.Add(1)
		p := newFakeProc(5000 + int(n))
		f.mu.Lock()
		f.lastProc = p
		f.mu.Unlock()
		go f.run(p)
		return p, nil
	})
}

func (f *fakeSkill) proc() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastProc
}

func (f *fakeSkill) run(p *fakeProc) {
	w := &skillWriter{w: p.stdoutW}
	sc := bufio.NewScanner(p.stdinR)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		switch req.Method {
		case protocol.MethodHandshake:
			w.respond(req.ID, protocol.HandshakeResult{
				ProtocolVersion: protocol.Version,
				Name:            f.name,
				Version:         f.version,
				Capabilities:    f.caps,
			})

		case protocol.MethodInvoke:
			if f.onInvoke != nil {
				f.onInvoke(p, w, req)
				continue
			}
			var params protocol.InvokeParams
			_ = json.Unmarshal(req.Params, &params)
			w.respond(req.ID, protocol.InvokeResult{
				SessionID: params.SessionID,
				Output:    params.Input,
			})

		case protocol.MethodHealth:
			w.respond(req.ID, protocol.HealthResult{Status: "ok"})

		case protocol.MethodShutdown:
			w.respond(req.ID, map[string]any{})
			p.exit(0)
			return

		case protocol.MethodAbort:
			var params protocol.AbortParams
			_ = json.Unmarshal(req.Params, &params)
			w.respond(req.ID, protocol.AbortResult{SessionID: params.SessionID, Aborted: true})
			w.event(params.SessionID, protocol.EventAborted, protocol.AbortedPayload{Reason: params.Reason})
		}
	}
}

type launcherFunc func(ctx context.Context, spec supervisor.LaunchSpec) (supervisor.Process, error)

func (fn launcherFunc) Launch(ctx context.Context, spec supervisor.LaunchSpec) (supervisor.Process, error) {
	return fn(ctx, spec)
}

// memStore is an in-memory GrantStore.
type memStore struct {
	mu      sync.Mutex
	records []capability.ApprovalRecord
}

func (s *memStore) Load() ([]capability.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capability.ApprovalRecord, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *memStore) Save(records []capability.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make([]capability.ApprovalRecord, len(records))
	copy(s.records, records)
	return nil
}

func (s *memStore) ConfigPath() string { return "/tmp/grants.yaml" }

type promptResponse struct {
	granted bool
	always  bool
}

// scriptedPrompter replays canned responses in order.
type scriptedPrompter struct {
	interactive bool

	mu        sync.Mutex
	responses []promptResponse
	prompts   []capability.Request
}

func (p *scriptedPrompter) IsInteractive() bool { return p.interactive }

func (p *scriptedPrompter) PromptForCapability(_ context.Context, req capability.Request) (bool, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, req)
	if len(p.responses) == 0 {
		return false, false, errors.New("unexpected prompt")
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r.granted, r.always, nil
}

func (p *scriptedPrompter) FormatNonInteractiveError(skillID string, missing capability.Set) error {
	return fmt.Errorf("skill %s needs approval for %v", skillID, missing.Strings())
}

// memLedger is an in-memory audit.Ledger.
type memLedger struct {
	mu          sync.Mutex
	invocations []audit.Invocation
	approvals   []audit.Approval
	transitions []audit.HealthTransition
}

func (l *memLedger) RecordInvocation(_ context.Context, inv audit.Invocation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invocations = append(l.invocations, inv)
	return nil
}

func (l *memLedger) RecordApproval(_ context.Context, a audit.Approval) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approvals = append(l.approvals, a)
	return nil
}

func (l *memLedger) RecordTransition(_ context.Context, tr audit.HealthTransition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, tr)
	return nil
}

func (l *memLedger) Invocations(_ context.Context, skillID string, _ int) ([]audit.Invocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.Invocation
	for _, inv := range l.invocations {
		if skillID == "" || inv.SkillID == skillID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (l *memLedger) Approvals(_ context.Context, skillID string, _ int) ([]audit.Approval, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.Approval
	for _, a := range l.approvals {
		if skillID == "" || a.SkillID == skillID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *memLedger) Transitions(_ context.Context, skillID string, _ int) ([]audit.HealthTransition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.HealthTransition
	for _, tr := range l.transitions {
		if skillID == "" || tr.SkillID == skillID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (l *memLedger) Close() error { return nil }

func testDescriptor(id string, caps ...string) *manifest.SkillDescriptor {
	set, err := capability.ParseSet(caps)
	if err != nil {
		panic(err)
	}
	return &manifest.SkillDescriptor{
		ID:           id,
		Name:         id,
		Version:      "1.2.0",
		Runtime:      manifest.RuntimeSpec{Kind: manifest.RuntimeBinary},
		Entry:        manifest.EntrySpec{File: "skill"},
		Mode:         manifest.RunModeDaemon,
		Capabilities: set,
	}
}

// hostFixture wires a Host over a temp registry, an auto-granting gate, a
// scripted child process, and an in-memory audit ledger.
type hostFixture struct {
	host     *skillhost.Host
	reg      *registry.Store
	gate     *gatekeeper.Gatekeeper
	ledger   *memLedger
	prompter *scriptedPrompter
	fake     *fakeSkill
}

func newHostFixture(t *testing.T, desc *manifest.SkillDescriptor, opts ...skillhost.HostOption) *hostFixture {
	t.Helper()

	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	if desc != nil {
		_, err = reg.Install(desc, registry.InstallOptions{Source: "test"})
		require.NoError(t, err)
	}

	prompter := &scriptedPrompter{interactive: true}
	gate := gatekeeper.NewGatekeeper(
		gatekeeper.WithStore(&memStore{}),
		gatekeeper.WithPrompter(prompter),
		gatekeeper.WithAutoGrant(true),
	)

	fake := newFakeSkill("demo", "1.2.0")
	ledger := &memLedger{}

	base := []skillhost.HostOption{
		skillhost.WithLauncher(fake.launcher()),
		skillhost.WithAuditLedger(ledger),
		skillhost.WithHandshakeTimeout(2 * time.Second),
		skillhost.WithShutdownGrace(200 * time.Millisecond),
	}
	h := skillhost.New(reg, gate, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})

	return &hostFixture{host: h, reg: reg, gate: gate, ledger: ledger, prompter: prompter, fake: fake}
}
