package supervisor_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/manifest"
	"github.com/skillhost-dev/skillhost/protocol"
	"github.com/skillhost-dev/skillhost/supervisor"
)

// fakeProc is an in-memory Process wired with pipes. The host side sees
// Stdin/Stdout/Stderr; the fake skill drives the other ends.
type fakeProc struct {
	pid int

	stdinW  *io.PipeWriter // host writes requests
	stdinR  *io.PipeReader // skill reads them
	stdoutR *io.PipeReader // host reads protocol lines
	stdoutW *io.PipeWriter // skill writes them
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

// exit ends the fake process once: closes the host-facing pipes so the
// read loop sees EOF and Wait returns.
func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stderrW.Close()
		p.stdinR.Close()
		close(p.exited)
	})
}

// skillWriter serializes protocol lines onto the fake's stdout.
type skillWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *skillWriter) line(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	w.raw(string(b))
}

func (w *skillWriter) raw(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = io.WriteString(w.w, s+"\n")
}

func (w *skillWriter) respond(id uint64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	w.line(protocol.Response{ID: id, Result: raw})
}

func (w *skillWriter) respondErr(id uint64, code, message string) {
	w.line(protocol.Response{ID: id, Error: &protocol.ErrorObject{Code: code, Message: message}})
}

func (w *skillWriter) event(sessionID string, kind protocol.EventKind, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	w.line(protocol.Event{SessionID: sessionID, Kind: kind, Payload: raw})
}

// fakeSkill scripts a child process end to end: it answers the handshake
// with the configured identity and routes later methods to handlers.
type fakeSkill struct {
	name         string
	version      string
	caps         []string
	protoVersion int

	// silent skills never answer anything, including the handshake.
	silent bool

	onInvoke   func(p *fakeProc, w *skillWriter, req protocol.Request)
	onHealth   func(p *fakeProc, w *skillWriter, req protocol.Request)
	onShutdown func(p *fakeProc, w *skillWriter, req protocol.Request)
	onAbort    func(p *fakeProc, w *skillWriter, req protocol.Request)

	launches   atomic.Int32
	handshakes atomic.Int32

	mu       sync.Mutex
	lastProc *fakeProc
}

func newFakeSkill(name, version string) *fakeSkill {
	return &fakeSkill{name: name, version: version, protoVersion: protocol.Version}
}

// launcher returns a Launcher producing a scripted process per Launch.
func (f *fakeSkill) launcher() supervisor.Launcher {
	return launcherFunc(func(ctx context.Context, spec supervisor.LaunchSpec) (supervisor.Process, error) {
		n := f.launches.Add(1)
		p := newFakeProc(4000 + int(n))
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
		if f.silent {
			continue
		}

		switch req.Method {
		case protocol.MethodHandshake:
			f.handshakes.Add(1)
			w.respond(req.ID, protocol.HandshakeResult{
				ProtocolVersion: f.protoVersion,
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
			if f.onHealth != nil {
				f.onHealth(p, w, req)
				continue
			}
			w.respond(req.ID, protocol.HealthResult{Status: "ok"})

		case protocol.MethodShutdown:
			if f.onShutdown != nil {
				f.onShutdown(p, w, req)
				continue
			}
			w.respond(req.ID, map[string]any{})
			p.exit(0)
			return

		case protocol.MethodAbort:
			if f.onAbort != nil {
				f.onAbort(p, w, req)
				continue
			}
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
