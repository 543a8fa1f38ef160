package health_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillhost-dev/skillhost/health"
	"github.com/skillhost-dev/skillhost/protocol"
	"github.com/skillhost-dev/skillhost/supervisor"
)

type fakeTarget struct {
	id string

	mu     sync.Mutex
	state  supervisor.State
	err    error
	onCall func(ctx context.Context, result any) error

	calls    atomic.Int32
	restarts atomic.Int32
	marks    atomic.Int32

	afterRestart func(f *fakeTarget)
}

func newFakeTarget(id string) *fakeTarget {
	return &fakeTarget{id: id, state: supervisor.StateReady}
}

func (f *fakeTarget) SkillID() string { return f.id }

func (f *fakeTarget) State() supervisor.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTarget) setState(s supervisor.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeTarget) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTarget) setCall(fn func(ctx context.Context, result any) error) {
	f.mu.Lock()
	f.onCall = fn
	f.mu.Unlock()
}

func (f *fakeTarget) Call(ctx context.Context, method string, params, result any) error {
	f.calls.Add(1)
	f.mu.Lock()
	fn := f.onCall
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, result)
	}
	return nil
}

func (f *fakeTarget) Restart(ctx context.Context) error {
	f.restarts.Add(1)
	if f.afterRestart != nil {
		f.afterRestart(f)
	}
	return nil
}

func (f *fakeTarget) MarkProbe(t time.Time) { f.marks.Add(1) }

// hang blocks a probe until its hard deadline expires.
func hang(ctx context.Context, _ any) error {
	<-ctx.Done()
	return ctx.Err()
}

func listOf(targets ...health.Target) func() []health.Target {
	return func() []health.Target { return targets }
}

func newTestMonitor(list func() []health.Target, opts ...health.MonitorOption) *health.Monitor {
	base := []health.MonitorOption{
		health.WithBudgets(20*time.Millisecond, 60*time.Millisecond),
	}
	return health.NewMonitor(list, append(base, opts...)...)
}

func Test_Monitor_HealthyProbe(t *testing.T) {
	target := newFakeTarget("demo.skill")
	m := newTestMonitor(listOf(target))

	m.Sweep(context.Background())

	st, ok := m.Health("demo.skill")
	require.True(t, ok)
	assert.Equal(t, health.ResultOK, st.Result)
	assert.Equal(t, "ready", st.State)
	assert.Zero(t, st.Consecutive)
	assert.False(t, st.CheckedAt.IsZero())
	assert.Equal(t, int32(1), target.marks.Load())

	hist := m.Ledger().History("demo.skill")
	require.Len(t, hist, 1)
	assert.Equal(t, health.ResultOK, hist[0].Result)
}

func Test_Monitor_SlowProbeIsNotAFailure(t *testing.T) {
	target := newFakeTarget("demo.skill")
	target.setCall(func(ctx context.Context, _ any) error {
		time.Sleep(30 * time.Millisecond) // past soft, inside hard
		return nil
	})
	m := newTestMonitor(listOf(target))

	m.Sweep(context.Background())
	m.Sweep(context.Background())

	st, ok := m.Health("demo.skill")
	require.True(t, ok)
	assert.Equal(t, health.ResultSlow, st.Result)
	assert.Zero(t, st.Consecutive)
	assert.Zero(t, target.restarts.Load())
}

func Test_Monitor_DegradedAnswerIsSlow(t *testing.T) {
	target := newFakeTarget("demo.skill")
	target.setCall(func(ctx context.Context, result any) error {
		hr, ok := result.(*protocol.HealthResult)
		require.True(t, ok)
		hr.Status = "degraded"
		hr.Detail = "queue backlog"
		return nil
	})
	m := newTestMonitor(listOf(target))

	m.Sweep(context.Background())

	st, ok := m.Health("demo.skill")
	require.True(t, ok)
	assert.Equal(t, health.ResultSlow, st.Result)
	assert.Zero(t, st.Consecutive, "a degraded answer is still an answer")
}

func Test_Monitor_UnresponsiveProbesForceRestart(t *testing.T) {
	target := newFakeTarget("demo.skill")
	target.setCall(hang)
	m := newTestMonitor(listOf(target), health.WithRestartThreshold(3))
	ctx := context.Background()

	m.Sweep(ctx)
	m.Sweep(ctx)
	assert.Zero(t, target.restarts.Load(), "below threshold")

	st, _ := m.Health("demo.skill")
	assert.Equal(t, health.ResultUnresponsive, st.Result)
	assert.Equal(t, 2, st.Consecutive)

	m.Sweep(ctx)
	assert.Equal(t, int32(1), target.restarts.Load())

	// The counter starts over for the fresh process.
	m.Sweep(ctx)
	assert.Equal(t, int32(1), target.restarts.Load())
	st, _ = m.Health("demo.skill")
	assert.Equal(t, 1, st.Consecutive)
}

func Test_Monitor_SkipsStatesThatMustNotBeProbed(t *testing.T) {
	states := []supervisor.State{
		supervisor.StateBusy,
		supervisor.StateHandshaking,
		supervisor.StateStarting,
		supervisor.StateStopping,
		supervisor.StateRestarting,
	}
	for _, state := range states {
		t.Run(state.String(), func(t *testing.T) {
			target := newFakeTarget("demo.skill")
			target.setState(state)
			m := newTestMonitor(listOf(target))

			m.Sweep(context.Background())

			assert.Zero(t, target.calls.Load())
			st, ok := m.Health("demo.skill")
			require.True(t, ok)
			assert.Equal(t, health.ResultOK, st.Result, "skipped states carry the last view")
			assert.Equal(t, state.String(), st.State)
		})
	}
}

func Test_Monitor_FailedSupervisorQuarantines(t *testing.T) {
	target := newFakeTarget("demo.skill")
	target.setState(supervisor.StateFailed)
	target.mu.Lock()
	target.err = errors.New("restarts exhausted: spawn: no such file")
	target.mu.Unlock()

	var quarantined []string
	var reasons []error
	m := newTestMonitor(listOf(target),
		health.WithOnQuarantine(func(id string, reason error) {
			quarantined = append(quarantined, id)
			reasons = append(reasons, reason)
		}),
	)

	m.Sweep(context.Background())
	m.Sweep(context.Background())

	require.Len(t, quarantined, 1, "quarantine fires once per skill")
	assert.Equal(t, "demo.skill", quarantined[0])
	assert.ErrorContains(t, reasons[0], "restarts exhausted")
	assert.True(t, m.Quarantined("demo.skill"))
	assert.Zero(t, target.calls.Load(), "failed supervisors are not probed")
}

func Test_Monitor_RestartChurnQuarantines(t *testing.T) {
	target := newFakeTarget("demo.skill")
	target.setCall(hang)

	var quarantines atomic.Int32
	m := newTestMonitor(listOf(target),
		health.WithRestartThreshold(1),
		health.WithQuarantinePolicy(2, time.Minute),
		health.WithOnQuarantine(func(string, error) { quarantines.Add(1) }),
	)
	ctx := context.Background()

	m.Sweep(ctx)
	assert.Equal(t, int32(1), target.restarts.Load())
	assert.Zero(t, quarantines.Load())

	// Second forced restart inside the window escalates instead of churning.
	m.Sweep(ctx)
	assert.Equal(t, int32(1), target.restarts.Load())
	assert.Equal(t, int32(1), quarantines.Load())
	assert.True(t, m.Quarantined("demo.skill"))
}

func Test_Monitor_RestartIntoFailedQuarantines(t *testing.T) {
	target := newFakeTarget("demo.skill")
	target.setCall(hang)
	target.afterRestart = func(f *fakeTarget) {
		f.setState(supervisor.StateFailed)
		f.mu.Lock()
		f.err = errors.New("restarts exhausted")
		f.mu.Unlock()
	}

	var quarantines atomic.Int32
	m := newTestMonitor(listOf(target),
		health.WithRestartThreshold(1),
		health.WithOnQuarantine(func(string, error) { quarantines.Add(1) }),
	)

	m.Sweep(context.Background())

	assert.Equal(t, int32(1), target.restarts.Load())
	assert.Equal(t, int32(1), quarantines.Load())
}

func Test_Monitor_ForgetClearsState(t *testing.T) {
	target := newFakeTarget("demo.skill")
	target.setState(supervisor.StateFailed)
	m := newTestMonitor(listOf(target),
		health.WithOnQuarantine(func(string, error) {}),
	)

	m.Sweep(context.Background())
	require.True(t, m.Quarantined("demo.skill"))

	m.Forget("demo.skill")
	assert.False(t, m.Quarantined("demo.skill"))
	_, ok := m.Health("demo.skill")
	assert.False(t, ok)
	assert.Empty(t, m.Ledger().History("demo.skill"))
}

func Test_Monitor_TransitionCallbackFiresOnChange(t *testing.T) {
	target := newFakeTarget("demo.skill")
	var mu sync.Mutex
	var seen []health.Result
	m := newTestMonitor(listOf(target),
		health.WithOnTransition(func(st health.Status) {
			mu.Lock()
			seen = append(seen, st.Result)
			mu.Unlock()
		}),
	)
	ctx := context.Background()

	m.Sweep(ctx)
	m.Sweep(ctx)
	target.setCall(hang)
	m.Sweep(ctx)
	m.Sweep(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []health.Result{health.ResultOK, health.ResultUnresponsive}, seen)
}

func Test_Monitor_PrunesDepartedTargets(t *testing.T) {
	a := newFakeTarget("skill.a")
	b := newFakeTarget("skill.b")

	var mu sync.Mutex
	targets := []health.Target{a, b}
	m := newTestMonitor(func() []health.Target {
		mu.Lock()
		defer mu.Unlock()
		return targets
	})
	ctx := context.Background()

	m.Sweep(ctx)
	assert.Len(t, m.Snapshot(), 2)

	mu.Lock()
	targets = []health.Target{a}
	mu.Unlock()

	m.Sweep(ctx)
	assert.Len(t, m.Snapshot(), 1)
	_, ok := m.Health("skill.b")
	assert.False(t, ok)
}

func Test_Monitor_WorstResultWinsAcrossPool(t *testing.T) {
	healthy := newFakeTarget("demo.skill")
	stuck := newFakeTarget("demo.skill")
	stuck.setCall(hang)

	m := newTestMonitor(listOf(healthy, stuck))
	m.Sweep(context.Background())

	st, ok := m.Health("demo.skill")
	require.True(t, ok)
	assert.Equal(t, health.ResultUnresponsive, st.Result)
}

func Test_Monitor_ScheduledSweeps(t *testing.T) {
	target := newFakeTarget("demo.skill")
	m := newTestMonitor(listOf(target), health.WithInterval(50*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.Error(t, m.Start(ctx), "second start must refuse")

	require.Eventually(t, func() bool {
		return target.calls.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop(ctx))
}
