package supervisor

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/skillhost-dev/skillhost/hosterr"
)

// DefaultPoolSize is one process per skill unless the manifest raises it.
const DefaultPoolSize = 1

// Factory builds one supervisor instance for the pool's skill.
type Factory func() *Supervisor

// Lease is a claimed supervisor. Exactly one task runs per lease; Release
// returns the handle to the pool warm.
type Lease struct {
	*Supervisor
	release func()
	once    sync.Once
}

// Release marks the underlying handle Ready again. Idempotent.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Pool manages up to size supervisors for one skill. Acquire prefers a
// warm Ready handle, then restarts a stopped one, then grows to the bound.
// Beyond that, callers get BusyError rather than a queue.
type Pool struct {
	skillID string
	size    int
	factory Factory
	logger  *slog.Logger

	mu     sync.Mutex
	supers []*Supervisor
}

// NewPool builds an empty pool. Processes spawn on first Acquire.
func NewPool(skillID string, size int, factory Factory, logger *slog.Logger) *Pool {
	if size < 1 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		skillID: skillID,
		size:    size,
		factory: factory,
		logger:  logger.With("skill", skillID),
	}
}

// Acquire returns a claimed, Ready supervisor. A warm handle is reused
// without a new handshake; otherwise one is (re)started or created. When
// every slot is claimed the caller gets BusyError immediately.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	supers := slices.Clone(p.supers)
	p.mu.Unlock()

	for _, s := range supers {
		if s.State() != StateReady {
			continue
		}
		release, err := s.Acquire()
		if err == nil {
			return &Lease{Supervisor: s, release: release}, nil
		}
	}

	var lastErr error
	for _, s := range supers {
		if !s.State().Startable() {
			continue
		}
		if err := s.Start(ctx); err != nil {
			lastErr = err
			continue
		}
		release, err := s.Acquire()
		if err != nil {
			lastErr = err
			continue
		}
		return &Lease{Supervisor: s, release: release}, nil
	}

	p.mu.Lock()
	if len(p.supers) < p.size {
		s := p.factory()
		p.supers = append(p.supers, s)
		n := len(p.supers)
		p.mu.Unlock()
		p.logger.Debug("pool grew", "instances", n, "max", p.size)

		if err := s.Start(ctx); err != nil {
			return nil, err
		}
		release, err := s.Acquire()
		if err != nil {
			return nil, err
		}
		return &Lease{Supervisor: s, release: release}, nil
	}
	p.mu.Unlock()

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &hosterr.BusyError{SkillID: p.skillID}
}

// Supervisors snapshots the live handles, claimed or not. The health
// monitor iterates this.
func (p *Pool) Supervisors() []*Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.supers)
}

// Size reports the instance bound.
func (p *Pool) Size() int { return p.size }

// SkillID returns the pooled skill's id.
func (p *Pool) SkillID() string { return p.skillID }

// Shutdown stops every instance, gracefully first. Errors are joined so
// one stuck process does not hide another.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	supers := p.supers
	p.supers = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range supers {
		g.Go(func() error { return s.Stop(ctx) })
	}
	return g.Wait()
}
