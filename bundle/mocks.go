package bundle

import (
	"context"
	"io"
	"log/slog"

	"github.com/skillhost-dev/skillhost/bundle/values"
)

// NewTestLogger returns a logger that discards output, for tests.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockResolver implements Resolver for testing.
type MockResolver struct {
	ChainBase
	Artifact *Artifact
	Err      error
	Calls    int
}

func (m *MockResolver) Resolve(ctx context.Context, ref values.Reference) (*Artifact, error) {
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Artifact != nil {
		return m.Artifact, nil
	}
	return m.ResolveNext(ctx, ref)
}

// MockRegistry implements Registry for testing.
type MockRegistry struct {
	Artifact *Artifact
	Err      error
	Pulled   []values.Reference
}

func (m *MockRegistry) Pull(ctx context.Context, ref values.Reference) (*Artifact, error) {
	m.Pulled = append(m.Pulled, ref)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Artifact, nil
}

// MockVerifier implements SignatureVerifier for testing.
type MockVerifier struct {
	Result   *SignatureResult
	Err      error
	Verified []values.Reference
}

func (m *MockVerifier) VerifySignature(ctx context.Context, ref values.Reference) (*SignatureResult, error) {
	m.Verified = append(m.Verified, ref)
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Result == nil {
		return &SignatureResult{Verified: true, Signer: "tester"}, nil
	}
	return m.Result, nil
}

// MockLockfileStore implements LockfileStore in memory.
type MockLockfileStore struct {
	Lock    *Lockfile
	LoadErr error
	SaveErr error
	Saves   int
}

func (m *MockLockfileStore) Load(ctx context.Context, path string) (*Lockfile, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return m.Lock, nil
}

func (m *MockLockfileStore) Save(ctx context.Context, lock *Lockfile, path string) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.Lock = lock
	m.Saves++
	return nil
}
