package bundle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/skillhost-dev/skillhost/bundle/values"
	"github.com/skillhost-dev/skillhost/capability"
	"github.com/skillhost-dev/skillhost/extractor"
	"github.com/skillhost-dev/skillhost/manifest"
	"github.com/skillhost-dev/skillhost/netutil"
	"github.com/skillhost-dev/skillhost/policy"
	"github.com/skillhost-dev/skillhost/registry"
)

// Service orchestrates bundle installation: resolve, verify, stage,
// cross-check, register, pin.
type Service struct {
	store      Registrar
	resolver   Resolver
	verifier   SignatureVerifier
	extractors *capability.Registry
	locks      LockfileStore
	lockPath   string
	requireSig bool
	updatePins bool
	maxBytes   int64
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSignatureVerifier sets the verifier consulted for remote bundles.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithRequireSignature makes remote installs fail when no verifier is
// configured, instead of proceeding unverified.
func WithRequireSignature(require bool) Option {
	return func(s *Service) { s.requireSig = require }
}

// WithLockfile sets the pin store and lockfile path. An empty path keeps
// the default next to the registry data.
func WithLockfile(store LockfileStore, path string) Option {
	return func(s *Service) {
		s.locks = store
		s.lockPath = path
	}
}

// WithUpdatePins lets an install move an existing digest pin. Off by
// default: a reinstall that resolves different bytes is an error.
func WithUpdatePins(update bool) Option {
	return func(s *Service) { s.updatePins = update }
}

// WithExtractors sets the capability extractor registry used for the
// manifest cross-check.
func WithExtractors(reg *capability.Registry) Option {
	return func(s *Service) { s.extractors = reg }
}

// WithMaxBundleSize caps archive bytes read per install.
func WithMaxBundleSize(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithClock overrides the time source for lockfile stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates an install service over a skill registry and a
// resolver chain.
func NewService(store Registrar, resolver Resolver, opts ...Option) *Service {
	s := &Service{
		store:      store,
		resolver:   resolver,
		extractors: extractor.DefaultRegistry(),
		locks:      NewFileLockfileStore(),
		maxBytes:   DefaultMaxBundleSize,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lockPath == "" {
		s.lockPath = filepath.Join(store.Dir(), DefaultLockfileName)
	}
	return s
}

// InstallResult reports what an install registered.
type InstallResult struct {
	Entry  *registry.Entry
	Digest values.Digest
	Risk   capability.RiskReport
	// Signature is set when a verifier ran for this install.
	Signature *SignatureResult
}

// Install resolves a bundle source, verifies it, and registers the skill.
// Remote bundles have their signature checked before any archive byte is
// unpacked; all bundles have their manifest cross-checked against the
// capabilities its config implies.
func (s *Service) Install(ctx context.Context, source string) (*InstallResult, error) {
	ref, err := values.ParseReference(source)
	if err != nil {
		return nil, err
	}

	if ref.IsRemote() && s.requireSig && s.verifier == nil {
		return nil, fmt.Errorf("%w: no verifier configured for %s", ErrSignatureRequired, ref.String())
	}

	artifact, err := s.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer func() { _ = artifact.Close() }()

	var sig *SignatureResult
	if ref.IsRemote() && s.verifier != nil {
		sig, err = s.verifier.VerifySignature(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("verify signature of %s: %w", ref.String(), err)
		}
		s.logger.Info("bundle signature verified",
			"ref", ref.String(), "signer", sig.Signer, "log", sig.TransparencyLog)
	}

	data, err := io.ReadAll(netutil.NewLimitedReader(artifact.Archive, s.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", ref.String(), err)
	}

	digest := artifact.Digest
	if digest.IsZero() {
		digest = values.SHA256Of(data)
	} else if digest.Verify(data) != nil {
		return nil, &IntegrityError{Ref: ref, Expected: digest, Actual: values.SHA256Of(data)}
	}

	// Stage under the registry dir so registration is a same-filesystem
	// rename.
	stage, err := os.MkdirTemp(s.store.Dir(), ".staging-")
	if err != nil {
		return nil, fmt.Errorf("stage bundle: %w", err)
	}
	defer func() { _ = os.RemoveAll(stage) }()

	if err := Unpack(bytes.NewReader(data), stage, s.maxBytes); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", ref.String(), err)
	}

	desc, err := manifest.LoadFromDir(stage)
	if err != nil {
		return nil, err
	}

	if err := s.crossCheck(desc); err != nil {
		return nil, err
	}

	lock, err := s.checkPin(ctx, ref, desc.ID, digest)
	if err != nil {
		return nil, err
	}

	risk := capability.AnalyzeRisk(desc.Capabilities)

	entry, err := s.store.Install(desc, registry.InstallOptions{
		BundleDir: stage,
		Source:    ref.String(),
		Digest:    digest.String(),
	})
	if err != nil {
		return nil, err
	}

	if err := s.pin(ctx, lock, desc.ID, ref, digest); err != nil {
		return nil, fmt.Errorf("skill %q installed but its pin was not recorded: %w", desc.ID, err)
	}

	s.logger.Info("skill installed",
		"skill", desc.ID,
		"version", desc.Version,
		"source", ref.String(),
		"digest", digest.String(),
		"risk", risk.Level.String())

	return &InstallResult{Entry: entry, Digest: digest, Risk: risk, Signature: sig}, nil
}

// Remove uninstalls a skill and drops its digest pin.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.Remove(id); err != nil {
		return err
	}
	if s.locks == nil {
		return nil
	}
	lock, err := s.locks.Load(ctx, s.lockPath)
	if err != nil || lock == nil {
		return err
	}
	if lock.RemoveSkill(id) {
		lock.Generated = s.now().UTC()
		return s.locks.Save(ctx, lock, s.lockPath)
	}
	return nil
}

// crossCheck fails the install when the manifest's config implies
// capabilities the declared set does not cover. The check runs with the
// same glob semantics the runtime gate enforces, anchored at the skill's
// final install directory.
func (s *Service) crossCheck(desc *manifest.SkillDescriptor) error {
	if s.extractors == nil {
		return nil
	}
	implied := s.extractors.ExtractAll(desc.Config)
	if len(implied) == 0 {
		return nil
	}

	pol := policy.NewPolicy(
		policy.WithDenialHandler(&policy.NopDenialHandler{}),
		policy.WithWorkingDirectory(s.store.SkillDir(desc.ID)),
		policy.WithSymlinkResolution(false),
	)
	missing := extractor.Missing(pol, desc.Capabilities, implied)
	if len(missing) > 0 {
		return &UndeclaredCapabilitiesError{SkillID: desc.ID, Missing: missing}
	}
	return nil
}

// checkPin loads the lockfile and enforces an existing pin for the skill,
// unless pin updates are enabled.
func (s *Service) checkPin(ctx context.Context, ref values.Reference, id string, digest values.Digest) (*Lockfile, error) {
	if s.locks == nil {
		return nil, nil
	}
	lock, err := s.locks.Load(ctx, s.lockPath)
	if err != nil {
		return nil, err
	}
	if lock == nil || s.updatePins {
		return lock, nil
	}

	pinned := lock.Skill(id)
	if pinned == nil {
		return lock, nil
	}
	want, err := values.ParseDigest(pinned.Digest)
	if err != nil {
		return nil, fmt.Errorf("lockfile pin for skill %q: %w", id, err)
	}
	if !want.Equals(digest) {
		return nil, &IntegrityError{Ref: ref, Expected: want, Actual: digest}
	}
	return lock, nil
}

// pin records the installed digest in the lockfile.
func (s *Service) pin(ctx context.Context, lock *Lockfile, id string, ref values.Reference, digest values.Digest) error {
	if s.locks == nil {
		return nil
	}
	if lock == nil {
		lock = NewLockfile()
	}
	if err := lock.AddSkill(id, SkillLock{
		Requested: ref.Source(),
		Resolved:  ref.String(),
		Digest:    digest.String(),
		Fetched:   s.now().UTC(),
	}); err != nil {
		return err
	}
	lock.Generated = s.now().UTC()
	return s.locks.Save(ctx, lock, s.lockPath)
}
