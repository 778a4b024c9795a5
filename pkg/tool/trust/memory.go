// pkg/tool/trust/memory.go
package trust

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps configs in a copy-on-write map. Readers load the current
// snapshot without locking; writers copy, modify and swap it under mu.
type MemoryStore struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[string]PlatformTrustConfig]

	// Now is used to stamp RegisteredAt when the caller leaves it zero.
	Now func() time.Time
}

func NewMemoryStore(seed ...PlatformTrustConfig) *MemoryStore {
	s := &MemoryStore{}
	m := make(map[string]PlatformTrustConfig, len(seed))
	for _, c := range seed {
		c.DeploymentIDs = normalizeDeployments(c.DeploymentIDs)
		m[c.Issuer] = c.clone()
	}
	s.snap.Store(&m)
	return s
}

func (s *MemoryStore) load() map[string]PlatformTrustConfig {
	if p := s.snap.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, issuer string) (PlatformTrustConfig, error) {
	c, ok := s.load()[issuer]
	if !ok {
		return PlatformTrustConfig{}, notFound(issuer)
	}
	return c.clone(), nil
}

func (s *MemoryStore) LookupByDeployment(ctx context.Context, issuer, deploymentID string) (PlatformTrustConfig, error) {
	c, err := s.Lookup(ctx, issuer)
	if err != nil {
		return PlatformTrustConfig{}, err
	}
	if !c.AllowsDeployment(deploymentID) {
		return PlatformTrustConfig{}, deploymentNotFound(issuer, deploymentID)
	}
	return c, nil
}

func (s *MemoryStore) Upsert(_ context.Context, cfg PlatformTrustConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.clone()
	cfg.DeploymentIDs = normalizeDeployments(cfg.DeploymentIDs)
	if cfg.RegisteredAt.IsZero() {
		cfg.RegisteredAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.load())
	if next == nil {
		next = make(map[string]PlatformTrustConfig, 1)
	}
	next[cfg.Issuer] = cfg
	s.snap.Store(&next)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]PlatformTrustConfig, error) {
	cur := s.load()
	out := make([]PlatformTrustConfig, 0, len(cur))
	for _, iss := range slices.Sorted(maps.Keys(cur)) {
		out = append(out, cur[iss].clone())
	}
	return out, nil
}

func (s *MemoryStore) Revoke(_ context.Context, issuer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.load()
	if _, ok := cur[issuer]; !ok {
		return notFound(issuer)
	}
	next := maps.Clone(cur)
	delete(next, issuer)
	s.snap.Store(&next)
	return nil
}

func (s *MemoryStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
