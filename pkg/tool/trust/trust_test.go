package trust

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/internal/db/dbtest"
	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

func sampleConfig(issuer string) PlatformTrustConfig {
	return PlatformTrustConfig{
		Issuer:                issuer,
		ClientID:              "10000000000001",
		AuthorizationEndpoint: issuer + "/api/lti/authorize_redirect",
		TokenEndpoint:         issuer + "/login/oauth2/token",
		KeySetURI:             issuer + "/api/lti/security/jwks",
		DeploymentIDs:         []string{"dep-1", " dep-2 ", "dep-1", ""},
		ProductFamily:         "canvas",
		RegisteredAt:          time.UnixMilli(1700000000000).UTC(),
	}
}

// storeSuite runs the same behavioural checks against every implementation.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("lookup missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Lookup(ctx, "https://nope.example")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.Equal(t, lti.ReasonNotFound, lti.ReasonOf(err))
	})

	t.Run("upsert then lookup", func(t *testing.T) {
		s := newStore(t)
		cfg := sampleConfig("https://lms.example")
		require.NoError(t, s.Upsert(ctx, cfg))

		got, err := s.Lookup(ctx, cfg.Issuer)
		require.NoError(t, err)
		assert.Equal(t, cfg.ClientID, got.ClientID)
		assert.Equal(t, cfg.KeySetURI, got.KeySetURI)
		assert.Equal(t, []string{"dep-1", "dep-2"}, got.DeploymentIDs)
		assert.True(t, cfg.RegisteredAt.Equal(got.RegisteredAt))
	})

	t.Run("upsert replaces", func(t *testing.T) {
		s := newStore(t)
		cfg := sampleConfig("https://lms.example")
		require.NoError(t, s.Upsert(ctx, cfg))
		cfg.ClientID = "rotated"
		cfg.DeploymentIDs = nil
		require.NoError(t, s.Upsert(ctx, cfg))

		got, err := s.Lookup(ctx, cfg.Issuer)
		require.NoError(t, err)
		assert.Equal(t, "rotated", got.ClientID)
		assert.Empty(t, got.DeploymentIDs)

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("upsert validates", func(t *testing.T) {
		s := newStore(t)
		cfg := sampleConfig("https://lms.example")
		cfg.KeySetURI = "not a url"
		assert.Error(t, s.Upsert(ctx, cfg))
		cfg = sampleConfig("")
		assert.Error(t, s.Upsert(ctx, cfg))
	})

	t.Run("lookup by deployment", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, sampleConfig("https://lms.example")))
		open := sampleConfig("https://open.example")
		open.DeploymentIDs = nil
		require.NoError(t, s.Upsert(ctx, open))

		_, err := s.LookupByDeployment(ctx, "https://lms.example", "dep-2")
		require.NoError(t, err)
		_, err = s.LookupByDeployment(ctx, "https://lms.example", "dep-9")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.LookupByDeployment(ctx, "https://open.example", "anything")
		require.NoError(t, err)
	})

	t.Run("list ordered and revoke", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, sampleConfig("https://b.example")))
		require.NoError(t, s.Upsert(ctx, sampleConfig("https://a.example")))

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "https://a.example", all[0].Issuer)

		require.NoError(t, s.Revoke(ctx, "https://a.example"))
		_, err = s.Lookup(ctx, "https://a.example")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(s.Revoke(ctx, "https://a.example"), ErrNotFound))
	})

	t.Run("registered at defaults to now", func(t *testing.T) {
		s := newStore(t)
		cfg := sampleConfig("https://lms.example")
		cfg.RegisteredAt = time.Time{}
		require.NoError(t, s.Upsert(ctx, cfg))
		got, err := s.Lookup(ctx, cfg.Issuer)
		require.NoError(t, err)
		assert.False(t, got.RegisteredAt.IsZero())
	})
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestSQLStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return NewSQLStore(dbtest.Open(t)) })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(sampleConfig("https://lms.example"))

	got, err := s.Lookup(ctx, "https://lms.example")
	require.NoError(t, err)
	got.DeploymentIDs[0] = "mutated"

	again, err := s.Lookup(ctx, "https://lms.example")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", again.DeploymentIDs[0])
}

func TestMemoryStoreConcurrentReadersSeeWholeRecords(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(ctx, sampleConfig("https://lms.example")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := sampleConfig("https://lms.example")
			cfg.ClientID = fmt.Sprintf("client-%d", i)
			cfg.KeySetURI = fmt.Sprintf("https://lms.example/jwks/client-%d", i)
			_ = s.Upsert(ctx, cfg)
		}(i)
	}
	for i := 0; i < 200; i++ {
		c, err := s.Lookup(ctx, "https://lms.example")
		require.NoError(t, err)
		if c.ClientID != "10000000000001" {
			assert.Equal(t, "https://lms.example/jwks/"+c.ClientID, c.KeySetURI)
		}
	}
	wg.Wait()
}

func TestAllowsDeployment(t *testing.T) {
	assert.True(t, PlatformTrustConfig{}.AllowsDeployment("x"))
	assert.True(t, PlatformTrustConfig{DeploymentIDs: []string{"x"}}.AllowsDeployment("x"))
	assert.False(t, PlatformTrustConfig{DeploymentIDs: []string{"x"}}.AllowsDeployment("y"))
}
