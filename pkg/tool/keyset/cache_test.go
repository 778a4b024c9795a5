package keyset

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti/internal/fakeplatform"
)

func TestPublicKeyFetchesAndCaches(t *testing.T) {
	p := fakeplatform.New(t)
	c := NewCache(nil, nil)
	ctx := context.Background()

	var fetches int
	c.OnFetch = func(uri string, err error) {
		assert.Equal(t, p.JWKSURL(), uri)
		assert.NoError(t, err)
		fetches++
	}

	k, err := c.PublicKey(ctx, p.JWKSURL(), fakeplatform.KeyID)
	require.NoError(t, err)
	pub, ok := k.(*rsa.PublicKey)
	require.True(t, ok, "got %T", k)
	assert.Equal(t, p.Key.PublicKey.N, pub.N)

	_, err = c.PublicKey(ctx, p.JWKSURL(), fakeplatform.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.JWKSHits.Load())
	assert.Equal(t, 1, fetches)
}

func TestRefetchAfterTTL(t *testing.T) {
	p := fakeplatform.New(t)
	now := time.Now()
	c := NewCache(nil, nil)
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Lookup(ctx, p.JWKSURL(), fakeplatform.KeyID)
	require.NoError(t, err)

	now = now.Add(DefaultTTL + time.Second)
	_, err = c.Lookup(ctx, p.JWKSURL(), fakeplatform.KeyID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.JWKSHits.Load())
}

func TestKidMissRefreshesAfterMinInterval(t *testing.T) {
	p := fakeplatform.New(t)
	now := time.Now()
	c := NewCache(nil, nil)
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Lookup(ctx, p.JWKSURL(), fakeplatform.KeyID)
	require.NoError(t, err)

	p.Rotate(t, "rotated")

	// too soon: no refetch
	_, err = c.Lookup(ctx, p.JWKSURL(), "rotated")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	assert.Equal(t, int32(1), p.JWKSHits.Load())

	now = now.Add(DefaultMinRefreshInterval)
	_, err = c.Lookup(ctx, p.JWKSURL(), "rotated")
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.JWKSHits.Load())
}

func TestUnknownKid(t *testing.T) {
	p := fakeplatform.New(t)
	c := NewCache(nil, nil)
	_, err := c.Lookup(context.Background(), p.JWKSURL(), "nope")
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestEmptyKidSingleKey(t *testing.T) {
	p := fakeplatform.New(t)
	c := NewCache(nil, nil)
	_, err := c.Lookup(context.Background(), p.JWKSURL(), "")
	assert.NoError(t, err)
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/500":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/garbage":
			_, _ = w.Write([]byte("not json"))
		}
	}))
	defer srv.Close()

	c := NewCache(srv.Client(), nil)
	var observed []error
	c.OnFetch = func(_ string, err error) { observed = append(observed, err) }
	ctx := context.Background()

	_, err := c.Lookup(ctx, srv.URL+"/500", "k")
	assert.True(t, errors.Is(err, ErrFetch), "got %v", err)
	_, err = c.Lookup(ctx, srv.URL+"/garbage", "k")
	assert.True(t, errors.Is(err, ErrFetch), "got %v", err)
	_, err = c.Lookup(ctx, "http://127.0.0.1:1/unreachable", "k")
	assert.True(t, errors.Is(err, ErrFetch), "got %v", err)

	require.Len(t, observed, 3)
	for _, e := range observed {
		assert.Error(t, e)
	}
}

func TestFetchTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c := NewCache(srv.Client(), nil)
	c.FetchTimeout = 50 * time.Millisecond
	start := time.Now()
	_, err := c.Lookup(context.Background(), srv.URL, "k")
	assert.True(t, errors.Is(err, ErrFetch))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServesStaleOnRefreshFailure(t *testing.T) {
	p := fakeplatform.New(t)
	now := time.Now()
	c := NewCache(nil, nil)
	c.Now = func() time.Time { return now }
	ctx := context.Background()

	_, err := c.Lookup(ctx, p.JWKSURL(), fakeplatform.KeyID)
	require.NoError(t, err)

	p.Server.Close()
	now = now.Add(DefaultTTL + time.Minute)
	_, err = c.Lookup(ctx, p.JWKSURL(), fakeplatform.KeyID)
	assert.NoError(t, err)
}

func TestConcurrentLookupsShareOneFetch(t *testing.T) {
	p := fakeplatform.New(t)
	c := NewCache(nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Lookup(ctx, p.JWKSURL(), fakeplatform.KeyID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// singleflight collapses overlapping flights; late arrivals hit the cache
	assert.LessOrEqual(t, p.JWKSHits.Load(), int32(20))
	assert.GreaterOrEqual(t, p.JWKSHits.Load(), int32(1))

	c.Invalidate(p.JWKSURL())
	before := p.JWKSHits.Load()
	_, err := c.Lookup(ctx, p.JWKSURL(), fakeplatform.KeyID)
	require.NoError(t, err)
	assert.Equal(t, before+1, p.JWKSHits.Load())
}
