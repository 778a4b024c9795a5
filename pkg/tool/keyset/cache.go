// pkg/tool/keyset/cache.go
package keyset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

/*
Platform key-set cache

Launch verification needs the Platform's public signing keys, published at
the jwks_uri recorded in the trust store. Cache fetches each URI at most
once per TTL, collapses concurrent fetches for the same URI, and refreshes
early when a token names a kid the cached set does not contain (platforms
rotate keys without notice). Kid-miss refreshes are rate limited by
MinRefreshInterval so a stream of forged kids cannot hammer the platform.
*/

var (
	ErrKeyNotFound = errors.New("keyset: key not found")
	ErrFetch       = errors.New("keyset: fetch failed")
)

const (
	DefaultTTL                = 15 * time.Minute
	DefaultMinRefreshInterval = 30 * time.Second
	DefaultFetchTimeout       = 5 * time.Second

	maxBodyBytes = 1 << 20
)

type entry struct {
	set       jwk.Set
	fetchedAt time.Time
}

// Cache maps key-set URIs to parsed sets.
type Cache struct {
	Client             *http.Client
	TTL                time.Duration
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration
	Now                func() time.Time
	Logger             *zap.SugaredLogger

	// OnFetch, when set, observes every network fetch (err == nil on success).
	OnFetch func(uri string, err error)

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// NewCache returns a Cache with default TTLs. A nil client uses http.DefaultClient.
func NewCache(client *http.Client, logger *zap.SugaredLogger) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Cache{
		Client:             client,
		TTL:                DefaultTTL,
		MinRefreshInterval: DefaultMinRefreshInterval,
		FetchTimeout:       DefaultFetchTimeout,
		Logger:             logger,
		entries:            make(map[string]entry),
	}
}

// PublicKey returns the raw crypto public key (e.g. *rsa.PublicKey) for kid.
func (c *Cache) PublicKey(ctx context.Context, uri, kid string) (any, error) {
	key, err := c.Lookup(ctx, uri, kid)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("keyset: export %q: %w", kid, err)
	}
	return raw, nil
}

// Lookup returns the JWK for kid from the set at uri. An empty kid matches
// only when the set holds exactly one key.
func (c *Cache) Lookup(ctx context.Context, uri, kid string) (jwk.Key, error) {
	now := c.now()
	e, ok := c.get(uri)

	if ok && now.Sub(e.fetchedAt) < c.ttl() {
		if k, found := find(e.set, kid); found {
			return k, nil
		}
		if now.Sub(e.fetchedAt) < c.minRefresh() {
			return nil, fmt.Errorf("%w: kid %q at %s", ErrKeyNotFound, kid, uri)
		}
	}

	set, err := c.refresh(ctx, uri)
	if err != nil {
		// a stale set that still has the key beats failing the launch
		if ok {
			if k, found := find(e.set, kid); found {
				c.logger().Warnw("serving stale key set", "uri", uri, "kid", kid, "error", err)
				return k, nil
			}
		}
		return nil, err
	}
	if k, found := find(set, kid); found {
		return k, nil
	}
	return nil, fmt.Errorf("%w: kid %q at %s", ErrKeyNotFound, kid, uri)
}

// Invalidate drops the cached set for uri.
func (c *Cache) Invalidate(uri string) {
	c.mu.Lock()
	delete(c.entries, uri)
	c.mu.Unlock()
}

func (c *Cache) get(uri string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[uri]
	return e, ok
}

func (c *Cache) refresh(ctx context.Context, uri string) (jwk.Set, error) {
	v, err, _ := c.group.Do(uri, func() (any, error) {
		set, err := c.fetch(ctx, uri)
		if c.OnFetch != nil {
			c.OnFetch(uri, err)
		}
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.entries == nil {
			c.entries = make(map[string]entry)
		}
		c.entries[uri] = entry{set: set, fetchedAt: c.now()}
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(jwk.Set), nil
}

func (c *Cache) fetch(ctx context.Context, uri string) (jwk.Set, error) {
	// the flight is shared; do not inherit the first caller's cancellation
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, uri, err)
	}
	req.Header.Set("Accept", "application/json, application/jwk-set+json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, uri, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetch, uri, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read: %v", ErrFetch, uri, err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: parse: %v", ErrFetch, uri, err)
	}
	c.logger().Debugw("fetched key set", "uri", uri, "keys", set.Len())
	return set, nil
}

func find(set jwk.Set, kid string) (jwk.Key, bool) {
	if set == nil {
		return nil, false
	}
	if kid == "" {
		if set.Len() == 1 {
			return set.Key(0)
		}
		return nil, false
	}
	return set.LookupKeyID(kid)
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

func (c *Cache) minRefresh() time.Duration {
	if c.MinRefreshInterval > 0 {
		return c.MinRefreshInterval
	}
	return DefaultMinRefreshInterval
}

func (c *Cache) fetchTimeout() time.Duration {
	if c.FetchTimeout > 0 {
		return c.FetchTimeout
	}
	return DefaultFetchTimeout
}

func (c *Cache) logger() *zap.SugaredLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop().Sugar()
}
