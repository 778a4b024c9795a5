package ags

import (
	"context"
	"net/http"
	"sync"

	"github.com/mind-engage/mindengage-lti/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti/pkg/tool/trust"
)

// Grader hands out one Client per registered platform so access tokens are
// shared between calls. Clients are rebuilt when the trust record changes.
type Grader struct {
	Trust  trust.Store
	Key    *keys.ToolKey
	HTTP   *http.Client
	Scopes []string

	mu      sync.Mutex
	clients map[string]*Client
}

// For returns the Client for issuer. The trust lookup error is returned as is,
// so callers can test for trust.ErrNotFound.
func (g *Grader) For(ctx context.Context, issuer string) (*Client, error) {
	cfg, err := g.Trust.Lookup(ctx, issuer)
	if err != nil {
		return nil, err
	}
	k := cfg.Issuer + "\x00" + cfg.ClientID + "\x00" + cfg.TokenEndpoint

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[k]; ok {
		return c, nil
	}
	// token requests outlive the caller's request
	c, err := New(context.Background(), g.Key, cfg, g.Scopes, g.HTTP)
	if err != nil {
		return nil, err
	}
	if g.clients == nil {
		g.clients = map[string]*Client{}
	}
	g.clients[k] = c
	return c, nil
}
