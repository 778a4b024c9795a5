// pkg/tool/pending/pending.go
package pending

import (
	"context"
	"errors"
	"time"
)

/*
Pending OIDC authentication state.

Initiation mints a (state, nonce) pair and stores it here; the launch that
follows consumes it exactly once. Consume is the only place the Tool needs
mutual exclusion: two concurrent launches presenting the same state must see
one success and one failure, whichever store backs it.

Implementations:
  - MemoryStore: process-local, for single-instance deployments and tests
  - SQLStore:    lti_pending_auth table, DELETE ... RETURNING
  - RedisStore:  SET PX / GETDEL, shared across instances
*/

var (
	// ErrNotFound means no state with that value was ever saved or it was already consumed.
	ErrNotFound = errors.New("pending: state not found")
	// ErrExpired means the state existed but its TTL had elapsed. It is deleted on sight.
	ErrExpired = errors.New("pending: state expired")
	// ErrDuplicate is returned by Save when the state value is already in use.
	ErrDuplicate = errors.New("pending: duplicate state")
)

// DefaultTTL bounds the time between initiation and launch.
const DefaultTTL = 10 * time.Minute

// AuthState binds an OIDC state to the nonce and platform it was issued for.
type AuthState struct {
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	Issuer        string    `json:"iss"`
	ClientID      string    `json:"client_id,omitempty"`
	TargetLinkURI string    `json:"target_link_uri,omitempty"`
	IssuedAt      time.Time `json:"iat"`
	ExpiresAt     time.Time `json:"exp"`
}

// Expired reports whether the state is no longer usable at now.
func (a AuthState) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Store holds AuthStates until they are consumed or expire.
type Store interface {
	Save(ctx context.Context, st AuthState) error
	// Lookup reads without consuming. Expired entries report ErrExpired.
	Lookup(ctx context.Context, state string) (AuthState, error)
	// Consume atomically removes and returns the entry. At most one caller
	// ever receives a given state.
	Consume(ctx context.Context, state string) (AuthState, error)
	// Purge drops entries expired at now and reports how many were removed.
	Purge(ctx context.Context, now time.Time) (int, error)
}
