// pkg/tool/trust/trust.go
package trust

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

/*
Platform trust store

A PlatformTrustConfig is everything the Tool knows about one Platform issuer:
where to send the OIDC authorization redirect, where to fetch its signing
keys, which client_id it assigned us and which deployments are allowed.

Records are written by dynamic registration (or the admin API) and read on
every login and launch. Issuer is the unique key; Upsert replaces a record
atomically so readers see either the old or the new version, never a mix.
*/

// ErrNotFound is returned (wrapped) by Lookup when the issuer is not registered.
var ErrNotFound = lti.ErrNotFound

// PlatformTrustConfig is the trust material for one Platform issuer.
type PlatformTrustConfig struct {
	Issuer                string    `json:"issuer"`
	ClientID              string    `json:"client_id"`
	AuthorizationEndpoint string    `json:"authorization_endpoint"`
	TokenEndpoint         string    `json:"token_endpoint,omitempty"`
	KeySetURI             string    `json:"jwks_uri"`
	DeploymentIDs         []string  `json:"deployment_ids"` // empty = any deployment
	ProductFamily         string    `json:"product_family,omitempty"`
	RegisteredAt          time.Time `json:"registered_at"`
}

// AllowsDeployment reports whether id is acceptable for this platform.
func (c PlatformTrustConfig) AllowsDeployment(id string) bool {
	if len(c.DeploymentIDs) == 0 {
		return true
	}
	return slices.Contains(c.DeploymentIDs, id)
}

// Validate checks the fields every login and launch relies on.
func (c PlatformTrustConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Issuer) == "":
		return fmt.Errorf("trust: issuer is required")
	case strings.TrimSpace(c.ClientID) == "":
		return fmt.Errorf("trust: client_id is required")
	case !isHTTPURL(c.AuthorizationEndpoint):
		return fmt.Errorf("trust: authorization_endpoint must be an absolute http(s) URL")
	case !isHTTPURL(c.KeySetURI):
		return fmt.Errorf("trust: jwks_uri must be an absolute http(s) URL")
	case c.TokenEndpoint != "" && !isHTTPURL(c.TokenEndpoint):
		return fmt.Errorf("trust: token_endpoint must be an absolute http(s) URL")
	}
	return nil
}

func (c PlatformTrustConfig) clone() PlatformTrustConfig {
	c.DeploymentIDs = slices.Clone(c.DeploymentIDs)
	return c
}

// Store persists PlatformTrustConfig records keyed by issuer.
type Store interface {
	// Lookup returns the config for issuer or an error matching ErrNotFound.
	Lookup(ctx context.Context, issuer string) (PlatformTrustConfig, error)
	// LookupByDeployment is Lookup restricted to configs that accept deploymentID.
	LookupByDeployment(ctx context.Context, issuer, deploymentID string) (PlatformTrustConfig, error)
	// Upsert inserts or atomically replaces the config for cfg.Issuer.
	Upsert(ctx context.Context, cfg PlatformTrustConfig) error
	// List returns all configs ordered by issuer.
	List(ctx context.Context) ([]PlatformTrustConfig, error)
	// Revoke deletes the config for issuer. Only called by operators.
	Revoke(ctx context.Context, issuer string) error
}

func notFound(issuer string) error {
	return lti.Errorf(lti.ReasonNotFound, "trust: issuer %q not registered", issuer)
}

func deploymentNotFound(issuer, deploymentID string) error {
	return lti.Errorf(lti.ReasonNotFound, "trust: issuer %q has no deployment %q", issuer, deploymentID)
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}

// normalizeDeployments trims whitespace, drops empties and duplicates.
func normalizeDeployments(xs []string) []string {
	out := make([]string, 0, len(xs))
	for _, s := range xs {
		s = strings.TrimSpace(s)
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
