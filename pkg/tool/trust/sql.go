// pkg/tool/trust/sql.go
package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/mindengage-lti/pkg/tool/lti"
)

// SQLStore persists configs in the lti_platforms table (see internal/db/migrations.go).
// Queries use $N placeholders, accepted by both modernc sqlite and pgx.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

const platformColumns = `issuer, client_id, authorization_endpoint, token_endpoint, jwks_uri,
	deployment_ids, product_family, registered_at`

func (s *SQLStore) Lookup(ctx context.Context, issuer string) (PlatformTrustConfig, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+platformColumns+` FROM lti_platforms WHERE issuer = $1`, issuer)
	c, err := scanPlatform(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlatformTrustConfig{}, notFound(issuer)
	}
	if err != nil {
		return PlatformTrustConfig{}, lti.Errorf(lti.ReasonInternal, "trust: lookup %q: %w", issuer, err)
	}
	return c, nil
}

func (s *SQLStore) LookupByDeployment(ctx context.Context, issuer, deploymentID string) (PlatformTrustConfig, error) {
	c, err := s.Lookup(ctx, issuer)
	if err != nil {
		return PlatformTrustConfig{}, err
	}
	if !c.AllowsDeployment(deploymentID) {
		return PlatformTrustConfig{}, deploymentNotFound(issuer, deploymentID)
	}
	return c, nil
}

func (s *SQLStore) Upsert(ctx context.Context, cfg PlatformTrustConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	deps, err := json.Marshal(normalizeDeployments(cfg.DeploymentIDs))
	if err != nil {
		return fmt.Errorf("trust: encode deployments: %w", err)
	}
	if cfg.RegisteredAt.IsZero() {
		cfg.RegisteredAt = s.now()
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO lti_platforms (`+platformColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (issuer) DO UPDATE SET
  client_id = excluded.client_id,
  authorization_endpoint = excluded.authorization_endpoint,
  token_endpoint = excluded.token_endpoint,
  jwks_uri = excluded.jwks_uri,
  deployment_ids = excluded.deployment_ids,
  product_family = excluded.product_family,
  registered_at = excluded.registered_at`,
		cfg.Issuer, cfg.ClientID, cfg.AuthorizationEndpoint, cfg.TokenEndpoint, cfg.KeySetURI,
		string(deps), cfg.ProductFamily, cfg.RegisteredAt.UnixMilli())
	if err != nil {
		return lti.Errorf(lti.ReasonInternal, "trust: upsert %q: %w", cfg.Issuer, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]PlatformTrustConfig, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+platformColumns+` FROM lti_platforms ORDER BY issuer`)
	if err != nil {
		return nil, lti.Errorf(lti.ReasonInternal, "trust: list: %w", err)
	}
	defer rows.Close()
	var out []PlatformTrustConfig
	for rows.Next() {
		c, err := scanPlatform(rows)
		if err != nil {
			return nil, lti.Errorf(lti.ReasonInternal, "trust: list scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, lti.Errorf(lti.ReasonInternal, "trust: list: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Revoke(ctx context.Context, issuer string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM lti_platforms WHERE issuer = $1`, issuer)
	if err != nil {
		return lti.Errorf(lti.ReasonInternal, "trust: revoke %q: %w", issuer, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(issuer)
	}
	return nil
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlatform(sc scanner) (PlatformTrustConfig, error) {
	var (
		c          PlatformTrustConfig
		deps       string
		registered int64
	)
	if err := sc.Scan(&c.Issuer, &c.ClientID, &c.AuthorizationEndpoint, &c.TokenEndpoint, &c.KeySetURI,
		&deps, &c.ProductFamily, &registered); err != nil {
		return PlatformTrustConfig{}, err
	}
	if deps != "" {
		if err := json.Unmarshal([]byte(deps), &c.DeploymentIDs); err != nil {
			return PlatformTrustConfig{}, fmt.Errorf("decode deployment_ids: %w", err)
		}
	}
	c.RegisteredAt = time.UnixMilli(registered).UTC()
	return c, nil
}
