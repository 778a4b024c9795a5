package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Up applies idempotent DDL for the Tool:
//   - lti_platforms: registered platform trust material, keyed by issuer
//   - lti_pending_auth: OIDC state/nonce pairs awaiting a launch
func Up(ctx context.Context, db *sql.DB, driver Driver) error {
	if db == nil {
		return fmt.Errorf("migrations: db is nil")
	}
	var schema string
	switch driver {
	case DriverPostgres:
		schema = schemaPostgres
	case DriverSQLite:
		schema = schemaSQLite
	default:
		return fmt.Errorf("migrations: unsupported driver %q", driver)
	}

	// Some drivers reject multi-statement scripts; fall back to one Exec per statement.
	if _, err := db.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			if _, e := db.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migrations: failed at:\n%s\nerr: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  issuer                 TEXT PRIMARY KEY,
  client_id              TEXT NOT NULL,
  authorization_endpoint TEXT NOT NULL,
  token_endpoint         TEXT NOT NULL DEFAULT '',
  jwks_uri               TEXT NOT NULL,
  deployment_ids         TEXT NOT NULL DEFAULT '[]',  -- JSON array, [] = any
  product_family         TEXT NOT NULL DEFAULT '',
  registered_at          BIGINT NOT NULL               -- unix ms
);

CREATE TABLE IF NOT EXISTS lti_pending_auth (
  state           TEXT PRIMARY KEY,
  nonce           TEXT NOT NULL,
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL DEFAULT '',
  target_link_uri TEXT NOT NULL DEFAULT '',
  issued_at       BIGINT NOT NULL,
  expires_at      BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS lti_pending_auth_expires_idx ON lti_pending_auth (expires_at);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  issuer                 TEXT PRIMARY KEY,
  client_id              TEXT NOT NULL,
  authorization_endpoint TEXT NOT NULL,
  token_endpoint         TEXT NOT NULL DEFAULT '',
  jwks_uri               TEXT NOT NULL,
  deployment_ids         TEXT NOT NULL DEFAULT '[]',
  product_family         TEXT NOT NULL DEFAULT '',
  registered_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lti_pending_auth (
  state           TEXT PRIMARY KEY,
  nonce           TEXT NOT NULL,
  issuer          TEXT NOT NULL,
  client_id       TEXT NOT NULL DEFAULT '',
  target_link_uri TEXT NOT NULL DEFAULT '',
  issued_at       INTEGER NOT NULL,
  expires_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS lti_pending_auth_expires_idx ON lti_pending_auth (expires_at);
`

func splitSQL(s string) []string {
	raw := strings.Split(s, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part+";")
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
