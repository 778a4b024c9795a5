// pkg/tool/pending/sql.go
package pending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLStore keeps AuthStates in lti_pending_auth. Consume is a single
// DELETE ... RETURNING statement, atomic in both SQLite (3.35+) and Postgres.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

const pendingColumns = `state, nonce, issuer, client_id, target_link_uri, issued_at, expires_at`

func (s *SQLStore) Save(ctx context.Context, st AuthState) error {
	if strings.TrimSpace(st.State) == "" || strings.TrimSpace(st.Nonce) == "" {
		return fmt.Errorf("pending: state and nonce are required")
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO lti_pending_auth (`+pendingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (state) DO NOTHING`,
		st.State, st.Nonce, st.Issuer, st.ClientID, st.TargetLinkURI,
		st.IssuedAt.UnixMilli(), st.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("pending: insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLStore) Lookup(ctx context.Context, state string) (AuthState, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM lti_pending_auth WHERE state = $1`, state)
	st, err := scanState(row)
	if err != nil {
		return AuthState{}, err
	}
	if st.Expired(s.now()) {
		return AuthState{}, ErrExpired
	}
	return st, nil
}

func (s *SQLStore) Consume(ctx context.Context, state string) (AuthState, error) {
	row := s.DB.QueryRowContext(ctx,
		`DELETE FROM lti_pending_auth WHERE state = $1 RETURNING `+pendingColumns, state)
	st, err := scanState(row)
	if err != nil {
		return AuthState{}, err
	}
	if st.Expired(s.now()) {
		return AuthState{}, ErrExpired
	}
	return st, nil
}

func (s *SQLStore) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM lti_pending_auth WHERE expires_at <= $1`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pending: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func scanState(row *sql.Row) (AuthState, error) {
	var (
		st       AuthState
		iat, exp int64
	)
	err := row.Scan(&st.State, &st.Nonce, &st.Issuer, &st.ClientID, &st.TargetLinkURI, &iat, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthState{}, ErrNotFound
	}
	if err != nil {
		return AuthState{}, fmt.Errorf("pending: scan: %w", err)
	}
	st.IssuedAt = time.UnixMilli(iat).UTC()
	st.ExpiresAt = time.UnixMilli(exp).UTC()
	return st, nil
}
