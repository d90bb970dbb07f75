package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	apperrors "github.com/codepod-dev/codepod/internal/common/errors"
)

// SQLStore implements Store over sqlx for SQLite and Postgres.
type SQLStore struct {
	db *sqlx.DB
}

// New creates a SQLStore.
func New(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Upsert(ctx context.Context, sb *Sandbox) error {
	now := time.Now().UTC()
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = now
	}
	if sb.LastActiveAt.IsZero() {
		sb.LastActiveAt = now
	}
	sb.UpdatedAt = now

	query := s.db.Rebind(`INSERT INTO sandboxes
		(id, project_id, provider, provider_ref, state, preview_url, last_active_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_ref = excluded.provider_ref,
			state = excluded.state,
			preview_url = excluded.preview_url,
			last_active_at = excluded.last_active_at,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, query,
		sb.ID, sb.ProjectID, sb.Provider, sb.ProviderRef, sb.State,
		sb.PreviewURL, sb.LastActiveAt, sb.CreatedAt, sb.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Conflict("project already has an active sandbox")
		}
		return apperrors.Wrap(err, "failed to upsert sandbox")
	}
	return nil
}

// isUniqueViolation recognizes a unique-index error from either driver. Any
// other failure must keep its own code so callers do not mistake a transient
// database error for a duplicate.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Sandbox, error) {
	var sb Sandbox
	query := s.db.Rebind(`SELECT * FROM sandboxes WHERE id = ?`)
	if err := s.db.GetContext(ctx, &sb, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("sandbox", id)
		}
		return nil, apperrors.Wrap(err, "failed to get sandbox")
	}
	return &sb, nil
}

func (s *SQLStore) GetActiveByProject(ctx context.Context, projectID string) (*Sandbox, error) {
	var sb Sandbox
	query := s.db.Rebind(`SELECT * FROM sandboxes WHERE project_id = ? AND state != 'terminated'`)
	if err := s.db.GetContext(ctx, &sb, query, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("sandbox for project", projectID)
		}
		return nil, apperrors.Wrap(err, "failed to get active sandbox")
	}
	return &sb, nil
}

func (s *SQLStore) ListByStateOlderThan(ctx context.Context, state string, cutoff time.Time) ([]*Sandbox, error) {
	sandboxes := []*Sandbox{}
	query := s.db.Rebind(`SELECT * FROM sandboxes WHERE state = ? AND last_active_at < ? ORDER BY last_active_at ASC`)
	if err := s.db.SelectContext(ctx, &sandboxes, query, state, cutoff); err != nil {
		return nil, apperrors.Wrap(err, "failed to list sandboxes by state")
	}
	return sandboxes, nil
}

func (s *SQLStore) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := s.db.Rebind(`UPDATE sandboxes SET last_active_at = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return apperrors.Wrap(err, "failed to touch sandbox")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("sandbox", id)
	}
	return nil
}

func (s *SQLStore) UpdateState(ctx context.Context, id, state string) error {
	query := s.db.Rebind(`UPDATE sandboxes SET state = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, state, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(err, "failed to update sandbox state")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("sandbox", id)
	}
	return nil
}

func (s *SQLStore) UpdatePreviewURL(ctx context.Context, id, url string) error {
	query := s.db.Rebind(`UPDATE sandboxes SET preview_url = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, url, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Wrap(err, "failed to update sandbox preview url")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("sandbox", id)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM sandboxes WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return apperrors.Wrap(err, "failed to delete sandbox")
	}
	return nil
}
