package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/user/web-ingest/internal/entity"
)

const pageFailuresSchema = `
CREATE TABLE IF NOT EXISTS page_failures (
	id               BIGSERIAL PRIMARY KEY,
	crawl_id         TEXT        NOT NULL,
	url              TEXT        NOT NULL,
	depth            INTEGER     NOT NULL,
	kind             TEXT        NOT NULL,
	http_status_code INTEGER     NOT NULL DEFAULT 0,
	reason           TEXT        NOT NULL,
	attempted_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS page_failures_crawl_id_idx ON page_failures (crawl_id, attempted_at);`

const insertPageFailure = `INSERT INTO page_failures (crawl_id, url, depth, kind, http_status_code, reason, attempted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// DB is the subset of *pgxpool.Pool the failure log needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PageFailureRepoImpl writes the per-page failure log of each crawl to PostgreSQL.
type PageFailureRepoImpl struct {
	db DB
}

// NewPageFailureRepo creates a new instance of PageFailureRepoImpl.
func NewPageFailureRepo(db DB) *PageFailureRepoImpl {
	return &PageFailureRepoImpl{db: db}
}

// Migrate creates the page_failures table if it does not exist.
func (r *PageFailureRepoImpl) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, pageFailuresSchema); err != nil {
		return fmt.Errorf("migrate page_failures: %w", err)
	}
	return nil
}

// SaveBatch inserts all failures within a single transaction.
func (r *PageFailureRepoImpl) SaveBatch(ctx context.Context, failures []entity.PageFailure) error {
	if len(failures) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	for _, f := range failures {
		if _, err := tx.Exec(ctx, insertPageFailure,
			f.CrawlID, f.URL, f.Depth, f.Kind, f.HTTPStatusCode, f.Reason, f.AttemptedAt); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert page failure %s: %w", f.URL, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit page failures: %w", err)
	}
	return nil
}

// ListByCrawl returns the oldest failures of a crawl first.
func (r *PageFailureRepoImpl) ListByCrawl(ctx context.Context, crawlID string, limit int) ([]entity.PageFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, crawl_id, url, depth, kind, http_status_code, reason, attempted_at
		FROM page_failures
		WHERE crawl_id = $1
		ORDER BY attempted_at ASC, id ASC
		LIMIT $2;
	`, crawlID, limit)
	if err != nil {
		return nil, fmt.Errorf("list page failures: %w", err)
	}

	failures, err := pgx.CollectRows(rows, pgx.RowToStructByPos[entity.PageFailure])
	if err != nil {
		return nil, fmt.Errorf("scan page failures: %w", err)
	}
	return failures, nil
}
