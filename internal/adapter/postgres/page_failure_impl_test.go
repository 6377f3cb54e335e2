package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/web-ingest/internal/entity"
)

var failureColumns = []string{"id", "crawl_id", "url", "depth", "kind", "http_status_code", "reason", "attempted_at"}

func testFailures() []entity.PageFailure {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []entity.PageFailure{
		{CrawlID: "crawl-1", URL: "https://example.com/missing", Depth: 1, Kind: entity.FailureNotFound, HTTPStatusCode: 404, Reason: "http status 404", AttemptedAt: at},
		{CrawlID: "crawl-1", URL: "https://example.com/private/a", Depth: 1, Kind: entity.FailureRobotsBlocked, Reason: "disallowed by robots.txt", AttemptedAt: at.Add(time.Second)},
	}
}

func expectInsert(mock pgxmock.PgxPoolIface, f entity.PageFailure) *pgxmock.ExpectedExec {
	return mock.ExpectExec("INSERT INTO page_failures").
		WithArgs(f.CrawlID, f.URL, f.Depth, f.Kind, f.HTTPStatusCode, f.Reason, f.AttemptedAt)
}

func TestPageFailureRepoSaveBatchCommits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	failures := testFailures()
	mock.ExpectBegin()
	for _, f := range failures {
		expectInsert(mock, f).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	repo := NewPageFailureRepo(mock)
	require.NoError(t, repo.SaveBatch(context.Background(), failures))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPageFailureRepoSaveBatchRollsBackOnInsertError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	failures := testFailures()
	mock.ExpectBegin()
	expectInsert(mock, failures[0]).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	expectInsert(mock, failures[1]).WillReturnError(errors.New("value too long"))
	mock.ExpectRollback()

	repo := NewPageFailureRepo(mock)
	err = repo.SaveBatch(context.Background(), failures)
	require.Error(t, err)
	assert.Contains(t, err.Error(), failures[1].URL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPageFailureRepoSaveBatchEmptyIsNoop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPageFailureRepo(mock)
	require.NoError(t, repo.SaveBatch(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPageFailureRepoListByCrawlKeepsRowOrder(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	failures := testFailures()
	rows := pgxmock.NewRows(failureColumns)
	for i, f := range failures {
		rows.AddRow(int64(i+1), f.CrawlID, f.URL, f.Depth, f.Kind, f.HTTPStatusCode, f.Reason, f.AttemptedAt)
	}
	mock.ExpectQuery("SELECT id, crawl_id, url").
		WithArgs("crawl-1", 100).
		WillReturnRows(rows)

	repo := NewPageFailureRepo(mock)
	got, err := repo.ListByCrawl(context.Background(), "crawl-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	for i, f := range failures {
		f.ID = int64(i + 1)
		assert.Equal(t, f, got[i])
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPageFailureRepoListByCrawlQueryError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, crawl_id, url").
		WithArgs("crawl-1", 5).
		WillReturnError(errors.New("connection reset"))

	repo := NewPageFailureRepo(mock)
	_, err = repo.ListByCrawl(context.Background(), "crawl-1", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list page failures")
	assert.NoError(t, mock.ExpectationsWereMet())
}
