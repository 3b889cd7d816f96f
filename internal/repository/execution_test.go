package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

func newExecutionRepo(t *testing.T) (*ExecutionRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewExecutionRepo(db, zaptest.NewLogger(t)), mock
}

func executionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "task_id", "config_id", "task_type", "is_success",
		"started_at", "completed_at", "duration_seconds", "result",
		"error_message", "error_traceback",
	})
}

func TestCreateExecution(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	started := time.Now().UTC().Add(-3 * time.Second)
	completed := started.Add(2 * time.Second)
	duration := 2.0
	configID := int64(42)

	mock.ExpectQuery(`INSERT INTO task_executions`).
		WithArgs("b51e9c2f77e24d0a", int64(42), "reddit_scraper", true,
			started, completed, 2.0, []byte(`{"posts":17}`), "", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1001)))

	exec, err := repo.Create(context.Background(), &TaskExecution{
		TaskID:          "b51e9c2f77e24d0a",
		ConfigID:        &configID,
		TaskType:        "reddit_scraper",
		IsSuccess:       true,
		StartedAt:       started,
		CompletedAt:     &completed,
		DurationSeconds: &duration,
		Result:          map[string]any{"posts": 17},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1001), exec.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateExecutionValidation(t *testing.T) {
	repo, _ := newExecutionRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, &TaskExecution{TaskType: "x", StartedAt: time.Now()})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = repo.Create(ctx, &TaskExecution{TaskID: "abc", StartedAt: time.Now()})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = repo.Create(ctx, &TaskExecution{TaskID: "abc", TaskType: "x"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestCreateExecutionNullableColumns(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	started := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO task_executions`).
		WithArgs("deadbeef00112233", nil, "report_mailer", false,
			started, nil, nil, nil, "smtp refused", "Traceback (most recent call last)").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	_, err := repo.Create(context.Background(), &TaskExecution{
		TaskID:         "deadbeef00112233",
		TaskType:       "report_mailer",
		StartedAt:      started,
		ErrorMessage:   "smtp refused",
		ErrorTraceback: "Traceback (most recent call last)",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByTaskIDNotFound(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	mock.ExpectQuery(`SELECT (.+) FROM task_executions WHERE task_id =`).
		WithArgs("missing").
		WillReturnRows(executionRows())

	_, err := repo.GetByTaskID(context.Background(), "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestListByConfig(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	started := time.Now().UTC()
	mock.ExpectQuery(`SELECT (.+) FROM task_executions WHERE config_id = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs(int64(42), 5).
		WillReturnRows(executionRows().
			AddRow(int64(2), "aa11", int64(42), "reddit_scraper", true, started, started, 1.5, []byte(`{"posts":3}`), "", "").
			AddRow(int64(1), "bb22", nil, "reddit_scraper", false, started.Add(-time.Hour), nil, nil, nil, "boom", "trace"))

	items, err := repo.ListByConfig(context.Background(), 42, 5)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.NotNil(t, items[0].ConfigID)
	assert.Equal(t, int64(42), *items[0].ConfigID)
	assert.Equal(t, map[string]any{"posts": float64(3)}, items[0].Result)
	assert.Nil(t, items[1].ConfigID)
	assert.Nil(t, items[1].CompletedAt)
	assert.Equal(t, "boom", items[1].ErrorMessage)
}

func TestListFailedNormalizesLimit(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	mock.ExpectQuery(`SELECT (.+) FROM task_executions WHERE is_success = FALSE AND started_at >= \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(executionRows())

	items, err := repo.ListFailed(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGlobalStats(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(\*\) FILTER \(WHERE is_success\), COALESCE\(AVG\(duration_seconds\), 0\) FROM task_executions WHERE started_at >= \$1`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"total", "success", "avg"}).AddRow(int64(10), int64(7), 12.3456))
	mock.ExpectQuery(`SELECT task_type, COUNT\(\*\), COUNT\(\*\) FILTER \(WHERE is_success\) FROM task_executions WHERE started_at >= \$1 GROUP BY task_type`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"task_type", "total", "success"}).
			AddRow("reddit_scraper", int64(8), int64(7)).
			AddRow("report_mailer", int64(2), int64(0)))

	stats, err := repo.GlobalStats(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Total)
	assert.Equal(t, int64(7), stats.Success)
	assert.Equal(t, int64(3), stats.Failed)
	assert.InDelta(t, 70.0, stats.SuccessRate, 0.001)
	assert.InDelta(t, 30.0, stats.FailureRate, 0.001)
	assert.InDelta(t, 12.35, stats.AvgDurationSeconds, 0.001)
	assert.Equal(t, 7, stats.WindowDays)
	require.Contains(t, stats.ByType, "report_mailer")
	assert.Equal(t, int64(2), stats.ByType["report_mailer"].Failed)
}

func TestGlobalStatsEmptyWindow(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\), COUNT\(\*\) FILTER`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"total", "success", "avg"}).AddRow(int64(0), int64(0), 0.0))
	mock.ExpectQuery(`GROUP BY task_type`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"task_type", "total", "success"}))

	stats, err := repo.GlobalStats(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, stats.SuccessRate)
	assert.Zero(t, stats.FailureRate)
	assert.Empty(t, stats.ByType)
}

func TestStatsByConfig(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	mock.ExpectQuery(`FROM task_executions WHERE config_id = \$1 AND started_at >= \$2`).
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"total", "success", "avg"}).AddRow(int64(4), int64(4), 1.0))
	mock.ExpectQuery(`WHERE config_id = \$1 AND started_at >= \$2 GROUP BY task_type`).
		WithArgs(int64(42), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"task_type", "total", "success"}).
			AddRow("reddit_scraper", int64(4), int64(4)))

	stats, err := repo.StatsByConfig(context.Background(), 42, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.InDelta(t, 100.0, stats.SuccessRate, 0.001)
	assert.Equal(t, 30, stats.WindowDays)
}

func TestCleanupOld(t *testing.T) {
	repo, mock := newExecutionRepo(t)
	mock.ExpectExec(`DELETE FROM task_executions WHERE started_at <`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 73))

	deleted, err := repo.CleanupOld(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, int64(73), deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupOldRejectsBadWindow(t *testing.T) {
	repo, _ := newExecutionRepo(t)
	_, err := repo.CleanupOld(context.Background(), 0)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
