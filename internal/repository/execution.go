package repository

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

const executionColumns = `id, task_id, config_id, task_type, is_success, started_at, completed_at, duration_seconds, result, error_message, error_traceback`

// ExecutionRepo persists execution telemetry. Rows are append only.
type ExecutionRepo struct {
	base
}

// NewExecutionRepo creates an execution repository.
func NewExecutionRepo(db *sql.DB, log *zap.Logger) *ExecutionRepo {
	return &ExecutionRepo{base{db: db, log: log}}
}

// Create appends one execution record and returns it with the generated id.
func (r *ExecutionRepo) Create(ctx context.Context, e *TaskExecution) (*TaskExecution, error) {
	if e == nil {
		return nil, apperr.Validationf("execution is nil")
	}
	if strings.TrimSpace(e.TaskID) == "" {
		return nil, apperr.Validationf("execution task_id is required")
	}
	if strings.TrimSpace(e.TaskType) == "" {
		return nil, apperr.Validationf("execution task_type is required")
	}
	if e.StartedAt.IsZero() {
		return nil, apperr.Validationf("execution started_at is required")
	}
	var result any
	if e.Result != nil {
		b, err := ToJSONB(e.Result)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "marshal result", err)
		}
		result = b
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO task_executions (task_id, config_id, task_type, is_success, started_at, completed_at, duration_seconds, result, error_message, error_traceback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, e.TaskID, configIDArg(e.ConfigID), e.TaskType, e.IsSuccess, e.StartedAt,
		completedAtArg(e.CompletedAt), durationArg(e.DurationSeconds), result,
		e.ErrorMessage, e.ErrorTraceback)
	if err := row.Scan(&e.ID); err != nil {
		return nil, wrapDBError("create execution", err)
	}
	return e, nil
}

// GetByTaskID loads one execution by the engine-assigned task id.
func (r *ExecutionRepo) GetByTaskID(ctx context.Context, taskID string) (*TaskExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM task_executions WHERE task_id = $1
	`, taskID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("execution %s not found", taskID)
	}
	if err != nil {
		return nil, wrapDBError("get execution", err)
	}
	return exec, nil
}

// ListByConfig returns the newest executions of one config.
func (r *ExecutionRepo) ListByConfig(ctx context.Context, configID int64, limit int) ([]*TaskExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM task_executions
		WHERE config_id = $1 ORDER BY started_at DESC LIMIT $2
	`, configID, normalizeLimit(limit))
	if err != nil {
		return nil, wrapDBError("list executions by config", err)
	}
	return collectExecutions(rows)
}

// ListRecent returns executions started within the last N hours.
func (r *ExecutionRepo) ListRecent(ctx context.Context, hours, limit int) ([]*TaskExecution, error) {
	if hours < 1 {
		hours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM task_executions
		WHERE started_at >= $1 ORDER BY started_at DESC LIMIT $2
	`, cutoff, normalizeLimit(limit))
	if err != nil {
		return nil, wrapDBError("list recent executions", err)
	}
	return collectExecutions(rows)
}

// ListFailed returns failed executions from the last N days.
func (r *ExecutionRepo) ListFailed(ctx context.Context, days, limit int) ([]*TaskExecution, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -normalizeDays(days))
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM task_executions
		WHERE is_success = FALSE AND started_at >= $1 ORDER BY started_at DESC LIMIT $2
	`, cutoff, normalizeLimit(limit))
	if err != nil {
		return nil, wrapDBError("list failed executions", err)
	}
	return collectExecutions(rows)
}

// GlobalStats aggregates all executions in the window.
func (r *ExecutionRepo) GlobalStats(ctx context.Context, days int) (*ExecutionStats, error) {
	days = normalizeDays(days)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := r.aggregate(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_success),
		       COALESCE(AVG(duration_seconds), 0)
		FROM task_executions WHERE started_at >= $1
	`, []any{cutoff})
	if err != nil {
		return nil, err
	}
	stats.WindowDays = days
	stats.ByType, err = r.countByType(ctx, `
		SELECT task_type, COUNT(*), COUNT(*) FILTER (WHERE is_success)
		FROM task_executions WHERE started_at >= $1 GROUP BY task_type
	`, []any{cutoff})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// StatsByConfig aggregates executions of one config in the window.
func (r *ExecutionRepo) StatsByConfig(ctx context.Context, configID int64, days int) (*ExecutionStats, error) {
	days = normalizeDays(days)
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := r.aggregate(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_success),
		       COALESCE(AVG(duration_seconds), 0)
		FROM task_executions WHERE config_id = $1 AND started_at >= $2
	`, []any{configID, cutoff})
	if err != nil {
		return nil, err
	}
	stats.WindowDays = days
	stats.ByType, err = r.countByType(ctx, `
		SELECT task_type, COUNT(*), COUNT(*) FILTER (WHERE is_success)
		FROM task_executions WHERE config_id = $1 AND started_at >= $2 GROUP BY task_type
	`, []any{configID, cutoff})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// CleanupOld deletes executions started before the retention window and
// returns the number removed.
func (r *ExecutionRepo) CleanupOld(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 1 {
		return 0, apperr.Validationf("days_to_keep must be positive, got %d", daysToKeep)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_executions WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, wrapDBError("cleanup executions", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("cleanup executions", err)
	}
	if deleted > 0 {
		r.log.Info("old executions removed",
			zap.Int64("deleted", deleted),
			zap.Int("days_kept", daysToKeep),
		)
	}
	return deleted, nil
}

func (r *ExecutionRepo) aggregate(ctx context.Context, query string, args []any) (*ExecutionStats, error) {
	var (
		total, success int64
		avgDuration    float64
	)
	row := r.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&total, &success, &avgDuration); err != nil {
		return nil, wrapDBError("aggregate executions", err)
	}
	stats := &ExecutionStats{
		Total:              total,
		Success:            success,
		Failed:             total - success,
		AvgDurationSeconds: round2(avgDuration),
	}
	if total > 0 {
		stats.SuccessRate = round2(float64(success) / float64(total) * 100)
		stats.FailureRate = round2(float64(stats.Failed) / float64(total) * 100)
	}
	return stats, nil
}

func (r *ExecutionRepo) countByType(ctx context.Context, query string, args []any) (map[string]*TypeCount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("aggregate executions by type", err)
	}
	defer rows.Close()
	byType := make(map[string]*TypeCount)
	for rows.Next() {
		var (
			taskType       string
			total, success int64
		)
		if err := rows.Scan(&taskType, &total, &success); err != nil {
			return nil, wrapDBError("aggregate executions by type", err)
		}
		byType[taskType] = &TypeCount{Total: total, Success: success, Failed: total - success}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("aggregate executions by type", err)
	}
	return byType, nil
}

func collectExecutions(rows *sql.Rows) ([]*TaskExecution, error) {
	defer rows.Close()
	var items []*TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, wrapDBError("scan execution", err)
		}
		items = append(items, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list executions", err)
	}
	return items, nil
}

func scanExecution(s scanner) (*TaskExecution, error) {
	var (
		exec        TaskExecution
		configID    sql.NullInt64
		completedAt sql.NullTime
		duration    sql.NullFloat64
		result      []byte
	)
	err := s.Scan(
		&exec.ID, &exec.TaskID, &configID, &exec.TaskType, &exec.IsSuccess,
		&exec.StartedAt, &completedAt, &duration, &result,
		&exec.ErrorMessage, &exec.ErrorTraceback,
	)
	if err != nil {
		return nil, err
	}
	if configID.Valid {
		exec.ConfigID = &configID.Int64
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	if duration.Valid {
		exec.DurationSeconds = &duration.Float64
	}
	if len(result) > 0 {
		if exec.Result, err = FromJSONB(result); err != nil {
			return nil, err
		}
	}
	return &exec, nil
}

func normalizeLimit(limit int) int {
	if limit < 1 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeDays(days int) int {
	if days < 1 {
		return 7
	}
	return days
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func configIDArg(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func completedAtArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func durationArg(d *float64) any {
	if d == nil {
		return nil
	}
	return *d
}
