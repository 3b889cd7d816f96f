package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/taskmesh-io/taskmesh/pkg/apperr"
)

const configColumns = `id, name, description, task_type, scheduler_type, parameters, schedule_config, max_retries, timeout_seconds, priority, created_at, updated_at`

// configOrderColumns whitelists sortable columns for the dynamic query.
var configOrderColumns = map[string]string{
	"id":             "id",
	"name":           "name",
	"task_type":      "task_type",
	"scheduler_type": "scheduler_type",
	"priority":       "priority",
	"created_at":     "created_at",
	"updated_at":     "updated_at",
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// TaskConfigRepo persists task configurations.
type TaskConfigRepo struct {
	base
}

// NewTaskConfigRepo creates a task config repository.
func NewTaskConfigRepo(db *sql.DB, log *zap.Logger) *TaskConfigRepo {
	return &TaskConfigRepo{base{db: db, log: log}}
}

// Create inserts a config and returns it with the generated id and
// timestamps filled in.
func (r *TaskConfigRepo) Create(ctx context.Context, c *TaskConfig) (*TaskConfig, error) {
	if c == nil {
		return nil, apperr.Validationf("task config is nil")
	}
	if strings.TrimSpace(c.Name) == "" {
		return nil, apperr.Validationf("task config name is required")
	}
	if strings.TrimSpace(c.TaskType) == "" {
		return nil, apperr.Validationf("task config task_type is required")
	}
	if _, err := ParseSchedulerType(string(c.SchedulerType)); err != nil {
		return nil, err
	}
	params, err := ToJSONB(c.Parameters)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal parameters", err)
	}
	schedule, err := ToJSONB(c.ScheduleConfig)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "marshal schedule_config", err)
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO task_configs (name, description, task_type, scheduler_type, parameters, schedule_config, max_retries, timeout_seconds, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, c.Name, c.Description, c.TaskType, string(c.SchedulerType), params, schedule, c.MaxRetries, timeoutArg(c.TimeoutSeconds), c.Priority)
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, wrapDBError("create task config", err)
	}
	r.log.Info("task config created",
		zap.Int64("config_id", c.ID),
		zap.String("task_type", c.TaskType),
		zap.String("scheduler_type", string(c.SchedulerType)),
	)
	return c, nil
}

// GetByID loads one config.
func (r *TaskConfigRepo) GetByID(ctx context.Context, id int64) (*TaskConfig, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+configColumns+` FROM task_configs WHERE id = $1
	`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("task config %d not found", id)
	}
	if err != nil {
		return nil, wrapDBError("get task config", err)
	}
	return cfg, nil
}

// Update applies a partial patch and returns the updated row. TaskType and
// SchedulerType cannot change after creation.
func (r *TaskConfigRepo) Update(ctx context.Context, id int64, patch ConfigPatch) (*TaskConfig, error) {
	if patch.Empty() {
		return nil, apperr.Validationf("update requires at least one field")
	}
	sets := make([]string, 0, 8)
	args := make([]any, 0, 8)
	argIdx := 1
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}
	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, apperr.Validationf("task config name cannot be empty")
		}
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Parameters != nil {
		b, err := ToJSONB(patch.Parameters)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "marshal parameters", err)
		}
		add("parameters", b)
	}
	if patch.ScheduleConfig != nil {
		b, err := ToJSONB(patch.ScheduleConfig)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "marshal schedule_config", err)
		}
		add("schedule_config", b)
	}
	if patch.MaxRetries != nil {
		add("max_retries", *patch.MaxRetries)
	}
	if patch.TimeoutSeconds != nil {
		add("timeout_seconds", *patch.TimeoutSeconds)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE task_configs SET %s WHERE id = $%d
		RETURNING `+configColumns+`
	`, strings.Join(sets, ", "), argIdx)
	cfg, err := scanConfig(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("task config %d not found", id)
	}
	if err != nil {
		return nil, wrapDBError("update task config", err)
	}
	r.log.Info("task config updated", zap.Int64("config_id", id))
	return cfg, nil
}

// Delete removes a config row. Executions keep their rows with config_id
// set NULL by the foreign key; live schedule instances are the facade's
// job to unregister first.
func (r *TaskConfigRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_configs WHERE id = $1`, id)
	if err != nil {
		return wrapDBError("delete task config", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("delete task config", err)
	}
	if affected == 0 {
		return apperr.NotFoundf("task config %d not found", id)
	}
	r.log.Info("task config deleted", zap.Int64("config_id", id))
	return nil
}

// GetByQuery filters, sorts, and paginates configs. Ordering defaults to
// updated_at DESC.
func (r *TaskConfigRepo) GetByQuery(ctx context.Context, q ConfigQuery) (*ConfigPage, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	argIdx := 1
	if s := strings.TrimSpace(q.NameSearch); s != "" {
		where = append(where, fmt.Sprintf("name ILIKE $%d", argIdx))
		args = append(args, "%"+s+"%")
		argIdx++
	}
	if q.TaskType != "" {
		where = append(where, fmt.Sprintf("task_type = $%d", argIdx))
		args = append(args, q.TaskType)
		argIdx++
	}
	if q.SchedulerType != "" {
		st, err := ParseSchedulerType(q.SchedulerType)
		if err != nil {
			return nil, err
		}
		where = append(where, fmt.Sprintf("scheduler_type = $%d", argIdx))
		args = append(args, string(st))
		argIdx++
	}

	orderBy := "updated_at"
	if q.OrderBy != "" {
		col, ok := configOrderColumns[strings.ToLower(q.OrderBy)]
		if !ok {
			return nil, apperr.Validationf("cannot order by %q", q.OrderBy).
				WithDetails(map[string]any{"order_by": q.OrderBy})
		}
		orderBy = col
	}
	orderDir := "DESC"
	switch strings.ToLower(q.OrderDir) {
	case "", "desc":
	case "asc":
		orderDir = "ASC"
	default:
		return nil, apperr.Validationf("order_dir must be asc or desc, got %q", q.OrderDir)
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	pageSize := q.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset := (page - 1) * pageSize

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}
	query := fmt.Sprintf(
		`SELECT `+configColumns+` FROM task_configs%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		whereClause, orderBy, orderDir, argIdx, argIdx+1,
	)
	rows, err := r.db.QueryContext(ctx, query, append(args, pageSize, offset)...)
	if err != nil {
		return nil, wrapDBError("list task configs", err)
	}
	defer rows.Close()

	items := make([]*TaskConfig, 0, pageSize)
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, wrapDBError("scan task config", err)
		}
		items = append(items, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list task configs", err)
	}

	var total int
	countRow := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_configs`+whereClause, args...)
	if err := countRow.Scan(&total); err != nil {
		return nil, wrapDBError("count task configs", err)
	}
	return &ConfigPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// ListAutoSchedulable returns every config that should have a live
// schedule instance, i.e. everything except manual configs.
func (r *TaskConfigRepo) ListAutoSchedulable(ctx context.Context) ([]*TaskConfig, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+configColumns+` FROM task_configs WHERE scheduler_type <> $1 ORDER BY id ASC
	`, string(SchedulerManual))
	if err != nil {
		return nil, wrapDBError("list schedulable configs", err)
	}
	defer rows.Close()
	var items []*TaskConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, wrapDBError("scan task config", err)
		}
		items = append(items, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list schedulable configs", err)
	}
	return items, nil
}

// CountBySchedulerType tallies configs per scheduler type.
func (r *TaskConfigRepo) CountBySchedulerType(ctx context.Context) (map[SchedulerType]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scheduler_type, COUNT(*) FROM task_configs GROUP BY scheduler_type
	`)
	if err != nil {
		return nil, wrapDBError("count configs by scheduler type", err)
	}
	defer rows.Close()
	counts := make(map[SchedulerType]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, wrapDBError("count configs by scheduler type", err)
		}
		counts[SchedulerType(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("count configs by scheduler type", err)
	}
	return counts, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(s scanner) (*TaskConfig, error) {
	var (
		cfg              TaskConfig
		schedulerType    string
		params, schedule []byte
		timeout          sql.NullInt64
	)
	err := s.Scan(
		&cfg.ID, &cfg.Name, &cfg.Description, &cfg.TaskType, &schedulerType,
		&params, &schedule, &cfg.MaxRetries, &timeout, &cfg.Priority,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.SchedulerType = SchedulerType(schedulerType)
	if cfg.Parameters, err = FromJSONB(params); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if cfg.ScheduleConfig, err = FromJSONB(schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule_config: %w", err)
	}
	if timeout.Valid {
		v := int(timeout.Int64)
		cfg.TimeoutSeconds = &v
	}
	return &cfg, nil
}

func timeoutArg(t *int) any {
	if t == nil {
		return nil
	}
	return *t
}
