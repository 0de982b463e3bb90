package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"BizMCP/deploy/migrations"
	xerrors "BizMCP/internal/errors"
)

// MySQLStore 使用 MySQL 持久化任务、目标、派发日志与结果。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 10 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema 依次执行内嵌的迁移语句。
func (s *MySQLStore) initSchema() error {
	statements, err := migrations.Statements()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移文件失败")
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化数据表失败")
		}
	}
	return nil
}

// CreateTask 插入新的任务记录。
func (s *MySQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if !IsValidFrequency(task.Frequency) {
		return xerrors.New(CodeTaskValidation, "不支持的任务周期")
	}

	now := time.Now().UTC().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	parameters, err := marshalJSONColumn(task.Parameters)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 parameters 失败")
	}
	results, err := marshalJSONColumn(task.Results)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 results 失败")
	}

	const stmt = `INSERT INTO automation_tasks
        (id, business_id, business_name, agent_type, task_type, frequency, status, parameters, results, last_executed, next_execution, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.BusinessID,
		task.BusinessName,
		task.AgentType,
		task.TaskType,
		task.Frequency,
		task.Status,
		parameters,
		results,
		nullableInt(task.LastExecuted),
		nullableInt(task.NextExecution),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

const taskColumns = `id, business_id, business_name, agent_type, task_type, frequency, status, parameters, results, last_executed, next_execution, created_at, updated_at`

// GetTask 查询指定任务。
func (s *MySQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM automation_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// ListTasks 返回符合过滤条件的任务。
func (s *MySQLStore) ListTasks(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM automation_tasks`
	clause, filterArgs := buildTaskFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedDesc {
		query += " ORDER BY updated_at DESC, id DESC"
	} else {
		query += " ORDER BY next_execution ASC, id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// UpdateTask 对任务执行部分更新。
func (s *MySQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) (*Task, error) {
	sets := make([]string, 0, 5)
	args := make([]any, 0, 6)

	if update.BusinessName != nil {
		sets = append(sets, "business_name = ?")
		args = append(args, *update.BusinessName)
	}
	if update.Frequency != nil {
		if !IsValidFrequency(*update.Frequency) {
			return nil, xerrors.New(CodeTaskValidation, "不支持的任务周期")
		}
		sets = append(sets, "frequency = ?")
		args = append(args, *update.Frequency)
	}
	if update.Status != nil {
		if !IsValidStatus(*update.Status) {
			return nil, xerrors.New(CodeTaskValidation, "不支持的任务状态")
		}
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Parameters != nil {
		parameters, err := marshalJSONColumn(update.Parameters)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 parameters 失败")
		}
		sets = append(sets, "parameters = ?")
		args = append(args, parameters)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC().Unix(), id)

	stmt := "UPDATE automation_tasks SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetTask(ctx, id); getErr != nil {
			return nil, getErr
		}
	}
	return s.GetTask(ctx, id)
}

// DeleteTask 删除任务。
func (s *MySQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automation_tasks WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ClaimTask 以条件更新方式领取到期任务，保证并发调度实例不会重复派发。
func (s *MySQLStore) ClaimTask(ctx context.Context, id string, now time.Time) (*Task, error) {
	executed := now.UTC().Unix()

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	next := task.Frequency.NextExecutionAfter(now.UTC())

	const stmt = `UPDATE automation_tasks
        SET status = ?, last_executed = ?, next_execution = ?, updated_at = ?
        WHERE id = ? AND status <> ? AND next_execution IS NOT NULL AND next_execution <= ?`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusInProgress,
		executed,
		next,
		executed,
		id,
		StatusSkipped,
		executed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		latest, getErr := s.GetTask(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return latest, ErrTaskNotClaimable
	}
	return s.GetTask(ctx, id)
}

// CompleteTask 幂等收尾：仅允许由 in_progress 进入 completed。
func (s *MySQLStore) CompleteTask(ctx context.Context, id string, results map[string]any, now time.Time) (*Task, error) {
	encoded, err := marshalJSONColumn(results)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 results 失败")
	}

	const stmt = `UPDATE automation_tasks SET status = ?, results = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusCompleted, encoded, now.UTC().Unix(), id, StatusInProgress)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务完成失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		latest, getErr := s.GetTask(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return latest, ErrResultExists
	}
	return s.GetTask(ctx, id)
}

// FailTask 将执行中的任务标记为失败。失败原因合并进 results 的
// last_error 字段，不覆盖历史结果。
func (s *MySQLStore) FailTask(ctx context.Context, id string, reason string, now time.Time) (*Task, error) {
	var (
		res sql.Result
		err error
	)
	if reason == "" {
		const stmt = `UPDATE automation_tasks SET status = ?, updated_at = ?
            WHERE id = ? AND status = ?`
		res, err = s.db.ExecContext(ctx, stmt, StatusFailed, now.UTC().Unix(), id, StatusInProgress)
	} else {
		const stmt = `UPDATE automation_tasks
            SET status = ?, results = JSON_SET(COALESCE(results, '{}'), '$.last_error', ?), updated_at = ?
            WHERE id = ? AND status = ?`
		res, err = s.db.ExecContext(ctx, stmt, StatusFailed, reason, now.UTC().Unix(), id, StatusInProgress)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		latest, getErr := s.GetTask(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return latest, ErrTaskConflict
	}
	return s.GetTask(ctx, id)
}

// CreateGoal 插入新目标。
func (s *MySQLStore) CreateGoal(ctx context.Context, goal *Goal) error {
	if goal == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "goal 不能为空")
	}
	if strings.TrimSpace(goal.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "目标 ID 不能为空")
	}
	if goal.TargetValue <= 0 {
		return xerrors.New(CodeGoalValidation, "目标值必须大于零")
	}

	now := time.Now().UTC().Unix()
	if goal.CreatedAt == 0 {
		goal.CreatedAt = now
	}
	goal.LastUpdated = now
	if goal.Status == "" {
		goal.Status = GoalOnTrack
	}

	const stmt = `INSERT INTO automation_goals
        (id, business_id, goal_type, target_value, current_value, deadline, status, last_updated, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		goal.ID,
		goal.BusinessID,
		goal.GoalType,
		goal.TargetValue,
		goal.CurrentValue,
		goal.Deadline,
		goal.Status,
		goal.LastUpdated,
		goal.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "目标已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入目标失败")
	}
	return nil
}

const goalColumns = `id, business_id, goal_type, target_value, current_value, deadline, status, last_updated, created_at`

// GetGoal 查询指定目标。
func (s *MySQLStore) GetGoal(ctx context.Context, id string) (*Goal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM automation_goals WHERE id = ?`, id)
	goal, err := scanGoal(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrGoalNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询目标失败")
	}
	return goal, nil
}

// ListGoals 返回指定商户的全部目标。
func (s *MySQLStore) ListGoals(ctx context.Context, businessID string) ([]*Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM automation_goals`
	args := make([]any, 0, 1)
	if businessID != "" {
		query += " WHERE business_id = ?"
		args = append(args, businessID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询目标列表失败")
	}
	defer rows.Close()

	goals := make([]*Goal, 0, 8)
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析目标记录失败")
		}
		goals = append(goals, goal)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历目标失败")
	}
	return goals, nil
}

// UpdateGoal 对目标执行部分更新。
func (s *MySQLStore) UpdateGoal(ctx context.Context, id string, update GoalUpdate) (*Goal, error) {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if update.TargetValue != nil {
		if *update.TargetValue <= 0 {
			return nil, xerrors.New(CodeGoalValidation, "目标值必须大于零")
		}
		sets = append(sets, "target_value = ?")
		args = append(args, *update.TargetValue)
	}
	if update.CurrentValue != nil {
		sets = append(sets, "current_value = ?")
		args = append(args, *update.CurrentValue)
	}
	if update.Deadline != nil {
		sets = append(sets, "deadline = ?")
		args = append(args, *update.Deadline)
	}
	sets = append(sets, "last_updated = ?")
	args = append(args, time.Now().UTC().Unix(), id)

	stmt := "UPDATE automation_goals SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新目标失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetGoal(ctx, id); getErr != nil {
			return nil, getErr
		}
	}
	return s.GetGoal(ctx, id)
}

// SetGoalStatus 写入评估器重算后的状态。
func (s *MySQLStore) SetGoalStatus(ctx context.Context, id string, status GoalStatus, currentValue float64, now time.Time) (*Goal, error) {
	if !IsValidGoalStatus(status) {
		return nil, xerrors.New(CodeGoalValidation, "不支持的目标状态")
	}

	const stmt = `UPDATE automation_goals SET status = ?, current_value = ?, last_updated = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, status, currentValue, now.UTC().Unix(), id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新目标状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.GetGoal(ctx, id); getErr != nil {
			return nil, getErr
		}
	}
	return s.GetGoal(ctx, id)
}

// DeleteGoal 删除目标。
func (s *MySQLStore) DeleteGoal(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automation_goals WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除目标失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrGoalNotFound
	}
	return nil
}

// AppendDispatchLog 追加一条外发日志。
func (s *MySQLStore) AppendDispatchLog(ctx context.Context, entry *DispatchLog) error {
	if entry == nil || strings.TrimSpace(entry.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "派发日志不完整")
	}

	const stmt = `INSERT INTO dispatch_logs
        (id, task_id, agent_id, endpoint_url, request_payload, status, response_status, response_body, error, attempted_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.TaskID,
		entry.AgentID,
		entry.EndpointURL,
		entry.RequestPayload,
		entry.Status,
		entry.ResponseStatus,
		entry.ResponseBody,
		entry.Error,
		entry.AttemptedAt,
		nullableInt(entry.CompletedAt),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入派发日志失败")
	}
	return nil
}

// CompleteDispatchLog 为外发日志补充终态，只允许补充一次。
func (s *MySQLStore) CompleteDispatchLog(ctx context.Context, id string, outcome DispatchOutcome) error {
	const stmt = `UPDATE dispatch_logs
        SET status = ?, response_status = ?, response_body = ?, error = ?, completed_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		outcome.Status,
		outcome.ResponseStatus,
		outcome.ResponseBody,
		outcome.Error,
		outcome.CompletedAt,
		id,
		DispatchAttempting,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新派发日志失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return xerrors.New(xerrors.CodeConflict, "派发日志不存在或已是终态")
	}
	return nil
}

// ListDispatchLogs 返回指定任务的外发日志。
func (s *MySQLStore) ListDispatchLogs(ctx context.Context, taskID string) ([]*DispatchLog, error) {
	query := `SELECT id, task_id, agent_id, endpoint_url, request_payload, status, response_status, response_body, error, attempted_at, completed_at
        FROM dispatch_logs`
	args := make([]any, 0, 1)
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY attempted_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询派发日志失败")
	}
	defer rows.Close()

	entries := make([]*DispatchLog, 0, 8)
	for rows.Next() {
		var entry DispatchLog
		var completedAt sql.NullInt64
		if err := rows.Scan(
			&entry.ID,
			&entry.TaskID,
			&entry.AgentID,
			&entry.EndpointURL,
			&entry.RequestPayload,
			&entry.Status,
			&entry.ResponseStatus,
			&entry.ResponseBody,
			&entry.Error,
			&entry.AttemptedAt,
			&completedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析派发日志失败")
		}
		if completedAt.Valid {
			v := completedAt.Int64
			entry.CompletedAt = &v
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历派发日志失败")
	}
	return entries, nil
}

// CreateResult 插入一条执行结果。
func (s *MySQLStore) CreateResult(ctx context.Context, result *Result) error {
	if result == nil || strings.TrimSpace(result.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行结果不完整")
	}

	output, err := marshalJSONColumn(result.Output)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码结果 output 失败")
	}

	const stmt = `INSERT INTO task_results
        (id, task_id, agent_id, business_id, status, output, timestamp, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		result.ID,
		result.TaskID,
		result.AgentID,
		result.BusinessID,
		result.Status,
		output,
		result.Timestamp,
		result.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "执行结果已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行结果失败")
	}
	return nil
}

// ListResults 返回指定商户的全部结果。
func (s *MySQLStore) ListResults(ctx context.Context, businessID string) ([]*Result, error) {
	query := `SELECT id, task_id, agent_id, business_id, status, output, timestamp, created_at FROM task_results`
	args := make([]any, 0, 1)
	if businessID != "" {
		query += " WHERE business_id = ?"
		args = append(args, businessID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行结果失败")
	}
	defer rows.Close()

	results := make([]*Result, 0, 8)
	for rows.Next() {
		var result Result
		var output sql.NullString
		if err := rows.Scan(
			&result.ID,
			&result.TaskID,
			&result.AgentID,
			&result.BusinessID,
			&result.Status,
			&output,
			&result.Timestamp,
			&result.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行结果失败")
		}
		decoded, err := unmarshalJSONColumn(output)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结果 output 失败")
		}
		result.Output = decoded
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行结果失败")
	}
	return results, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var parameters, results sql.NullString
	var lastExecuted, nextExecution sql.NullInt64

	if err := row.Scan(
		&task.ID,
		&task.BusinessID,
		&task.BusinessName,
		&task.AgentType,
		&task.TaskType,
		&task.Frequency,
		&task.Status,
		&parameters,
		&results,
		&lastExecuted,
		&nextExecution,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}

	decodedParameters, err := unmarshalJSONColumn(parameters)
	if err != nil {
		return nil, err
	}
	task.Parameters = decodedParameters
	decodedResults, err := unmarshalJSONColumn(results)
	if err != nil {
		return nil, err
	}
	task.Results = decodedResults

	if lastExecuted.Valid {
		v := lastExecuted.Int64
		task.LastExecuted = &v
	}
	if nextExecution.Valid {
		v := nextExecution.Int64
		task.NextExecution = &v
	}
	return &task, nil
}

func scanGoal(row rowScanner) (*Goal, error) {
	var goal Goal
	if err := row.Scan(
		&goal.ID,
		&goal.BusinessID,
		&goal.GoalType,
		&goal.TargetValue,
		&goal.CurrentValue,
		&goal.Deadline,
		&goal.Status,
		&goal.LastUpdated,
		&goal.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &goal, nil
}

func buildTaskFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.BusinessID != "" {
		conditions = append(conditions, "business_id = ?")
		args = append(args, opts.BusinessID)
	}
	if opts.DueBefore > 0 {
		conditions = append(conditions, "next_execution IS NOT NULL AND next_execution <= ?")
		args = append(args, opts.DueBefore)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func marshalJSONColumn(values map[string]any) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func nullableInt(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

var _ Store = (*MySQLStore)(nil)
