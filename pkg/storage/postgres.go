package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calyptra/drover/pkg/guardrail"
	"github.com/calyptra/drover/pkg/types"
)

// PostgresStore implements Store on a pgx connection pool. Claim
// operations rely on SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// instances never double-claim a row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and verifies the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the underlying pool for migrations.
func (p *PostgresStore) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func jsonEncode(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func jsonDecode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// qualify prefixes every column with the table alias for use in
// UPDATE ... RETURNING clauses.
func qualify(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFoundOr(err error, what, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, types.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// Directives

const directiveCols = `id, category, name, description, config, task_list,
	approval_required, max_concurrent, version, active, created_at, updated_at`

func scanDirective(row pgx.Row) (*types.Directive, error) {
	var d types.Directive
	var config, taskList []byte
	err := row.Scan(&d.ID, &d.Category, &d.Name, &d.Description, &config, &taskList,
		&d.ApprovalRequired, &d.MaxConcurrent, &d.Version, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonDecode(config, &d.Config); err != nil {
		return nil, err
	}
	if err := jsonDecode(taskList, &d.TaskList); err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) CreateDirective(ctx context.Context, d *types.Directive) error {
	config, err := jsonEncode(d.Config)
	if err != nil {
		return err
	}
	taskList, err := jsonEncode(d.TaskList)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO directives (id, category, name, description, config, task_list,
			approval_required, max_concurrent, version, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.Category, d.Name, d.Description, config, taskList,
		d.ApprovalRequired, d.MaxConcurrent, d.Version, d.Active, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("directive name %q taken: %w", d.Name, types.ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("create directive: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDirective(ctx context.Context, id string) (*types.Directive, error) {
	d, err := scanDirective(p.pool.QueryRow(ctx,
		`SELECT `+directiveCols+` FROM directives WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "directive", id)
	}
	return d, nil
}

func (p *PostgresStore) GetDirectiveByName(ctx context.Context, name string) (*types.Directive, error) {
	d, err := scanDirective(p.pool.QueryRow(ctx,
		`SELECT `+directiveCols+` FROM directives WHERE name = $1`, name))
	if err != nil {
		return nil, notFoundOr(err, "directive", name)
	}
	return d, nil
}

func (p *PostgresStore) ListDirectives(ctx context.Context) ([]*types.Directive, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+directiveCols+` FROM directives ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list directives: %w", err)
	}
	defer rows.Close()
	var out []*types.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateDirective(ctx context.Context, d *types.Directive) error {
	config, err := jsonEncode(d.Config)
	if err != nil {
		return err
	}
	taskList, err := jsonEncode(d.TaskList)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE directives SET category=$2, name=$3, description=$4, config=$5,
			task_list=$6, approval_required=$7, max_concurrent=$8, version=$9,
			active=$10, updated_at=$11
		WHERE id = $1`,
		d.ID, d.Category, d.Name, d.Description, config, taskList,
		d.ApprovalRequired, d.MaxConcurrent, d.Version, d.Active, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update directive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("directive %s: %w", d.ID, types.ErrNotFound)
	}
	return nil
}

// Job templates

const templateCols = `id, task_key, name, description, default_directive_id,
	config, active, created_at, updated_at`

func scanTemplate(row pgx.Row) (*types.JobTemplate, error) {
	var t types.JobTemplate
	var config []byte
	err := row.Scan(&t.ID, &t.TaskKey, &t.Name, &t.Description, &t.DefaultDirectiveID,
		&config, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonDecode(config, &t.Config); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) CreateJobTemplate(ctx context.Context, t *types.JobTemplate) error {
	config, err := jsonEncode(t.Config)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO job_templates (id, task_key, name, description,
			default_directive_id, config, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.ID, t.TaskKey, t.Name, t.Description, t.DefaultDirectiveID,
		config, t.Active, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("job template task key %q taken: %w", t.TaskKey, types.ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("create job template: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetJobTemplateByTaskKey(ctx context.Context, taskKey string) (*types.JobTemplate, error) {
	t, err := scanTemplate(p.pool.QueryRow(ctx,
		`SELECT `+templateCols+` FROM job_templates WHERE task_key = $1`, taskKey))
	if err != nil {
		return nil, notFoundOr(err, "job template", taskKey)
	}
	return t, nil
}

func (p *PostgresStore) ListJobTemplates(ctx context.Context) ([]*types.JobTemplate, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+templateCols+` FROM job_templates ORDER BY task_key`)
	if err != nil {
		return nil, fmt.Errorf("list job templates: %w", err)
	}
	defer rows.Close()
	var out []*types.JobTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateJobTemplate(ctx context.Context, t *types.JobTemplate) error {
	config, err := jsonEncode(t.Config)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE job_templates SET task_key=$2, name=$3, description=$4,
			default_directive_id=$5, config=$6, active=$7, updated_at=$8
		WHERE id = $1`,
		t.ID, t.TaskKey, t.Name, t.Description, t.DefaultDirectiveID,
		config, t.Active, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job template %s: %w", t.ID, types.ErrNotFound)
	}
	return nil
}

// Schedules

const scheduleCols = `id, name, task_key, directive_id, custom_directive, kind,
	interval_minutes, cron_expr, timezone, fire_at, next_fire_at, last_fire_at,
	enabled, max_global, max_per_job, claimed_by, claimed_until, created_at, updated_at`

func scanSchedule(row pgx.Row) (*types.Schedule, error) {
	var s types.Schedule
	err := row.Scan(&s.ID, &s.Name, &s.TaskKey, &s.DirectiveID, &s.CustomDirective,
		&s.Kind, &s.IntervalMinutes, &s.CronExpr, &s.Timezone, &s.FireAt,
		&s.NextFireAt, &s.LastFireAt, &s.Enabled, &s.MaxGlobal, &s.MaxPerJob,
		&s.ClaimedBy, &s.ClaimedUntil, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) CreateSchedule(ctx context.Context, s *types.Schedule) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO schedules (id, name, task_key, directive_id, custom_directive,
			kind, interval_minutes, cron_expr, timezone, fire_at, next_fire_at,
			last_fire_at, enabled, max_global, max_per_job, claimed_by,
			claimed_until, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		s.ID, s.Name, s.TaskKey, s.DirectiveID, s.CustomDirective, s.Kind,
		s.IntervalMinutes, s.CronExpr, s.Timezone, s.FireAt, s.NextFireAt,
		s.LastFireAt, s.Enabled, s.MaxGlobal, s.MaxPerJob, s.ClaimedBy,
		s.ClaimedUntil, s.CreatedAt, s.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("schedule name %q taken: %w", s.Name, types.ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetSchedule(ctx context.Context, id string) (*types.Schedule, error) {
	s, err := scanSchedule(p.pool.QueryRow(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "schedule", id)
	}
	return s, nil
}

func (p *PostgresStore) GetScheduleByName(ctx context.Context, name string) (*types.Schedule, error) {
	s, err := scanSchedule(p.pool.QueryRow(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE name = $1`, name))
	if err != nil {
		return nil, notFoundOr(err, "schedule", name)
	}
	return s, nil
}

func (p *PostgresStore) ListSchedules(ctx context.Context) ([]*types.Schedule, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []*types.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateSchedule(ctx context.Context, s *types.Schedule) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE schedules SET name=$2, task_key=$3, directive_id=$4,
			custom_directive=$5, kind=$6, interval_minutes=$7, cron_expr=$8,
			timezone=$9, fire_at=$10, next_fire_at=$11, last_fire_at=$12,
			enabled=$13, max_global=$14, max_per_job=$15, claimed_by=$16,
			claimed_until=$17, updated_at=$18
		WHERE id = $1`,
		s.ID, s.Name, s.TaskKey, s.DirectiveID, s.CustomDirective, s.Kind,
		s.IntervalMinutes, s.CronExpr, s.Timezone, s.FireAt, s.NextFireAt,
		s.LastFireAt, s.Enabled, s.MaxGlobal, s.MaxPerJob, s.ClaimedBy,
		s.ClaimedUntil, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", s.ID, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ClaimDueSchedules(ctx context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.Schedule, error) {
	rows, err := p.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM schedules
			WHERE enabled
			  AND next_fire_at IS NOT NULL AND next_fire_at <= $3
			  AND (claimed_until IS NULL OR claimed_until <= $3)
			ORDER BY next_fire_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE schedules s
		SET claimed_by = $1, claimed_until = $2, updated_at = $3
		FROM due WHERE s.id = due.id
		RETURNING `+qualify("s", scheduleCols),
		claimant, now.Add(ttl), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	defer rows.Close()
	var out []*types.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ReleaseScheduleClaim(ctx context.Context, scheduleID, claimant string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE schedules SET claimed_by = '', claimed_until = NULL
		WHERE id = $1 AND claimed_by = $2`, scheduleID, claimant)
	if err != nil {
		return fmt.Errorf("release schedule claim: %w", err)
	}
	return nil
}

// Runs

const runCols = `id, directive, status, approval, schedule_id, worker_host_id,
	target_host_id, started_at, ended_at, prompt_tokens, completion_tokens,
	total_tokens, report_markdown, report_json, error_message, created_at`

func scanRun(row pgx.Row) (*types.Run, error) {
	var r types.Run
	var directive, reportJSON []byte
	err := row.Scan(&r.ID, &directive, &r.Status, &r.Approval, &r.ScheduleID,
		&r.WorkerHostID, &r.TargetHostID, &r.StartedAt, &r.EndedAt,
		&r.Tokens.PromptTokens, &r.Tokens.CompletionTokens, &r.Tokens.TotalTokens,
		&r.ReportMarkdown, &reportJSON, &r.ErrorMessage, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonDecode(directive, &r.Directive); err != nil {
		return nil, err
	}
	if err := jsonDecode(reportJSON, &r.ReportJSON); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, r *types.Run) error {
	directive, err := jsonEncode(r.Directive)
	if err != nil {
		return err
	}
	reportJSON, err := jsonEncode(r.ReportJSON)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO runs (id, directive, status, approval, schedule_id,
			worker_host_id, target_host_id, started_at, ended_at, prompt_tokens,
			completion_tokens, total_tokens, report_markdown, report_json,
			error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, directive, r.Status, r.Approval, r.ScheduleID, r.WorkerHostID,
		r.TargetHostID, r.StartedAt, r.EndedAt, r.Tokens.PromptTokens,
		r.Tokens.CompletionTokens, r.Tokens.TotalTokens, r.ReportMarkdown,
		reportJSON, r.ErrorMessage, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	r, err := scanRun(p.pool.QueryRow(ctx, `SELECT `+runCols+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "run", id)
	}
	return r, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context) ([]*types.Run, error) {
	return p.queryRuns(ctx, `SELECT `+runCols+` FROM runs ORDER BY created_at`)
}

func (p *PostgresStore) ListRunsBySchedule(ctx context.Context, scheduleID string) ([]*types.Run, error) {
	return p.queryRuns(ctx,
		`SELECT `+runCols+` FROM runs WHERE schedule_id = $1 ORDER BY created_at`, scheduleID)
}

func (p *PostgresStore) ListRunsSince(ctx context.Context, since time.Time) ([]*types.Run, error) {
	return p.queryRuns(ctx,
		`SELECT `+runCols+` FROM runs WHERE created_at >= $1 ORDER BY created_at`, since)
}

func (p *PostgresStore) queryRuns(ctx context.Context, sql string, args ...any) ([]*types.Run, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateRun(ctx context.Context, r *types.Run) error {
	directive, err := jsonEncode(r.Directive)
	if err != nil {
		return err
	}
	reportJSON, err := jsonEncode(r.ReportJSON)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE runs SET directive=$2, status=$3, approval=$4, schedule_id=$5,
			worker_host_id=$6, target_host_id=$7, started_at=$8, ended_at=$9,
			prompt_tokens=$10, completion_tokens=$11, total_tokens=$12,
			report_markdown=$13, report_json=$14, error_message=$15
		WHERE id = $1`,
		r.ID, directive, r.Status, r.Approval, r.ScheduleID, r.WorkerHostID,
		r.TargetHostID, r.StartedAt, r.EndedAt, r.Tokens.PromptTokens,
		r.Tokens.CompletionTokens, r.Tokens.TotalTokens, r.ReportMarkdown,
		reportJSON, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", r.ID, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) CountRunningRuns(ctx context.Context) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running runs: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) CountRunningRunsByTask(ctx context.Context, taskKey string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT r.id) FROM runs r
		JOIN jobs j ON j.run_id = r.id
		WHERE r.status = 'running' AND j.task_key = $1`, taskKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running runs by task: %w", err)
	}
	return count, nil
}

// Jobs

const jobCols = `id, run_id, task_key, status, started_at, ended_at, result,
	error_message, prompt_tokens, completion_tokens, total_tokens, created_at`

func scanJob(row pgx.Row) (*types.Job, error) {
	var j types.Job
	var result []byte
	err := row.Scan(&j.ID, &j.RunID, &j.TaskKey, &j.Status, &j.StartedAt,
		&j.EndedAt, &result, &j.ErrorMessage, &j.Tokens.PromptTokens,
		&j.Tokens.CompletionTokens, &j.Tokens.TotalTokens, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonDecode(result, &j.Result); err != nil {
		return nil, err
	}
	return &j, nil
}

func (p *PostgresStore) CreateJob(ctx context.Context, j *types.Job) error {
	result, err := jsonEncode(j.Result)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO jobs (id, run_id, task_key, status, started_at, ended_at,
			result, error_message, prompt_tokens, completion_tokens, total_tokens,
			created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		j.ID, j.RunID, j.TaskKey, j.Status, j.StartedAt, j.EndedAt, result,
		j.ErrorMessage, j.Tokens.PromptTokens, j.Tokens.CompletionTokens,
		j.Tokens.TotalTokens, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	j, err := scanJob(p.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "job", id)
	}
	return j, nil
}

func (p *PostgresStore) ListJobsByRun(ctx context.Context, runID string) ([]*types.Job, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j *types.Job) error {
	result, err := jsonEncode(j.Result)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE jobs SET status=$2, started_at=$3, ended_at=$4, result=$5,
			error_message=$6, prompt_tokens=$7, completion_tokens=$8,
			total_tokens=$9
		WHERE id = $1`,
		j.ID, j.Status, j.StartedAt, j.EndedAt, result, j.ErrorMessage,
		j.Tokens.PromptTokens, j.Tokens.CompletionTokens, j.Tokens.TotalTokens)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", j.ID, types.ErrNotFound)
	}
	return nil
}

// Job queue

const queueCols = `id, job_id, run_id, status, claimed_by, claimed_until,
	attempts, last_error, created_at, updated_at`

func scanQueueItem(row pgx.Row) (*types.JobQueueItem, error) {
	var q types.JobQueueItem
	err := row.Scan(&q.ID, &q.JobID, &q.RunID, &q.Status, &q.ClaimedBy,
		&q.ClaimedUntil, &q.Attempts, &q.LastError, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (p *PostgresStore) CreateQueueItem(ctx context.Context, q *types.JobQueueItem) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO job_queue (id, job_id, run_id, status, claimed_by,
			claimed_until, attempts, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		q.ID, q.JobID, q.RunID, q.Status, q.ClaimedBy, q.ClaimedUntil,
		q.Attempts, q.LastError, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create queue item: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetQueueItem(ctx context.Context, id string) (*types.JobQueueItem, error) {
	q, err := scanQueueItem(p.pool.QueryRow(ctx,
		`SELECT `+queueCols+` FROM job_queue WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "queue item", id)
	}
	return q, nil
}

func (p *PostgresStore) ListQueueItems(ctx context.Context, status types.QueueStatus) ([]*types.JobQueueItem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+queueCols+` FROM job_queue WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()
	var out []*types.JobQueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateQueueItem(ctx context.Context, q *types.JobQueueItem) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE job_queue SET status=$2, claimed_by=$3, claimed_until=$4,
			attempts=$5, last_error=$6, updated_at=$7
		WHERE id = $1`,
		q.ID, q.Status, q.ClaimedBy, q.ClaimedUntil, q.Attempts, q.LastError, q.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue item %s: %w", q.ID, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ClaimQueueItems(ctx context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.JobQueueItem, error) {
	rows, err := p.pool.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM job_queue
			WHERE status = 'pending'
			   OR (status IN ('claimed','running') AND claimed_until IS NOT NULL AND claimed_until <= $3)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE job_queue q
		SET status = 'claimed', claimed_by = $1, claimed_until = $2,
			attempts = q.attempts + 1, updated_at = $3
		FROM eligible WHERE q.id = eligible.id
		RETURNING `+qualify("q", queueCols),
		claimant, now.Add(ttl), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	defer rows.Close()
	var out []*types.JobQueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Artifacts

func (p *PostgresStore) CreateArtifact(ctx context.Context, a *types.RunArtifact) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO run_artifacts (id, run_id, kind, path, size_bytes, mime_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.RunID, a.Kind, a.Path, a.SizeBytes, a.MimeType, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListArtifactsByRun(ctx context.Context, runID string) ([]*types.RunArtifact, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, kind, path, size_bytes, mime_type, created_at
		FROM run_artifacts WHERE run_id = $1 ORDER BY path`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []*types.RunArtifact
	for rows.Next() {
		var a types.RunArtifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &a.SizeBytes,
			&a.MimeType, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// LLM calls

func (p *PostgresStore) CreateLLMCall(ctx context.Context, c *types.LLMCall) error {
	if err := guardrail.CheckLLMCall(c); err != nil {
		return err
	}
	metadata, err := jsonEncode(c.Metadata)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO llm_calls (id, run_id, worker_id, endpoint, model_id,
			prompt_tokens, completion_tokens, total_tokens, duration_ms,
			success, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.RunID, c.WorkerID, c.Endpoint, c.ModelID,
		c.Tokens.PromptTokens, c.Tokens.CompletionTokens, c.Tokens.TotalTokens,
		c.DurationMS, c.Success, metadata, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create llm call: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListLLMCallsByRun(ctx context.Context, runID string) ([]*types.LLMCall, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, worker_id, endpoint, model_id, prompt_tokens,
			completion_tokens, total_tokens, duration_ms, success, metadata, created_at
		FROM llm_calls WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list llm calls: %w", err)
	}
	defer rows.Close()
	var out []*types.LLMCall
	for rows.Next() {
		var c types.LLMCall
		var metadata []byte
		if err := rows.Scan(&c.ID, &c.RunID, &c.WorkerID, &c.Endpoint, &c.ModelID,
			&c.Tokens.PromptTokens, &c.Tokens.CompletionTokens, &c.Tokens.TotalTokens,
			&c.DurationMS, &c.Success, &metadata, &c.CreatedAt); err != nil {
			return nil, err
		}
		if err := jsonDecode(metadata, &c.Metadata); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumTokensByRun(ctx context.Context, runID string) (types.TokenUsage, error) {
	var sum types.TokenUsage
	err := p.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0),
			COALESCE(SUM(total_tokens),0)
		FROM llm_calls WHERE run_id = $1`, runID).
		Scan(&sum.PromptTokens, &sum.CompletionTokens, &sum.TotalTokens)
	if err != nil {
		return sum, fmt.Errorf("sum tokens: %w", err)
	}
	return sum, nil
}

// Worker hosts

const hostCols = `id, name, kind, base_url, ssh, capabilities, enabled, healthy,
	last_seen_at, active_runs, created_at, updated_at`

func scanHost(row pgx.Row) (*types.WorkerHost, error) {
	var h types.WorkerHost
	var ssh, capabilities []byte
	err := row.Scan(&h.ID, &h.Name, &h.Kind, &h.BaseURL, &ssh, &capabilities,
		&h.Enabled, &h.Healthy, &h.LastSeenAt, &h.ActiveRuns, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(ssh) > 0 && string(ssh) != "null" {
		h.SSH = &types.SSHTunnelConfig{}
		if err := jsonDecode(ssh, h.SSH); err != nil {
			return nil, err
		}
	}
	if err := jsonDecode(capabilities, &h.Capabilities); err != nil {
		return nil, err
	}
	return &h, nil
}

func (p *PostgresStore) CreateWorkerHost(ctx context.Context, h *types.WorkerHost) error {
	ssh, err := jsonEncode(h.SSH)
	if err != nil {
		return err
	}
	capabilities, err := jsonEncode(h.Capabilities)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO worker_hosts (id, name, kind, base_url, ssh, capabilities,
			enabled, healthy, last_seen_at, active_runs, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		h.ID, h.Name, h.Kind, h.BaseURL, ssh, capabilities, h.Enabled,
		h.Healthy, h.LastSeenAt, h.ActiveRuns, h.CreatedAt, h.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("worker host name %q taken: %w", h.Name, types.ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("create worker host: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWorkerHost(ctx context.Context, id string) (*types.WorkerHost, error) {
	h, err := scanHost(p.pool.QueryRow(ctx,
		`SELECT `+hostCols+` FROM worker_hosts WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "worker host", id)
	}
	return h, nil
}

func (p *PostgresStore) GetWorkerHostByName(ctx context.Context, name string) (*types.WorkerHost, error) {
	h, err := scanHost(p.pool.QueryRow(ctx,
		`SELECT `+hostCols+` FROM worker_hosts WHERE name = $1`, name))
	if err != nil {
		return nil, notFoundOr(err, "worker host", name)
	}
	return h, nil
}

func (p *PostgresStore) ListWorkerHosts(ctx context.Context) ([]*types.WorkerHost, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+hostCols+` FROM worker_hosts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list worker hosts: %w", err)
	}
	defer rows.Close()
	var out []*types.WorkerHost
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateWorkerHost(ctx context.Context, h *types.WorkerHost) error {
	ssh, err := jsonEncode(h.SSH)
	if err != nil {
		return err
	}
	capabilities, err := jsonEncode(h.Capabilities)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE worker_hosts SET name=$2, kind=$3, base_url=$4, ssh=$5,
			capabilities=$6, enabled=$7, healthy=$8, last_seen_at=$9,
			active_runs=$10, updated_at=$11
		WHERE id = $1`,
		h.ID, h.Name, h.Kind, h.BaseURL, ssh, capabilities, h.Enabled,
		h.Healthy, h.LastSeenAt, h.ActiveRuns, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update worker host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker host %s: %w", h.ID, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) AdjustHostActiveRuns(ctx context.Context, hostID string, delta int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE worker_hosts SET active_runs = GREATEST(active_runs + $2, 0)
		WHERE id = $1`, hostID, delta)
	if err != nil {
		return fmt.Errorf("adjust host active runs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker host %s: %w", hostID, types.ErrNotFound)
	}
	return nil
}

// GPU telemetry

const gpuCols = `host_id, gpu_id, name, total_vram_mb, used_vram_mb, free_vram_mb,
	utilization, available, active_workers, last_updated`

func scanGPU(row pgx.Row) (*types.GPUState, error) {
	var g types.GPUState
	err := row.Scan(&g.HostID, &g.GPUID, &g.Name, &g.TotalVRAMMB, &g.UsedVRAMMB,
		&g.FreeVRAMMB, &g.Utilization, &g.Available, &g.ActiveWorkers, &g.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (p *PostgresStore) UpsertGPUState(ctx context.Context, g *types.GPUState) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO gpu_states (host_id, gpu_id, name, total_vram_mb, used_vram_mb,
			free_vram_mb, utilization, available, active_workers, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (host_id, gpu_id) DO UPDATE SET
			name = EXCLUDED.name, total_vram_mb = EXCLUDED.total_vram_mb,
			used_vram_mb = EXCLUDED.used_vram_mb, free_vram_mb = EXCLUDED.free_vram_mb,
			utilization = EXCLUDED.utilization, available = EXCLUDED.available,
			active_workers = EXCLUDED.active_workers, last_updated = EXCLUDED.last_updated`,
		g.HostID, g.GPUID, g.Name, g.TotalVRAMMB, g.UsedVRAMMB, g.FreeVRAMMB,
		g.Utilization, g.Available, g.ActiveWorkers, g.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert gpu state: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetGPUState(ctx context.Context, hostID, gpuID string) (*types.GPUState, error) {
	g, err := scanGPU(p.pool.QueryRow(ctx,
		`SELECT `+gpuCols+` FROM gpu_states WHERE host_id = $1 AND gpu_id = $2`, hostID, gpuID))
	if err != nil {
		return nil, notFoundOr(err, "gpu", hostID+"/"+gpuID)
	}
	return g, nil
}

func (p *PostgresStore) ListGPUStatesByHost(ctx context.Context, hostID string) ([]*types.GPUState, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+gpuCols+` FROM gpu_states WHERE host_id = $1 ORDER BY gpu_id`, hostID)
	if err != nil {
		return nil, fmt.Errorf("list gpu states: %w", err)
	}
	defer rows.Close()
	var out []*types.GPUState
	for rows.Next() {
		g, err := scanGPU(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AdjustGPUActiveWorkers(ctx context.Context, hostID, gpuID string, delta int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE gpu_states SET active_workers = GREATEST(active_workers + $3, 0)
		WHERE host_id = $1 AND gpu_id = $2`, hostID, gpuID, delta)
	if err != nil {
		return fmt.Errorf("adjust gpu active workers: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("gpu %s/%s: %w", hostID, gpuID, types.ErrNotFound)
	}
	return nil
}

// Image allowlist

const imageCols = `id, name, tag, description, active, requires_gpu, min_vram_mb,
	created_at, updated_at`

func scanImage(row pgx.Row) (*types.WorkerImage, error) {
	var w types.WorkerImage
	err := row.Scan(&w.ID, &w.Name, &w.Tag, &w.Description, &w.Active,
		&w.RequiresGPU, &w.MinVRAMMB, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *PostgresStore) CreateWorkerImage(ctx context.Context, w *types.WorkerImage) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO worker_images (id, name, tag, description, active,
			requires_gpu, min_vram_mb, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		w.ID, w.Name, w.Tag, w.Description, w.Active, w.RequiresGPU,
		w.MinVRAMMB, w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("worker image %s already allowlisted: %w", w.Ref(), types.ErrValidation)
	}
	if err != nil {
		return fmt.Errorf("create worker image: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWorkerImage(ctx context.Context, name, tag string) (*types.WorkerImage, error) {
	w, err := scanImage(p.pool.QueryRow(ctx,
		`SELECT `+imageCols+` FROM worker_images WHERE name = $1 AND tag = $2`, name, tag))
	if err != nil {
		return nil, notFoundOr(err, "worker image", name+":"+tag)
	}
	return w, nil
}

func (p *PostgresStore) ListWorkerImages(ctx context.Context) ([]*types.WorkerImage, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+imageCols+` FROM worker_images ORDER BY name, tag`)
	if err != nil {
		return nil, fmt.Errorf("list worker images: %w", err)
	}
	defer rows.Close()
	var out []*types.WorkerImage
	for rows.Next() {
		w, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateWorkerImage(ctx context.Context, w *types.WorkerImage) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE worker_images SET name=$2, tag=$3, description=$4, active=$5,
			requires_gpu=$6, min_vram_mb=$7, updated_at=$8
		WHERE id = $1`,
		w.ID, w.Name, w.Tag, w.Description, w.Active, w.RequiresGPU,
		w.MinVRAMMB, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update worker image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("worker image %s: %w", w.ID, types.ErrNotFound)
	}
	return nil
}

// Container log-collection allowlist

func (p *PostgresStore) UpsertAllowedContainer(ctx context.Context, c *types.AllowedContainer) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO allowed_containers (container_id, name, description, enabled, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (container_id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description,
			enabled = EXCLUDED.enabled`,
		c.ContainerID, c.Name, c.Description, c.Enabled, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert allowed container: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListAllowedContainers(ctx context.Context) ([]*types.AllowedContainer, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT container_id, name, description, enabled, created_at
		FROM allowed_containers ORDER BY container_id`)
	if err != nil {
		return nil, fmt.Errorf("list allowed containers: %w", err)
	}
	defer rows.Close()
	var out []*types.AllowedContainer
	for rows.Next() {
		var c types.AllowedContainer
		if err := rows.Scan(&c.ContainerID, &c.Name, &c.Description, &c.Enabled, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Worker audit trail

func (p *PostgresStore) CreateWorkerAudit(ctx context.Context, a *types.WorkerAudit) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO worker_audits (id, job_id, run_id, operation, container_id,
			image, gpu_assigned, gpu_rationale, success, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.JobID, a.RunID, a.Operation, a.ContainerID, a.Image,
		a.GPUAssigned, a.GPURationale, a.Success, a.ErrorMessage, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create worker audit: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListWorkerAuditsByRun(ctx context.Context, runID string) ([]*types.WorkerAudit, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, job_id, run_id, operation, container_id, image, gpu_assigned,
			gpu_rationale, success, error_message, created_at
		FROM worker_audits WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list worker audits: %w", err)
	}
	defer rows.Close()
	var out []*types.WorkerAudit
	for rows.Next() {
		var a types.WorkerAudit
		if err := rows.Scan(&a.ID, &a.JobID, &a.RunID, &a.Operation, &a.ContainerID,
			&a.Image, &a.GPUAssigned, &a.GPURationale, &a.Success,
			&a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Agent runs

const agentRunCols = `id, operator_goal, directive, status, current_step,
	max_steps, time_budget_minutes, token_budget, tokens_used, claimed_by,
	claimed_until, started_at, ended_at, error_message, created_at, updated_at`

func scanAgentRun(row pgx.Row) (*types.AgentRun, error) {
	var a types.AgentRun
	var directive []byte
	err := row.Scan(&a.ID, &a.OperatorGoal, &directive, &a.Status, &a.CurrentStep,
		&a.MaxSteps, &a.TimeBudgetMinutes, &a.TokenBudget, &a.TokensUsed,
		&a.ClaimedBy, &a.ClaimedUntil, &a.StartedAt, &a.EndedAt,
		&a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonDecode(directive, &a.Directive); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) CreateAgentRun(ctx context.Context, a *types.AgentRun) error {
	directive, err := jsonEncode(a.Directive)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO agent_runs (id, operator_goal, directive, status, current_step,
			max_steps, time_budget_minutes, token_budget, tokens_used, claimed_by,
			claimed_until, started_at, ended_at, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		a.ID, a.OperatorGoal, directive, a.Status, a.CurrentStep, a.MaxSteps,
		a.TimeBudgetMinutes, a.TokenBudget, a.TokensUsed, a.ClaimedBy,
		a.ClaimedUntil, a.StartedAt, a.EndedAt, a.ErrorMessage, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAgentRun(ctx context.Context, id string) (*types.AgentRun, error) {
	a, err := scanAgentRun(p.pool.QueryRow(ctx,
		`SELECT `+agentRunCols+` FROM agent_runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "agent run", id)
	}
	return a, nil
}

func (p *PostgresStore) ListAgentRuns(ctx context.Context) ([]*types.AgentRun, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+agentRunCols+` FROM agent_runs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()
	var out []*types.AgentRun
	for rows.Next() {
		a, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateAgentRun(ctx context.Context, a *types.AgentRun) error {
	directive, err := jsonEncode(a.Directive)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_runs SET operator_goal=$2, directive=$3, status=$4,
			current_step=$5, max_steps=$6, time_budget_minutes=$7, token_budget=$8,
			tokens_used=$9, claimed_by=$10, claimed_until=$11, started_at=$12,
			ended_at=$13, error_message=$14, updated_at=$15
		WHERE id = $1`,
		a.ID, a.OperatorGoal, directive, a.Status, a.CurrentStep, a.MaxSteps,
		a.TimeBudgetMinutes, a.TokenBudget, a.TokensUsed, a.ClaimedBy,
		a.ClaimedUntil, a.StartedAt, a.EndedAt, a.ErrorMessage, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update agent run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent run %s: %w", a.ID, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ClaimAgentRuns(ctx context.Context, claimant string, ttl time.Duration, now time.Time, limit int) ([]*types.AgentRun, error) {
	rows, err := p.pool.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM agent_runs
			WHERE status = 'pending'
			   OR (status = 'running' AND (claimed_until IS NULL OR claimed_until <= $3))
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE agent_runs a
		SET claimed_by = $1, claimed_until = $2, updated_at = $3
		FROM eligible WHERE a.id = eligible.id
		RETURNING `+qualify("a", agentRunCols),
		claimant, now.Add(ttl), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim agent runs: %w", err)
	}
	defer rows.Close()
	var out []*types.AgentRun
	for rows.Next() {
		a, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ExtendAgentClaim(ctx context.Context, agentRunID, claimant string, ttl time.Duration, now time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_runs SET claimed_until = $3
		WHERE id = $1 AND claimed_by = $2`,
		agentRunID, claimant, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("extend agent claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent run %s: %w", agentRunID, types.ErrClaimLost)
	}
	return nil
}

// Agent steps

const stepCols = `id, agent_run_id, step_index, type, task_key, inputs, status,
	run_id, outputs_ref, error_message, started_at, ended_at, created_at`

func scanStep(row pgx.Row) (*types.AgentStep, error) {
	var s types.AgentStep
	var inputs []byte
	err := row.Scan(&s.ID, &s.AgentRunID, &s.StepIndex, &s.Type, &s.TaskKey,
		&inputs, &s.Status, &s.RunID, &s.OutputsRef, &s.ErrorMessage,
		&s.StartedAt, &s.EndedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := jsonDecode(inputs, &s.Inputs); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) CreateAgentStep(ctx context.Context, s *types.AgentStep) error {
	if err := guardrail.CheckStepInputs(s); err != nil {
		return err
	}
	inputs, err := jsonEncode(s.Inputs)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO agent_steps (id, agent_run_id, step_index, type, task_key,
			inputs, status, run_id, outputs_ref, error_message, started_at,
			ended_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		s.ID, s.AgentRunID, s.StepIndex, s.Type, s.TaskKey, inputs, s.Status,
		s.RunID, s.OutputsRef, s.ErrorMessage, s.StartedAt, s.EndedAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create agent step: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateAgentStep(ctx context.Context, s *types.AgentStep) error {
	if err := guardrail.CheckStepInputs(s); err != nil {
		return err
	}
	inputs, err := jsonEncode(s.Inputs)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE agent_steps SET type=$2, task_key=$3, inputs=$4, status=$5,
			run_id=$6, outputs_ref=$7, error_message=$8, started_at=$9, ended_at=$10
		WHERE id = $1`,
		s.ID, s.Type, s.TaskKey, inputs, s.Status, s.RunID, s.OutputsRef,
		s.ErrorMessage, s.StartedAt, s.EndedAt)
	if err != nil {
		return fmt.Errorf("update agent step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent step %s: %w", s.ID, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ListAgentSteps(ctx context.Context, agentRunID string) ([]*types.AgentStep, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+stepCols+` FROM agent_steps WHERE agent_run_id = $1 ORDER BY step_index`, agentRunID)
	if err != nil {
		return nil, fmt.Errorf("list agent steps: %w", err)
	}
	defer rows.Close()
	var out []*types.AgentStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Notifications

func (p *PostgresStore) CreateNotificationTarget(ctx context.Context, t *types.NotificationTarget) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO notification_targets (id, name, kind, enabled, webhook_url, email, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.ID, t.Name, t.Kind, t.Enabled, t.WebhookURL, t.Email, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification target: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListNotificationTargets(ctx context.Context) ([]*types.NotificationTarget, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, kind, enabled, webhook_url, email, created_at
		FROM notification_targets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list notification targets: %w", err)
	}
	defer rows.Close()
	var out []*types.NotificationTarget
	for rows.Next() {
		var t types.NotificationTarget
		if err := rows.Scan(&t.ID, &t.Name, &t.Kind, &t.Enabled, &t.WebhookURL,
			&t.Email, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRunNotification(ctx context.Context, n *types.RunNotification) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO run_notifications (id, run_id, target_id, status, sent_at,
			error_summary, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		n.ID, n.RunID, n.TargetID, n.Status, n.SentAt, n.ErrorSummary, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run notification: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateRunNotification(ctx context.Context, n *types.RunNotification) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE run_notifications SET status=$2, sent_at=$3, error_summary=$4
		WHERE id = $1`,
		n.ID, n.Status, n.SentAt, n.ErrorSummary)
	if err != nil {
		return fmt.Errorf("update run notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run notification %s: %w", n.ID, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ListRunNotificationsByRun(ctx context.Context, runID string) ([]*types.RunNotification, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, target_id, status, sent_at, error_summary, created_at
		FROM run_notifications WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run notifications: %w", err)
	}
	defer rows.Close()
	var out []*types.RunNotification
	for rows.Next() {
		var n types.RunNotification
		if err := rows.Scan(&n.ID, &n.RunID, &n.TargetID, &n.Status, &n.SentAt,
			&n.ErrorSummary, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
