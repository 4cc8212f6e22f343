package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/procflow/procflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

// StoreDefinition inserts a new definition version. When record.Version is
// zero the next version for the slug is assigned; an explicit version that
// already exists is a conflict.
func (s *LibSQLStore) StoreDefinition(ctx context.Context, record *DefinitionRecord) error {
	tags, err := marshalTags(record.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if record.Version == 0 {
		var next int
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM definitions WHERE kind = ? AND slug = ?`,
			record.Kind, record.Slug,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("next definition version: %w", err)
		}
		record.Version = next
	} else {
		var count int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM definitions WHERE kind = ? AND slug = ? AND version = ?`,
			record.Kind, record.Slug, record.Version,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check definition version: %w", err)
		}
		if count > 0 {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"%s %q version %d already exists", record.Kind, record.Slug, record.Version)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO definitions (kind, slug, version, name, definition, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.Kind, record.Slug, record.Version, record.Name,
		string(record.Definition), tags, timeOrNow(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, kind, slug string, version int) (*DefinitionRecord, error) {
	query := `SELECT kind, slug, version, name, definition, tags, created_at
	          FROM definitions WHERE kind = ? AND slug = ?`
	args := []any{kind, slug}
	if version > 0 {
		query += " AND version = ?"
		args = append(args, version)
	} else {
		query += " ORDER BY version DESC LIMIT 1"
	}

	record := &DefinitionRecord{}
	var def string
	var tags sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&record.Kind, &record.Slug, &record.Version, &record.Name, &def, &tags, &record.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(kind, slug)
	}
	if err != nil {
		return nil, err
	}
	record.Definition = json.RawMessage(def)
	record.Tags = unmarshalTags(tags)
	return record, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*DefinitionRecord, error) {
	var where []string
	var args []any

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Slug != "" {
		where = append(where, "slug = ?")
		args = append(args, filter.Slug)
	}

	query := `SELECT kind, slug, version, name, definition, tags, created_at FROM definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY slug, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DefinitionRecord
	for rows.Next() {
		record := &DefinitionRecord{}
		var def string
		var tags sql.NullString
		if err := rows.Scan(&record.Kind, &record.Slug, &record.Version, &record.Name, &def, &tags, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.Definition = json.RawMessage(def)
		record.Tags = unmarshalTags(tags)
		if filter.Tag != "" && !hasTag(record.Tags, filter.Tag) {
			continue
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	params, err := marshalMapOrDefault(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, definition_slug, definition_version, status, parameters, invocation_context, policy, group_id, parent_run_id, trace_id, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Kind, run.DefinitionSlug, run.DefinitionVersion, string(run.Status),
		string(params), nullStr(run.InvocationContext), nullRaw(run.Policy),
		nullStr(run.GroupID), nullStr(run.ParentRunID), nullStr(run.TraceID),
		nullRaw(run.Output), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, definition_slug, definition_version, status, parameters, invocation_context, policy, group_id, parent_run_id, trace_id, output, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Slug != "" {
		where = append(where, "definition_slug = ?")
		args = append(args, filter.Slug)
	}
	if filter.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, filter.GroupID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, kind, definition_slug, definition_version, status, parameters, invocation_context, policy, group_id, parent_run_id, trace_id, output, error, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var (
		paramsJSON                    string
		invocationCtx, policy         sql.NullString
		groupID, parentRunID, traceID sql.NullString
		outputJSON, errorJSON         sql.NullString
		startedAt, completedAt        sql.NullTime
		status                        string
	)
	err := scan(&run.ID, &run.Kind, &run.DefinitionSlug, &run.DefinitionVersion, &status,
		&paramsJSON, &invocationCtx, &policy, &groupID, &parentRunID, &traceID,
		&outputJSON, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if paramsJSON != "" {
		_ = json.Unmarshal([]byte(paramsJSON), &run.Parameters)
	}
	run.InvocationContext = invocationCtx.String
	run.Policy = rawOrNil(policy)
	run.GroupID = groupID.String
	run.ParentRunID = parentRunID.String
	run.TraceID = traceID.String
	run.Output = rawOrNil(outputJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Step state ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_state (run_id, step_name, status, output, error, attempts, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_name) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   attempts=excluded.attempts, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		state.RunID, state.StepName, string(state.Status),
		nullRaw(state.Output), nullRaw(state.Error), state.Attempts,
		nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepState(ctx context.Context, runID, stepName string) (*StepState, error) {
	ss := &StepState{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, step_name, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM step_state WHERE run_id = ? AND step_name = ?`, runID, stepName,
	).Scan(&ss.RunID, &ss.StepName, &status, &output, &errJSON,
		&ss.Attempts, &startedAt, &completedAt, &ss.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_state", runID+"/"+stepName)
	}
	if err != nil {
		return nil, err
	}
	ss.Status = schema.StepStatus(status)
	ss.Output = rawOrNil(output)
	ss.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ss.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ss.CompletedAt = &completedAt.Time
	}
	return ss, nil
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, runID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_name, status, output, error, attempts, started_at, completed_at, duration_ms
		 FROM step_state WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss := &StepState{}
		var status string
		var output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ss.RunID, &ss.StepName, &status, &output, &errJSON,
			&ss.Attempts, &startedAt, &completedAt, &ss.DurationMs); err != nil {
			return nil, err
		}
		ss.Status = schema.StepStatus(status)
		ss.Output = rawOrNil(output)
		ss.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			ss.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ss.CompletedAt = &completedAt.Time
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

// --- Item state ---

func (s *LibSQLStore) UpsertItemState(ctx context.Context, state *ItemState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO item_state (run_id, item_key, stage_reached, status, data, error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, item_key) DO UPDATE SET
		   stage_reached=excluded.stage_reached, status=excluded.status,
		   data=excluded.data, error=excluded.error, updated_at=excluded.updated_at`,
		state.RunID, state.ItemKey, state.StageReached, string(state.Status),
		nullRaw(state.Data), nullRaw(state.Error), timeOrNow(state.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetItemState(ctx context.Context, runID, itemKey string) (*ItemState, error) {
	st := &ItemState{}
	var status string
	var data, errJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, item_key, stage_reached, status, data, error, updated_at
		 FROM item_state WHERE run_id = ? AND item_key = ?`, runID, itemKey,
	).Scan(&st.RunID, &st.ItemKey, &st.StageReached, &status, &data, &errJSON, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("item_state", runID+"/"+itemKey)
	}
	if err != nil {
		return nil, err
	}
	st.Status = schema.ItemStatus(status)
	st.Data = rawOrNil(data)
	st.Error = rawOrNil(errJSON)
	return st, nil
}

func (s *LibSQLStore) ListItemStates(ctx context.Context, runID string, filter ItemFilter) ([]*ItemState, error) {
	where := []string{"run_id = ?"}
	args := []any{runID}

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.StageReached != "" {
		where = append(where, "stage_reached = ?")
		args = append(args, filter.StageReached)
	}

	query := `SELECT run_id, item_key, stage_reached, status, data, error, updated_at FROM item_state WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY item_key"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*ItemState
	for rows.Next() {
		st := &ItemState{}
		var status string
		var data, errJSON sql.NullString
		if err := rows.Scan(&st.RunID, &st.ItemKey, &st.StageReached, &status, &data, &errJSON, &st.UpdatedAt); err != nil {
			return nil, err
		}
		st.Status = schema.ItemStatus(status)
		st.Data = rawOrNil(data)
		st.Error = rawOrNil(errJSON)
		states = append(states, st)
	}
	return states, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, kind, definition_slug, version, cron_expression, parameters, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Kind, job.DefinitionSlug, job.Version, job.CronExpression,
		nullRaw(job.Parameters), boolToInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus),
		timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var params, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, definition_slug, version, cron_expression, parameters, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Kind, &job.DefinitionSlug, &job.Version, &job.CronExpression,
		&params, &enabled, &lastRun, &nextRun, &lastStatus, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_job", id)
	}
	if err != nil {
		return nil, err
	}
	job.Parameters = rawOrNil(params)
	job.Enabled = enabled != 0
	job.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, kind, definition_slug, version, cron_expression, parameters, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_jobs`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		var params, lastStatus sql.NullString
		var lastRun, nextRun sql.NullTime
		var enabled int
		if err := rows.Scan(&job.ID, &job.Kind, &job.DefinitionSlug, &job.Version, &job.CronExpression,
			&params, &enabled, &lastRun, &nextRun, &lastStatus, &job.CreatedAt); err != nil {
			return nil, err
		}
		job.Parameters = rawOrNil(params)
		job.Enabled = enabled != 0
		job.LastRunStatus = lastStatus.String
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			job.NextRunAt = &nextRun.Time
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func unmarshalTags(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var tags []string
	_ = json.Unmarshal([]byte(ns.String), &tags)
	return tags
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
