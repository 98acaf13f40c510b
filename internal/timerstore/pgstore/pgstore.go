// Package pgstore is a PostgreSQL-backed timerstore.Store, grounded in the
// teacher's internal/gvisor/database_state.go database/sql + lib/pq usage
// style (savepoint-free here: timer rows don't need transactional isolation
// beyond the atomic upsert/delete-and-return spec.md §4.5 requires).
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/timerstore"
)

// Schema (applied out of band via migrations, not by this package):
//
//	CREATE TABLE interval_timers (
//	    guild_id   BIGINT NOT NULL,
//	    name       TEXT NOT NULL,
//	    plugin_id  BIGINT,
//	    kind       SMALLINT NOT NULL,
//	    minutes    BIGINT,
//	    cron       TEXT,
//	    last_run   TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (guild_id, name, plugin_id)
//	);
//	CREATE TABLE scheduled_tasks (
//	    id          BIGSERIAL PRIMARY KEY,
//	    guild_id    BIGINT NOT NULL,
//	    name        TEXT NOT NULL,
//	    plugin_id   BIGINT,
//	    unique_key  TEXT,
//	    data        JSONB NOT NULL,
//	    execute_at  TIMESTAMPTZ NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX scheduled_tasks_unique_key_idx
//	    ON scheduled_tasks (guild_id, plugin_id, name, unique_key)
//	    WHERE unique_key IS NOT NULL;
//	CREATE INDEX scheduled_tasks_due_idx ON scheduled_tasks (guild_id, execute_at, id);

// Store implements timerstore.Store against a Postgres database.
type Store struct {
	db *sql.DB
}

// New opens a connection pool against dbURL and verifies it with a ping.
func New(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ListIntervalTimers(ctx context.Context, guild coretypes.GuildID) ([]coretypes.IntervalTimer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, plugin_id, kind, minutes, cron, last_run FROM interval_timers WHERE guild_id = $1`,
		int64(guild))
	if err != nil {
		return nil, fmt.Errorf("pgstore: list interval timers: %w", err)
	}
	defer rows.Close()

	var out []coretypes.IntervalTimer
	for rows.Next() {
		var (
			t        coretypes.IntervalTimer
			pluginID sql.NullInt64
			kind     int
			minutes  sql.NullInt64
			cron     sql.NullString
		)
		if err := rows.Scan(&t.Name, &pluginID, &kind, &minutes, &cron, &t.LastRun); err != nil {
			return nil, fmt.Errorf("pgstore: scan interval timer: %w", err)
		}
		if pluginID.Valid {
			v := uint64(pluginID.Int64)
			t.PluginID = &v
		}
		if kind == int(coretypes.IntervalCron) {
			t.Interval = coretypes.Interval{Kind: coretypes.IntervalCron, Cron: cron.String}
		} else {
			t.Interval = coretypes.Interval{Kind: coretypes.IntervalMinutes, Minutes: uint64(minutes.Int64)}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpsertIntervalTimer(ctx context.Context, guild coretypes.GuildID, timer coretypes.IntervalTimer) error {
	var minutes sql.NullInt64
	var cron sql.NullString
	if timer.Interval.Kind == coretypes.IntervalCron {
		cron = sql.NullString{String: timer.Interval.Cron, Valid: true}
	} else {
		minutes = sql.NullInt64{Int64: int64(timer.Interval.Minutes), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interval_timers (guild_id, name, plugin_id, kind, minutes, cron, last_run)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (guild_id, name, plugin_id) DO UPDATE
		SET kind = EXCLUDED.kind, minutes = EXCLUDED.minutes, cron = EXCLUDED.cron, last_run = EXCLUDED.last_run
	`, int64(guild), timer.Name, nullablePlugin(timer.PluginID), int(timer.Interval.Kind), minutes, cron, timer.LastRun)
	if err != nil {
		return fmt.Errorf("pgstore: upsert interval timer: %w", err)
	}
	return nil
}

func (s *Store) DeleteIntervalTimer(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM interval_timers WHERE guild_id = $1 AND name = $2 AND plugin_id IS NOT DISTINCT FROM $3`,
		int64(guild), name, nullablePlugin(pluginID))
	if err != nil {
		return false, fmt.Errorf("pgstore: delete interval timer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CreateTask(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name string, uniqueKey *string, data []byte, at time.Time) (coretypes.ScheduledTask, error) {
	if data == nil {
		data = []byte("null")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return coretypes.ScheduledTask{}, fmt.Errorf("pgstore: begin create task: %w", err)
	}
	defer tx.Rollback()

	// Replace-on-conflict removes the prior row rather than updating it in
	// place: the replacement gets a fresh id, so a runner holding the old
	// id in flight can't collide with the new row.
	if uniqueKey != nil {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM scheduled_tasks
			WHERE guild_id = $1 AND name = $2 AND plugin_id IS NOT DISTINCT FROM $3 AND unique_key = $4
		`, int64(guild), name, nullablePlugin(pluginID), *uniqueKey); err != nil {
			return coretypes.ScheduledTask{}, fmt.Errorf("pgstore: replace task by key: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO scheduled_tasks (guild_id, name, plugin_id, unique_key, data, execute_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, created_at
	`, int64(guild), name, nullablePlugin(pluginID), nullableString(uniqueKey), json.RawMessage(data), at)

	var task coretypes.ScheduledTask
	task.Name = name
	task.PluginID = pluginID
	task.UniqueKey = uniqueKey
	task.Data = data
	task.ExecuteAt = at
	if err := row.Scan(&task.ID, &task.CreatedAt); err != nil {
		return coretypes.ScheduledTask{}, fmt.Errorf("pgstore: create task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return coretypes.ScheduledTask{}, fmt.Errorf("pgstore: commit create task: %w", err)
	}
	return task, nil
}

func (s *Store) GetTaskByID(ctx context.Context, guild coretypes.GuildID, id uint64) (coretypes.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, plugin_id, unique_key, data, execute_at, created_at
		 FROM scheduled_tasks WHERE guild_id = $1 AND id = $2`,
		int64(guild), int64(id))
	return scanTask(row)
}

func (s *Store) GetTaskByKey(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name, key string) (coretypes.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, plugin_id, unique_key, data, execute_at, created_at
		FROM scheduled_tasks
		WHERE guild_id = $1 AND name = $2 AND plugin_id IS NOT DISTINCT FROM $3 AND unique_key = $4
	`, int64(guild), name, nullablePlugin(pluginID), key)
	return scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context, guild coretypes.GuildID, filter timerstore.TaskFilter, idAfter uint64, limit int) ([]coretypes.ScheduledTask, error) {
	query := `SELECT id, name, plugin_id, unique_key, data, execute_at, created_at
		FROM scheduled_tasks WHERE guild_id = $1 AND id > $2`
	args := []any{int64(guild), int64(idAfter)}

	switch filter.Scope {
	case timerstore.ScopeGuildOnly:
		query += ` AND plugin_id IS NULL`
	case timerstore.ScopePlugin:
		query += fmt.Sprintf(` AND plugin_id = $%d`, len(args)+1)
		args = append(args, int64(filter.PluginID))
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list tasks: %w", err)
	}
	defer rows.Close()

	var out []coretypes.ScheduledTask
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteTaskByID(ctx context.Context, guild coretypes.GuildID, id uint64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE guild_id = $1 AND id = $2`, int64(guild), int64(id))
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete task by id: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteTaskByKey(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name, key string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_tasks
		WHERE guild_id = $1 AND name = $2 AND plugin_id IS NOT DISTINCT FROM $3 AND unique_key = $4
	`, int64(guild), name, nullablePlugin(pluginID), key)
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete task by key: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteAllTasks(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name *string) (int, error) {
	query := `DELETE FROM scheduled_tasks WHERE guild_id = $1`
	args := []any{int64(guild)}
	if pluginID != nil {
		args = append(args, int64(*pluginID))
		query += fmt.Sprintf(` AND plugin_id = $%d`, len(args))
	}
	if name != nil {
		args = append(args, *name)
		query += fmt.Sprintf(` AND name = $%d`, len(args))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete all tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) NextTaskTime(ctx context.Context, guild coretypes.GuildID, ignoreIDs []uint64, buckets []coretypes.TaskBucket) (time.Time, bool, error) {
	query, args := excludeClause(`
		SELECT execute_at FROM scheduled_tasks WHERE guild_id = $1
	`, []any{int64(guild)}, ignoreIDs, buckets)
	query += ` ORDER BY execute_at ASC LIMIT 1`

	var t time.Time
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("pgstore: next task time: %w", err)
	}
	return t, true, nil
}

func (s *Store) DueTasks(ctx context.Context, guild coretypes.GuildID, now time.Time, ignoreIDs []uint64, buckets []coretypes.TaskBucket) ([]coretypes.ScheduledTask, error) {
	base := `SELECT id, name, plugin_id, unique_key, data, execute_at, created_at
		FROM scheduled_tasks WHERE guild_id = $1 AND execute_at <= $2`
	query, args := excludeClause(base, []any{int64(guild), now}, ignoreIDs, buckets)
	query += ` ORDER BY execute_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: due tasks: %w", err)
	}
	defer rows.Close()

	var out []coretypes.ScheduledTask
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) DeleteGuildData(ctx context.Context, guild coretypes.GuildID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin delete guild data: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM interval_timers WHERE guild_id = $1`, int64(guild)); err != nil {
		return fmt.Errorf("pgstore: delete guild interval timers: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE guild_id = $1`, int64(guild)); err != nil {
		return fmt.Errorf("pgstore: delete guild tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgstore: commit delete guild data: %w", err)
	}
	slog.Info("[pgstore] dropped tenant data", "guild_id", guild)
	return nil
}

// excludeClause appends one `AND id != $n` per ignored id and one
// `AND NOT (name = $a AND plugin_id IS NOT DISTINCT FROM $b)` per bucket,
// for the ignore-ids/buckets exclusion spec.md §4.5 requires.
func excludeClause(query string, args []any, ignoreIDs []uint64, buckets []coretypes.TaskBucket) (string, []any) {
	for _, id := range ignoreIDs {
		args = append(args, int64(id))
		query += fmt.Sprintf(` AND id != $%d`, len(args))
	}
	for _, b := range buckets {
		args = append(args, b.Name)
		nameArg := len(args)
		args = append(args, nullablePlugin(b.PluginID))
		pluginArg := len(args)
		query += fmt.Sprintf(` AND NOT (name = $%d AND plugin_id IS NOT DISTINCT FROM $%d)`, nameArg, pluginArg)
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (coretypes.ScheduledTask, error) {
	t, err := scanTaskRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return coretypes.ScheduledTask{}, timerstore.ErrNotFound
	}
	return t, err
}

func scanTaskRows(row rowScanner) (coretypes.ScheduledTask, error) {
	var (
		t         coretypes.ScheduledTask
		pluginID  sql.NullInt64
		uniqueKey sql.NullString
		data      []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &pluginID, &uniqueKey, &data, &t.ExecuteAt, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return coretypes.ScheduledTask{}, err
		}
		return coretypes.ScheduledTask{}, fmt.Errorf("pgstore: scan task: %w", err)
	}
	if pluginID.Valid {
		v := uint64(pluginID.Int64)
		t.PluginID = &v
	}
	if uniqueKey.Valid {
		t.UniqueKey = &uniqueKey.String
	}
	t.Data = data
	return t, nil
}

func nullablePlugin(p *uint64) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
