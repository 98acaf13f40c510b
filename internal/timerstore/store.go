// Package timerstore defines the persistence contract the Scheduler Core
// consumes for interval timers and scheduled tasks (spec.md §4.5), plus
// in-memory, Postgres, and Cloud Tasks-backed implementations of it.
//
// Grounded in original_source's components/stores/src/timers.rs TimerStore
// trait; adapted to the teacher's interface-plus-concrete-backend style
// (internal/escrow/interfaces.go, internal/fabric/redis_store.go).
package timerstore

import (
	"context"
	"errors"
	"time"

	"github.com/botloader/scheduler/internal/coretypes"
)

// ErrNotFound is returned by point lookups that find no row.
var ErrNotFound = errors.New("timerstore: not found")

// TaskFilter scopes a list_tasks query: All rows, guild-owned rows only
// (no plugin_id), or rows owned by one plugin.
type TaskFilter struct {
	Scope    TaskScope
	PluginID uint64 // valid only when Scope == ScopePlugin
}

type TaskScope int

const (
	ScopeAll TaskScope = iota
	ScopeGuildOnly
	ScopePlugin
)

// Store is the contract the Scheduler Core, runner, and gateway consume;
// this package never assumes a particular backend's transaction model
// beyond the atomicity guarantees spec.md §4.5 requires of upsert and
// delete-and-return.
type Store interface {
	ListIntervalTimers(ctx context.Context, guild coretypes.GuildID) ([]coretypes.IntervalTimer, error)

	// UpsertIntervalTimer replaces any existing timer with the same
	// (name, plugin_id) key within the tenant.
	UpsertIntervalTimer(ctx context.Context, guild coretypes.GuildID, timer coretypes.IntervalTimer) error

	// DeleteIntervalTimer reports whether a row was removed.
	DeleteIntervalTimer(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name string) (bool, error)

	// CreateTask inserts a new task, or replaces an existing one sharing
	// the same (guild, plugin_id, name, unique_key) when uniqueKey != nil,
	// returning the stored row including its assigned ID.
	CreateTask(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name string, uniqueKey *string, data []byte, at time.Time) (coretypes.ScheduledTask, error)

	GetTaskByID(ctx context.Context, guild coretypes.GuildID, id uint64) (coretypes.ScheduledTask, error)
	GetTaskByKey(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name, key string) (coretypes.ScheduledTask, error)

	// ListTasks pages results ordered ascending by id, strictly after
	// idAfter (0 to start from the beginning).
	ListTasks(ctx context.Context, guild coretypes.GuildID, filter TaskFilter, idAfter uint64, limit int) ([]coretypes.ScheduledTask, error)

	DeleteTaskByID(ctx context.Context, guild coretypes.GuildID, id uint64) (int, error)
	DeleteTaskByKey(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name, key string) (int, error)
	DeleteAllTasks(ctx context.Context, guild coretypes.GuildID, pluginID *uint64, name *string) (int, error)

	// NextTaskTime returns the earliest execute_at among tasks not in
	// ignoreIDs or buckets, or (zero, false) if none qualify.
	NextTaskTime(ctx context.Context, guild coretypes.GuildID, ignoreIDs []uint64, buckets []coretypes.TaskBucket) (time.Time, bool, error)

	// DueTasks returns every row with execute_at <= now, subject to the
	// same exclusions, ordered stably by (execute_at, id).
	DueTasks(ctx context.Context, guild coretypes.GuildID, now time.Time, ignoreIDs []uint64, buckets []coretypes.TaskBucket) ([]coretypes.ScheduledTask, error)

	DeleteGuildData(ctx context.Context, guild coretypes.GuildID) error
}