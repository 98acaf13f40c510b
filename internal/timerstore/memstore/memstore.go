// Package memstore is an in-memory timerstore.Store used by tests and by
// single-process deployments that don't need durability across restarts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/timerstore"
)

type guildData struct {
	intervals map[coretypes.TimerKey]coretypes.IntervalTimer
	tasks     map[uint64]coretypes.ScheduledTask
}

func newGuildData() *guildData {
	return &guildData{
		intervals: make(map[coretypes.TimerKey]coretypes.IntervalTimer),
		tasks:     make(map[uint64]coretypes.ScheduledTask),
	}
}

// Store is a mutex-guarded in-memory implementation of timerstore.Store.
type Store struct {
	mu     sync.Mutex
	guilds map[coretypes.GuildID]*guildData
	nextID uint64
}

func New() *Store {
	return &Store{guilds: make(map[coretypes.GuildID]*guildData)}
}

func (s *Store) guild(id coretypes.GuildID) *guildData {
	g, ok := s.guilds[id]
	if !ok {
		g = newGuildData()
		s.guilds[id] = g
	}
	return g
}

func (s *Store) ListIntervalTimers(_ context.Context, guild coretypes.GuildID) ([]coretypes.IntervalTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)
	out := make([]coretypes.IntervalTimer, 0, len(g.intervals))
	for _, t := range g.intervals {
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) UpsertIntervalTimer(_ context.Context, guild coretypes.GuildID, timer coretypes.IntervalTimer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)
	g.intervals[timer.Key()] = timer
	return nil
}

func (s *Store) DeleteIntervalTimer(_ context.Context, guild coretypes.GuildID, pluginID *uint64, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)
	key := coretypes.IntervalTimer{Name: name, PluginID: pluginID}.Key()
	if _, ok := g.intervals[key]; !ok {
		return false, nil
	}
	delete(g.intervals, key)
	return true, nil
}

func (s *Store) CreateTask(_ context.Context, guild coretypes.GuildID, pluginID *uint64, name string, uniqueKey *string, data []byte, at time.Time) (coretypes.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)

	if uniqueKey != nil {
		// replace-on-conflict: the prior row is removed entirely, so its
		// id does not survive the replacement
		for id, t := range g.tasks {
			if sameUniqueOwner(t, pluginID, name) && t.UniqueKey != nil && *t.UniqueKey == *uniqueKey {
				delete(g.tasks, id)
				break
			}
		}
	}

	s.nextID++
	task := coretypes.ScheduledTask{
		ID:        s.nextID,
		Name:      name,
		PluginID:  pluginID,
		UniqueKey: uniqueKey,
		Data:      data,
		ExecuteAt: at,
		CreatedAt: at,
	}
	g.tasks[task.ID] = task
	return task, nil
}

func sameUniqueOwner(t coretypes.ScheduledTask, pluginID *uint64, name string) bool {
	if t.Name != name {
		return false
	}
	if (t.PluginID == nil) != (pluginID == nil) {
		return false
	}
	if t.PluginID != nil && *t.PluginID != *pluginID {
		return false
	}
	return true
}

func (s *Store) GetTaskByID(_ context.Context, guild coretypes.GuildID, id uint64) (coretypes.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)
	t, ok := g.tasks[id]
	if !ok {
		return coretypes.ScheduledTask{}, timerstore.ErrNotFound
	}
	return t, nil
}

func (s *Store) GetTaskByKey(_ context.Context, guild coretypes.GuildID, pluginID *uint64, name, key string) (coretypes.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)
	for _, t := range g.tasks {
		if sameUniqueOwner(t, pluginID, name) && t.UniqueKey != nil && *t.UniqueKey == key {
			return t, nil
		}
	}
	return coretypes.ScheduledTask{}, timerstore.ErrNotFound
}

func (s *Store) ListTasks(_ context.Context, guild coretypes.GuildID, filter timerstore.TaskFilter, idAfter uint64, limit int) ([]coretypes.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)

	var out []coretypes.ScheduledTask
	for _, t := range g.tasks {
		if t.ID <= idAfter {
			continue
		}
		switch filter.Scope {
		case timerstore.ScopeGuildOnly:
			if t.PluginID != nil {
				continue
			}
		case timerstore.ScopePlugin:
			if t.PluginID == nil || *t.PluginID != filter.PluginID {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteTaskByID(_ context.Context, guild coretypes.GuildID, id uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)
	if _, ok := g.tasks[id]; !ok {
		return 0, nil
	}
	delete(g.tasks, id)
	return 1, nil
}

func (s *Store) DeleteTaskByKey(_ context.Context, guild coretypes.GuildID, pluginID *uint64, name, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)
	n := 0
	for id, t := range g.tasks {
		if t.UniqueKey == nil {
			continue
		}
		if sameUniqueOwner(t, pluginID, name) && *t.UniqueKey == key {
			delete(g.tasks, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteAllTasks(_ context.Context, guild coretypes.GuildID, pluginID *uint64, name *string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)
	n := 0
	for id, t := range g.tasks {
		if pluginID != nil {
			if t.PluginID == nil || *t.PluginID != *pluginID {
				continue
			}
		}
		if name != nil && t.Name != *name {
			continue
		}
		delete(g.tasks, id)
		n++
	}
	return n, nil
}

func (s *Store) NextTaskTime(_ context.Context, guild coretypes.GuildID, ignoreIDs []uint64, buckets []coretypes.TaskBucket) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)

	var best time.Time
	found := false
	for _, t := range g.tasks {
		if taskExcluded(t, ignoreIDs, buckets) {
			continue
		}
		if !found || t.ExecuteAt.Before(best) {
			best = t.ExecuteAt
			found = true
		}
	}
	return best, found, nil
}

func (s *Store) DueTasks(_ context.Context, guild coretypes.GuildID, now time.Time, ignoreIDs []uint64, buckets []coretypes.TaskBucket) ([]coretypes.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.guild(guild)

	var out []coretypes.ScheduledTask
	for _, t := range g.tasks {
		if t.ExecuteAt.After(now) {
			continue
		}
		if taskExcluded(t, ignoreIDs, buckets) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecuteAt.Equal(out[j].ExecuteAt) {
			return out[i].ExecuteAt.Before(out[j].ExecuteAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteGuildData(_ context.Context, guild coretypes.GuildID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.guilds, guild)
	return nil
}

func taskExcluded(t coretypes.ScheduledTask, ignoreIDs []uint64, buckets []coretypes.TaskBucket) bool {
	for _, id := range ignoreIDs {
		if id == t.ID {
			return true
		}
	}
	bucket := t.Bucket()
	for _, b := range buckets {
		if b.Matches(bucket) {
			return true
		}
	}
	return false
}
