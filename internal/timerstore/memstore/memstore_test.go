package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/timerstore"
)

func TestCreateTaskUniqueKeyReplaces(t *testing.T) {
	ctx := context.Background()
	s := New()
	key := "daily-report"
	at1 := time.Unix(1000, 0)
	at2 := time.Unix(2000, 0)

	first, err := s.CreateTask(ctx, 1, nil, "report", &key, []byte(`{"n":1}`), at1)
	require.NoError(t, err)

	second, err := s.CreateTask(ctx, 1, nil, "report", &key, []byte(`{"n":2}`), at2)
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID, "replacement gets a fresh id")

	all, err := s.ListTasks(ctx, 1, timerstore.TaskFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, second.ID, all[0].ID)
	require.Equal(t, []byte(`{"n":2}`), all[0].Data)
	require.Equal(t, at2, all[0].ExecuteAt)

	_, err = s.GetTaskByID(ctx, 1, first.ID)
	require.ErrorIs(t, err, timerstore.ErrNotFound, "the first row's id is gone")
}

func TestCreateTaskNoUniqueKeyAlwaysInserts(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Unix(1000, 0)

	_, err := s.CreateTask(ctx, 1, nil, "reminder", nil, nil, at)
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, 1, nil, "reminder", nil, nil, at)
	require.NoError(t, err)

	all, err := s.ListTasks(ctx, 1, timerstore.TaskFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestDueTasksOrderedByExecuteAtThenID(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Unix(1000, 0)

	a, _ := s.CreateTask(ctx, 1, nil, "a", nil, nil, base)
	b, _ := s.CreateTask(ctx, 1, nil, "b", nil, nil, base) // same execute_at, later id
	c, _ := s.CreateTask(ctx, 1, nil, "c", nil, nil, base.Add(-time.Second))

	due, err := s.DueTasks(ctx, 1, base, nil, nil)
	require.NoError(t, err)
	require.Len(t, due, 3)
	// c has the earliest execute_at, then a and b tie and break by ascending id.
	require.Equal(t, c.ID, due[0].ID)
	require.Equal(t, a.ID, due[1].ID)
	require.Equal(t, b.ID, due[2].ID)
}

func TestDueTasksExcludesIgnoredIDsAndBuckets(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Unix(1000, 0)

	a, _ := s.CreateTask(ctx, 1, nil, "a", nil, nil, at)
	b, _ := s.CreateTask(ctx, 1, nil, "b", nil, nil, at)

	due, err := s.DueTasks(ctx, 1, at, []uint64{a.ID}, nil)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, b.ID, due[0].ID)

	due, err = s.DueTasks(ctx, 1, at, nil, []coretypes.TaskBucket{b.Bucket()})
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, a.ID, due[0].ID)
}

func TestDueTasksExcludesFutureExecuteAt(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Unix(1000, 0)
	_, err := s.CreateTask(ctx, 1, nil, "future", nil, nil, now.Add(time.Hour))
	require.NoError(t, err)

	due, err := s.DueTasks(ctx, 1, now, nil, nil)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestUpsertIntervalTimerReplacesByNameAndPlugin(t *testing.T) {
	ctx := context.Background()
	s := New()

	timer := coretypes.IntervalTimer{Name: "cleanup", Interval: coretypes.Interval{Kind: coretypes.IntervalMinutes, Minutes: 5}}
	require.NoError(t, s.UpsertIntervalTimer(ctx, 1, timer))

	timer.Interval = coretypes.Interval{Kind: coretypes.IntervalMinutes, Minutes: 10}
	require.NoError(t, s.UpsertIntervalTimer(ctx, 1, timer))

	all, err := s.ListIntervalTimers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, uint64(10), all[0].Interval.Minutes)
}

func TestDeleteIntervalTimerReportsRemoval(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.DeleteIntervalTimer(ctx, 1, nil, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.UpsertIntervalTimer(ctx, 1, coretypes.IntervalTimer{Name: "present"}))
	ok, err = s.DeleteIntervalTimer(ctx, 1, nil, "present")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetTaskByIDNotFound(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.GetTaskByID(ctx, 1, 999)
	require.ErrorIs(t, err, timerstore.ErrNotFound)
}

func TestDeleteGuildDataDropsEverything(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.UpsertIntervalTimer(ctx, 1, coretypes.IntervalTimer{Name: "t"}))
	_, err := s.CreateTask(ctx, 1, nil, "task", nil, nil, time.Unix(0, 0))
	require.NoError(t, err)

	require.NoError(t, s.DeleteGuildData(ctx, 1))

	timers, err := s.ListIntervalTimers(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, timers)

	tasks, err := s.ListTasks(ctx, 1, timerstore.TaskFilter{}, 0, 0)
	require.NoError(t, err)
	require.Empty(t, tasks)
}
