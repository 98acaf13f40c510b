package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/runner"
	"github.com/botloader/scheduler/internal/timerstore"
	"github.com/botloader/scheduler/internal/timerstore/memstore"
	"github.com/botloader/scheduler/internal/vm"
	"github.com/botloader/scheduler/internal/wire"
)

func scriptedTenant(id coretypes.GuildID) *coretypes.Tenant {
	t := coretypes.NewTenant(id)
	t.Scripts = []coretypes.Script{{ScriptID: 1, Name: "s", Enabled: true}}
	return t
}

func nopSpawn(tenant *coretypes.Tenant) (*runner.Runner, error) {
	session, err := vm.NewSession(tenant.GuildID, vm.Budget{WallClock: time.Second}, nil, nil)
	if err != nil {
		return nil, err
	}
	return runner.New(tenant, session, nil, nil, vm.Budget{WallClock: time.Second}, 64), nil
}

func TestAdmitDropsForSuspendedTenant(t *testing.T) {
	sched := New(Config{MaxQueueDepth: 4}, nopSpawn)
	tenant := scriptedTenant(1)
	tenant.SetState(coretypes.StateSuspended)

	dropped, reason := sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "MESSAGE_CREATE"})
	require.True(t, dropped)
	require.Equal(t, "suspended", reason)
	require.EqualValues(t, 1, sched.SuspendedDrops())
}

func TestAdmitOverflowDropsOldestAndCountsExactlyOne(t *testing.T) {
	sched := New(Config{MaxQueueDepth: 2}, func(tenant *coretypes.Tenant) (*runner.Runner, error) {
		session, _ := vm.NewSession(tenant.GuildID, vm.Budget{WallClock: time.Second}, nil, nil)
		return runner.New(tenant, session, nil, nil, vm.Budget{WallClock: time.Second}, 64), nil
	})
	tenant := coretypes.NewTenant(1) // no enabled scripts: runner never spawns, queue still fills

	sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "A"})
	sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "B"})
	require.EqualValues(t, 0, sched.Overflow(1))

	sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "C"})
	require.EqualValues(t, 1, sched.Overflow(1))

	entry := sched.entries[1]
	entry.mu.Lock()
	names := make([]string, len(entry.queue))
	for i, e := range entry.queue {
		names[i] = e.Name
	}
	entry.mu.Unlock()
	require.Equal(t, []string{"B", "C"}, names)
}

func TestNextInRotationCyclesRegisteredTenants(t *testing.T) {
	sched := New(Config{}, func(tenant *coretypes.Tenant) (*runner.Runner, error) {
		return nil, nil
	})
	t1, t2, t3 := coretypes.NewTenant(1), coretypes.NewTenant(2), coretypes.NewTenant(3)
	sched.Admit(t1, coretypes.DispatchEvent{GuildID: 1, Name: "A"})
	sched.Admit(t2, coretypes.DispatchEvent{GuildID: 2, Name: "A"})
	sched.Admit(t3, coretypes.DispatchEvent{GuildID: 3, Name: "A"})

	order := sched.RotationOrder()
	require.Equal(t, []coretypes.GuildID{1, 2, 3}, order)

	seen := []coretypes.GuildID{}
	for i := 0; i < 6; i++ {
		g, ok := sched.NextInRotation()
		require.True(t, ok)
		seen = append(seen, g)
	}
	require.Equal(t, []coretypes.GuildID{1, 2, 3, 1, 2, 3}, seen)
}

func TestEnsureRunnerEvictsLRUIdleTenantWhenAtCapacity(t *testing.T) {
	built := []coretypes.GuildID{}
	spawn := func(tenant *coretypes.Tenant) (*runner.Runner, error) {
		built = append(built, tenant.GuildID)
		session, _ := vm.NewSession(tenant.GuildID, vm.Budget{WallClock: time.Second}, nil, nil)
		return runner.New(tenant, session, nil, nil, vm.Budget{WallClock: time.Second}, 64), nil
	}
	sched := New(Config{MaxActiveRunners: 1}, spawn)

	t1 := scriptedTenant(1)
	t2 := scriptedTenant(2)

	sched.Admit(t1, coretypes.DispatchEvent{GuildID: 1, Name: "A"})
	require.Equal(t, 1, sched.activeN)
	t1.SetState(coretypes.StateIdle) // idle and eligible for eviction

	sched.Admit(t2, coretypes.DispatchEvent{GuildID: 2, Name: "A"})

	require.Equal(t, []coretypes.GuildID{1, 2}, built)
	require.Equal(t, 1, sched.activeN)
	require.Nil(t, sched.entries[1].runner)
	require.NotNil(t, sched.entries[2].runner)
	require.Equal(t, coretypes.StateIdle, t1.GetState())
}

func TestPollDueDeliversTasksBeforeIntervalsAtSameInstant(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	now := time.Now()

	_, err := store.CreateTask(ctx, 1, nil, "task-a", nil, []byte(`{}`), now.Add(time.Second))
	require.NoError(t, err)
	err = store.UpsertIntervalTimer(ctx, 1, coretypes.IntervalTimer{
		Name:     "every-minute",
		Interval: coretypes.Interval{Kind: coretypes.IntervalMinutes, Minutes: 1},
		LastRun:  now.Add(-2 * time.Minute),
	})
	require.NoError(t, err)

	var delivered []string
	spawn := func(tenant *coretypes.Tenant) (*runner.Runner, error) {
		session, _ := vm.NewSession(tenant.GuildID, vm.Budget{WallClock: time.Second}, nil, nil)
		return runner.New(tenant, session, nil, nil, vm.Budget{WallClock: time.Second}, 64), nil
	}
	sched := New(Config{MaxQueueDepth: 8}, spawn)
	tenant := coretypes.NewTenant(1) // no enabled scripts: events still queue, no runner spawned
	sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "warm-registration"})

	n, err := sched.PollDue(ctx, store, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entry := sched.entries[1]
	entry.mu.Lock()
	for _, e := range entry.queue {
		delivered = append(delivered, e.Name)
	}
	entry.mu.Unlock()

	// first queued item is the manual warm-registration event; the two
	// synthetic ones follow, task before interval per the tie-break rule.
	require.Equal(t, []string{"warm-registration", coretypes.NameTask, coretypes.NameInterval}, delivered)
}

// flakyDeleteStore fails the first N task deletions, simulating a store
// hiccup between delivering a due task and retiring its row.
type flakyDeleteStore struct {
	timerstore.Store
	failures int
	deletes  int
}

func (f *flakyDeleteStore) DeleteTaskByID(ctx context.Context, guild coretypes.GuildID, id uint64) (int, error) {
	f.deletes++
	if f.deletes <= f.failures {
		return 0, errors.New("transient store error")
	}
	return f.Store.DeleteTaskByID(ctx, guild, id)
}

// TestPollDueExcludesInFlightTaskUntilRowDeleted: a delivered task whose
// row deletion keeps failing must not be fetched and re-dispatched on
// later polls; once the delete succeeds it is retired for good.
func TestPollDueExcludesInFlightTaskUntilRowDeleted(t *testing.T) {
	store := &flakyDeleteStore{Store: memstore.New(), failures: 2}
	ctx := context.Background()
	now := time.Now()

	_, err := store.CreateTask(ctx, 1, nil, "report", nil, []byte(`{}`), now)
	require.NoError(t, err)

	sched := New(Config{MaxQueueDepth: 8}, nopSpawn)
	tenant := coretypes.NewTenant(1) // no enabled scripts: events queue, no runner
	sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "warm-registration"})

	n, err := sched.PollDue(ctx, store, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n) // delivered once; delete failed, row stays in flight

	n, err = sched.PollDue(ctx, store, now.Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, n) // row still exists but is excluded, not re-delivered

	n, err = sched.PollDue(ctx, store, now.Add(3*time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, n) // retire retry succeeded; row gone

	entry := sched.entries[1]
	entry.mu.Lock()
	taskEvents := 0
	for _, e := range entry.queue {
		if e.Name == coretypes.NameTask {
			taskEvents++
		}
	}
	inflight := len(entry.inflight)
	entry.mu.Unlock()
	require.Equal(t, 1, taskEvents, "task delivered exactly once")
	require.Zero(t, inflight)

	tasks, err := store.ListTasks(ctx, 1, timerstore.TaskFilter{}, 0, 0)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestHandleWorkerShutdownSuspendsOnRunaway(t *testing.T) {
	sched := New(Config{}, nopSpawn)
	tenant := scriptedTenant(1)
	sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "A"})
	require.Equal(t, 1, sched.activeN)

	sched.HandleWorkerShutdown(1, wire.ShutdownRunaway)

	require.Equal(t, coretypes.StateSuspended, tenant.GetState())
	require.Equal(t, coretypes.ReasonRunaway, tenant.SuspendedWhy)
	require.Nil(t, sched.entries[1].runner)
	require.Equal(t, 0, sched.activeN)

	dropped, reason := sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "B"})
	require.True(t, dropped)
	require.Equal(t, "suspended", reason)
}

func TestHandleWorkerShutdownOtherReturnsToIdle(t *testing.T) {
	sched := New(Config{}, nopSpawn)
	tenant := scriptedTenant(1)
	sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "A"})

	sched.HandleWorkerShutdown(1, wire.ShutdownOther)

	require.Equal(t, coretypes.StateIdle, tenant.GetState())
	require.Nil(t, sched.entries[1].runner)

	// the next event re-spawns a fresh runner
	dropped, _ := sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "B"})
	require.False(t, dropped)
	require.NotNil(t, sched.entries[1].runner)
}

func TestIdleSweepTransitionsEmptyRunningTenantsToIdle(t *testing.T) {
	spawn := func(tenant *coretypes.Tenant) (*runner.Runner, error) {
		session, _ := vm.NewSession(tenant.GuildID, vm.Budget{WallClock: time.Second}, nil, nil)
		return runner.New(tenant, session, nil, nil, vm.Budget{WallClock: time.Second}, 64), nil
	}
	sched := New(Config{}, spawn)
	tenant := scriptedTenant(1)
	sched.Admit(tenant, coretypes.DispatchEvent{GuildID: 1, Name: "A"})
	tenant.SetState(coretypes.StateRunning)
	tenant.LastEventAt = time.Now().Add(-time.Hour)

	// drain the queue so IdleSweep's empty-queue precondition holds
	entry := sched.entries[1]
	entry.mu.Lock()
	entry.queue = nil
	entry.mu.Unlock()

	n := sched.IdleSweep(time.Now().Add(-time.Minute))
	require.Equal(t, 1, n)
	require.Equal(t, coretypes.StateIdle, tenant.GetState())
}
