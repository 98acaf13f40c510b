package hostapi

import (
	"context"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/statecache"
	"github.com/botloader/scheduler/internal/timerstore"
	"github.com/botloader/scheduler/internal/timerstore/memstore"
	"github.com/botloader/scheduler/internal/vm"
)

func newBoundSession(t *testing.T, scripts []coretypes.Script, cache *statecache.Cache, store timerstore.Store) (*vm.Session, *coretypes.Tenant) {
	t.Helper()
	tenant := coretypes.NewTenant(1)
	s, err := vm.NewSession(1, vm.Budget{WallClock: time.Second}, scripts, BindingsFor(tenant, nil, cache, store))
	require.NoError(t, err)
	return s, tenant
}

func TestStateGetChannelReturnsCachedRecord(t *testing.T) {
	cache := statecache.New()
	cache.PutChannel(1, 100, []byte(`{"name":"general"}`))

	scripts := []coretypes.Script{{Name: "a", Enabled: true, SourceText: `
		botloader.on("MESSAGE_CREATE", function() {
			var ch = botloader.state.getChannel(100);
			globalThis.channelName = ch === null ? null : ch.name;
			globalThis.missing = botloader.state.getChannel(999);
		});
	`}}
	s, _ := newBoundSession(t, scripts, cache, nil)

	_, err := s.DispatchNamed(context.Background(), "MESSAGE_CREATE", []byte(`{}`))
	require.NoError(t, err)

	_, err = s.RunDispatch(context.Background(), func(rt *goja.Runtime) error {
		require.Equal(t, "general", rt.Get("channelName").String())
		require.True(t, goja.IsNull(rt.Get("missing")))
		return nil
	})
	require.NoError(t, err)
}

func TestTasksScheduleCreatesRowAndNotifies(t *testing.T) {
	store := memstore.New()
	scripts := []coretypes.Script{{Name: "a", Enabled: true, SourceText: `
		botloader.on("MESSAGE_CREATE", function() {
			botloader.tasks.schedule("remind", 60, {channel: "5"}, "remind-5");
		});
	`}}
	s, _ := newBoundSession(t, scripts, statecache.New(), store)

	notified := 0
	s.SetTaskScheduledFunc(func() { notified++ })

	_, err := s.DispatchNamed(context.Background(), "MESSAGE_CREATE", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, 1, notified)

	tasks, err := store.ListTasks(context.Background(), 1, timerstore.TaskFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "remind", tasks[0].Name)
	require.NotNil(t, tasks[0].UniqueKey)
	require.Equal(t, "remind-5", *tasks[0].UniqueKey)
	require.JSONEq(t, `{"channel":"5"}`, string(tasks[0].Data))
}

func TestTasksCancelRemovesRow(t *testing.T) {
	store := memstore.New()
	key := "k"
	_, err := store.CreateTask(context.Background(), 1, nil, "remind", &key, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	scripts := []coretypes.Script{{Name: "a", Enabled: true, SourceText: `
		botloader.on("MESSAGE_CREATE", function() {
			botloader.tasks.cancel("remind", "k");
		});
	`}}
	s, _ := newBoundSession(t, scripts, statecache.New(), store)

	_, err = s.DispatchNamed(context.Background(), "MESSAGE_CREATE", []byte(`{}`))
	require.NoError(t, err)

	tasks, err := store.ListTasks(context.Background(), 1, timerstore.TaskFilter{}, 0, 0)
	require.NoError(t, err)
	require.Empty(t, tasks)
}
