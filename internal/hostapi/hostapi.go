// Package hostapi wires the botloader.* global scripts see inside a
// vm.Session: reads against the Tenant State Cache and outbound calls
// through the Gateway. Shared by cmd/scheduler's embedded runner pool and
// cmd/worker's standalone dedicated process so both spawn sessions with
// the same script-facing surface.
package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dop251/goja"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/gateway"
	"github.com/botloader/scheduler/internal/statecache"
	"github.com/botloader/scheduler/internal/timerstore"
	"github.com/botloader/scheduler/internal/vm"
	"github.com/botloader/scheduler/internal/wire"
)

// BindingsFor returns the hostBindings function vm.NewSession expects,
// scoped to one tenant's Gateway, Tenant State Cache entries, and timer
// store. Outbound calls derive from the session's context so they are
// abandoned when the VM shuts down (spec.md §5 cancellation). store may be
// nil, in which case the botloader.tasks surface is not bound.
func BindingsFor(tenant *coretypes.Tenant, gw *gateway.Gateway, cache *statecache.Cache, store timerstore.Store) func(*vm.Session) {
	return func(session *vm.Session) {
		rt := session.Runtime()
		botloader, _ := rt.Get("botloader").(*goja.Object)
		if botloader == nil {
			botloader = rt.NewObject()
			_ = rt.Set("botloader", botloader)
		}

		state := rt.NewObject()
		_ = state.Set("getChannel", stateLookup(rt, tenant, cache.Channel))
		_ = state.Set("getRole", stateLookup(rt, tenant, cache.Role))
		_ = state.Set("getMember", stateLookup(rt, tenant, cache.Member))
		_ = state.Set("getVoiceState", stateLookup(rt, tenant, cache.VoiceState))
		_ = botloader.Set("state", state)

		_ = botloader.Set("http", func(call goja.FunctionCall) goja.Value {
			method := call.Argument(0).String()
			url := call.Argument(1).String()
			var body io.Reader
			if bodyArg := call.Argument(2); !goja.IsUndefined(bodyArg) && !goja.IsNull(bodyArg) {
				body = bytes.NewReader([]byte(bodyArg.String()))
			}

			p, resolve, reject := vm.NewHostPromise(rt)
			req, err := http.NewRequest(method, url, body)
			if err != nil {
				reject(err)
				return rt.ToValue(p)
			}

			resp, err := gw.Do(session.Context(), tenant, req)
			if err != nil {
				if resp != nil && resp.Body != nil {
					resp.Body.Close()
				}
				reject(err)
				return rt.ToValue(p)
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				reject(err)
				return rt.ToValue(p)
			}
			resolve(rt.ToValue(string(data)))
			return rt.ToValue(p)
		})

		if store != nil {
			bindTasks(session, rt, botloader, tenant, store)
		}
	}
}

// bindTasks installs botloader.tasks: schedule(name, inSeconds, data?,
// uniqueKey?) persists a single-fire task (replace-on-conflict when a
// unique key is given) and cancel(name, uniqueKey) removes one. The task's
// data round-trips opaque; it comes back as the TASK event payload when
// the task fires.
func bindTasks(session *vm.Session, rt *goja.Runtime, botloader *goja.Object, tenant *coretypes.Tenant, store timerstore.Store) {
	tasks := rt.NewObject()

	_ = tasks.Set("schedule", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		inSeconds := call.Argument(1).ToFloat()

		var data []byte
		if arg := call.Argument(2); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			raw, err := json.Marshal(arg.Export())
			if err != nil {
				panic(rt.NewGoError(fmt.Errorf("hostapi: encode task data: %w", err)))
			}
			data = raw
		}

		var uniqueKey *string
		if arg := call.Argument(3); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			k := arg.String()
			uniqueKey = &k
		}

		p, resolve, reject := vm.NewHostPromise(rt)
		at := time.Now().Add(time.Duration(inSeconds * float64(time.Second)))
		task, err := store.CreateTask(session.Context(), tenant.GuildID, nil, name, uniqueKey, data, at)
		if err != nil {
			reject(err)
			return rt.ToValue(p)
		}
		session.NotifyTaskScheduled()
		resolve(rt.ToValue(task.ID))
		return rt.ToValue(p)
	})

	_ = tasks.Set("cancel", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		key := call.Argument(1).String()

		p, resolve, reject := vm.NewHostPromise(rt)
		n, err := store.DeleteTaskByKey(session.Context(), tenant.GuildID, nil, name, key)
		if err != nil {
			reject(err)
			return rt.ToValue(p)
		}
		resolve(rt.ToValue(n > 0))
		return rt.ToValue(p)
	})

	_ = botloader.Set("tasks", tasks)
}

func stateLookup(rt *goja.Runtime, tenant *coretypes.Tenant, lookup func(guildID, id uint64) ([]byte, bool)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		id := uint64(call.Argument(0).ToInteger())
		raw, ok := lookup(uint64(tenant.GuildID), id)
		if !ok {
			return goja.Null()
		}
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			panic(rt.NewGoError(fmt.Errorf("hostapi: decode cached record: %w", err)))
		}
		return rt.ToValue(decoded)
	}
}

// DispatchHandler is the runner.Handler every process wiring shares: look
// up the script-registered botloader.on handlers for evt.Name and run
// them under the session's budget. The ShutdownTrigger passes through so
// the runner can tear the session down on Runaway/OutOfMemory.
func DispatchHandler(ctx context.Context, session *vm.Session, evt wire.VmDispatchEvent) (vm.ShutdownTrigger, error) {
	return session.DispatchNamed(ctx, evt.Name, evt.Value)
}
