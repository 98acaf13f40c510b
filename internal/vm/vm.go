// Package vm wraps one goja.Runtime per tenant: the embedded,
// cooperatively-scheduled ECMAScript VM described in spec.md §5. A Session
// is strictly single-threaded — only one dispatch runs at a time — and
// suspends only at op boundaries, matching the runtime model
// original_source's components/runtime crate implements in Rust/V8.
//
// Grounded in the pack's only goja usage,
// _examples/joeycumines-go-utilpkg/goja-grpc, for the host-call-returns-a-
// promise bridging idiom; this package doesn't pull in that repo's
// go-eventloop/gojaeventloop adapter (a separate module not part of this
// domain's dependency surface) and instead drains goja's own job queue
// directly, since a Tenant Runner's mailbox loop already acts as the
// event loop spec.md §5 describes.
package vm

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/botloader/scheduler/internal/coretypes"
)

// Budget is the per-dispatch resource ceiling enforced by a Session,
// keyed by premium tier (spec.md §4.3, exact numbers are configuration).
type Budget struct {
	WallClock time.Duration
	CPU       time.Duration // best-effort: goja doesn't meter CPU directly, so this bounds wall-clock-while-running
	// MemoryHighWater is the heap high-water mark in bytes that triggers
	// an OutOfMemory shutdown. Best-effort: goja has no per-runtime
	// allocation accounting, so usage is approximated as the growth of
	// the process heap since the session started (see RunDispatch). 0
	// disables the check.
	MemoryHighWater uint64
}

// ShutdownTrigger is why a Session tore itself down, mirroring
// wire.ShutdownReason.
type ShutdownTrigger int

const (
	ShutdownNone ShutdownTrigger = iota
	ShutdownRunaway
	ShutdownOutOfMemory
	ShutdownOther
)

// Session owns one goja.Runtime for one tenant's VM session. RunDispatch
// holds the session's mutex for the whole dispatch, so concurrent calls
// run one at a time, matching the single-threaded-per-tenant guarantee.
type Session struct {
	mu       sync.Mutex
	rt       *goja.Runtime
	guildID  coretypes.GuildID
	budget   Budget
	registry *EventRegistry

	// ctx is the session's cancellation token: it fires on Close, and
	// every host call started on behalf of this session hangs off it so
	// outstanding gateway calls are abandoned on VM shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	trig   ShutdownTrigger

	baselineHeap uint64 // process HeapAlloc when the session was created
	heapPeak     uint64
	cpuUsed      time.Duration

	logMu  sync.Mutex
	logFn  func(level, message string)
	taskFn func()
}

// SetLogFunc installs the sink for script-visible log lines
// (botloader.log / console.log). The Tenant Runner points this at its
// outbox so lines surface as GuildLog messages.
func (s *Session) SetLogFunc(fn func(level, message string)) {
	s.logMu.Lock()
	s.logFn = fn
	s.logMu.Unlock()
}

func (s *Session) emitLog(level, message string) {
	s.logMu.Lock()
	fn := s.logFn
	s.logMu.Unlock()
	if fn != nil {
		fn(level, message)
	}
}

// SetTaskScheduledFunc installs the hook fired whenever a script schedules
// a task through the host API; the Tenant Runner points it at its outbox
// so the scheduler sees TaskScheduled and can re-evaluate the tenant's
// next wake time.
func (s *Session) SetTaskScheduledFunc(fn func()) {
	s.logMu.Lock()
	s.taskFn = fn
	s.logMu.Unlock()
}

// NotifyTaskScheduled fires the hook installed by SetTaskScheduledFunc.
func (s *Session) NotifyTaskScheduled() {
	s.logMu.Lock()
	fn := s.taskFn
	s.logMu.Unlock()
	if fn != nil {
		fn()
	}
}

// NewSession creates a fresh runtime and loads each script's source text
// in order, matching CreateScriptsVmReq's script list ordering. hostBindings
// wires in whatever host API the caller's Handler needs the scripts to see
// (gateway calls, state-cache reads, the botloader.on event registry);
// registry is already bound into rt under the global "botloader" name by
// the time hostBindings runs, so scripts calling botloader.on(...) during
// load land in it.
func NewSession(guildID coretypes.GuildID, budget Budget, scripts []coretypes.Script, hostBindings func(*Session)) (*Session, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	registry := NewEventRegistry()
	registry.Bind(rt)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		rt:           rt,
		guildID:      guildID,
		budget:       budget,
		registry:     registry,
		ctx:          ctx,
		cancel:       cancel,
		baselineHeap: heapAlloc(),
	}
	s.bindLogging(rt)

	if hostBindings != nil {
		hostBindings(s)
	}

	for _, script := range scripts {
		if !script.Enabled {
			continue
		}
		if _, err := rt.RunString(script.SourceText); err != nil {
			return nil, fmt.Errorf("vm: load script %q: %w", script.Name, err)
		}
	}
	return s, nil
}

// bindLogging installs botloader.log(level, msg) and a console shim whose
// log/warn/error map onto it, so script output surfaces as GuildLog
// entries rather than vanishing.
func (s *Session) bindLogging(rt *goja.Runtime) {
	logAt := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				parts = append(parts, a.String())
			}
			s.emitLog(level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	if botloader, ok := rt.Get("botloader").(*goja.Object); ok {
		_ = botloader.Set("log", func(call goja.FunctionCall) goja.Value {
			level := call.Argument(0).String()
			message := call.Argument(1).String()
			s.emitLog(level, message)
			return goja.Undefined()
		})
	}

	console := rt.NewObject()
	_ = console.Set("log", logAt("info"))
	_ = console.Set("warn", logAt("warn"))
	_ = console.Set("error", logAt("error"))
	_ = rt.Set("console", console)
}

// RunDispatch invokes fn (the script's event handler lookup/invoke,
// supplied by the runner) under the session's wall-clock budget. If fn
// overruns, the runtime is interrupted and RunDispatch returns
// ShutdownRunaway; the session must then be discarded, not reused.
func (s *Session) RunDispatch(ctx context.Context, fn func(rt *goja.Runtime) error) (ShutdownTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wall := s.budget.WallClock
	if wall <= 0 {
		wall = time.Second
	}
	if cpu := s.budget.CPU; cpu > 0 && cpu < wall {
		wall = cpu
	}
	deadline := time.Now().Add(wall)
	timer := time.AfterFunc(wall, func() {
		s.rt.Interrupt("dispatch exceeded wall-clock budget")
	})
	defer timer.Stop()

	start := time.Now()
	done := make(chan struct{})
	var fnErr error
	go func() {
		defer close(done)
		fnErr = fn(s.rt)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.rt.Interrupt("dispatch canceled")
		<-done
	}
	s.cpuUsed += time.Since(start)

	// Heap accounting is a process-level approximation: goja exposes no
	// per-runtime allocation counter, so usage is measured as growth of
	// the Go heap since the session started. Coarse, but it gives the
	// OutOfMemory shutdown a detector instead of none.
	var overHighWater bool
	if usage := heapAlloc() - s.baselineHeap; usage < 1<<63 { // guard underflow when the heap shrank
		if usage > s.heapPeak {
			s.heapPeak = usage
		}
		overHighWater = s.budget.MemoryHighWater > 0 && usage > s.budget.MemoryHighWater
	}

	if fnErr != nil {
		if _, ok := fnErr.(*goja.InterruptedError); ok || time.Now().After(deadline) {
			s.trig = ShutdownRunaway
			return ShutdownRunaway, fnErr
		}
		return ShutdownNone, fnErr
	}
	if overHighWater {
		s.trig = ShutdownOutOfMemory
		return ShutdownOutOfMemory, fmt.Errorf("vm: heap growth %d exceeds high-water mark %d", s.heapPeak, s.budget.MemoryHighWater)
	}
	return ShutdownNone, nil
}

// Stats reports the session's resource counters: the observed heap-growth
// peak and the cumulative wall-clock time spent running dispatches (the
// CPU approximation noted on Budget). The runner mirrors these into its
// VMSession record after every dispatch.
func (s *Session) Stats() (heapPeak uint64, cpuUsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heapPeak, s.cpuUsed
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// DispatchNamed runs every script handler registered for name (via
// botloader.on) against payload, under the session's wall-clock budget.
// This is the Handler a Tenant Runner calls for each wire.VmDispatchEvent.
func (s *Session) DispatchNamed(ctx context.Context, name string, payload []byte) (ShutdownTrigger, error) {
	return s.RunDispatch(ctx, func(rt *goja.Runtime) error {
		return s.registry.Dispatch(rt, name, payload)
	})
}

// Runtime exposes the underlying goja runtime for host bindings installed
// via NewSession's hostBindings hook.
func (s *Session) Runtime() *goja.Runtime { return s.rt }

// Context is the session's cancellation token (spec.md §5): canceled on
// Close, never before. Host calls made on behalf of this session should
// derive from it so they are abandoned on VM shutdown.
func (s *Session) Context() context.Context { return s.ctx }

// GuildID reports the tenant this session belongs to.
func (s *Session) GuildID() coretypes.GuildID { return s.guildID }

// Close fires the session's cancellation token, abandoning outstanding
// host calls (spec.md §5: "outstanding gateway calls are abandoned, their
// results discarded"), and interrupts any dispatch still running.
func (s *Session) Close() {
	s.cancel()
	s.rt.Interrupt("session closed")
}

// NewHostPromise lets a host call (a Gateway/state-cache op) return
// control to the script immediately with a pending Promise, resolved or
// rejected later when the op completes — the op-boundary suspension point
// spec.md §5 requires.
func NewHostPromise(rt *goja.Runtime) (*goja.Promise, func(result goja.Value), func(err error)) {
	p, resolve, reject := rt.NewPromise()
	return p, func(v goja.Value) { resolve(v) }, func(err error) { reject(rt.ToValue(err.Error())) }
}
