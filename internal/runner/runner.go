// Package runner implements the Tenant Runner: the per-tenant state
// machine and mailbox loop described in spec.md §4.2. One Runner owns
// exactly one tenant's VM session; dispatches are processed strictly in
// the order the scheduler accepted them, one at a time.
//
// Grounded in the teacher's channel-plus-mutex resource lifecycle style
// (internal/ghostpool/pool_manager.go's available/active bookkeeping,
// adapted here from a container pool to a single mailbox-driven state
// machine) and in original_source's scheduler-worker-rpc message flow
// (components/scheduler-worker-rpc/src/lib.rs) for the Ack/seq discipline.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/vm"
	"github.com/botloader/scheduler/internal/wire"
)

// Handler executes one dispatch against the tenant's VM session, reporting
// the session's ShutdownTrigger alongside any script error so the runner
// can tear down a VM that overran its budget. Supplied by the worker
// process wiring; kept as a function type here so this package doesn't
// need to know about goja directly.
type Handler func(ctx context.Context, session *vm.Session, evt wire.VmDispatchEvent) (vm.ShutdownTrigger, error)

// SessionFactory builds a fresh VM session for a tenant's current script
// set, used both at startup and to rebuild the VM on CreateScriptsVm
// (spec.md §8 scenario S6).
type SessionFactory func(tenant *coretypes.Tenant) (*vm.Session, error)

// Runner drives one tenant's mailbox: inbound SchedulerMessages are
// processed strictly in order, and exactly one dispatch is ever
// outstanding at a time (spec.md §5: "a dispatch completes (Ack) before
// the next begins").
type Runner struct {
	tenant     *coretypes.Tenant
	session    *vm.Session
	vmSession  *coretypes.VMSession // lifecycle record for the current session (spec.md §3)
	newSession SessionFactory
	handler    Handler
	budget     vm.Budget

	mailbox chan wire.SchedulerMessage
	outbox  chan wire.WorkerMessage

	mu          sync.Mutex
	outstanding *uint64 // seq of the dispatch currently awaiting Ack, nil if none
	pendingOps  int     // outbound gateway/state-cache ops not yet resolved for the current dispatch
	epoch       uint64  // bumped on every VM restart; stale Acks from a prior epoch are dropped

	cancel context.CancelFunc
}

// New constructs a Runner in the Idle state around an already-built
// initial session. Start must be called to begin processing its mailbox.
func New(tenant *coretypes.Tenant, session *vm.Session, newSession SessionFactory, handler Handler, budget vm.Budget, mailboxDepth int) *Runner {
	r := &Runner{
		tenant:     tenant,
		session:    session,
		vmSession:  coretypes.NewVMSession(uuid.NewString(), 0),
		newSession: newSession,
		handler:    handler,
		budget:     budget,
		mailbox:    make(chan wire.SchedulerMessage, mailboxDepth),
		outbox:     make(chan wire.WorkerMessage, mailboxDepth),
	}
	if session != nil {
		session.SetLogFunc(r.forwardGuildLog)
		session.SetTaskScheduledFunc(r.forwardTaskScheduled)
	}
	return r
}

// forwardTaskScheduled surfaces a script's task creation as a
// TaskScheduled progress signal so the scheduler re-evaluates the tenant's
// next wake time.
func (r *Runner) forwardTaskScheduled() {
	select {
	case r.outbox <- wire.NewTaskScheduled():
	default:
	}
}

// forwardGuildLog surfaces a script-emitted log line as a GuildLog worker
// message, dropping it if the outbox is saturated rather than letting a
// log-spamming script wedge its own dispatch.
func (r *Runner) forwardGuildLog(level, message string) {
	select {
	case r.outbox <- wire.NewGuildLog(level, message):
	default:
	}
}

// VMSession reports the lifecycle record for the runner's current VM
// instance (spec.md §3): instance id, the CreateScriptsVm seq it answers,
// and start time. Torn down and replaced on every CreateScriptsVm restart.
func (r *Runner) VMSession() *coretypes.VMSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vmSession
}

// Outbox is the channel the worker connection forwards to the scheduler.
func (r *Runner) Outbox() <-chan wire.WorkerMessage { return r.outbox }

// Send enqueues an inbound SchedulerMessage. Per-tenant bounded queue:
// callers are expected to have already applied the drop-oldest-on-overflow
// policy (spec.md §5) before calling Send; Send itself blocks only if the
// mailbox is momentarily full (it should never be, given that policy).
func (r *Runner) Send(msg wire.SchedulerMessage) {
	r.mailbox <- msg
}

// Start runs the mailbox loop until ctx is canceled or a Shutdown message
// arrives. Exactly one goroutine should call Start for a given Runner.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()

	r.tenant.SetState(coretypes.StateStarting)
	r.outbox <- wire.NewHello(0)
	r.outbox <- wire.NewScriptsInit()
	for _, s := range r.tenant.Scripts {
		if s.Enabled {
			r.outbox <- wire.NewScriptStarted(wire.ScriptMeta{ScriptID: s.ScriptID, Name: s.Name})
		}
	}
	r.tenant.SetState(coretypes.StateRunning)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.mailbox:
			if !r.handle(ctx, msg) {
				return
			}
		}
	}
}

// Shutdown cancels the runner's context, abandoning any outstanding op
// (spec.md §5: "outstanding gateway calls are abandoned ... the runner
// transitions without awaiting them").
func (r *Runner) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
}

// ShutdownWithReason reports the shutdown reason on the outbox (so the
// scheduler and log sink see Shutdown(TooManyInvalidRequests) rather than
// a silent exit — scenario S3), tears down the VM session, then cancels
// the mailbox loop like Shutdown.
func (r *Runner) ShutdownWithReason(reason wire.ShutdownReason) {
	select {
	case r.outbox <- wire.NewWorkerShutdown(reason):
	default:
	}
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session != nil {
		session.Close()
	}
	r.Shutdown()
}

func (r *Runner) handle(ctx context.Context, msg wire.SchedulerMessage) bool {
	switch msg.Kind {
	case wire.KindDispatch:
		r.handleDispatch(ctx, *msg.Dispatch)
		return true
	case wire.KindCreateScriptsVm:
		r.handleCreateScriptsVm(*msg.Create)
		return true
	case wire.KindComplete:
		// dispatches run to completion inside handleDispatch, so by the
		// time Complete is read there is never one in flight; report
		// whether anything is still queued behind it.
		if len(r.mailbox) == 0 {
			r.outbox <- wire.NewNonePending()
		}
		return true
	case wire.KindShutdown:
		r.tenant.SetState(coretypes.StateDraining)
		if r.session != nil {
			r.session.Close()
		}
		r.outbox <- wire.NewWorkerShutdown(wire.ShutdownOther)
		return false
	default:
		return true
	}
}

// handleDispatch enforces the sequence discipline and the per-dispatch
// wall-clock budget, then reports Ack once the handler and every outbound
// op it started have resolved (Complete cannot be reported early —
// spec.md §5: "the runner awaits all before completing"). Per invariant 1
// (at-most-one VM per tenant), this runs to completion before the mailbox
// loop reads its next message, so a CreateScriptsVm can never race a
// Dispatch against the same session; epoch tracking is still kept so an
// Ack is only ever emitted against the session it was computed against.
func (r *Runner) handleDispatch(ctx context.Context, evt wire.VmDispatchEvent) {
	r.mu.Lock()
	r.outstanding = &evt.Seq
	startEpoch := r.epoch
	r.mu.Unlock()

	wall := r.budget.WallClock
	if wall <= 0 {
		wall = time.Second
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	var (
		trig vm.ShutdownTrigger
		err  error
	)
	if r.handler != nil {
		trig, err = r.handler(dispatchCtx, r.session, evt)
	}

	r.mu.Lock()
	r.outstanding = nil
	staleSession := r.epoch != startEpoch
	if r.session != nil {
		r.vmSession.HeapPeak, r.vmSession.CPUUsed = r.session.Stats()
	}
	r.mu.Unlock()

	if staleSession {
		// the VM that ran this dispatch was torn down mid-flight (CreateScriptsVm
		// arrived out of band); its result belongs to a session nobody is
		// listening for anymore.
		return
	}

	// A Runaway or OutOfMemory trigger condemns the session: it must be
	// discarded, not reused, and the scheduler decides whether the tenant
	// stays suspended (spec.md §7 Recovery). No Ack — the dispatch never
	// completed.
	if trig == vm.ShutdownRunaway || trig == vm.ShutdownOutOfMemory {
		reason := wire.ShutdownRunaway
		if trig == vm.ShutdownOutOfMemory {
			reason = wire.ShutdownOutOfMemory
		}
		r.outbox <- wire.NewGuildLog("error", fmt.Sprintf("dispatch %q killed the vm (%s): %v", evt.Name, reason.ToSuspendReason(), err))
		r.ShutdownWithReason(reason)
		return
	}

	if err != nil {
		r.outbox <- wire.NewGuildLog("error", fmt.Sprintf("dispatch %q failed: %v", evt.Name, err))
	}
	r.outbox <- wire.NewAck(evt.Seq)
}

// handleCreateScriptsVm implements spec.md §8 scenario S6: the running VM
// drains, a fresh session loads the new script set, and the new session
// announces itself with Hello carrying the request's own seq.
func (r *Runner) handleCreateScriptsVm(req wire.CreateScriptsVmReq) {
	r.tenant.SetState(coretypes.StateDraining)

	r.mu.Lock()
	old := r.session
	r.epoch++
	r.vmSession = coretypes.NewVMSession(uuid.NewString(), req.Seq)
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	r.tenant.Scripts = req.Scripts
	r.tenant.PremiumTier = req.PremiumTier

	if r.newSession != nil {
		session, err := r.newSession(r.tenant)
		if err != nil {
			r.outbox <- wire.NewGuildLog("error", fmt.Sprintf("vm restart failed: %v", err))
			r.tenant.Suspend(coretypes.ReasonOther)
			return
		}
		session.SetLogFunc(r.forwardGuildLog)
		session.SetTaskScheduledFunc(r.forwardTaskScheduled)
		r.mu.Lock()
		r.session = session
		r.mu.Unlock()
	}

	r.outbox <- wire.NewHello(req.Seq)
	r.tenant.SetState(coretypes.StateRunning)

	r.outbox <- wire.NewScriptsInit()
	for _, s := range req.Scripts {
		if s.Enabled {
			r.outbox <- wire.NewScriptStarted(wire.ScriptMeta{ScriptID: s.ScriptID, Name: s.Name})
		}
	}
}

// BeginTask and EndTask track scheduled tasks the scheduler has delivered
// to this runner and not yet retired, keyed by bucket (spec.md §3
// VM-session model). The scheduler drives them from its due-task loop so
// the counts reflect what PollDue is currently excluding from fetches.
func (r *Runner) BeginTask(key coretypes.TimerKey) {
	r.mu.Lock()
	r.vmSession.TasksInFlight[key]++
	r.mu.Unlock()
}

func (r *Runner) EndTask(key coretypes.TimerKey) {
	r.mu.Lock()
	if n := r.vmSession.TasksInFlight[key]; n <= 1 {
		delete(r.vmSession.TasksInFlight, key)
	} else {
		r.vmSession.TasksInFlight[key] = n - 1
	}
	r.mu.Unlock()
}

// BeginOp and EndOp track outbound ops a dispatch has fanned out, so
// Complete/Ack discipline can be extended to wait on them; kept as
// explicit counters rather than a sync.WaitGroup since a WaitGroup can't
// be queried without blocking, and the runner needs to report progress
// (e.g. via metrics) while ops are still in flight.
func (r *Runner) BeginOp() {
	r.mu.Lock()
	r.pendingOps++
	r.vmSession.OutstandingOps = r.pendingOps
	r.mu.Unlock()
}

func (r *Runner) EndOp() {
	r.mu.Lock()
	r.pendingOps--
	r.vmSession.OutstandingOps = r.pendingOps
	r.mu.Unlock()
}

// PendingOps reports how many outbound ops the current dispatch has
// fanned out and not yet resolved.
func (r *Runner) PendingOps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingOps
}

// Outstanding reports the seq of the in-flight dispatch, if any.
func (r *Runner) Outstanding() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outstanding == nil {
		return 0, false
	}
	return *r.outstanding, true
}
