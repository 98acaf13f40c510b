package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/vm"
	"github.com/botloader/scheduler/internal/wire"
)

func drainOutbox(t *testing.T, out <-chan wire.WorkerMessage, n int) []wire.WorkerMessage {
	t.Helper()
	msgs := make([]wire.WorkerMessage, 0, n)
	for i := 0; i < n; i++ {
		select {
		case m := <-out:
			msgs = append(msgs, m)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for outbox message %d/%d", i+1, n)
		}
	}
	return msgs
}

func newTestSession(t *testing.T) *vm.Session {
	t.Helper()
	s, err := vm.NewSession(1, vm.Budget{WallClock: time.Second}, nil, nil)
	require.NoError(t, err)
	return s
}

// TestNormalDispatchEmitsHelloAckInOrder covers spec.md §8 scenario S1:
// one Hello at startup, then a Dispatch/Ack pair per event, in order.
func TestNormalDispatchEmitsHelloAckInOrder(t *testing.T) {
	tenant := coretypes.NewTenant(1)
	handled := make(chan string, 1)
	handler := func(ctx context.Context, session *vm.Session, evt wire.VmDispatchEvent) (vm.ShutdownTrigger, error) {
		handled <- evt.Name
		return vm.ShutdownNone, nil
	}

	r := New(tenant, newTestSession(t), nil, handler, vm.Budget{WallClock: time.Second}, 4)
	go r.Start(context.Background())

	startup := drainOutbox(t, r.Outbox(), 2)
	require.Equal(t, wire.KindHello, startup[0].Kind)
	require.Equal(t, wire.KindScriptsInit, startup[1].Kind)

	r.Send(wire.NewDispatch("MESSAGE_CREATE", 1, json.RawMessage(`{}`)))

	require.Equal(t, "MESSAGE_CREATE", <-handled)
	ack := drainOutbox(t, r.Outbox(), 1)[0]
	require.Equal(t, wire.KindAck, ack.Kind)
	require.Equal(t, uint64(1), ack.AckSeq)
}

// TestSequenceMatchingNoUnknownOrDuplicateAck covers invariant 3: every Ack
// corresponds to the Dispatch that produced it, and acks are emitted
// exactly once per dispatch, never for a seq nobody sent.
func TestSequenceMatchingNoUnknownOrDuplicateAck(t *testing.T) {
	tenant := coretypes.NewTenant(1)
	handler := func(ctx context.Context, session *vm.Session, evt wire.VmDispatchEvent) (vm.ShutdownTrigger, error) { return vm.ShutdownNone, nil }

	r := New(tenant, newTestSession(t), nil, handler, vm.Budget{WallClock: time.Second}, 8)
	go r.Start(context.Background())
	drainOutbox(t, r.Outbox(), 2) // Hello, ScriptsInit

	sent := []uint64{1, 2, 3}
	for _, seq := range sent {
		r.Send(wire.NewDispatch("MESSAGE_CREATE", seq, nil))
	}

	seen := map[uint64]bool{}
	for i := 0; i < len(sent); i++ {
		ack := drainOutbox(t, r.Outbox(), 1)[0]
		require.Equal(t, wire.KindAck, ack.Kind)
		require.False(t, seen[ack.AckSeq], "duplicate ack for seq %d", ack.AckSeq)
		seen[ack.AckSeq] = true
	}
	require.Equal(t, map[uint64]bool{1: true, 2: true, 3: true}, seen)
}

// TestOutstandingTracksInFlightDispatchOnly verifies a dispatch is only
// "outstanding" between being handled and its Ack, never before or after.
func TestOutstandingTracksInFlightDispatchOnly(t *testing.T) {
	tenant := coretypes.NewTenant(1)
	started := make(chan struct{})
	release := make(chan struct{})
	handler := func(ctx context.Context, session *vm.Session, evt wire.VmDispatchEvent) (vm.ShutdownTrigger, error) {
		close(started)
		<-release
		return vm.ShutdownNone, nil
	}

	r := New(tenant, newTestSession(t), nil, handler, vm.Budget{WallClock: time.Second}, 4)
	go r.Start(context.Background())
	drainOutbox(t, r.Outbox(), 2) // Hello, ScriptsInit

	_, ok := r.Outstanding()
	require.False(t, ok)

	r.Send(wire.NewDispatch("MESSAGE_CREATE", 7, nil))
	<-started

	seq, ok := r.Outstanding()
	require.True(t, ok)
	require.Equal(t, uint64(7), seq)

	close(release)
	drainOutbox(t, r.Outbox(), 1) // Ack

	_, ok = r.Outstanding()
	require.False(t, ok)
}

// TestCreateScriptsVmDrainsAndRestartsWithNewHello covers spec.md §8
// scenario S6: CreateScriptsVm drives the runner through Draining, a fresh
// session is built, and Hello carries the request's own seq.
func TestCreateScriptsVmDrainsAndRestartsWithNewHello(t *testing.T) {
	tenant := coretypes.NewTenant(1)
	handler := func(ctx context.Context, session *vm.Session, evt wire.VmDispatchEvent) (vm.ShutdownTrigger, error) { return vm.ShutdownNone, nil }

	var built int
	factory := func(tn *coretypes.Tenant) (*vm.Session, error) {
		built++
		return newTestSession(t), nil
	}

	r := New(tenant, newTestSession(t), factory, handler, vm.Budget{WallClock: time.Second}, 8)
	go r.Start(context.Background())
	drainOutbox(t, r.Outbox(), 2) // initial Hello, ScriptsInit
	require.Equal(t, coretypes.StateRunning, tenant.GetState())

	scripts := []coretypes.Script{{ScriptID: 1, Name: "s1", Enabled: true}, {ScriptID: 2, Name: "s2", Enabled: true}}
	r.Send(wire.NewCreateScriptsVm(wire.CreateScriptsVmReq{Seq: 5, Scripts: scripts}))

	msgs := drainOutbox(t, r.Outbox(), 4)
	require.Equal(t, wire.KindHello, msgs[0].Kind)
	require.Equal(t, uint64(5), msgs[0].HelloSeq)
	require.Equal(t, wire.KindScriptsInit, msgs[1].Kind)
	require.Equal(t, wire.KindScriptStarted, msgs[2].Kind)
	require.Equal(t, wire.KindScriptStarted, msgs[3].Kind)

	require.Equal(t, 1, built)
	require.Equal(t, coretypes.StateRunning, tenant.GetState())
	require.Equal(t, scripts, tenant.Scripts)
}

// TestCompleteWithEmptyMailboxReportsNonePending: a Complete probe with
// nothing queued behind it gets a NonePending progress signal back.
func TestCompleteWithEmptyMailboxReportsNonePending(t *testing.T) {
	tenant := coretypes.NewTenant(1)
	r := New(tenant, newTestSession(t), nil, nil, vm.Budget{WallClock: time.Second}, 4)
	go r.Start(context.Background())
	drainOutbox(t, r.Outbox(), 2) // Hello, ScriptsInit

	r.Send(wire.NewComplete())
	msg := drainOutbox(t, r.Outbox(), 1)[0]
	require.Equal(t, wire.KindNonePending, msg.Kind)
}

// TestRunawayDispatchTearsSessionDownWithReason: a handler reporting a
// Runaway trigger condemns the session — the runner emits a guild log and
// Shutdown(Runaway), never an Ack, and its mailbox loop exits so the
// session cannot be reused.
func TestRunawayDispatchTearsSessionDownWithReason(t *testing.T) {
	tenant := coretypes.NewTenant(1)
	handler := func(ctx context.Context, session *vm.Session, evt wire.VmDispatchEvent) (vm.ShutdownTrigger, error) {
		return vm.ShutdownRunaway, context.DeadlineExceeded
	}

	r := New(tenant, newTestSession(t), nil, handler, vm.Budget{WallClock: time.Second}, 4)
	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	drainOutbox(t, r.Outbox(), 2) // Hello, ScriptsInit

	r.Send(wire.NewDispatch("MESSAGE_CREATE", 1, nil))

	msgs := drainOutbox(t, r.Outbox(), 2)
	require.Equal(t, wire.KindGuildLog, msgs[0].Kind)
	require.Equal(t, wire.KindWorkerShutdown, msgs[1].Kind)
	require.Equal(t, wire.ShutdownRunaway, msgs[1].ShutdownReason)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner loop did not exit after runaway shutdown")
	}

	select {
	case msg := <-r.Outbox():
		require.NotEqual(t, wire.KindAck, msg.Kind, "no Ack for a dispatch that killed the vm")
	default:
	}
}

// TestStaleDispatchAfterRestartIsNotAcked: a dispatch whose epoch was
// superseded by a VM restart before it finished must not emit an Ack for a
// session nobody is listening for anymore.
func TestStaleDispatchAfterRestartIsNotAcked(t *testing.T) {
	tenant := coretypes.NewTenant(1)
	var r *Runner
	// simulate a restart happening concurrently with a dispatch in flight
	restartMidDispatch := func(ctx context.Context, session *vm.Session, evt wire.VmDispatchEvent) (vm.ShutdownTrigger, error) {
		r.mu.Lock()
		r.epoch++
		r.mu.Unlock()
		return vm.ShutdownNone, nil
	}
	r = New(tenant, newTestSession(t), nil, restartMidDispatch, vm.Budget{WallClock: time.Second}, 4)

	r.mu.Lock()
	r.outstanding = new(uint64)
	*r.outstanding = 1
	r.mu.Unlock()

	r.handleDispatch(context.Background(), wire.VmDispatchEvent{Name: "X", Seq: 1})

	select {
	case <-r.Outbox():
		t.Fatal("expected no Ack for a dispatch whose epoch was superseded")
	default:
	}
}

// TestShutdownTransitionsToDrainingAndStopsLoop covers an explicit
// Shutdown message tearing the mailbox loop down after one final message.
func TestShutdownTransitionsToDrainingAndStopsLoop(t *testing.T) {
	tenant := coretypes.NewTenant(1)
	r := New(tenant, newTestSession(t), nil, nil, vm.Budget{WallClock: time.Second}, 4)

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	drainOutbox(t, r.Outbox(), 2) // Hello, ScriptsInit

	r.Send(wire.NewShutdownMsg())
	msg := drainOutbox(t, r.Outbox(), 1)[0]
	require.Equal(t, wire.KindWorkerShutdown, msg.Kind)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner loop did not exit after Shutdown")
	}
	require.Equal(t, coretypes.StateDraining, tenant.GetState())
}
