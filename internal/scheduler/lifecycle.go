// Package scheduler implements the Scheduler Core (spec.md §4.2): per-tenant
// admission, bounded-queue ordering with drop-oldest overflow, round-robin
// fairness across tenants, resource arbitration via LRU idle eviction, and
// timer/task driving against a timerstore.Store.
package scheduler

import (
	"fmt"

	"github.com/botloader/scheduler/internal/coretypes"
)

// Trigger is the closed set of lifecycle events that can move a tenant
// between RunnerStates (spec.md §4.2's state diagram).
type Trigger int

const (
	TriggerEventArrived Trigger = iota
	TriggerScriptsInitReported
	TriggerScriptsChanged
	TriggerDrainComplete
	TriggerIdleTimeout
	TriggerAbuseTripped
	TriggerOOM
	TriggerRunaway
	TriggerManualReload
)

// transitions enumerates every legal (from, trigger) -> to edge. Anything
// not listed here is rejected by Transition.
var transitions = map[coretypes.RunnerState]map[Trigger]coretypes.RunnerState{
	coretypes.StateIdle: {
		TriggerEventArrived: coretypes.StateStarting,
	},
	coretypes.StateStarting: {
		TriggerScriptsInitReported: coretypes.StateRunning,
	},
	coretypes.StateRunning: {
		TriggerScriptsChanged: coretypes.StateDraining,
		TriggerIdleTimeout:    coretypes.StateIdle,
	},
	coretypes.StateDraining: {
		TriggerDrainComplete: coretypes.StateStarting,
	},
	coretypes.StateSuspended: {
		TriggerManualReload: coretypes.StateStarting,
	},
}

// Transition applies trigger to tenant's current state, returning an error
// if the edge isn't legal. AbuseTripped/OOM/Runaway are legal from any
// state (spec.md: "any -> Suspended(reason)") and are handled before the
// table lookup.
func Transition(tenant *coretypes.Tenant, trigger Trigger, reason coretypes.SuspendReason) error {
	switch trigger {
	case TriggerAbuseTripped, TriggerOOM, TriggerRunaway:
		tenant.Suspend(reason)
		return nil
	}

	from := tenant.GetState()
	edges, ok := transitions[from]
	if !ok {
		return fmt.Errorf("scheduler: no transitions defined from state %s", from)
	}
	to, ok := edges[trigger]
	if !ok {
		return fmt.Errorf("scheduler: trigger %d is not legal from state %s", trigger, from)
	}
	tenant.SetState(to)
	return nil
}
