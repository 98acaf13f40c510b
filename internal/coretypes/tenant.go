// Package coretypes holds the data model shared by the scheduler, runner,
// gateway, and timer store packages: tenants, scripts, timers, tasks, and
// events. Kept dependency-free so every other package can import it without
// cycles.
package coretypes

import (
	"sync"
	"time"
)

// GuildID identifies a tenant. Opaque from the scheduler's point of view;
// the platform encodes it as a 64-bit snowflake.
type GuildID uint64

// RunnerState is the Tenant Runner lifecycle state (spec.md §4.2).
type RunnerState int

const (
	StateIdle RunnerState = iota
	StateStarting
	StateRunning
	StateDraining
	StateSuspended
)

func (s RunnerState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// SuspendReason explains why a Tenant Runner was suspended or shut down.
type SuspendReason int

const (
	ReasonNone SuspendReason = iota
	ReasonRunaway
	ReasonOutOfMemory
	ReasonTooManyInvalidRequests
	ReasonOther
)

func (r SuspendReason) String() string {
	switch r {
	case ReasonRunaway:
		return "Runaway"
	case ReasonOutOfMemory:
		return "OutOfMemory"
	case ReasonTooManyInvalidRequests:
		return "TooManyInvalidRequests"
	case ReasonOther:
		return "Other"
	default:
		return "None"
	}
}

// PremiumTier gates the per-dispatch resource budget (spec.md §4.3, §9:
// exact numbers are configuration, not specified here).
type PremiumTier int

const (
	TierFree PremiumTier = iota
	TierPremium
)

func (t PremiumTier) String() string {
	if t == TierPremium {
		return "Premium"
	}
	return "Free"
}

// Script is one tenant-enabled script. Names are unique within a tenant;
// source text is immutable once published (dev versions are a separate
// mutable variant, not modeled here since the core only consumes the
// published set handed to it by CreateScriptsVm).
type Script struct {
	ScriptID      uint64
	Name          string
	SourceText    string
	Enabled       bool
	PluginID      *uint64
	PluginVersion *string
}

// Tenant is the in-memory projection of one guild's scheduling state. The
// Scheduler Core exclusively owns the tenant's Runner and keeps it outside
// this type; the fields here are the bookkeeping the scheduler itself needs to make
// admission and lifecycle decisions without reaching into the runner.
type Tenant struct {
	mu sync.Mutex

	GuildID      GuildID
	Scripts      []Script
	PremiumTier  PremiumTier
	dispatchSeq  uint64
	State        RunnerState
	SuspendedWhy SuspendReason
	Abuse        *AbuseLedger
	LastEventAt  time.Time
}

// NewTenant returns a Tenant in Idle state with an empty abuse ledger.
func NewTenant(id GuildID) *Tenant {
	return &Tenant{
		GuildID: id,
		State:   StateIdle,
		Abuse:   NewAbuseLedger(),
	}
}

// NextSeq returns the next monotonic dispatch sequence number for this
// tenant, starting at 1.
func (t *Tenant) NextSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dispatchSeq++
	return t.dispatchSeq
}

func (t *Tenant) SetState(s RunnerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = s
}

// Suspend marks the tenant Suspended with the given reason in one step.
func (t *Tenant) Suspend(why SuspendReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = StateSuspended
	t.SuspendedWhy = why
}

// Touch records the arrival instant of the tenant's most recent event,
// feeding the scheduler's LRU/idle-eviction decisions.
func (t *Tenant) Touch(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.LastEventAt = at
}

// LastEvent returns the arrival instant of the tenant's most recent event.
func (t *Tenant) LastEvent() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.LastEventAt
}

func (t *Tenant) GetState() RunnerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// HasEnabledScripts reports whether the tenant has at least one enabled
// script, the admission precondition for spawning a runner (spec.md §4.2).
func (t *Tenant) HasEnabledScripts() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.Scripts {
		if s.Enabled {
			return true
		}
	}
	return false
}
