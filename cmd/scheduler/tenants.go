package main

import (
	"sync"
	"time"

	"github.com/botloader/scheduler/internal/config"
	"github.com/botloader/scheduler/internal/coretypes"
)

// tenantDirectory is the process-wide registry of Tenant bookkeeping
// records the Scheduler Core admits events against. The scheduler package
// itself is deliberately Tenant-pointer-agnostic about where that pointer
// comes from; this is the process wiring's answer.
type tenantDirectory struct {
	mu      sync.Mutex
	tenants map[coretypes.GuildID]*coretypes.Tenant
}

func newTenantDirectory() *tenantDirectory {
	return &tenantDirectory{tenants: make(map[coretypes.GuildID]*coretypes.Tenant)}
}

// get returns the Tenant record for guild, creating an Idle one on first
// sight (a guild the broker has never reported script ownership for still
// needs a record to admit events against; HasEnabledScripts simply stays
// false until CreateScriptsVm seeds it).
func (d *tenantDirectory) get(guild coretypes.GuildID) *coretypes.Tenant {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tenants[guild]; ok {
		return t
	}
	t := coretypes.NewTenant(guild)
	abuse := config.Get().Abuse
	t.Abuse = coretypes.NewAbuseLedgerSized(abuse.LedgerCap, time.Duration(abuse.WindowSeconds)*time.Second)
	d.tenants[guild] = t
	return t
}
