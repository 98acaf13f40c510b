package coretypes

import "time"

// IntervalKind tags the two interval-timer variants from spec.md §3.
type IntervalKind int

const (
	IntervalMinutes IntervalKind = iota
	IntervalCron
)

// Interval is the tagged `Minutes(u64) | Cron(string)` variant.
type Interval struct {
	Kind    IntervalKind
	Minutes uint64
	Cron    string
}

// IntervalTimer is a recurring per-tenant schedule. Unique key within a
// tenant: (Name, PluginID).
type IntervalTimer struct {
	Name     string
	PluginID *uint64
	Interval Interval
	LastRun  time.Time
}

// Key returns the (name, plugin_id) uniqueness key as a comparable value.
func (t IntervalTimer) Key() TimerKey {
	return TimerKey{Name: t.Name, PluginID: derefPlugin(t.PluginID)}
}

// TaskBucket filters "what's next for me" queries so a runner with N
// concurrent tasks in flight can exclude those buckets without serializing
// on one global queue (spec.md §3).
type TaskBucket struct {
	Name     string
	PluginID *uint64
}

// Key returns the bucket's comparable form. TaskBucket itself carries a
// pointer and must not be compared with == or used as a map key.
func (b TaskBucket) Key() TimerKey {
	return TimerKey{Name: b.Name, PluginID: derefPlugin(b.PluginID)}
}

// Matches reports whether two buckets name the same (name, plugin_id)
// grouping, comparing plugin IDs by value rather than pointer identity.
func (b TaskBucket) Matches(other TaskBucket) bool {
	return b.Key() == other.Key()
}

// ScheduledTask is a single-fire timer with an optional unique key enabling
// replace-on-conflict semantics (spec.md §3).
type ScheduledTask struct {
	ID        uint64
	Name      string
	PluginID  *uint64
	UniqueKey *string
	Data      []byte // opaque JSON supplied by the script at creation time
	ExecuteAt time.Time
	CreatedAt time.Time
}

// UniqueKey4 is the (tenant, plugin_id, name, unique_key) replace-on-insert
// key from spec.md §3/§4.5. Tenant is carried by the store, not this type.
type UniqueKey4 struct {
	PluginID  uint64
	HasPlugin bool
	Name      string
	Key       string
}

// TimerKey is the (name, plugin_id) comparable uniqueness key for interval
// timers. PluginID of 0 means "no plugin" — callers must not pass a real
// plugin ID of 0; the store types use *uint64 externally to keep that
// distinction unambiguous.
type TimerKey struct {
	Name     string
	PluginID uint64 // 0 == no plugin
}

func derefPlugin(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

// Bucket reports the TaskBucket this task belongs to.
func (t ScheduledTask) Bucket() TaskBucket {
	return TaskBucket{Name: t.Name, PluginID: t.PluginID}
}
