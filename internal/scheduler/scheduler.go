package scheduler

import (
	"container/list"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/runner"
	"github.com/botloader/scheduler/internal/timerstore"
	"github.com/botloader/scheduler/internal/wire"
)

// Config holds the worker-wide tunables from spec.md §6's configuration
// surface that this package owns.
type Config struct {
	MaxQueueDepth    int // per-tenant bounded FIFO depth before drop-oldest
	MaxActiveRunners int // resource arbitration cap on concurrently Running tenants
}

func (c Config) withDefaults() Config {
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 256
	}
	if c.MaxActiveRunners <= 0 {
		c.MaxActiveRunners = 1 << 30 // effectively unbounded
	}
	return c
}

// SpawnFunc builds a Runner for a tenant that's just been admitted its
// first event (or reloaded out of Suspended/Idle). Supplied by process
// wiring, which knows how to build a vm.Session and a Handler.
type SpawnFunc func(tenant *coretypes.Tenant) (*runner.Runner, error)

type tenantEntry struct {
	tenant *coretypes.Tenant

	mu       sync.Mutex
	queue    []coretypes.DispatchEvent
	overflow uint64
	pumping  bool

	// inflight holds due tasks delivered to the tenant whose store rows
	// have not been successfully deleted yet; PollDue excludes their ids
	// and buckets from fetches so a slow or failed delete can't re-fire
	// the task (spec.md §4.2/§4.5).
	inflight map[uint64]coretypes.TaskBucket

	runner   *runner.Runner
	spawning bool
	lruElem  *list.Element
}

// Scheduler is the Scheduler Core: one instance per worker process.
type Scheduler struct {
	cfg   Config
	spawn SpawnFunc

	mu       sync.Mutex
	entries  map[coretypes.GuildID]*tenantEntry
	rrOrder  []coretypes.GuildID
	rrPos    int
	lru      *list.List // front = least-recently-active
	activeN  int
	suspDrop uint64
}

// New constructs a Scheduler. spawn is invoked whenever a tenant needs a
// fresh Runner (first event, reload, or post-eviction re-admission).
func New(cfg Config, spawn SpawnFunc) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		spawn:   spawn,
		entries: make(map[coretypes.GuildID]*tenantEntry),
		lru:     list.New(),
	}
}

// SuspendedDrops reports how many events were dropped because their tenant
// was in Suspended state at admission time.
func (s *Scheduler) SuspendedDrops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspDrop
}

func (s *Scheduler) entryFor(tenant *coretypes.Tenant) *tenantEntry {
	e, ok := s.entries[tenant.GuildID]
	if ok {
		return e
	}
	e = &tenantEntry{tenant: tenant, inflight: make(map[uint64]coretypes.TaskBucket)}
	s.entries[tenant.GuildID] = e
	s.rrOrder = append(s.rrOrder, tenant.GuildID)
	e.lruElem = s.lru.PushBack(tenant.GuildID)
	return e
}

// Admit is the Scheduler Core's admission entry point (spec.md §4.2): a
// Suspended tenant drops the event and increments a counter; otherwise the
// event joins that tenant's bounded FIFO, dropping the oldest entry and
// bumping the per-tenant overflow counter if the queue was already full.
func (s *Scheduler) Admit(tenant *coretypes.Tenant, evt coretypes.DispatchEvent) (dropped bool, reason string) {
	s.mu.Lock()
	if tenant.GetState() == coretypes.StateSuspended {
		s.suspDrop++
		s.mu.Unlock()
		return true, "suspended"
	}
	entry := s.entryFor(tenant)
	s.touchLRU(entry)
	s.mu.Unlock()

	entry.mu.Lock()
	if len(entry.queue) >= s.cfg.MaxQueueDepth {
		entry.queue = entry.queue[1:]
		entry.overflow++
	}
	entry.queue = append(entry.queue, evt)
	entry.mu.Unlock()

	tenant.Touch(time.Now())

	if err := s.ensureRunner(entry); err != nil {
		return true, "spawn failed: " + err.Error()
	}

	s.pump(entry)
	return false, ""
}

// Overflow reports the given tenant's dropped-by-overflow count, for
// metrics and tests.
func (s *Scheduler) Overflow(guild coretypes.GuildID) uint64 {
	s.mu.Lock()
	entry, ok := s.entries[guild]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.overflow
}

// pump drains entry's queue into its Runner's mailbox strictly in arrival
// order (spec.md §4.2 per-tenant ordering), without blocking the caller's
// goroutine. At most one pump goroutine runs per entry at a time — a
// second concurrent drain could interleave sends and break the per-tenant
// ordering invariant.
func (s *Scheduler) pump(entry *tenantEntry) {
	entry.mu.Lock()
	if entry.pumping {
		entry.mu.Unlock()
		return
	}
	entry.pumping = true
	entry.mu.Unlock()

	go func() {
		for {
			entry.mu.Lock()
			if len(entry.queue) == 0 || entry.runner == nil {
				entry.pumping = false
				entry.mu.Unlock()
				return
			}
			evt := entry.queue[0]
			entry.queue = entry.queue[1:]
			r := entry.runner
			entry.mu.Unlock()

			seq := entry.tenant.NextSeq()
			r.Send(wire.NewDispatch(evt.Name, seq, json.RawMessage(evt.Payload)))
		}
	}()
}

// ensureRunner spawns a Runner for entry if it doesn't have one, applying
// resource arbitration: if the worker is already at MaxActiveRunners, the
// least-recently-active Idle tenant is evicted first (spec.md §4.2
// "Resource arbitration").
func (s *Scheduler) ensureRunner(entry *tenantEntry) error {
	entry.mu.Lock()
	if entry.runner != nil || entry.spawning {
		entry.mu.Unlock()
		return nil
	}
	if !entry.tenant.HasEnabledScripts() {
		entry.mu.Unlock()
		return nil
	}
	entry.spawning = true
	entry.mu.Unlock()

	s.mu.Lock()
	if s.activeN >= s.cfg.MaxActiveRunners {
		s.evictLRULocked(entry.tenant.GuildID)
	}
	s.activeN++
	s.mu.Unlock()

	r, err := s.spawn(entry.tenant)

	entry.mu.Lock()
	entry.spawning = false
	if err != nil {
		entry.mu.Unlock()
		s.mu.Lock()
		s.activeN--
		s.mu.Unlock()
		return err
	}
	entry.runner = r
	entry.mu.Unlock()

	go r.Start(context.Background())
	return nil
}

// evictLRULocked finds the least-recently-active tenant currently idle
// with a live runner (other than skip) and tears its runner down,
// returning worker capacity to the caller. Called with s.mu held.
func (s *Scheduler) evictLRULocked(skip coretypes.GuildID) {
	for el := s.lru.Front(); el != nil; el = el.Next() {
		guild := el.Value.(coretypes.GuildID)
		if guild == skip {
			continue
		}
		victim, ok := s.entries[guild]
		if !ok {
			continue
		}
		if victim.tenant.GetState() != coretypes.StateIdle && victim.tenant.GetState() != coretypes.StateRunning {
			continue
		}
		victim.mu.Lock()
		r := victim.runner
		victim.runner = nil
		victim.mu.Unlock()
		if r == nil {
			continue
		}
		r.Shutdown()
		victim.tenant.SetState(coretypes.StateIdle)
		s.activeN--
		return
	}
}

// touchLRU moves entry to the back of the LRU list, marking it as most
// recently active. Called with s.mu held.
func (s *Scheduler) touchLRU(entry *tenantEntry) {
	if entry.lruElem != nil {
		s.lru.MoveToBack(entry.lruElem)
	}
}

// IdleSweep transitions any Running tenant whose queue is empty and whose
// last event predates cutoff to Idle, tearing its runner down to reclaim
// memory (spec.md §4.2: "Running -> idle timeout ... -> Idle").
func (s *Scheduler) IdleSweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, guild := range s.rrOrder {
		entry := s.entries[guild]
		if entry.tenant.GetState() != coretypes.StateRunning {
			continue
		}
		entry.mu.Lock()
		eligible := len(entry.queue) == 0 && entry.runner != nil
		entry.mu.Unlock()
		if !eligible || entry.tenant.LastEvent().After(cutoff) {
			continue
		}
		entry.mu.Lock()
		r := entry.runner
		entry.runner = nil
		entry.mu.Unlock()
		if r == nil {
			continue
		}
		r.Shutdown()
		entry.tenant.SetState(coretypes.StateIdle)
		s.activeN--
		n++
	}
	return n
}

// SuspendTenant tears down a tenant's runner with the given shutdown
// reason and marks the tenant Suspended. This is the scheduler half of
// the Gateway's InvalidRequestsExceeded signal (spec.md §4.4, scenario
// S3); subsequent events for the tenant are dropped at admission until a
// reload.
func (s *Scheduler) SuspendTenant(guild coretypes.GuildID, reason wire.ShutdownReason) {
	s.mu.Lock()
	entry, ok := s.entries[guild]
	if ok {
		entry.mu.Lock()
		r := entry.runner
		entry.runner = nil
		entry.mu.Unlock()
		if r != nil {
			s.activeN--
			s.mu.Unlock()
			r.ShutdownWithReason(reason)
			entry.tenant.Suspend(reason.ToSuspendReason())
			return
		}
		entry.tenant.Suspend(reason.ToSuspendReason())
	}
	s.mu.Unlock()
}

// HandleWorkerShutdown reacts to a Shutdown(reason) reported by a tenant's
// VM (spec.md §7 Recovery): the runner slot is reclaimed, and the tenant
// is left Suspended for Runaway/OutOfMemory/TooManyInvalidRequests or
// returned to Idle for Other so the next event re-spawns it. Process
// wiring calls this for every KindWorkerShutdown drained off a runner's
// outbox.
func (s *Scheduler) HandleWorkerShutdown(guild coretypes.GuildID, reason wire.ShutdownReason) {
	s.mu.Lock()
	entry, ok := s.entries[guild]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.mu.Lock()
	r := entry.runner
	entry.runner = nil
	entry.mu.Unlock()
	if r != nil {
		s.activeN--
	}
	s.mu.Unlock()

	if r != nil {
		r.Shutdown()
	}

	switch reason {
	case wire.ShutdownRunaway:
		_ = Transition(entry.tenant, TriggerRunaway, coretypes.ReasonRunaway)
	case wire.ShutdownOutOfMemory:
		_ = Transition(entry.tenant, TriggerOOM, coretypes.ReasonOutOfMemory)
	case wire.ShutdownTooManyInvalidRequests:
		_ = Transition(entry.tenant, TriggerAbuseTripped, coretypes.ReasonTooManyInvalidRequests)
	default:
		// an Other crash restarts rather than suspends: back to Idle, the
		// next admitted event spawns a fresh runner
		entry.tenant.SetState(coretypes.StateIdle)
	}
}

// Reload lifts a suspension (operator action or tier change, spec.md
// §4.2: Suspended -> Starting on manual reload). The next admitted event
// re-spawns the runner through the normal path.
func (s *Scheduler) Reload(guild coretypes.GuildID) {
	s.mu.Lock()
	entry, ok := s.entries[guild]
	s.mu.Unlock()
	if !ok {
		return
	}
	if entry.tenant.GetState() == coretypes.StateSuspended {
		entry.tenant.SetState(coretypes.StateIdle)
	}
}

// NextInRotation advances the round-robin cursor across registered
// tenants and returns the next one (spec.md §4.2 "Fairness": "the worker
// processes runners round-robin rather than in arrival order").
func (s *Scheduler) NextInRotation() (coretypes.GuildID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rrOrder) == 0 {
		return 0, false
	}
	guild := s.rrOrder[s.rrPos%len(s.rrOrder)]
	s.rrPos++
	return guild, true
}

// RotationOrder returns a snapshot of tenant registration order, for tests.
func (s *Scheduler) RotationOrder() []coretypes.GuildID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coretypes.GuildID, len(s.rrOrder))
	copy(out, s.rrOrder)
	return out
}

// dueItem is one due task or interval fire, ordered for delivery per
// spec.md §4.2's tie-break rule: same execute_at ascending id; tasks
// before intervals due at the same moment.
type dueItem struct {
	isTask    bool
	executeAt time.Time
	id        uint64
	bucket    coretypes.TaskBucket
	name      string
	payload   []byte
}

// taskPayload is the TASK event body scripts receive: the stored task row
// minus store-internal fields, with the script-supplied data passed
// through opaque.
type taskPayload struct {
	ID        uint64          `json:"id"`
	Name      string          `json:"name"`
	PluginID  *uint64         `json:"plugin_id,omitempty"`
	UniqueKey *string         `json:"unique_key,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ExecuteAt time.Time       `json:"execute_at"`
}

// intervalPayload is the INTERVAL event body: which timer fired.
type intervalPayload struct {
	Name     string  `json:"name"`
	PluginID *uint64 `json:"plugin_id,omitempty"`
}

// PollDue asks the timer store for due tasks — excluding ids and buckets
// still in flight from a previous poll (spec.md §4.2/§4.5) — and evaluates
// each tenant's interval timers, delivering every due item as a synthetic
// TASK or INTERVAL DispatchEvent through the normal Admit path. Returns
// the number of synthetic events delivered.
func (s *Scheduler) PollDue(ctx context.Context, store timerstore.Store, now time.Time) (int, error) {
	s.mu.Lock()
	guilds := make([]coretypes.GuildID, len(s.rrOrder))
	copy(guilds, s.rrOrder)
	s.mu.Unlock()

	delivered := 0
	for _, guild := range guilds {
		s.mu.Lock()
		entry := s.entries[guild]
		s.mu.Unlock()
		if entry == nil {
			continue
		}

		// Retry deletions that failed on an earlier tick; an in-flight
		// row stays excluded from fetches until it is actually gone.
		s.retireInflight(ctx, store, guild, entry)

		entry.mu.Lock()
		ignoreIDs := make([]uint64, 0, len(entry.inflight))
		buckets := make([]coretypes.TaskBucket, 0, len(entry.inflight))
		for id, b := range entry.inflight {
			ignoreIDs = append(ignoreIDs, id)
			buckets = append(buckets, b)
		}
		entry.mu.Unlock()

		var items []dueItem

		tasks, err := store.DueTasks(ctx, guild, now, ignoreIDs, buckets)
		if err != nil {
			return delivered, err
		}
		for _, t := range tasks {
			body, err := json.Marshal(taskPayload{
				ID: t.ID, Name: t.Name, PluginID: t.PluginID,
				UniqueKey: t.UniqueKey, Data: json.RawMessage(t.Data), ExecuteAt: t.ExecuteAt,
			})
			if err != nil {
				return delivered, err
			}
			items = append(items, dueItem{isTask: true, executeAt: t.ExecuteAt, id: t.ID, bucket: t.Bucket(), name: coretypes.NameTask, payload: body})
		}

		timers, err := store.ListIntervalTimers(ctx, guild)
		if err != nil {
			return delivered, err
		}
		for _, iv := range timers {
			due, newLastRun := intervalDue(iv, now)
			if !due {
				continue
			}
			iv.LastRun = newLastRun
			if err := store.UpsertIntervalTimer(ctx, guild, iv); err != nil {
				return delivered, err
			}
			body, err := json.Marshal(intervalPayload{Name: iv.Name, PluginID: iv.PluginID})
			if err != nil {
				return delivered, err
			}
			items = append(items, dueItem{isTask: false, executeAt: now, name: coretypes.NameInterval, payload: body})
		}

		sort.SliceStable(items, func(i, j int) bool {
			if !items[i].executeAt.Equal(items[j].executeAt) {
				return items[i].executeAt.Before(items[j].executeAt)
			}
			if items[i].isTask != items[j].isTask {
				return items[i].isTask // tasks before intervals at the same instant
			}
			return items[i].id < items[j].id
		})

		for _, it := range items {
			dropped, _ := s.Admit(entry.tenant, coretypes.DispatchEvent{GuildID: guild, Name: it.name, Payload: it.payload})
			if !dropped {
				delivered++
			}
			// Tasks are single-fire: the row is removed once its event is
			// queued (or dropped — a suspended or overflowing tenant does
			// not keep the row alive to re-fire next poll). At-least-once
			// delivery across worker crashes comes from the row only being
			// deleted after admission; until the delete succeeds the id
			// and bucket stay in flight and excluded from fetches.
			if it.isTask {
				s.markInflight(entry, it.id, it.bucket)
				if _, err := store.DeleteTaskByID(ctx, guild, it.id); err != nil {
					continue // stays excluded; retried next tick
				}
				s.retireTask(entry, it.id, it.bucket)
			}
		}
	}
	return delivered, nil
}

// markInflight records a delivered task whose row hasn't been deleted yet,
// mirroring the bucket count into the runner's VM-session record.
func (s *Scheduler) markInflight(entry *tenantEntry, id uint64, bucket coretypes.TaskBucket) {
	entry.mu.Lock()
	entry.inflight[id] = bucket
	r := entry.runner
	entry.mu.Unlock()
	if r != nil {
		r.BeginTask(bucket.Key())
	}
}

// retireTask removes a task from the in-flight set once its row is gone.
func (s *Scheduler) retireTask(entry *tenantEntry, id uint64, bucket coretypes.TaskBucket) {
	entry.mu.Lock()
	delete(entry.inflight, id)
	r := entry.runner
	entry.mu.Unlock()
	if r != nil {
		r.EndTask(bucket.Key())
	}
}

// retireInflight retries the store deletion for every task still in
// flight, dropping each from the exclusion set as its row disappears.
func (s *Scheduler) retireInflight(ctx context.Context, store timerstore.Store, guild coretypes.GuildID, entry *tenantEntry) {
	entry.mu.Lock()
	pending := make(map[uint64]coretypes.TaskBucket, len(entry.inflight))
	for id, b := range entry.inflight {
		pending[id] = b
	}
	entry.mu.Unlock()

	for id, b := range pending {
		if _, err := store.DeleteTaskByID(ctx, guild, id); err != nil {
			continue
		}
		s.retireTask(entry, id, b)
	}
}
