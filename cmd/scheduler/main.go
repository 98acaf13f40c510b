// Command scheduler is the Scheduler Core process: it ingests raw platform
// events from whichever Broker transport is configured, admits them onto
// per-tenant queues, drives interval timers and scheduled tasks against a
// timerstore.Store, and spawns embedded Tenant Runners to execute
// dispatches (spec.md §4.2, §6).
//
// Grounded in the teacher's cmd/server/main.go for the flag/env-driven
// startup shape and graceful-shutdown signal handling, adapted to this
// domain's own wiring instead of the escrow HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botloader/scheduler/internal/adapter/brokerconn"
	"github.com/botloader/scheduler/internal/adapter/brokerrpc"
	"github.com/botloader/scheduler/internal/adapter/pubsubbroker"
	"github.com/botloader/scheduler/internal/adapter/workerconn"
	"github.com/botloader/scheduler/internal/config"
	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/dispatch"
	"github.com/botloader/scheduler/internal/gateway"
	"github.com/botloader/scheduler/internal/gatewayauth"
	"github.com/botloader/scheduler/internal/hostapi"
	"github.com/botloader/scheduler/internal/identity"
	"github.com/botloader/scheduler/internal/metrics"
	"github.com/botloader/scheduler/internal/runner"
	"github.com/botloader/scheduler/internal/scheduler"
	"github.com/botloader/scheduler/internal/statecache"
	"github.com/botloader/scheduler/internal/statecache/redislayer"
	"github.com/botloader/scheduler/internal/timerstore"
	"github.com/botloader/scheduler/internal/timerstore/cloudtaskstore"
	"github.com/botloader/scheduler/internal/timerstore/memstore"
	"github.com/botloader/scheduler/internal/timerstore/pgstore"
	"github.com/botloader/scheduler/internal/vm"
	"github.com/botloader/scheduler/internal/wire"
)

func main() {
	cfg := config.Get()
	log := slog.Default().With("component", "scheduler")

	store, err := openTimerStore(cfg)
	if err != nil {
		log.Error("failed to open timer store", "error", err)
		os.Exit(1)
	}

	cache := statecache.New()
	if redisAddr := os.Getenv("BL_REDIS_ADDR"); redisAddr != "" {
		l2, err := redislayer.New(redisAddr, os.Getenv("BL_REDIS_PASSWORD"), 0, "bl:", 0)
		if err != nil {
			log.Error("failed to connect to redis state layer", "error", err)
			os.Exit(1)
		}
		defer l2.Close()
		cache = statecache.NewWithL2(l2)
	}
	reg := metrics.New()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	gw := gateway.New(httpClient, 15*time.Second)

	tenants := newTenantDirectory()

	var sched *scheduler.Scheduler
	sched = scheduler.New(scheduler.Config{
		MaxQueueDepth:    cfg.Queue.PerTenantDepth,
		MaxActiveRunners: cfg.Scheduler.MaxResidentVMs,
	}, func(tenant *coretypes.Tenant) (*runner.Runner, error) {
		r, err := spawnEmbeddedRunner(tenant, cfg, gw, cache, store, reg, log)
		if err != nil {
			return nil, err
		}
		go drainEmbeddedOutbox(r, tenant.GuildID, sched, reg, log)
		return r, nil
	})

	// A tenant whose abuse ledger trips is torn down with
	// Shutdown(TooManyInvalidRequests) and stays suspended until reload
	// (spec.md §4.4, scenario S3).
	gw.OnAbuseTrip(func(tenant *coretypes.Tenant) {
		reg.RecordAbuseTrip(tenant.GuildID)
		log.Warn("tenant exceeded invalid-request threshold, suspending", "guild_id", tenant.GuildID)
		sched.SuspendTenant(tenant.GuildID, wire.ShutdownTooManyInvalidRequests)
	})

	// Remote worker connections register here for tenants isolated into a
	// dedicated process (cmd/worker) instead of the embedded pool above.
	// Routing dispatches to a connected remote worker instead of always
	// falling through to the local SpawnFunc is not implemented yet: today
	// every tenant runs embedded, and workerconn only carries the Hello/Ack
	// handshake needed to prove the transport out.
	issuer := gatewayauth.NewIssuer(gatewayauth.NewMemStore())
	wsrv := workerconn.NewServer(issuer)
	go drainWorkerInbound(wsrv, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/workers/connect", wsrv.HandleUpgrade)
	metricsSrv := &http.Server{Addr: cfg.Metrics.BindAddr, Handler: mux}

	// A SPIRE agent socket opts this scheduler into SPIFFE mTLS for the
	// worker-RPC listener in multi-host deployments (spec.md §11); absent
	// it, the listener accepts plaintext connections authenticated only by
	// gatewayauth's bearer credential.
	var workerVerifier *identity.WorkerVerifier
	if socket := os.Getenv("BL_SPIRE_AGENT_SOCKET"); socket != "" {
		v, err := identity.NewWorkerVerifier(socket)
		if err != nil {
			log.Error("failed to connect to SPIRE agent", "error", err)
			os.Exit(1)
		}
		workerVerifier = v
		metricsSrv.TLSConfig = v.ServerTLSConfig()
	}

	go func() {
		var err error
		if workerVerifier != nil {
			err = metricsSrv.ListenAndServeTLS("", "")
		} else {
			err = metricsSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	onEvent := func(raw coretypes.RawEvent) {
		if raw.GuildID == nil {
			return
		}
		evt, ok := dispatch.ToDispatchEvent(raw)
		if !ok {
			return
		}
		tenant := tenants.get(*raw.GuildID)
		overflowBefore := sched.Overflow(tenant.GuildID)
		dropped, reason := sched.Admit(tenant, evt)
		if sched.Overflow(tenant.GuildID) > overflowBefore {
			reg.RecordOverflow(tenant.GuildID)
		}
		if dropped {
			log.Warn("dropped event on admission", "guild_id", tenant.GuildID, "reason", reason)
		}
	}

	stopBroker := startBrokerTransport(ctx, cfg, mux, onEvent, log)
	defer stopBroker()

	go pollDueLoop(ctx, sched, store, log)
	go idleSweepLoop(ctx, sched, time.Duration(cfg.Eviction.IdleTimeoutSeconds)*time.Second, log)

	log.Info("scheduler started", "worker_rpc_addr", cfg.Scheduler.WorkerListenAddr, "metrics_addr", cfg.Metrics.BindAddr)
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if workerVerifier != nil {
		_ = workerVerifier.Close()
	}
}

// openTimerStore picks the timer/task backend from BL_TIMERSTORE_BACKEND:
// "postgres" (the default for any deployment with a database URL
// configured), "cloudtasks" (a Postgres row store that also enqueues a
// Cloud Tasks push for each created task), or "memory" for local development.
func openTimerStore(cfg *config.Config) (timerstore.Store, error) {
	switch backend := os.Getenv("BL_TIMERSTORE_BACKEND"); backend {
	case "cloudtasks":
		inner, err := pgstore.New(cfg.Database.ConnString)
		if err != nil {
			return nil, err
		}
		return cloudtaskstore.New(context.Background(), inner,
			os.Getenv("BL_GCP_PROJECT_ID"), os.Getenv("BL_GCP_LOCATION_ID"), os.Getenv("BL_GCP_QUEUE_ID"), os.Getenv("BL_TASK_CALLBACK_URL"))
	case "memory":
		return memstore.New(), nil
	default:
		if cfg.Database.ConnString == "" {
			return memstore.New(), nil
		}
		return pgstore.New(cfg.Database.ConnString)
	}
}

// startBrokerTransport wires whichever Broker->Scheduler transport
// BL_BROKER_TRANSPORT selects: "grpc" (default) dials out to the broker as
// a gRPC streaming client, "socketio" stands up an inbound Socket.IO
// server the broker connects to (mounted at /socket.io/ on mux), and
// "pubsub" subscribes to a Cloud Pub/Sub subscription the broker publishes
// onto. Returns a stop func.
func startBrokerTransport(ctx context.Context, cfg *config.Config, mux *http.ServeMux, onEvent func(coretypes.RawEvent), log *slog.Logger) func() {
	switch os.Getenv("BL_BROKER_TRANSPORT") {
	case "socketio":
		bridge := brokerconn.New(onEvent)
		mux.Handle("/socket.io/", bridge.Handler())
		go func() {
			if err := bridge.Serve(); err != nil {
				log.Error("broker socket.io bridge stopped", "error", err)
			}
		}()
		return func() { _ = bridge.Close() }

	case "pubsub":
		sub, err := pubsubbroker.NewSubscriber(ctx, os.Getenv("BL_GCP_PROJECT_ID"), os.Getenv("BL_PUBSUB_SUBSCRIPTION_ID"))
		if err != nil {
			log.Error("failed to open pubsub subscriber", "error", err)
			return func() {}
		}
		go func() {
			if err := sub.Run(ctx, onEvent); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("pubsub broker subscriber stopped", "error", err)
			}
		}()
		return func() { _ = sub.Close() }

	default:
		client := brokerrpc.NewClient(cfg.Broker.ListenAddr, "scheduler-0", onEvent)
		go func() {
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("broker grpc client stopped", "error", err)
			}
		}()
		return func() {}
	}
}

func pollDueLoop(ctx context.Context, sched *scheduler.Scheduler, store timerstore.Store, log *slog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n, err := sched.PollDue(ctx, store, now); err != nil {
				log.Warn("poll due tasks/timers failed", "error", err)
			} else if n > 0 {
				log.Debug("admitted due timer/task events", "count", n)
			}
		}
	}
}

// idleSweepLoop periodically tears down runners whose tenants have been
// quiet past the idle timeout, reclaiming VM memory (spec.md §4.2:
// Running -> Idle on idle timeout).
func idleSweepLoop(ctx context.Context, sched *scheduler.Scheduler, idleTimeout time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(idleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sched.IdleSweep(now.Add(-idleTimeout)); n > 0 {
				log.Debug("swept idle tenant runners", "count", n)
			}
		}
	}
}

func drainWorkerInbound(wsrv *workerconn.Server, log *slog.Logger) {
	for env := range wsrv.Inbound() {
		log.Debug("worker message", "worker_id", env.Worker, "kind", env.Message.Name())
	}
}

// spawnEmbeddedRunner builds a Runner whose VM session runs in this same
// process, the default deployment shape where the scheduler also acts as
// the worker pool (spec.md §4.2, §6 "a process may embed both roles").
func spawnEmbeddedRunner(tenant *coretypes.Tenant, cfg *config.Config, gw *gateway.Gateway, cache *statecache.Cache, store timerstore.Store, reg *metrics.Registry, log *slog.Logger) (*runner.Runner, error) {
	budget := cfg.Budget(tenant.PremiumTier == coretypes.TierPremium)
	vmBudget := vm.Budget{
		WallClock:       time.Duration(budget.WallClockMs) * time.Millisecond,
		CPU:             time.Duration(budget.CPUBudgetMs) * time.Millisecond,
		MemoryHighWater: budget.MemoryHighWaterBytes,
	}

	newSession := func(t *coretypes.Tenant) (*vm.Session, error) {
		return vm.NewSession(t.GuildID, vmBudget, t.Scripts, hostapi.BindingsFor(t, gw, cache, store))
	}

	session, err := newSession(tenant)
	if err != nil {
		return nil, err
	}

	return runner.New(tenant, session, newSession, hostapi.DispatchHandler, vmBudget, cfg.Queue.PerTenantDepth), nil
}

// drainEmbeddedOutbox forwards an embedded Runner's WorkerMessages the way
// the worker-RPC connection would for a distributed deployment: metrics
// and guild logs are observability, but Shutdown(reason) drives the
// scheduler's suspend-or-restart decision (spec.md §7 Recovery) and must
// not be swallowed. The scheduler's own Admit/pump loop doesn't wait on
// Ack for in-process runners (the Handler call already runs to completion
// before handleDispatch returns), but the channel still has to drain or a
// busy tenant's Runner blocks on a full outbox forever.
func drainEmbeddedOutbox(r *runner.Runner, guild coretypes.GuildID, sched *scheduler.Scheduler, reg *metrics.Registry, log *slog.Logger) {
	for msg := range r.Outbox() {
		reg.ForwardWorkerMetric(msg)
		switch msg.Kind {
		case wire.KindGuildLog:
			if msg.Log != nil {
				log.Log(context.Background(), slog.LevelInfo, msg.Log.Message, "level", msg.Log.Level, "guild_id", guild)
			}
		case wire.KindWorkerShutdown:
			log.Warn("tenant vm shut down", "guild_id", guild, "reason", msg.ShutdownReason.ToSuspendReason().String())
			sched.HandleWorkerShutdown(guild, msg.ShutdownReason)
		}
	}
}
