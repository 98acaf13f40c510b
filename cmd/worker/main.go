// Command worker is the standalone Tenant Runner process used when a
// tenant is isolated into its own OS process instead of running embedded
// in the scheduler (spec.md §4.2, §6): it dials the scheduler's worker-RPC
// listener over internal/adapter/workerconn, runs exactly one tenant's VM
// session, and pumps wire.SchedulerMessage/wire.WorkerMessage traffic
// between the connection and an internal/runner.Runner the same way the
// embedded scheduler does.
//
// Grounded in the teacher's cmd/server/main.go startup/shutdown shape,
// adapted to a single long-lived outbound connection instead of an HTTP
// listener.
package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/botloader/scheduler/internal/adapter/workerconn"
	"github.com/botloader/scheduler/internal/config"
	"github.com/botloader/scheduler/internal/coretypes"
	"github.com/botloader/scheduler/internal/gateway"
	"github.com/botloader/scheduler/internal/hostapi"
	"github.com/botloader/scheduler/internal/identity"
	"github.com/botloader/scheduler/internal/metrics"
	"github.com/botloader/scheduler/internal/runner"
	"github.com/botloader/scheduler/internal/statecache"
	"github.com/botloader/scheduler/internal/vm"
)

func main() {
	cfg := config.Get()
	log := slog.Default().With("component", "worker")

	guildID, err := strconv.ParseUint(os.Getenv("BL_WORKER_GUILD_ID"), 10, 64)
	if err != nil {
		log.Error("BL_WORKER_GUILD_ID must be set to the guild this process is dedicated to", "error", err)
		os.Exit(1)
	}
	cred := os.Getenv("BL_WORKER_CREDENTIAL")
	if cred == "" {
		log.Error("BL_WORKER_CREDENTIAL must be set (issued by the scheduler's gatewayauth.Issuer)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A SPIRE agent socket is only present in multi-host deployments that
	// opted into SPIFFE mTLS between scheduler and worker (spec.md §11);
	// co-located or single-host setups leave BL_SPIRE_AGENT_SOCKET unset
	// and dial in plaintext over the trusted local network.
	var tlsConfig *tls.Config
	if socket := os.Getenv("BL_SPIRE_AGENT_SOCKET"); socket != "" {
		verifier, err := identity.NewWorkerVerifier(socket)
		if err != nil {
			log.Error("failed to connect to SPIRE agent", "error", err)
			os.Exit(1)
		}
		defer verifier.Close()
		tlsConfig = verifier.ClientTLSConfig()
	}

	addr := cfg.Scheduler.WorkerListenAddr
	if !strings.Contains(addr, "://") {
		scheme := "ws"
		if tlsConfig != nil {
			scheme = "wss"
		}
		addr = scheme + "://" + addr + "/workers/connect"
	}
	client, err := workerconn.Dial(ctx, addr, cred, tlsConfig)
	if err != nil {
		log.Error("failed to connect to scheduler", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	reg := metrics.New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.Metrics.BindAddr, Handler: mux}
	go func() { _ = metricsSrv.ListenAndServe() }()

	cache := statecache.New()
	gw := gateway.New(&http.Client{Timeout: 15 * time.Second}, 15*time.Second)

	tenant := coretypes.NewTenant(coretypes.GuildID(guildID))

	// The effective tier rides in on CreateScriptsVm; budgets are
	// re-derived per session rebuild so a tier change takes effect at the
	// next VM restart.
	budgetFor := func(t *coretypes.Tenant) vm.Budget {
		b := cfg.Budget(t.PremiumTier == coretypes.TierPremium)
		return vm.Budget{
			WallClock:       time.Duration(b.WallClockMs) * time.Millisecond,
			CPU:             time.Duration(b.CPUBudgetMs) * time.Millisecond,
			MemoryHighWater: b.MemoryHighWaterBytes,
		}
	}
	vmBudget := budgetFor(tenant)

	newSession := func(t *coretypes.Tenant) (*vm.Session, error) {
		return vm.NewSession(t.GuildID, budgetFor(t), t.Scripts, hostapi.BindingsFor(t, gw, cache, nil))
	}
	session, err := newSession(tenant)
	if err != nil {
		log.Error("failed to build initial vm session", "error", err)
		os.Exit(1)
	}

	r := runner.New(tenant, session, newSession, hostapi.DispatchHandler, vmBudget, cfg.Queue.PerTenantDepth)
	go r.Start(ctx)

	log.Info("worker connected", "guild_id", guildID, "scheduler_addr", cfg.Scheduler.WorkerListenAddr)
	pumpConnection(ctx, client, r, reg, log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

// pumpConnection shuttles SchedulerMessages from the connection into the
// Runner's mailbox and WorkerMessages from the Runner's outbox back onto
// the connection, until ctx is canceled or the connection drops.
func pumpConnection(ctx context.Context, client *workerconn.Client, r *runner.Runner, reg *metrics.Registry, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Recv():
			if !ok {
				log.Warn("scheduler connection closed")
				return
			}
			r.Send(msg)
		case out, ok := <-r.Outbox():
			if !ok {
				return
			}
			reg.ForwardWorkerMetric(out)
			client.Send(out)
		}
	}
}
