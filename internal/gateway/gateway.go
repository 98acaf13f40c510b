// Package gateway is the Outbound API Gateway: every call a tenant's
// script VM makes back out to the platform passes through here for error
// classification, per-tenant abuse throttling, and a circuit breaker
// guarding the tenant's HTTP traffic (spec.md §4.4, §7).
//
// Grounded in original_source's components/runtime/src/extensions/discord.rs
// discord_request() wrapper (the same call-classify-suspend pipeline,
// reproduced here as Go methods instead of a Rust async fn) and the
// teacher's internal/circuitbreaker + internal/middleware/rate_limiter.go
// wiring style for per-tenant HTTP guards.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/botloader/scheduler/internal/apierr"
	"github.com/botloader/scheduler/internal/circuitbreaker"
	"github.com/botloader/scheduler/internal/coretypes"
)

// HTTPDoer is satisfied by *http.Client; narrowed here so tests can supply
// a fake transport without standing up a real server.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Gateway mediates every outbound platform call a tenant's VM makes.
type Gateway struct {
	client   HTTPDoer
	breakers *circuitbreaker.GatewayBreakers
	timeout  time.Duration
	onTrip   func(tenant *coretypes.Tenant)
}

func New(client HTTPDoer, timeout time.Duration) *Gateway {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{client: client, breakers: circuitbreaker.NewGatewayBreakers(), timeout: timeout}
}

// OnAbuseTrip registers the scheduler-side hook invoked after a tenant's
// abuse ledger trips and the tenant is marked Suspended: the scheduler
// uses it to tear down the tenant's runner with
// Shutdown(TooManyInvalidRequests) (spec.md §4.4, scenario S3). Call
// before the gateway starts serving; not safe to swap concurrently with
// Do.
func (g *Gateway) OnAbuseTrip(fn func(tenant *coretypes.Tenant)) {
	g.onTrip = fn
}

// Do executes req on behalf of tenant, recording the outcome against both
// the tenant's abuse ledger and its circuit breaker, and classifying any
// non-2xx response into the apierr.Kind taxonomy scripts see.
//
// A tenant already in Suspended state fails fast without making the call
// (spec.md §7: "operations invoked while tenant is in Suspended state fail
// fast").
func (g *Gateway) Do(ctx context.Context, tenant *coretypes.Tenant, req *http.Request) (*http.Response, error) {
	if tenant.GetState() == coretypes.StateSuspended {
		return nil, apierr.ErrSuspended
	}

	breaker := g.breakers.For(uint64(tenant.GuildID))
	if err := breaker.Allow(); err != nil {
		return nil, apierr.New(apierr.PlatformUnavailable, 0, 0, "circuit open: "+err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := g.client.Do(req)
	if err != nil {
		breaker.Execute(func() (interface{}, error) { return nil, err })
		return nil, apierr.New(apierr.PlatformUnavailable, 0, 0, err.Error())
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		breaker.Execute(func() (interface{}, error) { return nil, nil })
		return resp, nil
	}

	platformErr := apierr.ClassifyHTTP(resp.StatusCode, 0, resp.Status)
	// 4xx means the platform is healthy and the request was bad; only 5xx
	// counts against the circuit breaker. Request-validity abuse is the
	// ledger's job below, and tripping the breaker on 403 storms would
	// stop the ledger from ever reaching its threshold.
	if resp.StatusCode >= 500 {
		breaker.Execute(func() (interface{}, error) { return nil, platformErr })
	} else {
		breaker.Execute(func() (interface{}, error) { return nil, nil })
	}

	// Only raw 401/403/429 responses count against the abuse ledger
	// (spec.md §3): a 404, a transient 5xx, or a domain-coded quota 4xx is
	// not evidence of a script misbehaving against the platform's
	// request-validity limits.
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		if tenant.Abuse.Record(time.Now()) {
			tenant.Suspend(coretypes.ReasonTooManyInvalidRequests)
			if g.onTrip != nil {
				g.onTrip(tenant)
			}
		}
	}
	return resp, platformErr
}
