// Package identity provides SPIFFE/SPIRE-based mTLS identity for the
// Scheduler<->Worker RPC transport in multi-host deployments (spec.md §6,
// §11): each worker process presents an X.509 SVID scoped to its own
// SPIFFE ID. The scheduler's listener accepts any valid SVID from the
// trust bundle at the TLS layer (no per-ID authorization); the gatewayauth
// bearer credential is what identifies the individual worker.
package identity

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// WorkerVerifier verifies the SPIFFE SVID a worker process presents when
// connecting to the scheduler's worker-RPC listener (internal/adapter/workerconn).
type WorkerVerifier struct {
	source *workloadapi.X509Source
}

// NewWorkerVerifier connects to a local SPIRE agent over socketPath
// (typically a unix socket) and fetches this process's own X.509 SVID
// source, used both to authenticate as a SPIFFE identity and to verify
// peers. A timeout bounds startup so a missing SPIRE agent fails fast
// instead of hanging process start.
func NewWorkerVerifier(socketPath string) (*WorkerVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: connect to SPIRE agent at %s: %w", socketPath, err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath)
	return &WorkerVerifier{source: source}, nil
}

// VerifyWorkerID checks that the verifier's own SVID matches the SPIFFE ID
// a worker claims, returning a stable hash of the SVID's leaf certificate
// for audit logging.
func (v *WorkerVerifier) VerifyWorkerID(claimedID string) (uint64, error) {
	id, err := spiffeid.FromString(claimedID)
	if err != nil {
		return 0, fmt.Errorf("identity: invalid SPIFFE ID %q: %w", claimedID, err)
	}

	svid, err := v.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("identity: fetch SVID: %w", err)
	}

	if svid.ID.String() != id.String() {
		return 0, fmt.Errorf("identity: SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}

	hash := svidHash(svid.Certificates[0].Raw)
	slog.Info("identity: verified worker SPIFFE ID", "spiffe_id", claimedID, "hash", hash)
	return hash, nil
}

func svidHash(certDER []byte) uint64 {
	sum := sha256.Sum256(certDER)
	var result uint64
	for i := 0; i < 8; i++ {
		result = (result << 8) | uint64(sum[i])
	}
	return result
}

// ServerTLSConfig returns an mTLS config for the scheduler's worker-RPC
// listener: any peer with a valid SVID from the trust domain is accepted
// at the TLS layer, with gatewayauth's bearer credential (or
// VerifyWorkerID above) providing the finer-grained per-worker check.
func (v *WorkerVerifier) ServerTLSConfig() *tls.Config {
	return tlsconfig.MTLSServerConfig(v.source, v.source, tlsconfig.AuthorizeAny())
}

// ClientTLSConfig returns an mTLS config for a worker process dialing the
// scheduler.
func (v *WorkerVerifier) ClientTLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(v.source, v.source, tlsconfig.AuthorizeAny())
}

// Close releases the underlying workload API connection.
func (v *WorkerVerifier) Close() error {
	return v.source.Close()
}

// WorkerSPIFFEID builds the SPIFFE ID a worker process presents for
// trustDomain, scoped to its worker name (the same name passed to
// gatewayauth.Issuer.Issue).
func WorkerSPIFFEID(trustDomain, workerName string) string {
	return fmt.Sprintf("spiffe://%s/worker/%s", trustDomain, workerName)
}
