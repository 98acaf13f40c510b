package workerconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botloader/scheduler/internal/gatewayauth"
	"github.com/botloader/scheduler/internal/wire"
)

func TestDialSendRecvRoundTrip(t *testing.T) {
	store := gatewayauth.NewMemStore()
	issuer := gatewayauth.NewIssuer(store)
	fullKey, err := issuer.Issue(context.Background(), "worker-1", time.Hour)
	require.NoError(t, err)

	srv := NewServer(issuer)
	mux := http.NewServeMux()
	mux.HandleFunc("/worker", srv.HandleUpgrade)
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	wsAddr := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/worker"

	client, err := Dial(context.Background(), wsAddr, fullKey, nil)
	require.NoError(t, err)
	defer client.Close()

	// give the server a moment to register the connection
	deadline := time.Now().Add(2 * time.Second)
	for !srv.Connected(WorkerID(strings.SplitN(strings.TrimPrefix(fullKey, "blw_"), ".", 2)[0])) {
		if time.Now().After(deadline) {
			t.Fatal("worker never registered as connected")
		}
		time.Sleep(time.Millisecond)
	}

	keyID := strings.SplitN(strings.TrimPrefix(fullKey, "blw_"), ".", 2)[0]
	ok := srv.Send(WorkerID(keyID), wire.NewDispatch("MESSAGE_CREATE", 1, nil))
	require.True(t, ok)

	select {
	case msg := <-client.Recv():
		require.Equal(t, wire.KindDispatch, msg.Kind)
		require.Equal(t, uint64(1), msg.Dispatch.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	client.Send(wire.NewAck(1))
	select {
	case env := <-srv.Inbound():
		require.Equal(t, WorkerID(keyID), env.Worker)
		require.Equal(t, wire.KindAck, env.Message.Kind)
		require.Equal(t, uint64(1), env.Message.AckSeq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestHandleUpgradeRejectsBadCredential(t *testing.T) {
	store := gatewayauth.NewMemStore()
	issuer := gatewayauth.NewIssuer(store)
	srv := NewServer(issuer)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/worker", nil)
	req.Header.Set("Authorization", "blw_bogus.secret")

	srv.HandleUpgrade(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
