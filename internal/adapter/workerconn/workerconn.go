// Package workerconn implements the Scheduler<->Worker RPC transport
// (spec.md §6) as a framed websocket connection: internal/wire's
// length-prefixed message codec carried one frame per websocket binary
// message, instead of a raw TCP byte stream. Used when the worker process
// hosting a tenant's VM runs apart from the scheduler process (a
// distributed deployment); co-located deployments wire runner.Runner
// directly and never need this package.
//
// Grounded in the teacher's internal/websocket/dag_streamer.go hub
// pattern, except that the client map here is guarded by a RWMutex rather
// than owned by a hub goroutine: every write goes through a per-connection
// channel rather than a shared *websocket.Conn write call, and CheckOrigin
// is permissive the same way (this transport
// runs on a private network between scheduler and worker processes, not
// exposed to browsers).
package workerconn

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/botloader/scheduler/internal/gatewayauth"
	"github.com/botloader/scheduler/internal/wire"
)

// newFrameReader adapts a single websocket binary message (one frame's
// worth of bytes) to the *bufio.Reader wire.ReadFrame expects.
func newFrameReader(data []byte) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader(data))
}

// WorkerID identifies one worker-process connection to the scheduler.
// A worker process may host many tenants; which tenants it hosts is
// negotiated out of band (config or a control-plane assignment), not by
// this transport.
type WorkerID string

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope pairs a WorkerMessage with the connection it arrived on, so the
// scheduler-side consumer knows which worker (and therefore which
// in-flight tenants) it concerns.
type Envelope struct {
	Worker  WorkerID
	Message wire.WorkerMessage
}

// conn is one worker's live websocket connection plus its outbound queue.
type conn struct {
	id     WorkerID
	ws     *websocket.Conn
	send   chan wire.SchedulerMessage
	done   chan struct{}
	closed sync.Once
}

// Server is the scheduler-side half: it accepts worker connections over
// HTTP/websocket, authenticates them via gatewayauth, and exposes a single
// inbound Envelope channel plus a per-worker Send method.
type Server struct {
	issuer *gatewayauth.Issuer
	log    *slog.Logger

	mu      sync.RWMutex
	conns   map[WorkerID]*conn
	inbound chan Envelope
}

// NewServer constructs a Server. issuer authenticates the bearer
// credential each worker presents on connect (spec.md §11 gatewayauth).
func NewServer(issuer *gatewayauth.Issuer) *Server {
	return &Server{
		issuer:  issuer,
		log:     slog.Default().With("component", "workerconn"),
		conns:   make(map[WorkerID]*conn),
		inbound: make(chan Envelope, 1024),
	}
}

// Inbound is every WorkerMessage received from any connected worker,
// tagged with its source. The scheduler process reads this to drive
// runner state (Ack/Hello/GuildLog/Metric/Shutdown).
func (s *Server) Inbound() <-chan Envelope { return s.inbound }

// HandleUpgrade upgrades an HTTP request to a websocket connection for one
// worker. The bearer credential (format "blw_<id>.<secret>") is read from
// the Authorization header; workers failing verification are rejected
// before the upgrade completes.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	cred := r.Header.Get("Authorization")
	credential, err := s.issuer.Validate(r.Context(), cred)
	if err != nil {
		s.log.Warn("worker connect rejected", "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &conn{
		id:   WorkerID(credential.KeyID),
		ws:   ws,
		send: make(chan wire.SchedulerMessage, 256),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if old, ok := s.conns[c.id]; ok {
		old.close()
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.log.Info("worker connected", "worker", c.id)

	go s.writePump(c)
	go s.readPump(c)
}

// Send queues msg for delivery to the named worker. Returns false if no
// such worker is currently connected (caller should treat the dispatch as
// undelivered and fall back to whatever redelivery policy it has).
func (s *Server) Send(id WorkerID, msg wire.SchedulerMessage) bool {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	}
}

// Connected reports whether id currently has a live connection.
func (s *Server) Connected(id WorkerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[id]
	return ok
}

func (s *Server) writePump(c *conn) {
	for {
		select {
		case msg := <-c.send:
			var buf bytes.Buffer
			if err := wire.WriteSchedulerMessage(&buf, msg); err != nil {
				s.log.Error("frame encode failed", "worker", c.id, "err", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
				s.log.Warn("write failed, dropping worker", "worker", c.id, "err", err)
				s.drop(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) readPump(c *conn) {
	defer s.drop(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_, _, workerMsg, err := wire.ReadFrame(newFrameReader(data))
		if err != nil {
			s.log.Warn("bad frame from worker", "worker", c.id, "err", err)
			continue
		}
		if workerMsg == nil {
			continue
		}
		select {
		case s.inbound <- Envelope{Worker: c.id, Message: *workerMsg}:
		case <-c.done:
			return
		}
	}
}

func (s *Server) drop(c *conn) {
	s.mu.Lock()
	if cur, ok := s.conns[c.id]; ok && cur == c {
		delete(s.conns, c.id)
	}
	s.mu.Unlock()
	c.close()
	s.log.Info("worker disconnected", "worker", c.id)
}

func (c *conn) close() {
	c.closed.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Client is the worker-process half: it dials the scheduler, presents its
// credential, and exposes Recv/Send for the process wiring that feeds
// runner.Runner instances.
type Client struct {
	ws   *websocket.Conn
	log  *slog.Logger
	send chan wire.WorkerMessage
	recv chan wire.SchedulerMessage
	done chan struct{}
}

// Dial connects to the scheduler's worker-RPC listener at addr
// (ws://host:port/path, or wss:// when tlsConfig is non-nil) presenting
// cred as the Authorization header. tlsConfig is nil for co-located or
// otherwise trusted-network deployments; multi-host deployments pass
// identity.WorkerVerifier.ClientTLSConfig() here to layer SPIFFE mTLS
// under the websocket handshake (spec.md §11).
func Dial(ctx context.Context, addr, cred string, tlsConfig *tls.Config) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: tlsConfig}
	header := http.Header{"Authorization": []string{cred}}
	ws, _, err := dialer.DialContext(ctx, addr, header)
	if err != nil {
		return nil, fmt.Errorf("workerconn: dial %s: %w", addr, err)
	}

	c := &Client{
		ws:   ws,
		log:  slog.Default().With("component", "workerconn.client"),
		send: make(chan wire.WorkerMessage, 256),
		recv: make(chan wire.SchedulerMessage, 256),
		done: make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues a WorkerMessage for delivery to the scheduler.
func (c *Client) Send(msg wire.WorkerMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

// Recv is every SchedulerMessage received from the scheduler.
func (c *Client) Recv() <-chan wire.SchedulerMessage { return c.recv }

// Close tears down the connection.
func (c *Client) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.ws.Close()
}

func (c *Client) writePump() {
	for {
		select {
		case msg := <-c.send:
			var buf bytes.Buffer
			if err := wire.WriteWorkerMessage(&buf, msg); err != nil {
				c.log.Error("frame encode failed", "err", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes()); err != nil {
				c.log.Warn("write failed", "err", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer close(c.recv)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_, schedMsg, _, err := wire.ReadFrame(newFrameReader(data))
		if err != nil {
			c.log.Warn("bad frame from scheduler", "err", err)
			continue
		}
		if schedMsg == nil {
			continue
		}
		select {
		case c.recv <- *schedMsg:
		case <-c.done:
			return
		}
	}
}
