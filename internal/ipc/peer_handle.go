package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danmuck/edgeipc/internal/engine"
	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/router"
	"github.com/danmuck/edgeipc/internal/transport"
)

// PeerHandle is the server side of one client connection. Its router starts
// empty and delegates to the server's router.
type PeerHandle struct {
	server      *Server
	peer        transport.Peer
	engine      *engine.Engine
	connectedAt time.Time
}

func newPeerHandle(s *Server, p transport.Peer) *PeerHandle {
	h := &PeerHandle{
		server:      s,
		peer:        p,
		connectedAt: time.Now(),
	}
	h.engine = engine.New(engine.Config{
		Endpoint: s.cfg.Transport.ID,
		Timeout:  s.cfg.Timeout,
		Router:   router.NewChild(s.cfg.Router),
		Sink:     s.cfg.Sink,
		OnEvent: func(_ transport.Peer, tag string, body json.RawMessage) {
			if s.OnEvent != nil {
				s.OnEvent(h, tag, body)
			}
		},
	})
	return h
}

// ID is the connection id, unique for the life of the process.
func (h *PeerHandle) ID() string { return h.peer.ID() }

// RemoteAddr is the client's socket address, or the id when it has none.
func (h *PeerHandle) RemoteAddr() string { return h.peer.RemoteAddr() }

// ConnectedAt is when the server accepted the connection.
func (h *PeerHandle) ConnectedAt() time.Time { return h.connectedAt }

// Router returns the handle's own routes; misses fall through to the server.
func (h *PeerHandle) Router() *router.Router { return h.engine.Router() }

// Connected reports whether the underlying connection is still up.
func (h *PeerHandle) Connected() bool { return h.engine.Connected() }

// Pending snapshots requests this handle has sent to its client.
func (h *PeerHandle) Pending() []engine.PendingRequest { return h.engine.Pending() }

// Start always fails: a handle lives exactly as long as its connection.
func (h *PeerHandle) Start(context.Context) error {
	return ipcerr.New(ipcerr.KindInvalidMethod, "cannot restart a server client")
}

// Stop closes the connection, failing in-flight requests.
func (h *PeerHandle) Stop() error {
	return h.peer.Close()
}

// Request calls resource on this client and waits for its answer.
func (h *PeerHandle) Request(ctx context.Context, resource string, body any) (json.RawMessage, error) {
	return h.engine.Request(ctx, resource, body)
}

// Send emits a fire-and-forget event to this client.
func (h *PeerHandle) Send(tag string, body any) error {
	return h.engine.Send(tag, body)
}
