package ipc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/danmuck/edgeipc/internal/engine"
	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/lifecycle"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/router"
	"github.com/danmuck/edgeipc/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server accepts many clients and wraps each connection in a PeerHandle
// whose router delegates to the server's router.
type Server struct {
	cfg    Config
	emit   observability.Emitter
	logger zerolog.Logger
	life   *lifecycle.Lifecycle

	// OnNewClient and OnDisconnectedClient observe the connection table.
	OnNewClient          func(*PeerHandle)
	OnDisconnectedClient func(*PeerHandle)
	// OnEvent receives events sent by any client.
	OnEvent func(h *PeerHandle, tag string, body json.RawMessage)

	lnMu     sync.Mutex
	listener *transport.Listener

	mu      sync.RWMutex
	handles map[string]*PeerHandle
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:     cfg,
		emit:    cfg.emitter(),
		logger:  observability.ComponentLogger("server", cfg.Transport.ID),
		handles: make(map[string]*PeerHandle),
	}
	s.life = lifecycle.New(lifecycle.ConnectorFuncs{
		OpenFunc:  s.listen,
		CloseFunc: s.shutdown,
	}, s.emit)
	return s
}

func (s *Server) ID() string             { return s.cfg.Transport.ID }
func (s *Server) Router() *router.Router { return s.cfg.Router }
func (s *Server) State() lifecycle.State { return s.life.State() }

// Addr returns the bound endpoint address, or "" when not listening.
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// Start binds the endpoint and returns once it is listening.
func (s *Server) Start(ctx context.Context) error {
	return s.life.Start(ctx)
}

// Stop disconnects every client and closes the endpoint.
func (s *Server) Stop() error {
	return s.life.Stop()
}

// Clients returns the connected peer handles ordered by connect time.
func (s *Server) Clients() []*PeerHandle {
	s.mu.RLock()
	out := make([]*PeerHandle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// Client looks up a connected peer handle by id.
func (s *Server) Client(id string) (*PeerHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	return h, ok
}

// BroadcastResult is one peer's answer to a broadcast.
type BroadcastResult struct {
	ClientID string          `json:"client_id"`
	Body     json.RawMessage `json:"body,omitempty"`
	Err      error           `json:"-"`
}

// Broadcast issues resource(body) to targets, or to every connected client
// when targets is empty. It returns once every request settles, with the
// first failure as its error; one peer failing never cuts another short.
// A target that is no longer connected fails with MissingClient before
// anything is sent.
func (s *Server) Broadcast(ctx context.Context, resource string, body any, targets ...*PeerHandle) ([]BroadcastResult, error) {
	if len(targets) == 0 {
		targets = s.Clients()
	} else {
		for _, h := range targets {
			if h == nil {
				return nil, ipcerr.New(ipcerr.KindMissingClient, "broadcast target is nil")
			}
			if cur, ok := s.Client(h.ID()); !ok || cur != h {
				return nil, ipcerr.Newf(ipcerr.KindMissingClient, "client %s is not connected", h.ID())
			}
		}
	}

	results := make([]BroadcastResult, len(targets))
	var g errgroup.Group
	for i, h := range targets {
		results[i].ClientID = h.ID()
		g.Go(func() error {
			out, err := h.Request(ctx, resource, body)
			results[i].Body = out
			results[i].Err = err
			return err
		})
	}
	return results, g.Wait()
}

func (s *Server) listen() error {
	ln := transport.NewListener(s.cfg.Transport, transport.Events{
		OnConnect:    s.handleConnect,
		OnDisconnect: s.handleDisconnect,
		OnError:      func(p transport.Peer, err error) { reportTransportError(s.emit, p, err) },
		OnMessage:    s.handleMessage,
	})
	ln.OnListening = func(string) { s.life.MarkStarted() }
	ln.OnReject = func(remote string, err error) {
		s.emit.Warn(observability.EventRejectedClient, "connection rejected", err, map[string]string{"remote": remote})
	}
	s.lnMu.Lock()
	s.listener = ln
	s.lnMu.Unlock()
	return ln.Listen()
}

func (s *Server) shutdown() error {
	for _, h := range s.Clients() {
		_ = h.Stop()
	}
	s.lnMu.Lock()
	ln := s.listener
	s.listener = nil
	s.lnMu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) handleConnect(p transport.Peer) {
	h := newPeerHandle(s, p)
	s.mu.Lock()
	s.handles[p.ID()] = h
	count := len(s.handles)
	s.mu.Unlock()

	h.engine.HandleConnect(p)
	s.logger.Info().Str("client", h.ID()).Int("active_clients", count).Msg("server.handleConnect")
	s.emit.Info(observability.EventNewClient, "", map[string]string{"client": h.ID(), "remote": h.RemoteAddr()})
	if s.OnNewClient != nil {
		s.OnNewClient(h)
	}
}

func (s *Server) handleDisconnect(p transport.Peer, err error) {
	s.mu.Lock()
	h, ok := s.handles[p.ID()]
	delete(s.handles, p.ID())
	s.mu.Unlock()
	if !ok {
		return
	}
	h.engine.HandleDisconnect(err)
	s.emit.Info(observability.EventDisconnectedClient, "", map[string]string{"client": h.ID()})
	if s.OnDisconnectedClient != nil {
		s.OnDisconnectedClient(h)
	}
}

func (s *Server) handleMessage(p transport.Peer, msg envelope.Message) {
	h, ok := s.Client(p.ID())
	if !ok {
		s.logger.Warn().Str("peer", p.ID()).Msg("server.handleMessage from untracked peer")
		return
	}
	h.engine.HandleMessage(p, msg)
}

// Pending returns every client's unsettled requests keyed by client id.
func (s *Server) Pending() map[string][]engine.PendingRequest {
	out := make(map[string][]engine.PendingRequest)
	for _, h := range s.Clients() {
		out[h.ID()] = h.Pending()
	}
	return out
}
