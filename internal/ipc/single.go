package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/danmuck/edgeipc/internal/engine"
	"github.com/danmuck/edgeipc/internal/lifecycle"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/router"
	"github.com/danmuck/edgeipc/internal/transport"
)

// SingleServer accepts at most one client and talks to it directly, so it
// can issue requests the same way a Client does.
type SingleServer struct {
	cfg    Config
	emit   observability.Emitter
	engine *engine.Engine
	life   *lifecycle.Lifecycle

	// OnEvent receives events sent by the client.
	OnEvent func(tag string, body json.RawMessage)

	mu       sync.Mutex
	listener *transport.Listener
	peer     transport.Peer
}

func NewSingleServer(cfg Config) *SingleServer {
	cfg.Transport.MaxConnections = 1
	cfg = cfg.withDefaults()
	s := &SingleServer{cfg: cfg, emit: cfg.emitter()}
	s.engine = engine.New(engine.Config{
		Endpoint: cfg.Transport.ID,
		Timeout:  cfg.Timeout,
		Router:   cfg.Router,
		Sink:     cfg.Sink,
		OnEvent: func(_ transport.Peer, tag string, body json.RawMessage) {
			if s.OnEvent != nil {
				s.OnEvent(tag, body)
			}
		},
	})
	s.life = lifecycle.New(lifecycle.ConnectorFuncs{
		OpenFunc:  s.listen,
		CloseFunc: s.shutdown,
	}, s.emit)
	return s
}

func (s *SingleServer) ID() string                       { return s.cfg.Transport.ID }
func (s *SingleServer) Router() *router.Router           { return s.engine.Router() }
func (s *SingleServer) Connected() bool                  { return s.life.Connected() }
func (s *SingleServer) State() lifecycle.State           { return s.life.State() }
func (s *SingleServer) Pending() []engine.PendingRequest { return s.engine.Pending() }

// ClientID returns the id of the accepted client, or "".
func (s *SingleServer) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return ""
	}
	return s.peer.ID()
}

// Start binds the endpoint and returns once it is listening.
func (s *SingleServer) Start(ctx context.Context) error {
	return s.life.Start(ctx)
}

func (s *SingleServer) Stop() error {
	return s.life.Stop()
}

// AwaitConnection starts the server if needed and waits for a client.
func (s *SingleServer) AwaitConnection(ctx context.Context, timeout time.Duration) error {
	return s.life.AwaitConnection(ctx, timeout)
}

func (s *SingleServer) Request(ctx context.Context, resource string, body any) (json.RawMessage, error) {
	return s.engine.Request(ctx, resource, body)
}

// Send emits a fire-and-forget event to the client.
func (s *SingleServer) Send(tag string, body any) error {
	return s.engine.Send(tag, body)
}

func (s *SingleServer) listen() error {
	ln := transport.NewListener(s.cfg.Transport, transport.Events{
		OnConnect:    s.handleConnect,
		OnDisconnect: s.handleDisconnect,
		OnError:      func(p transport.Peer, err error) { reportTransportError(s.emit, p, err) },
		OnMessage:    s.handleMessage,
	})
	ln.OnListening = func(string) { s.life.MarkStarted() }
	ln.OnReject = func(remote string, err error) {
		s.emit.Warn(observability.EventRejectedClient, "second client rejected", err, map[string]string{"remote": remote})
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Listen()
}

func (s *SingleServer) shutdown() error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *SingleServer) handleConnect(p transport.Peer) {
	s.mu.Lock()
	if s.peer != nil {
		s.mu.Unlock()
		_ = p.Close()
		s.emit.Warn(observability.EventRejectedClient, "second client rejected", nil, map[string]string{"remote": p.RemoteAddr()})
		return
	}
	s.peer = p
	s.mu.Unlock()

	s.engine.HandleConnect(p)
	s.life.MarkConnected()
	s.emit.Info(observability.EventNewClient, "", map[string]string{"client": p.ID()})
}

func (s *SingleServer) handleDisconnect(p transport.Peer, err error) {
	s.mu.Lock()
	if s.peer != p {
		s.mu.Unlock()
		return
	}
	s.peer = nil
	s.mu.Unlock()

	s.life.MarkDisconnected()
	s.engine.HandleDisconnect(err)
	s.emit.Info(observability.EventDisconnectedClient, "", map[string]string{"client": p.ID()})
}

func (s *SingleServer) handleMessage(p transport.Peer, msg envelope.Message) {
	s.mu.Lock()
	current := s.peer
	s.mu.Unlock()
	if current != p {
		s.emit.Warn(observability.EventWrongClient, "message from a client that was not accepted", nil,
			map[string]string{"peer": p.ID()})
		return
	}
	s.engine.HandleMessage(p, msg)
}
