package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danmuck/edgeipc/internal/engine"
	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/lifecycle"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/router"
	"github.com/danmuck/edgeipc/internal/transport"
)

// Client owns one outbound connection to a server endpoint.
type Client struct {
	cfg    Config
	emit   observability.Emitter
	engine *engine.Engine
	life   *lifecycle.Lifecycle
	dialer *transport.Dialer

	// OnEvent receives events the server sends.
	OnEvent func(tag string, body json.RawMessage)
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg, emit: cfg.emitter()}
	c.engine = engine.New(engine.Config{
		Endpoint: cfg.Transport.ID,
		Timeout:  cfg.Timeout,
		Router:   cfg.Router,
		Sink:     cfg.Sink,
		OnEvent: func(_ transport.Peer, tag string, body json.RawMessage) {
			if c.OnEvent != nil {
				c.OnEvent(tag, body)
			}
		},
	})
	c.dialer = transport.NewDialer(cfg.Transport, transport.Events{
		OnConnect:    c.handleConnect,
		OnDisconnect: c.handleDisconnect,
		OnError:      func(p transport.Peer, err error) { reportTransportError(c.emit, p, err) },
		OnMessage:    func(p transport.Peer, m envelope.Message) { c.engine.HandleMessage(p, m) },
	})
	c.dialer.OnGiveUp = func(err error) {
		reportTransportError(c.emit, nil, err)
		c.life.Lost(err)
		// Nothing will flush the queue once the dialer is gone.
		c.engine.FailAll(ipcerr.Wrap(ipcerr.KindDisconnected, err, "client stopped redialing"))
	}
	c.life = lifecycle.New(lifecycle.ConnectorFuncs{
		OpenFunc:  c.dialer.Start,
		CloseFunc: c.dialer.Close,
	}, c.emit)
	return c
}

func (c *Client) ID() string                       { return c.cfg.Transport.ID }
func (c *Client) Router() *router.Router           { return c.engine.Router() }
func (c *Client) Connected() bool                  { return c.life.Connected() }
func (c *Client) State() lifecycle.State           { return c.life.State() }
func (c *Client) Pending() []engine.PendingRequest { return c.engine.Pending() }

// Start dials the server and returns once the first connection is up.
func (c *Client) Start(ctx context.Context) error {
	return c.life.Start(ctx)
}

// Stop closes the connection and fails in-flight requests.
func (c *Client) Stop() error {
	return c.life.Stop()
}

// AwaitConnection starts the client if needed and waits for a connection.
func (c *Client) AwaitConnection(ctx context.Context, timeout time.Duration) error {
	return c.life.AwaitConnection(ctx, timeout)
}

func (c *Client) Request(ctx context.Context, resource string, body any) (json.RawMessage, error) {
	return c.engine.Request(ctx, resource, body)
}

// Send emits a fire-and-forget event to the server.
func (c *Client) Send(tag string, body any) error {
	return c.engine.Send(tag, body)
}

func (c *Client) handleConnect(p transport.Peer) {
	c.engine.HandleConnect(p)
	c.life.MarkStarted()
	c.life.MarkConnected()
}

func (c *Client) handleDisconnect(_ transport.Peer, err error) {
	c.life.MarkDisconnected()
	c.engine.HandleDisconnect(err)
}
