// Package transport carries envelopes over unix sockets or loopback TCP.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/protocol/frame"
	"github.com/danmuck/edgeipc/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrPeerClosed = errors.New("transport: peer closed")
	// ErrUnsendable marks a message that could not be encoded or framed.
	// Nothing was written and the connection stays up.
	ErrUnsendable = errors.New("transport: message cannot be sent")
)

// Peer is one live duplex connection.
type Peer interface {
	ID() string
	RemoteAddr() string
	// Send is best effort: a write failure is also reported through
	// Events.OnError and closes the connection. A message that cannot be
	// encoded or framed fails with ErrUnsendable and leaves it open.
	Send(envelope.Message) error
	Close() error
	Done() <-chan struct{}
}

// Events are the callbacks a connection reports through. OnDisconnect fires
// at most once per connection. OnMessage runs on the read goroutine.
type Events struct {
	OnConnect    func(Peer)
	OnDisconnect func(Peer, error)
	OnError      func(Peer, error)
	OnMessage    func(Peer, envelope.Message)
}

type connPeer struct {
	id           string
	endpoint     string
	conn         net.Conn
	events       Events
	writeTimeout time.Duration

	writeMu   sync.Mutex
	nextMsgID atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
}

func newConnPeer(id, endpoint string, conn net.Conn, events Events, writeTimeout time.Duration) *connPeer {
	return &connPeer{
		id:           id,
		endpoint:     endpoint,
		conn:         conn,
		events:       events,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (p *connPeer) ID() string { return p.id }

func (p *connPeer) RemoteAddr() string {
	if addr := p.conn.RemoteAddr(); addr != nil {
		if s := addr.String(); s != "" && s != "<nil>" {
			return s
		}
	}
	return p.id
}

func (p *connPeer) Done() <-chan struct{} { return p.done }

func (p *connPeer) Send(msg envelope.Message) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	f, err := envelope.EncodeFrame(p.nextMsgID.Add(1), msg)
	if err == nil && uint64(len(f.Payload)) > uint64(frame.DefaultLimits().MaxPayloadBytes) {
		err = fmt.Errorf("%w: %d bytes", frame.ErrPayloadTooLarge, len(f.Payload))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsendable, err)
	}

	p.writeMu.Lock()
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	err = frame.WriteFrame(p.conn, f, frame.DefaultLimits())
	p.writeMu.Unlock()
	if err != nil {
		log.Warn().Str("peer", p.id).Err(err).Msg("transport.Send write failed")
		p.reportError(err)
		p.shutdown(err)
		return err
	}
	return nil
}

func (p *connPeer) Close() error {
	p.shutdown(nil)
	return nil
}

// run announces the connection and blocks in the read loop until the
// connection ends.
func (p *connPeer) run() {
	p.announce()
	p.readLoop()
}

func (p *connPeer) announce() {
	observability.AddConnections(p.endpoint, 1)
	if p.events.OnConnect != nil {
		p.events.OnConnect(p)
	}
}

func (p *connPeer) readLoop() {
	reader := bufio.NewReader(p.conn)
	for {
		msg, err := envelope.Read(reader)
		if err != nil {
			var decodeErr *envelope.DecodeError
			switch {
			case errors.As(err, &decodeErr):
				if decodeErr.MessageType == schema.MsgResponse {
					p.reportError(ipcerr.Wrap(ipcerr.KindMalformedResponse, err, "malformed response envelope"))
				} else {
					p.reportError(err)
				}
				continue
			case errors.Is(err, envelope.ErrUnknownMessageType):
				p.reportError(err)
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = nil
			}
			p.shutdown(err)
			return
		}
		if p.events.OnMessage != nil {
			p.events.OnMessage(p, msg)
		}
	}
}

func (p *connPeer) reportError(err error) {
	if p.events.OnError != nil {
		p.events.OnError(p, err)
	}
}

func (p *connPeer) shutdown(cause error) {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		close(p.done)
		observability.AddConnections(p.endpoint, -1)
		log.Debug().Str("peer", p.id).AnErr("cause", cause).Msg("transport.peer closed")
		if p.events.OnDisconnect != nil {
			p.events.OnDisconnect(p, cause)
		}
	})
}

// Pipe connects two in-memory peers. OnConnect has fired on both sides by the
// time Pipe returns.
func Pipe(left, right Events) (Peer, Peer) {
	c1, c2 := net.Pipe()
	l := newConnPeer("pipe-"+uuid.NewString(), "pipe", c1, left, 0)
	r := newConnPeer("pipe-"+uuid.NewString(), "pipe", c2, right, 0)
	go l.readLoop()
	go r.readLoop()
	l.announce()
	r.announce()
	return l, r
}
