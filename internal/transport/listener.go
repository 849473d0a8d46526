package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrListenerClosed = errors.New("transport: listener closed")
	ErrTooManyPeers   = errors.New("transport: max connections reached")
)

// Listener binds an endpoint and tracks every accepted connection.
type Listener struct {
	opts   Options
	events Events
	// OnListening fires once the endpoint is bound.
	OnListening func(addr string)
	// OnReject fires for each connection closed because the table is full.
	OnReject func(remoteAddr string, err error)

	mu     sync.Mutex
	ln     net.Listener
	peers  map[string]*connPeer
	closed bool
	wg     sync.WaitGroup
}

func NewListener(opts Options, events Events) *Listener {
	return &Listener{
		opts:   opts.WithDefaults(),
		events: events,
		peers:  make(map[string]*connPeer),
	}
}

// Listen binds the endpoint and starts accepting in the background.
func (l *Listener) Listen() error {
	network, addr, err := l.opts.Address()
	if err != nil {
		return err
	}
	if network == NetworkUnix {
		if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
			return err
		}
		if l.opts.Unlink {
			if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("transport: unlink stale socket: %w", err)
			}
		}
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.closed || l.ln != nil {
		l.mu.Unlock()
		_ = ln.Close()
		return ErrListenerClosed
	}
	l.ln = ln
	l.mu.Unlock()

	log.Info().Str("endpoint", l.opts.ID).Str("addr", ln.Addr().String()).Msg("transport.Listener listening")
	if l.OnListening != nil {
		l.OnListening(ln.Addr().String())
	}
	l.wg.Add(1)
	go l.serve(ln)
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Count returns the number of tracked connections.
func (l *Listener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// Close stops accepting and closes every tracked connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	peers := make([]*connPeer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, p := range peers {
		_ = p.Close()
	}
	l.wg.Wait()
	return err
}

func (l *Listener) serve(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Str("endpoint", l.opts.ID).Err(err).Msg("transport.Listener accept failed")
			if l.events.OnError != nil {
				l.events.OnError(nil, err)
			}
			return
		}
		peer, ok := l.trackConn(conn)
		if !ok {
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			peer.run()
		}()
	}
}

func (l *Listener) trackConn(conn net.Conn) (*connPeer, bool) {
	remote := conn.RemoteAddr().String()
	l.mu.Lock()
	if l.closed || len(l.peers) >= l.opts.MaxConnections {
		closed := l.closed
		active := len(l.peers)
		l.mu.Unlock()
		_ = conn.Close()
		if closed {
			return nil, false
		}
		log.Warn().Str("endpoint", l.opts.ID).Int("active_clients", active).Msg("transport.Listener rejected connection")
		if l.OnReject != nil {
			l.OnReject(remote, ErrTooManyPeers)
		}
		return nil, false
	}

	events := l.events
	inner := events.OnDisconnect
	events.OnDisconnect = func(p Peer, err error) {
		l.untrack(p.ID())
		if inner != nil {
			inner(p, err)
		}
	}
	peer := newConnPeer(uuid.NewString(), l.opts.ID, conn, events, l.opts.WriteTimeout)
	l.peers[peer.id] = peer
	active := len(l.peers)
	l.mu.Unlock()
	log.Debug().Str("endpoint", l.opts.ID).Str("peer", peer.id).Int("active_clients", active).Msg("transport.Listener client connected")
	return peer, true
}

func (l *Listener) untrack(id string) {
	l.mu.Lock()
	delete(l.peers, id)
	l.mu.Unlock()
}
