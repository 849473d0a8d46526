// Package lifecycle is the start/stop/connect state machine shared by every
// endpoint role.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/rs/zerolog/log"
)

// State describes where an endpoint is in its lifecycle.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopped  State = "stopped"
)

// Connector opens and tears down the transport behind a lifecycle. Open
// begins the attempt; the owner reports its outcome through MarkStarted or
// FailStart.
type Connector interface {
	Open() error
	Close() error
}

// ConnectorFuncs adapts a pair of functions to Connector.
type ConnectorFuncs struct {
	OpenFunc  func() error
	CloseFunc func() error
}

func (c ConnectorFuncs) Open() error {
	if c.OpenFunc == nil {
		return nil
	}
	return c.OpenFunc()
}

func (c ConnectorFuncs) Close() error {
	if c.CloseFunc == nil {
		return nil
	}
	return c.CloseFunc()
}

type attempt struct {
	done chan struct{}
	err  error
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}

type Lifecycle struct {
	conn Connector
	emit observability.Emitter

	// opMu orders Open against Close.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	connected bool
	current   *attempt
	connCh    chan struct{}
}

func New(conn Connector, emit observability.Emitter) *Lifecycle {
	return &Lifecycle{
		conn:   conn,
		emit:   emit,
		state:  StateIdle,
		connCh: make(chan struct{}),
	}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) Started() bool {
	return l.State() == StateStarted
}

func (l *Lifecycle) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Start opens the connector and blocks until the attempt resolves or ctx
// ends. Concurrent callers share one attempt; an already started lifecycle
// returns nil at once. ctx only bounds this caller's wait.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateStarted:
		l.mu.Unlock()
		return nil
	case StateStarting:
		a := l.current
		l.mu.Unlock()
		return wait(ctx, a)
	}
	a := &attempt{done: make(chan struct{})}
	l.current = a
	l.state = StateStarting
	l.mu.Unlock()

	l.opMu.Lock()
	if l.State() == StateStarting && l.current == a {
		if err := l.conn.Open(); err != nil {
			l.opMu.Unlock()
			l.FailStart(err)
			return wait(ctx, a)
		}
	}
	l.opMu.Unlock()
	return wait(ctx, a)
}

func wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkStarted resolves the in-flight start attempt.
func (l *Lifecycle) MarkStarted() {
	l.mu.Lock()
	if l.state != StateStarting {
		l.mu.Unlock()
		return
	}
	l.state = StateStarted
	l.current.finish(nil)
	l.mu.Unlock()
	l.emit.Info(observability.EventStart, "", nil)
}

// FailStart rejects the in-flight start attempt with err and tears the
// connector down. The lifecycle can be started again afterwards.
func (l *Lifecycle) FailStart(err error) {
	l.mu.Lock()
	if l.state != StateStarting {
		l.mu.Unlock()
		return
	}
	l.state = StateIdle
	l.current.finish(err)
	l.mu.Unlock()
	log.Warn().Str("endpoint", l.emit.Endpoint).Err(err).Msg("lifecycle.FailStart")
	go l.closeConnector()
}

// Lost records that the connector ended on its own. A pending start fails
// with err. A started lifecycle moves to stopped, so a later Start opens the
// connector again.
func (l *Lifecycle) Lost(err error) {
	l.mu.Lock()
	switch l.state {
	case StateStarting:
		l.mu.Unlock()
		l.FailStart(err)
		return
	case StateStarted:
	default:
		l.mu.Unlock()
		return
	}
	l.state = StateStopped
	l.disconnectLocked()
	l.mu.Unlock()
	log.Warn().Str("endpoint", l.emit.Endpoint).Err(err).Msg("lifecycle.Lost")
	l.emit.Warn(observability.EventStop, "connector gave up", err, nil)
	go l.closeConnector()
}

// MarkConnected records that the transport became usable.
func (l *Lifecycle) MarkConnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStarting && l.state != StateStarted {
		return
	}
	if !l.connected {
		l.connected = true
		close(l.connCh)
	}
}

// MarkDisconnected records that the transport became unusable.
func (l *Lifecycle) MarkDisconnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectLocked()
}

func (l *Lifecycle) disconnectLocked() {
	if l.connected {
		l.connected = false
		l.connCh = make(chan struct{})
	}
}

// Stop tears the connector down. A pending start fails with Aborted. Stopping
// an idle or stopped lifecycle does nothing.
func (l *Lifecycle) Stop() error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	switch l.state {
	case StateIdle, StateStopped:
		l.mu.Unlock()
		return nil
	case StateStarting:
		l.current.finish(ipcerr.New(ipcerr.KindAborted, "start aborted by stop"))
	}
	l.state = StateStopped
	l.disconnectLocked()
	l.mu.Unlock()

	err := l.conn.Close()
	l.emit.Info(observability.EventStop, "", nil)
	return err
}

func (l *Lifecycle) closeConnector() {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	if s := l.State(); s == StateIdle || s == StateStopped {
		_ = l.conn.Close()
	}
}

// AwaitConnection returns once the transport is connected, starting the
// lifecycle if needed. A positive timeout bounds this caller only; when it
// fires the attempt is stopped and Timeout is returned.
func (l *Lifecycle) AwaitConnection(ctx context.Context, timeout time.Duration) error {
	parent := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := l.Start(ctx); err != nil {
		return l.awaitFailed(parent, ctx, timeout, err)
	}
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}
	ch := l.connCh
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return l.awaitFailed(parent, ctx, timeout, ctx.Err())
	}
}

func (l *Lifecycle) awaitFailed(parent, ctx context.Context, timeout time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && ctx.Err() != nil {
		_ = l.Stop()
		return ipcerr.Wrap(ipcerr.KindTimeout, err, fmt.Sprintf("connection not established within %s", timeout))
	}
	return err
}
