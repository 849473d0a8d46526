// Package engine correlates outbound requests with their responses and
// answers inbound requests through a router.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/protocol/envelope"
	"github.com/danmuck/edgeipc/internal/router"
	"github.com/danmuck/edgeipc/internal/transport"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a request when the caller sets no timeout.
const DefaultTimeout = 5 * time.Second

var nextRequestID atomic.Uint64

// NextRequestID returns the next process-wide correlation id.
func NextRequestID() string {
	_, id := allocRequestID()
	return id
}

func allocRequestID() (uint64, string) {
	n := nextRequestID.Add(1)
	return n, strconv.FormatUint(n, 10)
}

// Config configures one Engine.
type Config struct {
	Endpoint string
	// Timeout bounds each request. Zero disables it.
	Timeout time.Duration
	Router  *router.Router
	Sink    observability.Sink
	// OnEvent receives inbound fire-and-forget events.
	OnEvent func(peer transport.Peer, tag string, body json.RawMessage)
}

// DefaultConfig returns a Config with DefaultTimeout and no router.
func DefaultConfig() Config {
	return Config{Timeout: DefaultTimeout}
}

// PendingRequest is a snapshot of one unsettled request.
type PendingRequest struct {
	RequestID string        `json:"request_id"`
	Resource  string        `json:"resource"`
	Queued    bool          `json:"queued"`
	CreatedAt time.Time     `json:"created_at"`
	Age       time.Duration `json:"age"`
}

type result struct {
	body json.RawMessage
	err  error
}

type entry struct {
	seq      uint64
	id       string
	resource string
	msg      envelope.Message
	created  time.Time
	queued   bool
	timer    *time.Timer
	done     chan result
}

// Engine owns one endpoint's pending table and outbound queue.
type Engine struct {
	cfg    Config
	router *router.Router
	emit   observability.Emitter
	logger zerolog.Logger

	// sendMu keeps sends in call order without holding mu across a write.
	sendMu sync.Mutex

	mu        sync.Mutex
	peer      transport.Peer
	connected bool
	pending   map[string]*entry
	queue     []*entry
}

// New builds a disconnected engine. A nil Router or Sink gets a default.
func New(cfg Config) *Engine {
	r := cfg.Router
	if r == nil {
		r = router.New()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = observability.Discard
	}
	return &Engine{
		cfg:     cfg,
		router:  r,
		emit:    observability.Emitter{Endpoint: cfg.Endpoint, Sink: sink},
		logger:  observability.ComponentLogger("engine", cfg.Endpoint),
		pending: make(map[string]*entry),
	}
}

// Router returns the table inbound requests are routed through.
func (e *Engine) Router() *router.Router { return e.router }

// Connected reports whether requests are sent immediately or queued.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Peer returns the connection requests are currently sent on, or nil.
func (e *Engine) Peer() transport.Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// Request sends resource(body) and blocks until the response, the timeout,
// a disconnect, or ctx ends. Requests made while disconnected are queued and
// sent on the next connect. Every failure is returned as *ipcerr.RequestError.
func (e *Engine) Request(ctx context.Context, resource string, body any) (json.RawMessage, error) {
	site := ipcerr.CaptureCallSite(resource, 1)
	if resource == "" {
		return nil, ipcerr.New(ipcerr.KindInvalidArgument, "resource must be a non-empty string")
	}
	raw, err := encodeBody(body)
	if err != nil {
		return nil, ipcerr.Wrap(ipcerr.KindInvalidArgument, err, "request body is not JSON encodable")
	}

	seq, id := allocRequestID()
	ent := &entry{
		seq:      seq,
		id:       id,
		resource: resource,
		msg:      envelope.RequestMessage(envelope.Request{Resource: resource, RequestID: id, Body: raw}),
		created:  time.Now(),
		done:     make(chan result, 1),
	}

	e.sendMu.Lock()
	e.mu.Lock()
	e.pending[id] = ent
	if e.cfg.Timeout > 0 {
		timeout := e.cfg.Timeout
		ent.timer = time.AfterFunc(timeout, func() {
			e.settle(ent, result{err: ipcerr.Newf(ipcerr.KindTimeout, "request %s timed out after %s", resource, timeout)})
		})
	}
	peer := e.peer
	if !e.connected || peer == nil {
		ent.queued = true
		e.queue = append(e.queue, ent)
		peer = nil
	}
	e.updateGauges()
	e.mu.Unlock()
	if peer != nil {
		e.transmit(peer, ent)
	} else {
		e.logger.Debug().Str("resource", resource).Str("request_id", id).Msg("engine.Request queued while disconnected")
	}
	e.sendMu.Unlock()

	var res result
	select {
	case res = <-ent.done:
	case <-ctx.Done():
		e.settle(ent, result{err: ctx.Err()})
		res = <-ent.done
	}

	observability.RecordRPCRequest(e.cfg.Endpoint, resource, outcome(res.err), time.Since(ent.created))
	if res.err != nil {
		return nil, ipcerr.NewRequestError(res.err, site)
	}
	return res.body, nil
}

// Send emits a fire-and-forget event. It fails with Disconnected when there
// is no connection.
func (e *Engine) Send(tag string, body any) error {
	if tag == "" {
		return ipcerr.New(ipcerr.KindInvalidArgument, "event tag must be a non-empty string")
	}
	raw, err := encodeBody(body)
	if err != nil {
		return ipcerr.Wrap(ipcerr.KindInvalidArgument, err, "event body is not JSON encodable")
	}
	e.mu.Lock()
	peer, connected := e.peer, e.connected
	e.mu.Unlock()
	if !connected || peer == nil {
		return ipcerr.Newf(ipcerr.KindDisconnected, "cannot send %s while disconnected", tag)
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := peer.Send(envelope.EventMessage(envelope.Event{Tag: tag, Body: raw})); err != nil {
		return sendError(err, "send event")
	}
	return nil
}

// HandleMessage dispatches one inbound envelope. Requests are served on
// their own goroutine.
func (e *Engine) HandleMessage(from transport.Peer, msg envelope.Message) {
	switch {
	case msg.Request != nil:
		go e.HandleRequest(context.Background(), from, *msg.Request)
	case msg.Response != nil:
		e.HandleResponse(msg.Response)
	case msg.Event != nil:
		if e.cfg.OnEvent != nil {
			e.cfg.OnEvent(from, msg.Event.Tag, msg.Event.Body)
		}
	}
}

// HandleRequest routes req and sends exactly one response back to from.
func (e *Engine) HandleRequest(ctx context.Context, from transport.Peer, req envelope.Request) {
	rreq := &router.Request{
		Resource:  req.Resource,
		RequestID: req.RequestID,
		Body:      req.Body,
	}
	if from != nil {
		rreq.PeerID = from.ID()
	}
	out, err := e.route(ctx, rreq)

	var resp envelope.Response
	if err == nil {
		var raw json.RawMessage
		raw, err = encodeBody(out)
		if err == nil {
			resp = envelope.Response{RequestID: req.RequestID, Status: envelope.StatusSuccess, Body: raw}
		}
	}
	if err != nil {
		wire := ipcerr.Serialize(err)
		resp = envelope.Response{RequestID: req.RequestID, Status: envelope.StatusError, Error: &wire}
		e.emit.Warn(observability.EventRequestError, "handler failed", err, map[string]string{
			"resource":   req.Resource,
			"request_id": req.RequestID,
		})
	}
	observability.RecordHandled(e.cfg.Endpoint, req.Resource, resp.Status)

	if from == nil {
		return
	}
	sendErr := from.Send(envelope.ResponseMessage(resp))
	if errors.Is(sendErr, transport.ErrUnsendable) {
		// The result itself cannot travel; answer with why instead.
		failure := ipcerr.Wrap(ipcerr.KindInvalidArgument, sendErr, "response for "+req.Resource+" cannot be sent")
		e.emit.Warn(observability.EventRequestError, "response unsendable", failure, map[string]string{
			"resource":   req.Resource,
			"request_id": req.RequestID,
		})
		wire := ipcerr.Serialize(failure)
		sendErr = from.Send(envelope.ResponseMessage(envelope.Response{
			RequestID: req.RequestID,
			Status:    envelope.StatusError,
			Error:     &wire,
		}))
	}
	if sendErr != nil {
		e.logger.Warn().Str("request_id", req.RequestID).Err(sendErr).Msg("engine.HandleRequest response not delivered")
	}
}

func (e *Engine) route(ctx context.Context, req *router.Request) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", req.Resource, r)
		}
	}()
	return e.router.Route(ctx, req.Resource, req.Body, req)
}

// HandleResponse settles the pending entry matching resp. Unknown ids are
// dropped with a warning.
func (e *Engine) HandleResponse(resp *envelope.Response) {
	if resp == nil {
		e.emit.Error(observability.EventMalformedResponse, "response envelope missing", ipcerr.ErrMalformedResponse, nil)
		return
	}
	if err := resp.Validate(); err != nil {
		e.emit.Error(observability.EventMalformedResponse, "response envelope invalid",
			ipcerr.Wrap(ipcerr.KindMalformedResponse, err, "invalid response"),
			map[string]string{"request_id": resp.RequestID})
		return
	}

	e.mu.Lock()
	ent, ok := e.pending[resp.RequestID]
	e.mu.Unlock()
	if !ok {
		e.emit.Warn(observability.EventUnmatchedResponse, "response for unknown request", nil,
			map[string]string{"request_id": resp.RequestID, "status": resp.Status})
		return
	}
	if resp.Status == envelope.StatusError {
		wire := *resp.Error
		e.settle(ent, result{err: &wire})
		return
	}
	e.settle(ent, result{body: resp.Body})
}

// HandleConnect marks the engine connected on peer and flushes queued
// requests in the order they were made.
func (e *Engine) HandleConnect(peer transport.Peer) {
	e.sendMu.Lock()
	e.mu.Lock()
	e.peer = peer
	e.connected = true
	queued := e.queue
	e.queue = nil
	for _, ent := range queued {
		ent.queued = false
	}
	e.updateGauges()
	e.mu.Unlock()

	for _, ent := range queued {
		if e.isPending(ent) {
			e.transmit(peer, ent)
		}
	}
	e.sendMu.Unlock()

	e.emit.Info(observability.EventConnect, "", map[string]string{
		"peer":    peerID(peer),
		"flushed": strconv.Itoa(len(queued)),
	})
}

// HandleDisconnect marks the engine disconnected and fails every in-flight
// request. Queued requests stay queued.
func (e *Engine) HandleDisconnect(cause error) {
	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	e.peer = nil
	var inflight []*entry
	for _, ent := range e.pending {
		if !ent.queued {
			inflight = append(inflight, ent)
		}
	}
	e.mu.Unlock()

	for _, ent := range inflight {
		err := ipcerr.Newf(ipcerr.KindDisconnected, "connection lost before %s responded", ent.resource)
		if cause != nil {
			err.Err = cause
		}
		e.settle(ent, result{err: err})
	}
	if wasConnected {
		e.emit.Info(observability.EventDisconnect, "", map[string]string{"failed": strconv.Itoa(len(inflight))})
	}
}

// FailAll settles every pending request, queued or not, with err.
func (e *Engine) FailAll(err error) {
	e.mu.Lock()
	all := make([]*entry, 0, len(e.pending))
	for _, ent := range e.pending {
		all = append(all, ent)
	}
	e.mu.Unlock()
	for _, ent := range all {
		e.settle(ent, result{err: err})
	}
}

// Pending returns the unsettled requests ordered by id.
func (e *Engine) Pending() []PendingRequest {
	now := time.Now()
	e.mu.Lock()
	ents := make([]*entry, 0, len(e.pending))
	for _, ent := range e.pending {
		ents = append(ents, ent)
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].seq < ents[j].seq })
	out := make([]PendingRequest, 0, len(ents))
	for _, ent := range ents {
		out = append(out, PendingRequest{
			RequestID: ent.id,
			Resource:  ent.resource,
			Queued:    ent.queued,
			CreatedAt: ent.created,
			Age:       now.Sub(ent.created),
		})
	}
	e.mu.Unlock()
	return out
}

// transmit requires sendMu.
func (e *Engine) transmit(peer transport.Peer, ent *entry) {
	if err := peer.Send(ent.msg); err != nil {
		e.settle(ent, result{err: sendError(err, "send "+ent.resource)})
	}
}

// sendError classifies a Peer.Send failure. Only an unsendable message is
// the caller's fault; anything else means the connection is gone.
func sendError(err error, msg string) error {
	if errors.Is(err, transport.ErrUnsendable) {
		return ipcerr.Wrap(ipcerr.KindInvalidArgument, err, msg)
	}
	return ipcerr.Wrap(ipcerr.KindDisconnected, err, msg)
}

func (e *Engine) isPending(ent *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending[ent.id] == ent
}

// settle removes ent and delivers res exactly once.
func (e *Engine) settle(ent *entry, res result) {
	e.mu.Lock()
	if e.pending[ent.id] != ent {
		e.mu.Unlock()
		return
	}
	delete(e.pending, ent.id)
	if ent.queued {
		for i, q := range e.queue {
			if q == ent {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				break
			}
		}
	}
	if ent.timer != nil {
		ent.timer.Stop()
	}
	e.updateGauges()
	e.mu.Unlock()
	ent.done <- res
}

// updateGauges requires mu.
func (e *Engine) updateGauges() {
	observability.SetPendingRequests(e.cfg.Endpoint, len(e.pending), len(e.queue))
}

func encodeBody(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, errors.New("invalid JSON")
		}
		return v, nil
	}
	return json.Marshal(body)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCanceled
	case ipcerr.KindOf(err) == ipcerr.KindTimeout:
		return observability.OutcomeTimeout
	case ipcerr.KindOf(err) == ipcerr.KindDisconnected:
		return observability.OutcomeDisconnected
	default:
		return observability.OutcomeRemoteError
	}
}

func peerID(p transport.Peer) string {
	if p == nil {
		return ""
	}
	return p.ID()
}
