// Package ipc composes the engine, lifecycle, and transport into the client,
// server, and single-peer server endpoint roles.
package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danmuck/edgeipc/internal/engine"
	"github.com/danmuck/edgeipc/internal/ipcerr"
	"github.com/danmuck/edgeipc/internal/observability"
	"github.com/danmuck/edgeipc/internal/router"
	"github.com/danmuck/edgeipc/internal/transport"
)

// Config is shared by every role.
type Config struct {
	Transport transport.Options
	// Timeout bounds each outbound request. Zero disables it.
	Timeout time.Duration
	Router  *router.Router
	Sink    observability.Sink
}

// DefaultConfig returns a unix-socket endpoint named id.
func DefaultConfig(id string) Config {
	opts := transport.DefaultOptions()
	opts.ID = id
	return Config{
		Transport: opts,
		Timeout:   engine.DefaultTimeout,
	}
}

func (c Config) withDefaults() Config {
	c.Transport = c.Transport.WithDefaults()
	if c.Router == nil {
		c.Router = router.New()
	}
	if c.Sink == nil {
		c.Sink = observability.NewLogSink(observability.ComponentLogger("ipc", c.Transport.ID))
	}
	return c
}

func (c Config) emitter() observability.Emitter {
	return observability.Emitter{Endpoint: c.Transport.ID, Sink: c.Sink}
}

// Requester is anything that can issue a request.
type Requester interface {
	Request(ctx context.Context, resource string, body any) (json.RawMessage, error)
}

// Call issues a request through r and decodes the result into T.
func Call[T any](ctx context.Context, r Requester, resource string, body any) (T, error) {
	var out T
	raw, err := r.Request(ctx, resource, body)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, ipcerr.Wrap(ipcerr.KindMalformedResponse, err, "decode "+resource+" result")
	}
	return out, nil
}

// reportTransportError turns transport errors into diagnostics.
func reportTransportError(emit observability.Emitter, peer transport.Peer, err error) {
	fields := map[string]string{}
	if peer != nil {
		fields["peer"] = peer.ID()
	}
	if ipcerr.KindOf(err) == ipcerr.KindMalformedResponse {
		emit.Error(observability.EventMalformedResponse, "malformed response", err, fields)
		return
	}
	emit.Warn(observability.EventTransportError, "transport error", err, fields)
}
