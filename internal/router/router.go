// Package router maps resource names to handlers, delegating misses to an
// optional parent router.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"weak"

	"github.com/danmuck/edgeipc/internal/ipcerr"
)

// Request is the inbound request context handed to a handler.
type Request struct {
	Resource  string
	RequestID string
	Body      json.RawMessage
	// PeerID identifies the connection the request arrived on.
	PeerID string
}

// Handler serves one resource.
type Handler interface {
	OnRoute(ctx context.Context, body json.RawMessage, req *Request) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, body json.RawMessage, req *Request) (any, error)

func (f HandlerFunc) OnRoute(ctx context.Context, body json.RawMessage, req *Request) (any, error) {
	return f(ctx, body, req)
}

// Router owns a resource -> handler table. The parent link is weak: a child
// never keeps its parent alive.
type Router struct {
	mu     sync.RWMutex
	routes map[string]HandlerFunc
	parent weak.Pointer[Router]
}

func New() *Router {
	return &Router{routes: make(map[string]HandlerFunc)}
}

// NewChild returns an empty router delegating misses to parent.
func NewChild(parent *Router) *Router {
	r := New()
	r.SetParent(parent)
	return r
}

// SetParent sets or clears (nil) the delegation target.
func (r *Router) SetParent(parent *Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if parent == nil {
		r.parent = weak.Pointer[Router]{}
		return
	}
	r.parent = weak.Make(parent)
}

// Parent returns the delegation target, or nil when unset or collected.
func (r *Router) Parent() *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.parent.Value()
}

// AddRoute registers handler for resource, replacing any existing entry.
// handler may be a Handler, a HandlerFunc, or a func with the HandlerFunc
// signature.
func (r *Router) AddRoute(resource string, handler any) error {
	if resource == "" {
		return ipcerr.New(ipcerr.KindInvalidArgument, "route must be a non-empty string")
	}
	fn, err := normalize(handler)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[resource] = fn
	return nil
}

// RemoveRoute deletes resource; absent resources are ignored.
func (r *Router) RemoveRoute(resource string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, resource)
}

// HasRoute reports whether resource resolves locally or through a parent.
func (r *Router) HasRoute(resource string) bool {
	_, ok := r.lookup(resource)
	return ok
}

// Routes lists locally registered resources.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	return out
}

// Route dispatches to the handler for resource. The handler reference is
// resolved before the call, so concurrent route changes do not affect a
// dispatch already in progress.
func (r *Router) Route(ctx context.Context, resource string, body json.RawMessage, req *Request) (any, error) {
	fn, ok := r.lookup(resource)
	if !ok {
		return nil, ipcerr.Newf(ipcerr.KindMissingRoute, "resource %s is not registered in the router", resource)
	}
	return fn(ctx, body, req)
}

func (r *Router) lookup(resource string) (HandlerFunc, bool) {
	r.mu.RLock()
	fn, ok := r.routes[resource]
	parent := r.parent.Value()
	r.mu.RUnlock()
	if ok {
		return fn, true
	}
	if parent == nil {
		return nil, false
	}
	return parent.lookup(resource)
}

func normalize(handler any) (HandlerFunc, error) {
	switch h := handler.(type) {
	case nil:
	case HandlerFunc:
		if h != nil {
			return h, nil
		}
	case func(context.Context, json.RawMessage, *Request) (any, error):
		if h != nil {
			return HandlerFunc(h), nil
		}
	case Handler:
		return h.OnRoute, nil
	}
	return nil, ipcerr.New(ipcerr.KindInvalidArgument, "handler must be a function or implement OnRoute")
}
