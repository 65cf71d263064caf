// Package router maps a method name's 32-bit hash to a registered handler,
// decodes arguments, invokes the handler, and encodes the reply envelope
// (spec §4.2). It is grounded on the teacher's internal/routing package:
// same shape (a registration table plus a dispatch entry point), re-themed
// from stratum message-method strings to hashed RPC func ids, and extended
// with the delayed-reply and stream-upgrade handoff the teacher's mining
// proxy never needed.
package router

import (
	"fmt"
	"sync"

	"github.com/carlosrabelo/karoorpc/internal/codec"
	"github.com/carlosrabelo/karoorpc/internal/stream"
	"github.com/carlosrabelo/karoorpc/internal/wire"
)

// Kind distinguishes the three handler shapes spec §4.2 describes.
type Kind int

const (
	KindCall Kind = iota
	KindPublish
	KindStream
)

// Context carries per-call state into a handler: the frame identity needed
// to address an async response, and the delayed-reply flag (spec §4.3).
type Context struct {
	ReqID   uint64
	ReqType wire.ReqType
	Name    string

	responder Responder
	delayed   bool
}

// Responder is the narrow surface rpcconn exposes to the router so a
// handler can call back asynchronously after SetDelay(true) (spec §4.3
// "the handler is obliged to call response(req_id, req_type, bytes)
// asynchronously").
type Responder interface {
	Respond(reqID uint64, reqType wire.ReqType, payload []byte)
}

// NewContext builds a dispatch context bound to a responder.
func NewContext(reqID uint64, reqType wire.ReqType, name string, responder Responder) *Context {
	return &Context{ReqID: reqID, ReqType: reqType, Name: name, responder: responder}
}

// SetDelay marks this call as deferred: the router's auto-reply is
// suppressed and the handler must later call Respond itself.
func (c *Context) SetDelay(delay bool) { c.delayed = delay }

// Delayed reports whether SetDelay(true) was called.
func (c *Context) Delayed() bool { return c.delayed }

// Respond sends an asynchronous reply for a delayed call. It is a no-op
// if SetDelay was never called on this context.
func (c *Context) Respond(payload []byte) {
	if c.responder == nil || !c.delayed {
		return
	}
	c.responder.Respond(c.ReqID, wire.ReqResponse, payload)
}

// CallHandler implements a normal or publish-acknowledging RPC method.
// The returned value is wrapped as {ok-code, value}; a non-nil error is
// wrapped as {fail-code, message}.
type CallHandler func(ctx *Context, args []any) (any, error)

// StreamHandler implements a method whose signature is "stream" (spec
// §4.2): it receives an initialized stream handle instead of returning a
// normal reply. The connection marks the call as upgraded before invoking
// it.
type StreamHandler func(ctx *Context, args []any, h *stream.Handle) error

type entry struct {
	name   string
	kind   Kind
	call   CallHandler
	stream StreamHandler
}

// Router maps hashed method names to handlers (spec §4.2).
type Router struct {
	mu   sync.RWMutex
	byID map[uint32]*entry
}

// New creates an empty router.
func New() *Router {
	return &Router{byID: make(map[uint32]*entry)}
}

// RegisterCall registers a handler invoked for req_type == req.
func (r *Router) RegisterCall(name string, fn CallHandler) error {
	return r.register(name, KindCall, fn, nil)
}

// RegisterPublishAck registers a handler invoked for req_type == publish,
// when the application wants to observe publishes addressed to it rather
// than rely solely on the broker's fan-out (spec §4.6 treats publish and
// call dispatch uniformly through the router).
func (r *Router) RegisterPublishAck(name string, fn CallHandler) error {
	return r.register(name, KindPublish, fn, nil)
}

// RegisterStream registers a handler whose signature is "stream" (spec
// §4.2, §4.5).
func (r *Router) RegisterStream(name string, fn StreamHandler) error {
	return r.register(name, KindStream, nil, fn)
}

func (r *Router) register(name string, kind Kind, call CallHandler, sh StreamHandler) error {
	id := wire.FuncID(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		if existing.name != name {
			return fmt.Errorf("router: func id collision: %q and %q both hash to %d", existing.name, name, id)
		}
		return fmt.Errorf("router: handler %q already registered", name)
	}
	r.byID[id] = &entry{name: name, kind: kind, call: call, stream: sh}
	return nil
}

// Lookup reports whether funcID is registered and its kind, without
// invoking anything. rpcconn uses this to decide whether an incoming
// req_type == stream call names a real stream handler before upgrading.
func (r *Router) Lookup(funcID uint32) (kind Kind, name string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[funcID]
	if !ok {
		return 0, "", false
	}
	return e.kind, e.name, true
}

// StreamHandlerFor returns the registered stream handler for funcID, if
// any.
func (r *Router) StreamHandlerFor(funcID uint32) (StreamHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[funcID]
	if !ok || e.kind != KindStream {
		return nil, false
	}
	return e.stream, true
}

// Dispatch decodes body's argument tuple, invokes the call/publish handler
// registered for funcID, and returns the encoded reply. delayed is true
// when the handler called ctx.SetDelay(true); in that case reply is nil
// and the router's caller must not auto-respond (spec §4.3).
//
// Dispatch must not be called for a funcID whose kind is KindStream;
// rpcconn routes those to StreamHandlerFor instead once it has set up the
// stream transport.
func (r *Router) Dispatch(ctx *Context, funcID uint32, body []byte) (reply []byte, delayed bool) {
	r.mu.RLock()
	e, ok := r.byID[funcID]
	r.mu.RUnlock()

	if !ok {
		b, _ := codec.EncodeFail(fmt.Sprintf("unknown method id %d", funcID))
		return b, false
	}
	if e.kind == KindStream {
		b, _ := codec.EncodeFail(fmt.Sprintf("method %q requires a stream upgrade", e.name))
		return b, false
	}

	args, err := codec.UnpackArgs(body)
	if err != nil {
		b, _ := codec.EncodeFail("bad request: " + err.Error())
		return b, false
	}

	result, err := e.call(ctx, args)
	if ctx.Delayed() {
		return nil, true
	}
	if err != nil {
		b, _ := codec.EncodeFail(err.Error())
		return b, false
	}
	b, _ := codec.EncodeOK(result)
	return b, false
}
