package api

import (
	"github.com/najoast/noderoute/core"
)

// Handler serves one decoded request and returns the response to send.
type Handler interface {
	ServeRequest(ctx *core.Context, req *Request) *Response
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx *core.Context, req *Request) *Response

// ServeRequest calls f(ctx, req).
func (f HandlerFunc) ServeRequest(ctx *core.Context, req *Request) *Response {
	return f(ctx, req)
}

// Respond encodes resp and sends it back along the return route of msg.
func Respond(ctx *core.Context, msg *core.Message, resp *Response) error {
	data, err := resp.Encode()
	if err != nil {
		return err
	}
	return ctx.Reply(msg, data)
}

// Responder is a worker that decodes requests and answers them through a
// Handler. Undecodable requests are dropped: without a correlation id no
// reply could be matched.
type Responder struct {
	handler Handler
}

// NewResponder wraps h as a worker.
func NewResponder(h Handler) *Responder {
	return &Responder{handler: h}
}

// HandleMessage implements core.Worker.
func (r *Responder) HandleMessage(ctx *core.Context, msg *core.Message) error {
	req, err := DecodeRequest(msg.Payload)
	if err != nil {
		return err
	}

	resp := r.handler.ServeRequest(ctx, req)
	if resp == nil {
		resp = NewErrorResponse(req, StatusInternalServerError, "no response")
	}
	return Respond(ctx, msg, resp)
}
