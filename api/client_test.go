package api

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/metrics"
)

func newTestNode(t *testing.T, opts ...core.NodeOption) *core.Node {
	t.Helper()
	n := core.NewNode(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

// startServer runs h behind a Responder at addr.
func startServer(t *testing.T, n *core.Node, addr core.Address, h HandlerFunc) {
	t.Helper()
	require.NoError(t, n.StartWorker(core.NewAddressSet(addr), NewResponder(h)))
}

// holdRequests starts a worker that captures requests without answering.
func holdRequests(t *testing.T, n *core.Node, addr core.Address) <-chan *core.Message {
	t.Helper()
	held := make(chan *core.Message, 8)
	require.NoError(t, n.StartWorker(core.NewAddressSet(addr), core.WorkerFunc(
		func(_ *core.Context, msg *core.Message) error {
			held <- msg
			return nil
		})))
	return held
}

func replyTo(t *testing.T, n *core.Node, msg *core.Message, re string, body any) error {
	t.Helper()
	resp, err := NewResponse(&Request{Header: RequestHeader{ID: re}}, StatusOk, body)
	require.NoError(t, err)
	data, err := resp.Encode()
	require.NoError(t, err)
	return n.Send(core.NewMessage(msg.ReturnRoute, nil, data))
}

func TestClientAsk(t *testing.T) {
	n := newTestNode(t)
	startServer(t, n, "server", func(_ *core.Context, req *Request) *Response {
		var in createWorker
		if err := req.DecodeBody(&in); err != nil {
			return NewErrorResponse(req, StatusBadRequest, err.Error())
		}
		resp, _ := NewResponse(req, StatusOk, map[string]int{in.Name: in.Limit})
		return resp
	})

	c := NewClient(n, core.NewRoute("server"), WithTimeout(2*time.Second))
	req, err := NewRequest(MethodPost, "/workers", createWorker{Name: "echo", Limit: 3})
	require.NoError(t, err)

	reply, err := Ask[map[string]int](context.Background(), c, req)
	require.NoError(t, err)
	got, err := reply.Success()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"echo": 3}, got)

	// Reply workers never outlive the call.
	workers, err := n.Workers()
	require.NoError(t, err)
	assert.Equal(t, []core.Address{"server"}, workers)
}

func TestClientRemoteFailure(t *testing.T) {
	n := newTestNode(t)
	startServer(t, n, "server", func(_ *core.Context, req *Request) *Response {
		return NewErrorResponse(req, StatusForbidden, "not allowed")
	})
	c := NewClient(n, core.NewRoute("server"), WithTimeout(2*time.Second))

	reply, err := Ask[string](context.Background(), c, Get("/secret"))
	require.NoError(t, err)
	require.False(t, reply.IsSuccess())
	assert.Equal(t, StatusForbidden, reply.Failure().Status)
	assert.Equal(t, "not allowed", reply.Failure().Message)

	err = c.Tell(context.Background(), Post("/secret"))
	require.Error(t, err)
	assert.True(t, IsRemoteFailure(err))
	assert.False(t, IsTimeout(err))
	assert.False(t, IsDecodeError(err))
}

func TestClientTell(t *testing.T) {
	n := newTestNode(t)
	startServer(t, n, "server", func(_ *core.Context, req *Request) *Response {
		// The body is ignored by Tell.
		resp, _ := NewResponse(req, StatusOk, []string{"ignored"})
		return resp
	})
	c := NewClient(n, core.NewRoute("server"), WithTimeout(2*time.Second))

	require.NoError(t, c.Tell(context.Background(), Post("/node/noop")))
}

func TestClientDecodeError(t *testing.T) {
	n := newTestNode(t)
	held := holdRequests(t, n, "server")
	c := NewClient(n, core.NewRoute("server"), WithTimeout(2*time.Second))

	errs := make(chan error, 1)
	go func() {
		_, err := Ask[int](context.Background(), c, Get("/number"))
		errs <- err
	}()

	msg := <-held
	req, err := DecodeRequest(msg.Payload)
	require.NoError(t, err)
	require.NoError(t, replyTo(t, n, msg, req.Header.ID, "not a number"))

	err = <-errs
	require.Error(t, err)
	assert.True(t, IsDecodeError(err))
	assert.False(t, IsRemoteFailure(err))

	go func() {
		_, err := Ask[int](context.Background(), c, Get("/garbage"))
		errs <- err
	}()
	msg = <-held
	require.NoError(t, n.Send(core.NewMessage(msg.ReturnRoute, nil, []byte{0xde, 0xad})))
	assert.True(t, IsDecodeError(<-errs))
}

func TestClientSendError(t *testing.T) {
	n := newTestNode(t)
	c := NewClient(n, core.NewRoute("nowhere"), WithTimeout(time.Second))

	_, err := Ask[string](context.Background(), c, Get("/"))
	require.Error(t, err)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.True(t, core.IsNoSuchAddress(err))
	assert.False(t, IsTimeout(err))

	workers, err := n.Workers()
	require.NoError(t, err)
	assert.Empty(t, workers)

	empty := NewClient(n, nil)
	_, err = Ask[string](context.Background(), empty, Get("/"))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestClientTimeoutLateReplyDoesNotLeak(t *testing.T) {
	m := metrics.New("test")
	n := newTestNode(t, core.WithMetrics(m))
	mock := clock.NewMock()
	held := holdRequests(t, n, "server")
	c := NewClient(n, core.NewRoute("server"), WithClock(mock), WithTimeout(time.Second))

	type result struct {
		reply Reply[string]
		err   error
	}
	results := make(chan result, 1)
	ask := func(path string) {
		go func() {
			reply, err := Ask[string](context.Background(), c, Get(path))
			results <- result{reply, err}
		}()
	}

	// First call: the server never answers in time.
	ask("/slow")
	first := <-held
	firstReq, err := DecodeRequest(first.Payload)
	require.NoError(t, err)

	mock.Add(time.Second)
	res := <-results
	require.ErrorIs(t, res.err, ErrTimeout)

	// The late reply finds no waiting caller.
	err = replyTo(t, n, first, firstReq.Header.ID, "late")
	assert.True(t, core.IsNoSuchAddress(err))

	// Second call: a stale reply reaching the new caller is discarded.
	ask("/fast")
	second := <-held
	secondReq, err := DecodeRequest(second.Payload)
	require.NoError(t, err)
	require.NotEqual(t, firstReq.Header.ID, secondReq.Header.ID)

	require.NoError(t, replyTo(t, n, second, firstReq.Header.ID, "late"))
	require.NoError(t, replyTo(t, n, second, secondReq.Header.ID, "fresh"))

	res = <-results
	require.NoError(t, res.err)
	got, err := res.reply.Success()
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiscardedReplies))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClientRequests.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClientRequests.WithLabelValues("ok")))
}

func TestClientAskWithTimeoutOverride(t *testing.T) {
	n := newTestNode(t)
	mock := clock.NewMock()
	held := holdRequests(t, n, "server")
	c := NewClient(n, core.NewRoute("server"), WithClock(mock), WithTimeout(time.Hour))

	errs := make(chan error, 1)
	go func() {
		_, err := AskWithTimeout[string](context.Background(), c, Get("/"), time.Second)
		errs <- err
	}()
	<-held

	mock.Add(time.Second)
	assert.ErrorIs(t, <-errs, ErrTimeout)
}

func TestClientContextCancelled(t *testing.T) {
	n := newTestNode(t)
	held := holdRequests(t, n, "server")
	c := NewClient(n, core.NewRoute("server"), WithTimeout(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := Ask[string](ctx, c, Get("/"))
		errs <- err
	}()
	<-held
	cancel()

	assert.ErrorIs(t, <-errs, context.Canceled)
}
