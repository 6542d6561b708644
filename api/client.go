package api

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/metrics"
)

// DefaultTimeout bounds a request when the client has no timeout set.
const DefaultTimeout = 30 * time.Second

// replyAddressPrefix names the private workers that collect replies.
const replyAddressPrefix = "api.reply."

// Client sends requests along a fixed route and waits for correlated
// replies. It is safe for concurrent use; every call gets its own reply
// worker.
type Client struct {
	node    *core.Node
	route   core.Route
	timeout time.Duration

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the default timeout of every call.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithClock replaces the clock used for timeouts.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics sets the collectors updated by the client.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a client that sends requests from node along route.
// Logger and metrics default to the node's.
func NewClient(node *core.Node, route core.Route, opts ...ClientOption) *Client {
	c := &Client{
		node:    node,
		route:   route.Clone(),
		timeout: DefaultTimeout,
		clock:   clock.New(),
		logger:  node.Logger(),
		metrics: node.Metrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	return c
}

// Route returns the route requests are sent along.
func (c *Client) Route() core.Route {
	return c.route.Clone()
}

// Timeout returns the default timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Ask sends req and decodes a successful reply as R.
func Ask[R any](ctx context.Context, c *Client, req *Request) (Reply[R], error) {
	return AskWithTimeout[R](ctx, c, req, c.timeout)
}

// AskWithTimeout is Ask with a per-call timeout.
func AskWithTimeout[R any](ctx context.Context, c *Client, req *Request, timeout time.Duration) (Reply[R], error) {
	resp, err := c.RoundTrip(ctx, req, timeout)
	if err != nil {
		return Reply[R]{}, err
	}

	return ParseReply[R](resp)
}

// Tell sends req and waits for its acknowledgement without decoding a
// payload. A failure status is returned as a *RemoteFailure.
func (c *Client) Tell(ctx context.Context, req *Request) error {
	resp, err := c.RoundTrip(ctx, req, c.timeout)
	if err != nil {
		return err
	}
	if resp.Header.Status.IsOk() {
		return nil
	}

	f, err := parseFailure(resp)
	if err != nil {
		return err
	}
	return f
}

type roundTripResult struct {
	resp *Response
	err  error
}

// RoundTrip sends req and waits for the response whose correlation id
// matches, the timeout, or ctx. Late and foreign replies are discarded.
// The connection behind the route is left untouched on every outcome.
func (c *Client) RoundTrip(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	if c.route.IsEmpty() {
		return nil, ErrNoRoute
	}
	if req.Header.ID == "" {
		req.Header.ID = uuid.NewString()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	data, err := req.Encode()
	if err != nil {
		return nil, err
	}

	logger := c.logger.With(
		zap.String("request_id", req.Header.ID),
		zap.String("method", string(req.Header.Method)),
		zap.String("path", req.Header.Path))

	results := make(chan roundTripResult, 1)
	replyAddr := core.Address(replyAddressPrefix + uuid.NewString())

	collect := core.WorkerFunc(func(_ *core.Context, msg *core.Message) error {
		resp, err := DecodeResponse(msg.Payload)
		if err == nil && resp.Header.Re != req.Header.ID {
			c.metrics.RecordDiscardedReply()
			logger.Debug("Discarding uncorrelated reply", zap.String("re", resp.Header.Re))
			return nil
		}
		select {
		case results <- roundTripResult{resp: resp, err: err}:
		default:
		}
		return nil
	})

	// Arm the timer before the request leaves.
	start := c.clock.Now()
	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	if err := c.node.StartWorker(core.NewAddressSet(replyAddr), collect); err != nil {
		return nil, &SendError{Err: err}
	}
	defer func() {
		if err := c.node.StopWorker(replyAddr); err != nil && !core.IsNoSuchAddress(err) {
			logger.Debug("Stopping reply worker", zap.Error(err))
		}
	}()

	if err := c.node.Send(core.NewMessage(c.route, core.NewRoute(replyAddr), data)); err != nil {
		c.metrics.RecordRequest("send_error", c.clock.Since(start))
		return nil, &SendError{Err: err}
	}

	select {
	case res := <-results:
		elapsed := c.clock.Since(start)
		if res.err != nil {
			c.metrics.RecordRequest("decode_error", elapsed)
			return nil, res.err
		}
		outcome := "ok"
		if !res.resp.Header.Status.IsOk() {
			outcome = "remote_failure"
		}
		c.metrics.RecordRequest(outcome, elapsed)
		return res.resp, nil

	case <-timer.C:
		c.metrics.RecordRequest("timeout", timeout)
		logger.Debug("Request timed out", zap.Duration("timeout", timeout))
		return nil, ErrTimeout

	case <-ctx.Done():
		c.metrics.RecordRequest("cancelled", c.clock.Since(start))
		return nil, ctx.Err()
	}
}
