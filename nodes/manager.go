package nodes

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/najoast/noderoute/api"
	"github.com/najoast/noderoute/core"
)

const workersPath = "/node/workers"

// NodeStatus is the reply to GET /node.
type NodeStatus struct {
	Name      string        `json:"name"`
	Workers   int           `json:"workers"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
}

// WorkerStatus is the reply to GET /node/workers/{address}.
type WorkerStatus struct {
	Address           core.Address `json:"address"`
	State             string       `json:"state"`
	MessagesProcessed uint64       `json:"messages_processed"`
	MailboxSize       int          `json:"mailbox_size"`
	CreatedAt         time.Time    `json:"created_at"`
	LastMessageAt     time.Time    `json:"last_message_at,omitempty"`
}

// NodeManager answers management requests about the node it runs on.
//
// Routes:
//
//	POST   /node/noop
//	GET    /node
//	GET    /node/workers
//	GET    /node/workers/{address}
//	DELETE /node/workers/{address}
type NodeManager struct {
	clock  clock.Clock
	logger *zap.Logger
}

// ManagerOption configures a NodeManager.
type ManagerOption func(*NodeManager)

// WithManagerClock replaces the clock used to report uptime.
func WithManagerClock(clk clock.Clock) ManagerOption {
	return func(m *NodeManager) {
		if clk != nil {
			m.clock = clk
		}
	}
}

// WithManagerLogger sets the node manager logger.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *NodeManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewNodeManager creates a node manager.
func NewNodeManager(opts ...ManagerOption) *NodeManager {
	m := &NodeManager{
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartNodeManager runs a node manager on node at NodeManagerAddress.
func StartNodeManager(node *core.Node, opts ...ManagerOption) error {
	opts = append([]ManagerOption{WithManagerLogger(node.Logger().Named("nodemanager"))}, opts...)
	m := NewNodeManager(opts...)
	return node.StartWorker(core.NewAddressSet(NodeManagerAddress), api.NewResponder(m))
}

// ServeRequest implements api.Handler.
func (m *NodeManager) ServeRequest(ctx *core.Context, req *api.Request) *api.Response {
	path := strings.TrimSuffix(req.Header.Path, "/")
	method := req.Header.Method

	m.logger.Debug("Request", zap.String("method", string(method)), zap.String("path", req.Header.Path))

	switch {
	case path == "/node/noop":
		if method != api.MethodPost {
			return methodNotAllowed(req)
		}
		return m.respond(req, api.StatusOk, nil)

	case path == "/node":
		if method != api.MethodGet {
			return methodNotAllowed(req)
		}
		return m.status(ctx, req)

	case path == workersPath:
		if method != api.MethodGet {
			return methodNotAllowed(req)
		}
		return m.listWorkers(ctx, req)

	case strings.HasPrefix(req.Header.Path, workersPath+"/"):
		addr := core.Address(strings.TrimPrefix(req.Header.Path, workersPath+"/"))
		if addr.IsZero() || strings.Contains(addr.String(), "/") {
			return api.NewErrorResponse(req, api.StatusBadRequest, fmt.Sprintf("invalid worker address %q", addr))
		}
		switch method {
		case api.MethodGet:
			return m.workerStatus(ctx, req, addr)
		case api.MethodDelete:
			return m.stopWorker(ctx, req, addr)
		default:
			return methodNotAllowed(req)
		}

	default:
		return api.NewErrorResponse(req, api.StatusNotFound, "no such endpoint")
	}
}

func (m *NodeManager) status(ctx *core.Context, req *api.Request) *api.Response {
	node := ctx.Node()
	workers, err := node.Workers()
	if err != nil {
		return api.NewErrorResponse(req, api.StatusInternalServerError, err.Error())
	}
	return m.respond(req, api.StatusOk, NodeStatus{
		Name:      node.Name(),
		Workers:   len(workers),
		StartedAt: node.StartedAt(),
		Uptime:    m.clock.Since(node.StartedAt()),
	})
}

func (m *NodeManager) listWorkers(ctx *core.Context, req *api.Request) *api.Response {
	workers, err := ctx.Node().Workers()
	if err != nil {
		return api.NewErrorResponse(req, api.StatusInternalServerError, err.Error())
	}
	return m.respond(req, api.StatusOk, workers)
}

func (m *NodeManager) workerStatus(ctx *core.Context, req *api.Request, addr core.Address) *api.Response {
	stats, err := ctx.Node().WorkerStats(addr)
	if err != nil {
		return errorResponse(req, err)
	}
	return m.respond(req, api.StatusOk, WorkerStatus{
		Address:           addr,
		State:             stats.State.String(),
		MessagesProcessed: stats.MessagesProcessed,
		MailboxSize:       stats.MailboxSize,
		CreatedAt:         stats.CreatedAt,
		LastMessageAt:     stats.LastMessageAt,
	})
}

func (m *NodeManager) stopWorker(ctx *core.Context, req *api.Request, addr core.Address) *api.Response {
	if addr == ctx.Address() {
		return api.NewErrorResponse(req, api.StatusConflict, "the node manager cannot stop itself")
	}
	if err := ctx.Node().StopWorker(addr); err != nil {
		return errorResponse(req, err)
	}
	m.logger.Info("Worker stopped on request", zap.Stringer("address", addr))
	return m.respond(req, api.StatusOk, nil)
}

func (m *NodeManager) respond(req *api.Request, status api.Status, body any) *api.Response {
	resp, err := api.NewResponse(req, status, body)
	if err != nil {
		m.logger.Error("Failed to encode response", zap.Error(err))
		return api.NewErrorResponse(req, api.StatusInternalServerError, err.Error())
	}
	return resp
}

func methodNotAllowed(req *api.Request) *api.Response {
	return api.NewErrorResponse(req, api.StatusMethodNotAllowed,
		fmt.Sprintf("method %s not allowed", req.Header.Method))
}

func errorResponse(req *api.Request, err error) *api.Response {
	if core.IsNoSuchAddress(err) {
		return api.NewErrorResponse(req, api.StatusNotFound, err.Error())
	}
	return api.NewErrorResponse(req, api.StatusInternalServerError, err.Error())
}
