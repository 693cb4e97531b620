package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// httpClient reaches a network worker over SSE or streamable HTTP. The two
// transports differ only in connection construction; everything above the
// SDK client is shared.
type httpClient struct {
	cfg         *workers.Config
	callTimeout time.Duration

	mu     sync.Mutex
	client *mcpclient.Client

	closed closeNotifier

	toolsChangedMu sync.Mutex
	toolsChanged   func([]workers.ToolDescriptor)
}

func newHTTPClient(cfg *workers.Config, callTimeout time.Duration) *httpClient {
	return &httpClient{cfg: cfg, callTimeout: callTimeout}
}

func (h *httpClient) OnToolsChanged(fn func([]workers.ToolDescriptor)) {
	h.toolsChangedMu.Lock()
	defer h.toolsChangedMu.Unlock()
	h.toolsChanged = fn
}

func (h *httpClient) OnClosed(fn func(err error)) {
	h.closed.set(fn)
}

func (h *httpClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var (
		c   *mcpclient.Client
		err error
	)
	switch h.cfg.Transport {
	case workers.TransportSSE:
		c, err = mcpclient.NewSSEMCPClient(h.cfg.URL, transport.WithHeaders(h.cfg.Headers))
	case workers.TransportStreamable:
		c, err = mcpclient.NewStreamableHttpClient(h.cfg.URL,
			transport.WithHTTPHeaders(h.cfg.Headers),
			transport.WithHTTPTimeout(h.callTimeout),
		)
	default:
		return swarmerrors.NewBadInputError(fmt.Sprintf("transport %q is not a network transport", h.cfg.Transport), nil)
	}
	if err != nil {
		return swarmerrors.NewSpawnFailedError("failed to build client for worker "+h.cfg.Name, err)
	}

	c.OnNotification(h.handleNotification)

	if err := c.Start(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return swarmerrors.NewTimeoutError(
				fmt.Sprintf("worker %s at %s did not accept the connection within %s", h.cfg.Name, h.cfg.URL, connectTimeout), err)
		}
		return swarmerrors.NewSpawnFailedError(
			fmt.Sprintf("worker %s at %s is unreachable", h.cfg.Name, h.cfg.URL), err)
	}

	if _, err := c.Initialize(ctx, initializeRequest()); err != nil {
		_ = c.Close()
		if ctx.Err() == context.DeadlineExceeded {
			return swarmerrors.NewTimeoutError(
				fmt.Sprintf("worker %s did not complete the handshake within %s", h.cfg.Name, connectTimeout), err)
		}
		return swarmerrors.NewSpawnFailedError(
			fmt.Sprintf("worker %s failed the MCP handshake", h.cfg.Name), err)
	}

	h.mu.Lock()
	h.client = c
	h.mu.Unlock()
	return nil
}

func (h *httpClient) handleNotification(notification mcp.JSONRPCNotification) {
	if notification.Method != "notifications/tools/list_changed" {
		return
	}
	h.toolsChangedMu.Lock()
	fn := h.toolsChanged
	h.toolsChangedMu.Unlock()
	if fn == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
		defer cancel()
		tools, err := h.ListTools(ctx)
		if err != nil {
			logger.Warnw("failed to refresh tool list after change notification",
				"worker", h.cfg.Name, "error", err)
			return
		}
		fn(tools)
	}()
}

func (h *httpClient) current() *mcpclient.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

func (h *httpClient) ListTools(ctx context.Context) ([]workers.ToolDescriptor, error) {
	c := h.current()
	if c == nil {
		return nil, swarmerrors.NewNotConnectedError("worker "+h.cfg.Name+" has no live transport", nil)
	}
	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		if isConnectionError(err) {
			h.closed.fire(err)
		}
		return nil, wrapCallError(err, h.cfg.Name, "list tools")
	}
	return convertTools(result.Tools), nil
}

func (h *httpClient) CallTool(ctx context.Context, tool string, args map[string]any) (*workers.CallResult, error) {
	c := h.current()
	if c == nil {
		return nil, swarmerrors.NewNotConnectedError("worker "+h.cfg.Name+" has no live transport", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, h.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	result, err := c.CallTool(ctx, req)
	if err != nil {
		if isConnectionError(err) {
			h.closed.fire(err)
		}
		return nil, wrapCallError(err, h.cfg.Name, "call tool "+tool)
	}
	return convertResult(result), nil
}

func (h *httpClient) Close() error {
	h.closed.suppress()

	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()
	if c == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		if err := c.Close(); err != nil {
			logger.Debugw("error closing http client", "worker", h.cfg.Name, "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		logger.Warnw("http client close timed out, abandoning", "worker", h.cfg.Name)
	}
	return nil
}

func (h *httpClient) PID() int { return 0 }

func (h *httpClient) StderrTail(int) []string { return nil }
