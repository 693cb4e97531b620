// Package client provides the transport adapters that speak MCP to managed
// workers. Three adapters implement one capability set: a stdio adapter that
// owns a child process, and SSE / streamable-HTTP adapters for network
// workers. The supervisor only sees the Client interface.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

const (
	// connectTimeout is the hard cap on transport establishment.
	connectTimeout = 30 * time.Second

	// DefaultCallTimeout bounds a single tool call unless configured otherwise.
	DefaultCallTimeout = 60 * time.Second

	// closeTimeout bounds the best-effort transport shutdown.
	closeTimeout = 5 * time.Second
)

// Client is the capability set every worker transport adapter implements.
type Client interface {
	// Connect establishes the transport and performs the MCP handshake.
	// Bounded by a 30 s hard cap.
	Connect(ctx context.Context) error

	// ListTools fetches the authoritative tool list from the peer.
	ListTools(ctx context.Context) ([]workers.ToolDescriptor, error)

	// CallTool invokes one tool. Bounded by the configured call timeout.
	CallTool(ctx context.Context, tool string, args map[string]any) (*workers.CallResult, error)

	// OnToolsChanged registers the callback invoked with the refreshed tool
	// list whenever the peer announces a change. Must be set before Connect.
	OnToolsChanged(fn func([]workers.ToolDescriptor))

	// OnClosed registers the callback invoked exactly once when the
	// transport becomes unusable. Must be set before Connect.
	OnClosed(fn func(err error))

	// Close tears the transport down. Best effort, bounded by 5 s,
	// always returns within that budget.
	Close() error

	// PID returns the child process id, or 0 for network transports.
	PID() int

	// StderrTail returns up to n recent stderr lines (child transports
	// only; nil otherwise). n <= 0 returns all retained lines.
	StderrTail(n int) []string
}

// Factory builds a Client for a worker config. The supervisor takes a
// Factory at construction so tests can substitute fakes.
type Factory func(cfg *workers.Config) Client

// NewFactory returns the production factory building the adapter matching
// each config's transport.
func NewFactory(callTimeout time.Duration) Factory {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return func(cfg *workers.Config) Client {
		switch cfg.Transport {
		case workers.TransportStdio:
			return newStdioClient(cfg, callTimeout)
		case workers.TransportSSE, workers.TransportStreamable:
			return newHTTPClient(cfg, callTimeout)
		default:
			// Validated upstream; reaching this is a programming error.
			logger.Errorf("no adapter for transport %q", cfg.Transport)
			return newHTTPClient(cfg, callTimeout)
		}
	}
}

// closeNotifier delivers the on-closed callback exactly once.
type closeNotifier struct {
	mu    sync.Mutex
	fn    func(error)
	fired bool
}

func (c *closeNotifier) set(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

func (c *closeNotifier) fire(err error) {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return
	}
	c.fired = true
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// suppress marks the notifier fired without invoking the callback. Used on
// deliberate Close so a self-initiated shutdown is not reported as a crash.
func (c *closeNotifier) suppress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fired = true
}

// convertTools maps SDK tool descriptors to the domain type.
func convertTools(tools []mcp.Tool) []workers.ToolDescriptor {
	out := make([]workers.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		schema := map[string]any{"type": tool.InputSchema.Type}
		if tool.InputSchema.Properties != nil {
			schema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			schema["required"] = tool.InputSchema.Required
		}
		out = append(out, workers.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return out
}

// convertContent maps one SDK content element to the domain type. Unknown
// kinds are carried through verbatim.
func convertContent(content mcp.Content) workers.Content {
	if text, ok := mcp.AsTextContent(content); ok {
		return workers.Content{Type: "text", Text: text.Text}
	}
	if image, ok := mcp.AsImageContent(content); ok {
		return workers.Content{Type: "image", Data: image.Data, MimeType: image.MIMEType}
	}
	if audio, ok := mcp.AsAudioContent(content); ok {
		return workers.Content{Type: "audio", Data: audio.Data, MimeType: audio.MIMEType}
	}

	raw := map[string]any{}
	if data, err := json.Marshal(content); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	kind := "unknown"
	if t, ok := raw["type"].(string); ok && t != "" {
		kind = t
	}
	return workers.Content{Type: kind, Raw: raw}
}

func convertResult(result *mcp.CallToolResult) *workers.CallResult {
	out := &workers.CallResult{IsError: result.IsError}
	for _, content := range result.Content {
		out.Content = append(out.Content, convertContent(content))
	}
	return out
}

// wrapCallError maps transport and protocol failures onto the swarm error
// taxonomy.
func wrapCallError(err error, worker, operation string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return swarmerrors.NewTimeoutError(operation+" timed out for worker "+worker, err)
	}
	if errors.Is(err, context.Canceled) {
		return swarmerrors.NewCancelledError(operation+" cancelled for worker "+worker, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return swarmerrors.NewTimeoutError(operation+" timed out for worker "+worker, err)
	}
	return swarmerrors.NewWorkerError(operation+" failed for worker "+worker, err)
}

// isConnectionError detects transport-level failures that mean the peer is
// gone, as opposed to a tool merely failing. String matching is a fallback
// for SDK errors that carry no structured type.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused", "connection reset", "broken pipe",
		"eof", "transport closed", "client not started", "connection closed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func initializeRequest() mcp.InitializeRequest {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "mcp-swarm",
		Version: "0.1.0",
	}
	return req
}
