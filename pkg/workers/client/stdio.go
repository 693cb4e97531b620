package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	swarmerrors "github.com/SpideXD/mcp-swarm/pkg/errors"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/workers"
)

// stdioClient runs a worker as a child process and speaks MCP over its
// standard streams. The client exclusively owns the process, its transport
// and its stderr ring.
type stdioClient struct {
	cfg         *workers.Config
	callTimeout time.Duration

	mu     sync.Mutex
	client *mcpclient.Client
	cmd    *exec.Cmd

	stderr *stderrRing
	closed closeNotifier

	toolsChangedMu sync.Mutex
	toolsChanged   func([]workers.ToolDescriptor)
}

func newStdioClient(cfg *workers.Config, callTimeout time.Duration) *stdioClient {
	return &stdioClient{
		cfg:         cfg,
		callTimeout: callTimeout,
		stderr:      newStderrRing(),
	}
}

func (s *stdioClient) OnToolsChanged(fn func([]workers.ToolDescriptor)) {
	s.toolsChangedMu.Lock()
	defer s.toolsChangedMu.Unlock()
	s.toolsChanged = fn
}

func (s *stdioClient) OnClosed(fn func(err error)) {
	s.closed.set(fn)
}

func (s *stdioClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}

	stdio := transport.NewStdioWithOptions(
		s.cfg.Command,
		env,
		s.cfg.Args,
		transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = env
			s.mu.Lock()
			s.cmd = cmd
			s.mu.Unlock()
			return cmd, nil
		}),
	)

	c := mcpclient.NewClient(stdio)
	c.OnNotification(s.handleNotification)

	if err := c.Start(ctx); err != nil {
		return swarmerrors.NewSpawnFailedError(
			fmt.Sprintf("failed to spawn worker %s (%s)", s.cfg.Name, s.cfg.Command), err)
	}

	s.mu.Lock()
	s.client = c
	s.mu.Unlock()

	// The child is running; start draining stderr before the handshake so
	// launcher errors (missing package, bad command) are captured even when
	// initialization never completes.
	if reader, ok := mcpclient.GetStderr(c); ok {
		go s.drainStderr(reader)
	}

	if _, err := c.Initialize(ctx, initializeRequest()); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return swarmerrors.NewTimeoutError(
				fmt.Sprintf("worker %s did not complete the handshake within %s", s.cfg.Name, connectTimeout), err)
		}
		return swarmerrors.NewSpawnFailedError(
			fmt.Sprintf("worker %s failed the MCP handshake", s.cfg.Name), err)
	}
	return nil
}

// drainStderr copies the child's stderr into the ring. EOF means the child
// exited (or at least closed its stderr), which is the closest thing a stdio
// transport has to a disconnect signal.
func (s *stdioClient) drainStderr(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.stderr.append(scanner.Text())
	}
	s.closed.fire(fmt.Errorf("worker %s process exited", s.cfg.Name))
}

func (s *stdioClient) handleNotification(notification mcp.JSONRPCNotification) {
	if notification.Method != "notifications/tools/list_changed" {
		return
	}
	s.toolsChangedMu.Lock()
	fn := s.toolsChanged
	s.toolsChangedMu.Unlock()
	if fn == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.callTimeout)
		defer cancel()
		tools, err := s.ListTools(ctx)
		if err != nil {
			logger.Warnw("failed to refresh tool list after change notification",
				"worker", s.cfg.Name, "error", err)
			return
		}
		fn(tools)
	}()
}

func (s *stdioClient) current() *mcpclient.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *stdioClient) ListTools(ctx context.Context) ([]workers.ToolDescriptor, error) {
	c := s.current()
	if c == nil {
		return nil, swarmerrors.NewNotConnectedError("worker "+s.cfg.Name+" has no live transport", nil)
	}
	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		if isConnectionError(err) {
			s.closed.fire(err)
		}
		return nil, wrapCallError(err, s.cfg.Name, "list tools")
	}
	return convertTools(result.Tools), nil
}

func (s *stdioClient) CallTool(ctx context.Context, tool string, args map[string]any) (*workers.CallResult, error) {
	c := s.current()
	if c == nil {
		return nil, swarmerrors.NewNotConnectedError("worker "+s.cfg.Name+" has no live transport", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	result, err := c.CallTool(ctx, req)
	if err != nil {
		if isConnectionError(err) {
			s.closed.fire(err)
		}
		return nil, wrapCallError(err, s.cfg.Name, "call tool "+tool)
	}
	return convertResult(result), nil
}

func (s *stdioClient) Close() error {
	s.closed.suppress()

	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		if err := c.Close(); err != nil {
			logger.Debugw("error closing stdio client", "worker", s.cfg.Name, "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		logger.Warnw("stdio client close timed out, abandoning", "worker", s.cfg.Name)
		s.kill()
	}
	return nil
}

// kill force-terminates the child when a graceful close stalls.
func (s *stdioClient) kill() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (s *stdioClient) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

func (s *stdioClient) StderrTail(n int) []string {
	return s.stderr.tail(n)
}
