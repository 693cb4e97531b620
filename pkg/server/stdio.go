package server

import (
	"context"
	"os"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/SpideXD/mcp-swarm/pkg/catalog"
	"github.com/SpideXD/mcp-swarm/pkg/logger"
	"github.com/SpideXD/mcp-swarm/pkg/store"
	"github.com/SpideXD/mcp-swarm/pkg/supervisor"
)

// ServeStdio attaches the meta-tool server to the parent process's standard
// streams and blocks until the stream closes or ctx is cancelled. No HTTP
// listener runs and no sessions exist; tool calls carry no session id, so
// stateful workers are served by their shared primary like everything else.
func ServeStdio(ctx context.Context, sup *supervisor.Supervisor, st store.Store) error {
	mcpSrv := mcpserver.NewMCPServer(
		serverName,
		serverVersion,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
	)
	tools := newToolServer(sup, st, catalog.NewSearcher(), nil)
	tools.register(mcpSrv)

	logger.Info("serving on standard streams")
	stdioSrv := mcpserver.NewStdioServer(mcpSrv)
	return stdioSrv.Listen(ctx, os.Stdin, os.Stdout)
}
