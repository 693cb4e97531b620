// Command swarmd runs the mcp-swarm daemon: a local supervisor that manages
// MCP tool servers and exposes them to multiple client agents through one
// meta-tool surface.
package main

import (
	"os"

	"github.com/SpideXD/mcp-swarm/cmd/swarmd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
