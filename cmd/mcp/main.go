// Safegate MCP Server - Exposes the safety pipeline as MCP tools for LLMs.
// It runs the pipeline in-process with the same configuration as the HTTP
// server and logs to stderr; stdout carries the protocol.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/safegate/internal/config"
	"github.com/mbd888/safegate/internal/logging"
	"github.com/mbd888/safegate/internal/mcpserver"
	safegate "github.com/mbd888/safegate/internal/server"
)

// Version is set by ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, "text")

	srv, err := safegate.New(cfg, safegate.WithLogger(logger), safegate.WithVersion(Version))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build pipeline: %v\n", err)
		os.Exit(1)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.StartBackground(ctx)

	s := mcpserver.NewMCPServer(srv.Service(), Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
