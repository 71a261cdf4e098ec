package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all safegate tools registered.
func NewMCPServer(p Pipeline, version string) *server.MCPServer {
	s := server.NewMCPServer("safegate", version)
	h := NewHandlers(p)

	s.AddTool(ToolValidateAction, h.HandleValidateAction)
	s.AddTool(ToolValidateInbound, h.HandleValidateInbound)
	s.AddTool(ToolMapEnforcement, h.HandleMapEnforcement)
	s.AddTool(ToolAuditTrace, h.HandleAuditTrace)

	return s
}
