package tools

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Registration pairs an MCP tool definition with its handler function.
type Registration struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// RegisterAll adds every registration to s and returns how many were added.
func RegisterAll(s *server.MCPServer, registrations []Registration) int {
	for _, r := range registrations {
		s.AddTool(r.Tool, r.Handler)
	}
	return len(registrations)
}
