package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/statacorp/stata-mcp-server/internal/httpapi"
)

// Server exposes the execution service as MCP tools over the legacy
// SSE and streamable HTTP transports. Tool calls dispatch through the
// same httpapi.Service the REST handlers use.
type Server struct {
	svc       *httpapi.Service
	registry  *Registry
	mcpServer *mcp.Server
}

// NewServer builds the MCP server and registers all tools.
func NewServer(svc *httpapi.Service, version string) *Server {
	s := &Server{
		svc:      svc,
		registry: NewRegistry(),
	}
	s.registerAllTools(s.registry)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "stata-mcp-server",
		Version: version,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)

	return s
}

// Registry returns the tool registry for listing and direct dispatch.
func (s *Server) Registry() *Registry { return s.registry }

// SSEHandler returns the legacy SSE transport (the 2024-11-05
// protocol): a hanging GET opens the stream with an endpoint event and
// the client POSTs messages to the per-session endpoint.
func (s *Server) SSEHandler() http.Handler {
	return mcp.NewSSEHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// Handler returns the streamable HTTP transport for the MCP server.
// Enable EventStore for SSE stream resumption support.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})
}
