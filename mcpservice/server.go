package mcpservice

import (
	"github.com/engagekit/mcp-server/mcp"
)

// Server bundles the capability containers an MCP server advertises together
// with its identity. It is shared by every transport in the process.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string

	tools   *ToolsContainer
	prompts *PromptsContainer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithToolsContainer attaches the tools capability.
func WithToolsContainer(tc *ToolsContainer) ServerOption {
	return func(s *Server) { s.tools = tc }
}

// WithPromptsContainer attaches the prompts capability.
func WithPromptsContainer(pc *PromptsContainer) ServerOption {
	return func(s *Server) { s.prompts = pc }
}

// WithInstructions sets the instructions text returned from initialize.
func WithInstructions(text string) ServerOption {
	return func(s *Server) { s.instructions = text }
}

// NewServer builds a Server with the given identity and capabilities.
func NewServer(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		info: mcp.ImplementationInfo{Name: name, Version: version},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Info() mcp.ImplementationInfo { return s.info }

func (s *Server) Instructions() string { return s.instructions }

// Tools returns the tools container, or nil if the capability is absent.
func (s *Server) Tools() *ToolsContainer { return s.tools }

// Prompts returns the prompts container, or nil if the capability is absent.
func (s *Server) Prompts() *PromptsContainer { return s.prompts }

// Capabilities reports the capability set advertised during initialize.
func (s *Server) Capabilities() mcp.ServerCapabilities {
	var caps mcp.ServerCapabilities
	if s.tools != nil {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if s.prompts != nil {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	return caps
}

// NegotiateProtocolVersion picks the protocol revision for a session. Known
// revisions are echoed back; anything else falls back to the latest.
func NegotiateProtocolVersion(requested string) string {
	switch requested {
	case "2024-11-05", "2025-03-26", mcp.LatestProtocolVersion:
		return requested
	default:
		return mcp.LatestProtocolVersion
	}
}
