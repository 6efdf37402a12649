// Package mcp implements the Model Context Protocol server for guardvault.
//
// Agent runtimes use it to check and execute payments within the limits the
// vault owner set, and to read vault state and events. Vault rejections come
// back as structured results carrying the error kind and what to do next.
package mcp

import (
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/guardvault/internal/assets"
	"github.com/ashita-ai/guardvault/internal/service/vaults"
	"github.com/ashita-ai/guardvault/internal/vault"
)

// preflightWindow is how long a vault_check_payment counts as recent.
const preflightWindow = 10 * time.Minute

// Server wraps the MCP server with guardvault's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	vaults    *vaults.Service
	assets    *assets.Registry
	logger    *slog.Logger
	preflight *preflightTracker
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(svc *vaults.Service, reg *assets.Registry, logger *slog.Logger, version string) *Server {
	if reg == nil {
		reg = assets.Default()
	}
	s := &Server{
		vaults:    svc,
		assets:    reg,
		logger:    logger,
		preflight: newPreflightTracker(preflightWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"guardvault",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// rejection is the tool payload for a vault error.
type rejection struct {
	Error       string            `json:"error"`
	Kind        vault.Kind        `json:"kind"`
	Disposition vault.Disposition `json:"disposition"`
}

// serviceErrorResult renders err for the agent. Vault rejections keep their
// kind and disposition so the orchestrator can branch on them.
func (s *Server) serviceErrorResult(op string, err error) *mcplib.CallToolResult {
	k := vault.KindOf(err)
	if k == "" {
		s.logger.Error("mcp: tool failed", "tool", op, "error", err)
		return errorResult(op + " failed: " + err.Error())
	}
	data, _ := json.MarshalIndent(rejection{
		Error:       err.Error(),
		Kind:        k,
		Disposition: vault.DispositionOf(err),
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
		IsError: true,
	}
}
