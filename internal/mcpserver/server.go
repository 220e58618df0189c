// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes read-only inspection tools over the daemon's on-disk state via
// stdio transport. It runs as a separate command against the same data
// directory, so it works whether or not the daemon is up.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hollis-labs/marquee/internal/cache"
	"github.com/hollis-labs/marquee/internal/playlist"
	"github.com/hollis-labs/marquee/internal/registration"
)

// Server wraps the MCP server with inspection tools.
type Server struct {
	mcp     *server.MCPServer
	store   *playlist.Store
	cache   *cache.Cache
	regPath string
}

// New creates a new MCP server with all inspection tools registered.
func New(store *playlist.Store, c *cache.Cache, regPath string) *Server {
	s := &Server{store: store, cache: c, regPath: regPath}

	s.mcp = server.NewMCPServer(
		"Marquee",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("playlist_status",
		mcp.WithDescription("Show the last published playlist: id, version and items."),
	), s.playlistStatus)

	s.mcp.AddTool(mcp.NewTool("cache_stats",
		mcp.WithDescription("Report media cache occupancy: file count, bytes used, capacity."),
	), s.cacheStats)

	s.mcp.AddTool(mcp.NewTool("cache_entries",
		mcp.WithDescription("List cached media files with sizes, hit counts and last access times."),
	), s.cacheEntries)

	s.mcp.AddTool(mcp.NewTool("device_info",
		mcp.WithDescription("Show the device registration record with credentials redacted."),
	), s.deviceInfo)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) playlistStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pl, err := s.store.Load()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("no playlist on disk: %v", err)), nil
	}
	out, _ := json.MarshalIndent(pl, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) cacheStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.cache.Stat()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) cacheEntries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ledger := s.cache.Ledger()
	if ledger == nil {
		return mcp.NewToolResultError("cache ledger not configured"), nil
	}
	entries, err := ledger.Entries()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(entries, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) deviceInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := registration.Load(s.regPath)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("no registration record: %v", err)), nil
	}
	out, _ := json.MarshalIndent(map[string]any{
		"assignedGuid": st.AssignedGUID,
		"deviceStatus": st.DeviceStatus,
		"activated":    st.Activated(),
		"branchId":     st.BranchID,
		"branch":       st.Branch,
	}, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
