package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/radiofeira123-cloud/photorelay/api"
	"github.com/radiofeira123-cloud/photorelay/relay/session"
	"github.com/radiofeira123-cloud/photorelay/relay/viewer"
)

// Client is a thin MCP client that proxies to the HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the HTTP API at baseURL
func NewClient(baseURL string, version string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer(version)
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer(version string) {
	c.mcpServer = server.NewMCPServer(
		"Photo Relay",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`Photo Relay - MCP Interface

Read-only inspection of a running photo relay. Phones push photos into
sessions, screens watch them live, and viewer links share a frozen copy for
seven days.

AVAILABLE TOOLS:
- health: Process status with session, viewer and client counts
- debug_rooms: Every session with photo count and room size
- get_session: Photos currently held by a session
- get_viewer: A viewer snapshot, its hosted URLs and expiry`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "health",
		Description: "Get relay status and counts",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleHealth)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "debug_rooms",
		Description: "List sessions with photo counts and connected room members",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleDebugRooms)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_session",
		Description: "Get the photos currently stored for a session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Session ID to retrieve",
				},
			},
			Required: []string{"session_id"},
		},
	}, c.handleGetSession)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_viewer",
		Description: "Get a viewer snapshot with hosted URLs and expiry",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"viewer_id": map[string]interface{}{
					"type":        "string",
					"description": "Viewer ID from a viewer link",
				},
			},
			Required: []string{"viewer_id"},
		},
	}, c.handleGetViewer)
}

// ServeStdio runs the MCP server over stdin/stdout until it exits.
func (c *Client) ServeStdio() error {
	return server.ServeStdio(c.mcpServer)
}

// Handler serves MCP JSON-RPC messages posted over HTTP.
func (c *Client) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := c.mcpServer.HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	})
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

func stringArg(request mcp.CallToolRequest, name string) string {
	args, _ := request.Params.Arguments.(map[string]interface{})
	value, _ := args[name].(string)
	return strings.TrimSpace(value)
}

// Tool handlers

func (c *Client) handleHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var health api.HealthResponse
	if err := c.apiCall(ctx, "/health", &health); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result := fmt.Sprintf("Status: %s (%s)\nSessions: %d\nViewer sessions: %d\nConnected clients: %d\n",
		health.Status, health.Timestamp.Format(time.RFC3339), health.Sessions, health.ViewerSessions, health.Clients)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleDebugRooms(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var debug api.DebugResponse
	if err := c.apiCall(ctx, "/debug", &debug); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatDebug(&debug)), nil
}

func (c *Client) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := stringArg(request, "session_id")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	var sess session.Session
	if err := c.apiCall(ctx, "/session/"+url.PathEscape(sessionID), &sess); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatSession(&sess)), nil
}

func (c *Client) handleGetViewer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	viewerID := stringArg(request, "viewer_id")
	if viewerID == "" {
		return mcp.NewToolResultError("viewer_id is required"), nil
	}

	var snap viewer.Snapshot
	if err := c.apiCall(ctx, "/viewer/"+url.PathEscape(viewerID), &snap); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatViewer(&snap)), nil
}

// Formatting helpers

func formatDebug(debug *api.DebugResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sessions (%d), connected clients: %d, viewer sessions: %d\n\n",
		len(debug.Sessions), debug.Clients, debug.ViewerSessions)

	ids := make([]string, 0, len(debug.Sessions))
	for id := range debug.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := debug.Sessions[id]
		fmt.Fprintf(&b, "- %s: %d photos, %d in room, created %s\n",
			id, s.Photos, s.Members, s.CreatedAt.Format("15:04:05"))
	}
	return b.String()
}

func formatSession(sess *session.Session) string {
	var b strings.Builder
	if sess.ID != "" {
		fmt.Fprintf(&b, "Session: %s\n", sess.ID)
	}
	fmt.Fprintf(&b, "Photos: %d\n", len(sess.Photos))
	if !sess.LastUpdated.IsZero() {
		fmt.Fprintf(&b, "Last updated: %s\n", sess.LastUpdated.Format(time.RFC3339))
	}
	for i, photo := range sess.Photos {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, abbreviate(photo))
	}
	return b.String()
}

func formatViewer(snap *viewer.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Viewer: %s\n", snap.ID)
	if snap.Session != "" {
		fmt.Fprintf(&b, "From session: %s\n", snap.Session)
	}
	fmt.Fprintf(&b, "Expires: %s\n", snap.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Photos: %d\n", len(snap.Photos))

	for i, photo := range snap.Photos {
		hosted := "not hosted"
		if i < len(snap.UploadedURLs) && snap.UploadedURLs[i] != nil {
			hosted = *snap.UploadedURLs[i]
		}
		fmt.Fprintf(&b, "  %d. %s -> %s\n", i+1, abbreviate(photo), hosted)
	}

	if snap.StoriesMontage != "" {
		hosted := "not hosted"
		if snap.StoriesMontageURL != nil {
			hosted = *snap.StoriesMontageURL
		}
		fmt.Fprintf(&b, "Stories montage: %s -> %s\n", abbreviate(snap.StoriesMontage), hosted)
	}
	return b.String()
}

// abbreviate keeps data URLs from flooding the output.
func abbreviate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... (%d chars)", s[:max], len(s))
}
