package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/radiofeira123-cloud/photorelay/api"
	"github.com/radiofeira123-cloud/photorelay/relay/session"
	"github.com/radiofeira123-cloud/photorelay/relay/viewer"
)

func callTool(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("Expected result, got nil")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("Expected text content in result")
	}
	return text.Text
}

// newRelayAPI starts a real API server backed by in-memory stores.
func newRelayAPI(t *testing.T) (*httptest.Server, *session.Store, *viewer.Store) {
	t.Helper()
	sessions := session.NewStore(session.EndClear)
	viewers := viewer.NewStore(nil, viewer.Options{})
	srv := httptest.NewServer(api.NewServer(sessions, viewers, nil, api.Options{}))
	t.Cleanup(srv.Close)
	return srv, sessions, viewers
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:10000/", "1.0.0")

	if client.baseURL != "http://localhost:10000" {
		t.Errorf("Expected trailing slash trimmed, got %s", client.baseURL)
	}
	if client.httpClient == nil {
		t.Error("Expected HTTP client to be initialized")
	}
	if client.mcpServer == nil {
		t.Error("Expected MCP server to be initialized")
	}
}

func TestClient_apiCall_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")

	err := client.apiCall(context.Background(), "/health", nil)
	if err == nil {
		t.Fatal("Expected error for HTTP 500 response")
	}
	if !strings.Contains(err.Error(), "API error") {
		t.Errorf("Expected 'API error' in error message, got: %v", err)
	}
}

func TestClient_apiCall_Unreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "test")

	if err := client.apiCall(context.Background(), "/health", nil); err == nil {
		t.Error("Expected error for unreachable API")
	}
}

func TestClient_handleHealth(t *testing.T) {
	srv, sessions, _ := newRelayAPI(t)
	sessions.Submit("S1", []string{"a"})
	client := NewClient(srv.URL, "test")

	result, err := client.handleHealth(context.Background(), callTool("health", nil))
	if err != nil {
		t.Fatalf("handleHealth failed: %v", err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "Status: OK") || !strings.Contains(text, "Sessions: 1") {
		t.Errorf("Unexpected health output: %s", text)
	}
}

func TestClient_handleGetSession(t *testing.T) {
	srv, sessions, _ := newRelayAPI(t)
	sessions.Submit("S1", []string{"data:image/png;base64," + strings.Repeat("A", 200), "https://cdn.example/b.jpg"})
	client := NewClient(srv.URL, "test")
	ctx := context.Background()

	result, err := client.handleGetSession(ctx, callTool("get_session", map[string]interface{}{"session_id": "S1"}))
	if err != nil {
		t.Fatalf("handleGetSession failed: %v", err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "Photos: 2") {
		t.Errorf("Expected photo count, got: %s", text)
	}
	if strings.Contains(text, strings.Repeat("A", 200)) {
		t.Error("Data URLs should be abbreviated")
	}

	result, _ = client.handleGetSession(ctx, callTool("get_session", map[string]interface{}{"session_id": "missing"}))
	if !result.IsError || !strings.Contains(resultText(t, result), "session not found") {
		t.Errorf("Expected not-found error result, got %+v", result)
	}

	result, _ = client.handleGetSession(ctx, callTool("get_session", nil))
	if !result.IsError {
		t.Error("Expected error when session_id is missing")
	}
}

func TestClient_handleGetViewer(t *testing.T) {
	srv, _, viewers := newRelayAPI(t)
	snap, err := viewers.Create(context.Background(), "S1", []string{"p1", "p2"}, "montage")
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(srv.URL, "test")

	result, err := client.handleGetViewer(context.Background(), callTool("get_viewer", map[string]interface{}{"viewer_id": snap.ID}))
	if err != nil {
		t.Fatalf("handleGetViewer failed: %v", err)
	}
	text := resultText(t, result)
	for _, want := range []string{snap.ID, "From session: S1", "Photos: 2", "not hosted", "Stories montage"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in output, got: %s", want, text)
		}
	}

	result, _ = client.handleGetViewer(context.Background(), callTool("get_viewer", map[string]interface{}{"viewer_id": "nope"}))
	if !result.IsError {
		t.Error("Expected error result for unknown viewer")
	}
}

func TestClient_handleDebugRooms(t *testing.T) {
	srv, sessions, _ := newRelayAPI(t)
	sessions.Submit("B", []string{"x"})
	sessions.Submit("A", []string{"x", "y"})
	client := NewClient(srv.URL, "test")

	result, err := client.handleDebugRooms(context.Background(), callTool("debug_rooms", nil))
	if err != nil {
		t.Fatalf("handleDebugRooms failed: %v", err)
	}
	text := resultText(t, result)
	if !strings.Contains(text, "Sessions (2)") {
		t.Errorf("Unexpected output: %s", text)
	}
	if strings.Index(text, "- A:") > strings.Index(text, "- B:") {
		t.Error("Sessions should be listed in id order")
	}
}

func TestClient_Handler(t *testing.T) {
	client := NewClient("http://localhost:10000", "test")
	handler := client.Handler()

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	req := httptest.NewRequest("POST", "/mcp", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	raw, _ := json.Marshal(resp["result"])
	for _, tool := range []string{"health", "debug_rooms", "get_session", "get_viewer"} {
		if !strings.Contains(string(raw), tool) {
			t.Errorf("Expected tool %s in tools/list, got %s", tool, raw)
		}
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/mcp", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}
}
