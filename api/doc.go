// Package api provides the HTTP surface of the photo relay.
//
// Endpoints:
//
// Status:
//   - GET /health - Process status with session, viewer and client counts
//   - GET /debug - Per-session photo counts, room sizes and connected clients
//
// Sessions and viewers:
//   - GET /session/{id} - Session record, or 404 with an empty photo list
//   - GET /viewer/{id} - Viewer snapshot, or 404 when unknown or expired
//   - GET /viewer/{id}/qr - PNG QR code of the viewer link (?size=64..1024)
//
// Transport:
//   - GET /ws - WebSocket upgrade for the event protocol
//   - POST /mcp - MCP JSON-RPC endpoint (when configured)
//
// Static files from the configured directory are served at /.
//
// Every response carries CORS headers for the configured origins, and
// OPTIONS preflight requests are answered directly.
package api
