// Package mcp exposes read-only relay inspection over the Model Context
// Protocol.
//
// The Client is a thin proxy: every tool calls the HTTP API (/health,
// /debug, /session/{id}, /viewer/{id}) and formats the answer as text. It can
// be served over stdio for local agents or mounted at POST /mcp on the main
// server.
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:10000", version)
//	router.Handle("/mcp", client.Handler())
//
//	// or, for a stdio agent:
//	client.ServeStdio()
package mcp
