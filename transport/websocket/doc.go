// Package websocket provides the websocket transport for the photo relay.
//
// The websocket package implements:
//   - Connection registry with per-connection ids
//   - Room membership (a connection may join several rooms)
//   - Fire-and-forget fan-out to a room, optionally excluding the sender
//   - Per-connection ordered event dispatch with panic containment
//
// Architecture:
//
// A central Hub owns every client and room. Each connection runs three
// goroutines. The reader queues frames and keeps answering pongs. The
// dispatcher decodes queued frames and calls the Handler one at a time, so a
// slow handler never starves the keepalive. The writer drains a buffered
// send channel and is the only one that closes the connection, after
// flushing what was queued. A client whose buffer fills up is disconnected
// rather than slowing the room down.
//
// Message Protocol:
//
// Frames are JSON envelopes in both directions:
//
//	{"event": "photos_from_cell", "data": {"session": "S1", "photos": ["..."]}}
//	{"event": "photos_ready", "data": ["..."]}
//
// Usage:
//
//	hub := websocket.NewHub(websocket.Options{MaxMessageSize: 16 << 20})
//	relay := service.NewRelay(sessions, viewers, hub, service.Options{})
//	hub.SetHandler(relay)
//
//	router.HandleFunc("/ws", hub.ServeWS)
//
// Connection Lifecycle:
//
// 1. Client connects and is assigned an id
// 2. Client joins rooms through join_room / join_viewer
// 3. Events are handled in arrival order
// 4. Disconnection drops every membership automatically
package websocket
