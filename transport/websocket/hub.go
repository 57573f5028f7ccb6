package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/radiofeira123-cloud/photorelay/relay/protocol"
	"github.com/radiofeira123-cloud/photorelay/relay/service"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Default maximum message size allowed from peer. Photos travel as data
	// URLs, so this is far larger than a typical control frame.
	defaultMaxMessageSize = 16 << 20

	sendBufferSize = 256

	// Frames read but not yet handled. Reading continues while a slow event
	// is being handled so pongs keep the connection alive.
	inboundBufferSize = 64
)

// Handler processes decoded client events. *service.Relay satisfies it.
type Handler interface {
	Handle(ctx context.Context, conn service.Conn, ev protocol.Event)
	HandleInvalid(conn service.Conn, err error)
}

// Options configures a Hub.
type Options struct {
	MaxMessageSize int64
	// AllowedOrigins lists accepted Origin headers; "*" or an empty list
	// accepts any origin.
	AllowedOrigins []string
}

// Client is one websocket connection.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	inbound chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	// Guarded by hub.mu.
	rooms  map[string]bool
	closed bool
}

// Hub tracks connected clients and their room memberships.
type Hub struct {
	clients map[string]*Client
	rooms   map[string]map[*Client]bool

	handler        Handler
	upgrader       websocket.Upgrader
	maxMessageSize int64
	pongWait       time.Duration
	pingPeriod     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

// NewHub creates a hub. A handler must be attached with SetHandler before
// clients connect.
func NewHub(opts Options) *Hub {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:        make(map[string]*Client),
		rooms:          make(map[string]map[*Client]bool),
		maxMessageSize: opts.MaxMessageSize,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetHandler attaches the event handler.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// ServeWS upgrades the request and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] websocket upgrade failed: %v", err)
		return
	}

	client := h.register(conn)

	go client.writePump()
	go client.dispatchLoop()
	go client.readPump()
}

func (h *Hub) register(conn *websocket.Conn) *Client {
	ctx, cancel := context.WithCancel(h.ctx)
	client := &Client{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		inbound: make(chan []byte, inboundBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	log.Printf("[hub] client %s connected (total clients: %d)", client.id, total)
	return client
}

// unregister drops every membership of the client and closes its send
// channel. It is safe to call more than once.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if client.closed {
		h.mu.Unlock()
		return
	}
	client.closed = true
	for room := range client.rooms {
		h.leave(client, room)
	}
	delete(h.clients, client.id)
	close(client.send)
	total := len(h.clients)
	h.mu.Unlock()

	client.cancel()
	log.Printf("[hub] client %s disconnected (remaining clients: %d)", client.id, total)
}

// leave must be called with the write lock held.
func (h *Hub) leave(client *Client, room string) {
	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Join adds the connection to room. Unknown connection ids are ignored.
func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok || client.closed {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

// Broadcast sends the event to every member of room except exclude.
// Clients whose buffers are full are disconnected.
func (h *Hub) Broadcast(room, event string, data any, exclude string) {
	frame, err := encode(event, data)
	if err != nil {
		log.Printf("[hub] failed to marshal %s: %v", event, err)
		return
	}

	var slow []*Client

	h.mu.RLock()
	for client := range h.rooms[room] {
		if client.id == exclude {
			continue
		}
		if !client.deliver(frame) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		log.Printf("[hub] client %s too slow, dropping", client.id)
		h.unregister(client)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSizes returns the member count of every non-empty room.
func (h *Hub) RoomSizes() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sizes := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		sizes[room] = len(members)
	}
	return sizes
}

// Shutdown closes every connection. In-flight handlers see their context
// cancelled.
func (h *Hub) Shutdown() {
	h.cancel()

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, client := range h.clients {
		if client.conn != nil {
			conns = append(conns, client.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (h *Hub) currentHandler() Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Emit queues an event for this client. Events emitted after the client
// disconnected are discarded.
func (c *Client) Emit(event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		log.Printf("[hub] failed to marshal %s: %v", event, err)
		return
	}

	c.hub.mu.RLock()
	ok := c.deliver(frame)
	c.hub.mu.RUnlock()

	if !ok {
		log.Printf("[hub] client %s too slow, dropping", c.id)
		c.hub.unregister(c)
	}
}

// deliver must be called with the hub lock held. It reports false only
// when the send buffer is full.
func (c *Client) deliver(frame []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(protocol.Outbound{Event: event, Data: data})
}

// readPump reads frames into the inbound queue until the connection fails.
// It never closes the connection itself; writePump does that once every
// queued outbound frame has been written.
func (c *Client) readPump() {
	defer close(c.inbound)

	c.conn.SetReadLimit(c.hub.maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		return nil
	})

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[hub] client %s read error: %v", c.id, err)
			}
			return
		}
		c.inbound <- frame
	}
}

// dispatchLoop hands frames to the handler one at a time, so a client's
// events are processed in the order they arrived. When the reader stops and
// the queue is drained the client is unregistered, which lets writePump
// flush and close the connection.
func (c *Client) dispatchLoop() {
	defer c.hub.unregister(c)

	for frame := range c.inbound {
		c.dispatch(frame)
	}
}

// dispatch handles one frame. A panic is contained to that frame.
func (c *Client) dispatch(frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[hub] client %s: recovered from panic while handling frame: %v", c.id, r)
		}
	}()

	handler := c.hub.currentHandler()
	if handler == nil {
		log.Printf("[hub] client %s: no handler attached, dropping frame", c.id)
		return
	}

	ev, err := protocol.Decode(frame)
	if err != nil {
		handler.HandleInvalid(c, err)
		return
	}
	handler.Handle(c.ctx, c, ev)
}

// writePump pumps queued frames to the connection, one websocket message
// per frame. Frames queued before unregister are written before the close
// frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		set[origin] = true
	}

	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
