package service

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/radiofeira123-cloud/photorelay/relay/protocol"
	"github.com/radiofeira123-cloud/photorelay/relay/session"
	"github.com/radiofeira123-cloud/photorelay/relay/viewer"
)

// ViewerRoomPrefix namespaces viewer rooms away from session rooms.
const ViewerRoomPrefix = "viewer:"

// Conn is a single connected client.
type Conn interface {
	ID() string
	// Emit queues an event for this client only. It must not block.
	Emit(event string, data any)
}

// Rooms is the room membership and fan-out capability of the transport.
type Rooms interface {
	Join(connID, room string)
	// Broadcast sends to every member of room except the connection whose
	// id equals exclude. An empty exclude reaches everyone.
	Broadcast(room, event string, data any, exclude string)
}

// Options configures a Relay.
type Options struct {
	// Shared makes every client use SharedID when no session id is given
	// and makes create_session return it.
	Shared   bool
	SharedID string
	// PublicURL is the base for viewer links. It may be set later with
	// SetPublicURL once a tunnel is up.
	PublicURL string
}

// ViewerCreated is the payload of viewer_session_created.
type ViewerCreated struct {
	ViewerID  string    `json:"viewerId"`
	ViewerURL string    `json:"viewerUrl,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ViewerError is the payload of viewer_session_error.
type ViewerError struct {
	Error string `json:"error"`
}

// ViewerNotFound is the payload of viewer_not_found.
type ViewerNotFound struct {
	ViewerID string `json:"viewerId"`
}

// SessionEnded is the payload of session_ended.
type SessionEnded struct {
	Session string `json:"session"`
}

// Fullscreen is the payload relayed with cell_entered_fullscreen.
type Fullscreen struct {
	Session string `json:"session"`
}

// Relay applies client events to the stores and fans results out through
// the transport's rooms.
type Relay struct {
	sessions *session.Store
	viewers  *viewer.Store
	rooms    Rooms
	opts     Options

	publicURL atomic.Value

	// mu orders session mutation plus broadcast against join plus catch-up.
	mu sync.Mutex
}

// NewRelay wires the stores to a transport.
func NewRelay(sessions *session.Store, viewers *viewer.Store, rooms Rooms, opts Options) *Relay {
	r := &Relay{
		sessions: sessions,
		viewers:  viewers,
		rooms:    rooms,
		opts:     opts,
	}
	r.publicURL.Store(strings.TrimRight(opts.PublicURL, "/"))
	return r
}

// SetPublicURL changes the base used for new viewer links.
func (r *Relay) SetPublicURL(base string) {
	r.publicURL.Store(strings.TrimRight(base, "/"))
}

// PublicURL returns the current viewer link base, or "" if none is known.
func (r *Relay) PublicURL() string {
	return r.publicURL.Load().(string)
}

// ViewerLink builds the shareable link for a viewer id under base.
func ViewerLink(base, viewerID string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/viewer.html?id=" + url.QueryEscape(viewerID)
}

// Handle dispatches one decoded event. Events from a single connection must
// be passed in arrival order.
func (r *Relay) Handle(ctx context.Context, conn Conn, ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.CreateSession:
		r.CreateSession(conn)
	case protocol.JoinRoom:
		r.JoinRoom(conn, e.Session)
	case protocol.PhotosFromCell:
		r.SubmitPhotos(conn, e.Session, e.Photos)
	case protocol.CreateViewerSession:
		r.CreateViewer(ctx, conn, e)
	case protocol.JoinViewer:
		r.JoinViewer(conn, e.ViewerID)
	case protocol.EndSession:
		r.EndSession(conn, e.Session)
	case protocol.CellEnteredFullscreen:
		r.RelayFullscreen(conn, e.Session)
	default:
		log.Printf("[relay] %s: unhandled event %T", conn.ID(), ev)
	}
}

// HandleInvalid reacts to a frame that failed to decode. Only viewer
// creation reports errors back to the client; everything else is dropped.
func (r *Relay) HandleInvalid(conn Conn, err error) {
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) && decodeErr.Event == protocol.EventCreateViewerSession {
		log.Printf("[relay] %s: rejected viewer creation: %v", conn.ID(), err)
		conn.Emit(protocol.EventViewerSessionError, ViewerError{Error: decodeErr.Err.Error()})
		return
	}
	log.Printf("[relay] %s: dropped invalid frame: %v", conn.ID(), err)
}

// CreateSession answers with a fresh session id, or the shared id in shared
// mode.
func (r *Relay) CreateSession(conn Conn) {
	if r.opts.Shared {
		if err := r.sessions.Ensure(r.opts.SharedID); err != nil {
			log.Printf("[relay] %s: create_session failed: %v", conn.ID(), err)
			return
		}
		conn.Emit(protocol.EventSessionCreated, r.opts.SharedID)
		return
	}

	id, err := r.sessions.Create()
	if err != nil {
		log.Printf("[relay] %s: create_session failed: %v", conn.ID(), err)
		return
	}
	log.Printf("[relay] session created: %s", id)
	conn.Emit(protocol.EventSessionCreated, id)
}

// JoinRoom adds conn to the session room and sends it the current photos,
// if any.
func (r *Relay) JoinRoom(conn Conn, id string) {
	id = r.resolve(id)
	if id == "" {
		log.Printf("[relay] %s: join_room without session id", conn.ID())
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms.Join(conn.ID(), id)
	log.Printf("[relay] %s joined %s", conn.ID(), id)

	if s := r.sessions.Get(id); len(s.Photos) > 0 {
		conn.Emit(protocol.EventPhotosReady, s.Photos)
	}
}

// SubmitPhotos replaces the session's photos and broadcasts them to the
// whole room, sender included.
func (r *Relay) SubmitPhotos(conn Conn, id string, photos []string) {
	id = r.resolve(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sessions.Submit(id, photos); err != nil {
		log.Printf("[relay] %s: invalid photos payload: %v", conn.ID(), err)
		return
	}
	log.Printf("[relay] received %d photos for session %s from %s", len(photos), id, conn.ID())
	r.rooms.Broadcast(id, protocol.EventPhotosReady, r.sessions.Get(id).Photos, "")
}

// CreateViewer builds a viewer snapshot. It blocks until every upload has
// been attempted and keeps going if the requester disconnects meanwhile.
func (r *Relay) CreateViewer(ctx context.Context, conn Conn, req protocol.CreateViewerSession) {
	ctx = context.WithoutCancel(ctx)

	snap, err := r.viewers.Create(ctx, req.Session, req.Photos, req.StoriesMontage)
	if err != nil {
		log.Printf("[relay] %s: viewer creation failed: %v", conn.ID(), err)
		conn.Emit(protocol.EventViewerSessionError, ViewerError{Error: err.Error()})
		return
	}

	r.rooms.Join(conn.ID(), ViewerRoomPrefix+snap.ID)
	log.Printf("[relay] viewer %s created from session %q with %d photos", snap.ID, snap.Session, len(snap.Photos))

	conn.Emit(protocol.EventViewerSessionCreated, ViewerCreated{
		ViewerID:  snap.ID,
		ViewerURL: ViewerLink(r.PublicURL(), snap.ID),
		ExpiresAt: snap.ExpiresAt,
	})
}

// JoinViewer joins conn to the viewer room, then sends the snapshot or
// viewer_not_found.
func (r *Relay) JoinViewer(conn Conn, id string) {
	if id == "" {
		log.Printf("[relay] %s: join_viewer without viewer id", conn.ID())
		return
	}

	r.rooms.Join(conn.ID(), ViewerRoomPrefix+id)

	snap, ok := r.viewers.Get(id)
	if !ok {
		conn.Emit(protocol.EventViewerNotFound, ViewerNotFound{ViewerID: id})
		return
	}
	conn.Emit(protocol.EventViewerPhotosReady, snap)
}

// EndSession resets the session and tells the room.
func (r *Relay) EndSession(conn Conn, id string) {
	id = r.resolve(id)
	if id == "" {
		log.Printf("[relay] %s: end_session without session id", conn.ID())
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions.End(id)
	log.Printf("[relay] session ended: %s", id)
	r.rooms.Broadcast(id, protocol.EventSessionEnded, SessionEnded{Session: id}, "")
}

// RelayFullscreen forwards the signal to the other members of the room.
func (r *Relay) RelayFullscreen(conn Conn, id string) {
	id = r.resolve(id)
	if id == "" {
		return
	}
	r.rooms.Broadcast(id, protocol.EventCellEnteredFullscreen, Fullscreen{Session: id}, conn.ID())
}

func (r *Relay) resolve(id string) string {
	if id == "" && r.opts.Shared {
		return r.opts.SharedID
	}
	return id
}
