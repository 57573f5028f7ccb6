package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/radiofeira123-cloud/photorelay/relay/service"
	"github.com/radiofeira123-cloud/photorelay/relay/session"
	"github.com/radiofeira123-cloud/photorelay/relay/viewer"
	"github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024

	// JSON request bodies are capped at this size.
	maxBodyBytes = 10 << 20
)

// Sessions is the read side of the session store.
type Sessions interface {
	Lookup(id string) (session.Session, bool)
	List() []session.Session
	Count() int
}

// Viewers is the read side of the viewer store.
type Viewers interface {
	Get(id string) (*viewer.Snapshot, bool)
	Count() int
}

// Hub is the websocket transport.
type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	ClientCount() int
	RoomSizes() map[string]int
}

// Options configures a Server.
type Options struct {
	// StaticDir is served at / when set.
	StaticDir      string
	AllowedOrigins []string
	// PublicURL returns the viewer link base; may be nil.
	PublicURL func() string
	// MCP is mounted at POST /mcp when set.
	MCP http.Handler
}

// Server represents the HTTP API server
type Server struct {
	sessions Sessions
	viewers  Viewers
	hub      Hub
	opts     Options
	router   *mux.Router
	handler  http.Handler
}

// NewServer creates a new API server
func NewServer(sessions Sessions, viewers Viewers, hub Hub, opts Options) *Server {
	s := &Server{
		sessions: sessions,
		viewers:  viewers,
		hub:      hub,
		opts:     opts,
		router:   mux.NewRouter(),
	}

	s.setupRoutes()
	s.handler = cors(opts.AllowedOrigins)(s.router)
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/debug", s.handleDebug).Methods("GET")

	s.router.HandleFunc("/session/{id}", s.handleGetSession).Methods("GET")
	s.router.HandleFunc("/viewer/{id}", s.handleGetViewer).Methods("GET")
	s.router.HandleFunc("/viewer/{id}/qr", s.handleViewerQR).Methods("GET")

	// WebSocket
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.ServeWS)
	}

	if s.opts.MCP != nil {
		s.router.Handle("/mcp", limitBody(s.opts.MCP)).Methods("POST")
	}

	if s.opts.StaticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.opts.StaticDir)))
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"ts"`
	Sessions       int       `json:"sessions"`
	ViewerSessions int       `json:"viewerSessions"`
	Clients        int       `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "OK",
		Timestamp:      time.Now().UTC(),
		Sessions:       s.sessions.Count(),
		ViewerSessions: s.viewers.Count(),
	}
	if s.hub != nil {
		resp.Clients = s.hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}

// SessionSummary is one entry of GET /debug.
type SessionSummary struct {
	Photos      int       `json:"photos"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Members     int       `json:"members"`
}

// DebugResponse is the body of GET /debug.
type DebugResponse struct {
	Time           time.Time                 `json:"time"`
	Sessions       map[string]SessionSummary `json:"sessions"`
	Rooms          map[string]int            `json:"rooms"`
	ViewerSessions int                       `json:"viewerSessions"`
	Clients        int                       `json:"clients"`
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	rooms := map[string]int{}
	clients := 0
	if s.hub != nil {
		rooms = s.hub.RoomSizes()
		clients = s.hub.ClientCount()
	}

	sessions := make(map[string]SessionSummary)
	for _, sess := range s.sessions.List() {
		sessions[sess.ID] = SessionSummary{
			Photos:      len(sess.Photos),
			CreatedAt:   sess.CreatedAt,
			LastUpdated: sess.LastUpdated,
			Members:     rooms[sess.ID],
		}
	}

	respondJSON(w, http.StatusOK, DebugResponse{
		Time:           time.Now().UTC(),
		Sessions:       sessions,
		Rooms:          rooms,
		ViewerSessions: s.viewers.Count(),
		Clients:        clients,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, ok := s.sessions.Lookup(id)
	if !ok {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":  "session not found",
			"photos": []string{},
		})
		return
	}

	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetViewer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, ok := s.viewers.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "viewer not found")
		return
	}

	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleViewerQR(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := s.viewers.Get(id); !ok {
		respondError(w, http.StatusNotFound, "viewer not found")
		return
	}

	size := defaultQRSize
	if sizeStr := r.URL.Query().Get("size"); sizeStr != "" {
		n, err := strconv.Atoi(sizeStr)
		if err != nil || n < minQRSize || n > maxQRSize {
			respondError(w, http.StatusBadRequest, "size must be between 64 and 1024")
			return
		}
		size = n
	}

	link := service.ViewerLink(s.baseURL(r), id)
	png, err := qrcode.Encode(link, qrcode.Medium, size)
	if err != nil {
		log.Printf("[api] qr encode for viewer %s failed: %v", id, err)
		respondError(w, http.StatusInternalServerError, "failed to render QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// baseURL prefers the configured public URL and falls back to the host the
// request came in on.
func (s *Server) baseURL(r *http.Request) string {
	if s.opts.PublicURL != nil {
		if base := s.opts.PublicURL(); base != "" {
			return base
		}
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
