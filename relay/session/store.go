package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidSessionID = errors.New("invalid session ID")
	ErrInvalidPhotos    = errors.New("photos must be a list")
)

// EndPolicy decides what End does with a session record.
type EndPolicy string

const (
	// EndClear empties the photo list and keeps the record.
	EndClear EndPolicy = "clear"
	// EndDelete removes the record entirely.
	EndDelete EndPolicy = "delete"
)

// Session is a copy of one capture session's state.
type Session struct {
	ID          string    `json:"id"`
	Photos      []string  `json:"photos"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Store owns every session record of the process.
type Store struct {
	sessions map[string]*Session
	policy   EndPolicy
	now      func() time.Time
	mu       sync.RWMutex
}

// NewStore creates an empty store using the given end policy.
func NewStore(policy EndPolicy) *Store {
	if policy == "" {
		policy = EndClear
	}
	return &Store{
		sessions: make(map[string]*Session),
		policy:   policy,
		now:      time.Now,
	}
}

// Create inserts an empty session under a fresh random ID.
func (s *Store) Create() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		if _, exists := s.sessions[id.String()]; exists {
			continue
		}
		s.sessions[id.String()] = &Session{
			ID:        id.String(),
			Photos:    []string{},
			CreatedAt: s.now(),
		}
		return id.String(), nil
	}
}

// Ensure creates the session under id when it does not exist yet.
func (s *Store) Ensure(id string) error {
	if id == "" {
		return ErrInvalidSessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsert(id)
	return nil
}

// Submit replaces the session's photo list with photos, creating the
// session when needed. A nil photos slice is rejected; an empty one clears.
func (s *Store) Submit(id string, photos []string) error {
	if id == "" {
		return ErrInvalidSessionID
	}
	if photos == nil {
		return ErrInvalidPhotos
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.upsert(id)
	session.Photos = append([]string{}, photos...)
	session.LastUpdated = s.now()
	return nil
}

// End resets the session according to the store's policy. It reports
// whether a record existed.
func (s *Store) End(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return false
	}

	if s.policy == EndDelete {
		delete(s.sessions, id)
		return true
	}

	session.Photos = []string{}
	session.LastUpdated = s.now()
	return true
}

// Get returns a copy of the session. Unknown IDs yield a session with an
// empty photo list instead of an error.
func (s *Store) Get(id string) Session {
	if session, ok := s.Lookup(id); ok {
		return session
	}
	return Session{ID: id, Photos: []string{}}
}

// Lookup returns a copy of the session and whether it exists.
func (s *Store) Lookup(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return Session{}, false
	}
	return session.clone(), true
}

// List returns copies of all sessions, oldest first.
func (s *Store) List() []Session {
	s.mu.RLock()
	result := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		result = append(result, session.clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count returns the number of sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CleanupIdle removes sessions that have not been touched within maxAge.
// A non-positive maxAge disables the cleanup.
func (s *Store) CleanupIdle(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	removed := 0

	for id, session := range s.sessions {
		if session.touchedAt().Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}

	return removed
}

// upsert must be called with the write lock held.
func (s *Store) upsert(id string) *Session {
	session, exists := s.sessions[id]
	if !exists {
		session = &Session{ID: id, Photos: []string{}, CreatedAt: s.now()}
		s.sessions[id] = session
	}
	return session
}

func (s *Session) touchedAt() time.Time {
	if s.LastUpdated.After(s.CreatedAt) {
		return s.LastUpdated
	}
	return s.CreatedAt
}

func (s *Session) clone() Session {
	c := *s
	c.Photos = append([]string{}, s.Photos...)
	return c
}
