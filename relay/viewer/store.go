package viewer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNoPhotos = errors.New("photos must be a non-empty list")

// DefaultTTL is how long a viewer link stays valid.
const DefaultTTL = 7 * 24 * time.Hour

// Uploader mirrors photos to an external image host.
type Uploader interface {
	Upload(ctx context.Context, image string) (string, error)
}

// Snapshot is an immutable copy of a session's photos shared through a
// viewer link. UploadedURLs runs parallel to Photos; nil marks a photo
// whose upload failed or was skipped.
type Snapshot struct {
	ID                string    `json:"viewerId"`
	Session           string    `json:"session,omitempty"`
	Photos            []string  `json:"photos"`
	UploadedURLs      []*string `json:"uploadedUrls"`
	StoriesMontage    string    `json:"storiesMontage,omitempty"`
	StoriesMontageURL *string   `json:"storiesMontageUrl,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
}

// Options configures a Store.
type Options struct {
	TTL         time.Duration
	UploadPause time.Duration
}

// Store owns all viewer snapshots of the process.
type Store struct {
	snapshots map[string]*Snapshot
	uploader  Uploader
	ttl       time.Duration
	pause     time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	mu        sync.RWMutex
}

// NewStore creates a viewer store. A nil uploader stores snapshots without
// hosted URLs.
func NewStore(uploader Uploader, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Store{
		snapshots: make(map[string]*Snapshot),
		uploader:  uploader,
		ttl:       opts.TTL,
		pause:     opts.UploadPause,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Create uploads photos (and the optional montage) one at a time, then
// stores the snapshot. Upload failures leave nil URLs and never fail the
// call; only an empty photo list does.
func (s *Store) Create(ctx context.Context, source string, photos []string, montage string) (*Snapshot, error) {
	if len(photos) == 0 {
		return nil, ErrNoPhotos
	}

	snapshot := &Snapshot{
		Session:        source,
		Photos:         append([]string{}, photos...),
		UploadedURLs:   make([]*string, len(photos)),
		StoriesMontage: montage,
	}

	if s.uploader != nil {
		uploads := 0
		for i, photo := range photos {
			snapshot.UploadedURLs[i] = s.upload(ctx, photo, uploads, fmt.Sprintf("photo %d/%d", i+1, len(photos)))
			uploads++
		}
		if montage != "" {
			snapshot.StoriesMontageURL = s.upload(ctx, montage, uploads, "stories montage")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.newID()
	if err != nil {
		return nil, err
	}
	snapshot.ID = id
	snapshot.CreatedAt = s.now()
	snapshot.ExpiresAt = snapshot.CreatedAt.Add(s.ttl)
	s.snapshots[id] = snapshot

	return snapshot.clone(), nil
}

// upload returns nil when the image could not be hosted.
func (s *Store) upload(ctx context.Context, image string, done int, label string) *string {
	if done > 0 && s.pause > 0 {
		if err := s.sleep(ctx, s.pause); err != nil {
			log.Printf("[viewer] skipping upload of %s: %v", label, err)
			return nil
		}
	}

	url, err := s.uploader.Upload(ctx, image)
	if err != nil {
		log.Printf("[viewer] upload of %s failed, keeping original: %v", label, err)
		return nil
	}
	return &url
}

// Get returns a copy of the snapshot and whether it exists. A snapshot past
// its expiry is reported absent even before the sweeper removes it.
func (s *Store) Get(id string) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, exists := s.snapshots[id]
	if !exists || !snapshot.ExpiresAt.After(s.now()) {
		return nil, false
	}
	return snapshot.clone(), true
}

// Sweep removes every snapshot that expired at or before now.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, snapshot := range s.snapshots {
		if !snapshot.ExpiresAt.After(now) {
			delete(s.snapshots, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of stored snapshots.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// newID must be called with the write lock held.
func (s *Store) newID() (string, error) {
	for {
		id, err := ulid.New(ulid.Timestamp(s.now()), rand.Reader)
		if err != nil {
			return "", fmt.Errorf("generate viewer id: %w", err)
		}
		if _, exists := s.snapshots[id.String()]; !exists {
			return id.String(), nil
		}
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Photos = append([]string{}, s.Photos...)
	c.UploadedURLs = append([]*string{}, s.UploadedURLs...)
	return &c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
