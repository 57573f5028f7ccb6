package viewer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// IdleCleaner evicts sessions that have been idle for longer than maxAge.
type IdleCleaner interface {
	CleanupIdle(maxAge time.Duration) int
}

// Sweeper periodically evicts expired viewer snapshots and, optionally,
// idle sessions.
type Sweeper struct {
	store    *Store
	interval time.Duration

	sessions IdleCleaner
	idleTTL  time.Duration

	now    func() time.Time
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper that ticks every interval (hourly when
// interval is not positive).
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
	}
}

// WithIdleSessions makes every sweep also evict sessions idle for maxAge.
func (s *Sweeper) WithIdleSessions(sessions IdleCleaner, maxAge time.Duration) *Sweeper {
	s.sessions = sessions
	s.idleTTL = maxAge
	return s
}

// Start launches the sweep loop. It is a no-op if already running.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	log.Printf("[sweeper] started (interval %s)", s.interval)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Println("[sweeper] stopped")
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			viewers, sessions, err := s.RunOnce()
			if err != nil {
				log.Printf("[sweeper] sweep failed: %v", err)
				continue
			}
			if viewers > 0 || sessions > 0 {
				log.Printf("[sweeper] evicted %d expired viewers, %d idle sessions", viewers, sessions)
			}
		}
	}
}

// RunOnce performs a single sweep. A panic inside the sweep is recovered
// and returned as an error.
func (s *Sweeper) RunOnce() (viewers, sessions int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
		}
	}()

	viewers = s.store.Sweep(s.now())
	if s.sessions != nil && s.idleTTL > 0 {
		sessions = s.sessions.CleanupIdle(s.idleTTL)
	}
	return viewers, sessions, nil
}
