package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jpillora/backoff"
)

var (
	ErrDisabled     = errors.New("image upload disabled")
	ErrInvalidImage = errors.New("invalid image")
	ErrTooLarge     = errors.New("image too large")
)

// Host is the third-party image hosting capability.
type Host interface {
	Put(ctx context.Context, img Image) (string, error)
}

// Config bounds how hard the gateway tries.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	MaxBytes       int
	MaxDimension   int
}

// DefaultConfig returns the gateway limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: 20 * time.Second,
		BackoffMin:     500 * time.Millisecond,
		BackoffMax:     8 * time.Second,
		MaxBytes:       10 << 20,
		MaxDimension:   2048,
	}
}

// Gateway wraps a Host with retries, per-attempt timeouts and size limits.
type Gateway struct {
	host  Host
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway. A nil host yields a disabled gateway whose
// uploads fail immediately with ErrDisabled.
func NewGateway(host Host, cfg Config) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Gateway{
		host:  host,
		cfg:   cfg,
		sleep: sleepContext,
	}
}

// Enabled reports whether uploads reach a host.
func (g *Gateway) Enabled() bool {
	return g != nil && g.host != nil
}

// Upload pushes image to the host and returns its hosted URL. Every failure,
// including an exhausted retry budget, is returned as an error.
func (g *Gateway) Upload(ctx context.Context, image string) (string, error) {
	if !g.Enabled() {
		return "", ErrDisabled
	}

	img, err := ParseImage(image)
	if err != nil {
		return "", err
	}
	img, err = fit(img, g.cfg.MaxBytes, g.cfg.MaxDimension)
	if err != nil {
		return "", err
	}

	b := &backoff.Backoff{
		Min:    g.cfg.BackoffMin,
		Max:    g.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		url, err := g.attempt(ctx, img)
		if err == nil {
			if attempt > 1 {
				log.Printf("[upload] succeeded on attempt %d/%d", attempt, g.cfg.MaxAttempts)
			}
			return url, nil
		}
		lastErr = err
		log.Printf("[upload] attempt %d/%d failed: %v", attempt, g.cfg.MaxAttempts, err)

		if attempt == g.cfg.MaxAttempts {
			break
		}
		if err := g.sleep(ctx, b.Duration()); err != nil {
			lastErr = err
			break
		}
	}

	return "", fmt.Errorf("upload failed after %d attempts: %w", attempts, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, img Image) (string, error) {
	if g.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		defer cancel()
	}
	return g.host.Put(ctx, img)
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
