package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/neurolock/internal/models"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for per-account verification throttling
type RateLimitConfig struct {
	PerMinute int
	Burst     int
	// IdleTTL drops buckets that have not been touched for this long
	IdleTTL time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitService keeps one token bucket per account for the verification
// endpoints. It is independent of lockout: an empty bucket rejects the
// attempt before it is evaluated, so it never counts as a failure.
type RateLimitService struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	logger  *slog.Logger
	now     Clock
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(config RateLimitConfig, logger *slog.Logger, clock Clock) *RateLimitService {
	if config.PerMinute <= 0 {
		config.PerMinute = 20
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 30 * time.Minute
	}
	return &RateLimitService{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(time.Minute / time.Duration(config.PerMinute)),
		burst:   config.Burst,
		idleTTL: config.IdleTTL,
		logger:  logger,
		now:     orSystemClock(clock),
	}
}

// Allow takes one token for key or returns a *models.RateLimitError.
func (s *RateLimitService) Allow(key string) error {
	now := s.now()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	r := b.limiter.ReserveN(now, 1)
	s.mu.Unlock()

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		s.logger.Warn("verification rate limited",
			slog.String("key", key),
			slog.Duration("retry_after", delay))
		return &models.RateLimitError{RetryAfter: delay}
	}
	return nil
}

// Prune removes idle buckets and returns how many were dropped.
func (s *RateLimitService) Prune() int {
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, b := range s.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(s.buckets, key)
			n++
		}
	}
	return n
}
