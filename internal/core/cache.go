package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Mohmmad-amer/PolybotServiceDocker/internal/domain/model"
)

// CacheRepository defines the interface for caching operations.
// The data layer provides a Redis implementation.
type CacheRepository interface {
	// Set stores a value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns nil when the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
}

// CachedResultStoreOptions bundles dependencies for NewCachedResultStore.
type CachedResultStoreOptions struct {
	Store ResultStore
	Cache CacheRepository
	TTL   time.Duration
	// MaxAge matches the retention reaper: an entry never outlives its result's
	// CompletedAt+MaxAge. Zero disables the cap.
	MaxAge time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// CachedResultStore is a write-through, read-through cache in front of a ResultStore.
// Cache failures are logged and never fail the call; the backing store is authoritative.
type CachedResultStore struct {
	store  ResultStore
	cache  CacheRepository
	ttl    time.Duration
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

var _ ResultStore = (*CachedResultStore)(nil)

// DefaultResultCacheTTL is used when no TTL is configured.
const DefaultResultCacheTTL = 24 * time.Hour

// NewCachedResultStore creates a CachedResultStore.
func NewCachedResultStore(opts CachedResultStoreOptions) *CachedResultStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultResultCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &CachedResultStore{
		store:  opts.Store,
		cache:  opts.Cache,
		ttl:    ttl,
		maxAge: max(opts.MaxAge, 0),
		logger: logger.With("component", "result_cache"),
		now:    now,
	}
}

// Put writes to the store and then refreshes the cache entry.
func (s *CachedResultStore) Put(ctx context.Context, result *model.JobResult) error {
	if err := s.store.Put(ctx, result); err != nil {
		return err
	}
	s.fill(ctx, result)
	return nil
}

// Get serves from the cache when possible and falls back to the store.
func (s *CachedResultStore) Get(ctx context.Context, jobID string) (*model.JobResult, error) {
	key := resultCacheKey(jobID)
	if cached, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "result cache read failed", "job_id", jobID, "error", err)
	} else if len(cached) > 0 {
		var res model.JobResult
		switch uerr := json.Unmarshal(cached, &res); {
		case uerr != nil:
			s.logger.WarnContext(ctx, "discarding undecodable cache entry", "job_id", jobID)
			s.evict(ctx, key, jobID)
		case s.remaining(&res) <= 0:
			// Past retention; the store decides whether the reaper has removed it yet.
			s.evict(ctx, key, jobID)
		default:
			return &res, nil
		}
	}

	res, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, res)
	return res, nil
}

func (s *CachedResultStore) fill(ctx context.Context, result *model.JobResult) {
	if result == nil || result.JobID == "" {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.WarnContext(ctx, "result cache encode failed", "job_id", result.JobID, "error", err)
		return
	}
	ttl := s.remaining(result)
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, resultCacheKey(result.JobID), raw, ttl); err != nil {
		s.logger.WarnContext(ctx, "result cache write failed", "job_id", result.JobID, "error", err)
	}
}

// remaining is how long result may stay cached: the configured TTL, cut short by
// retention when MaxAge is set.
func (s *CachedResultStore) remaining(result *model.JobResult) time.Duration {
	if s.maxAge == 0 || result.CompletedAt.IsZero() {
		return s.ttl
	}
	left := result.CompletedAt.Add(s.maxAge).Sub(s.now())
	return min(s.ttl, left)
}

func (s *CachedResultStore) evict(ctx context.Context, key, jobID string) {
	if _, err := s.cache.Delete(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "result cache delete failed", "job_id", jobID, "error", err)
	}
}

func resultCacheKey(jobID string) string {
	return "prediction:" + jobID
}
