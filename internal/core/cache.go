// Package core provides the business logic and service layer for the renderfarm job system.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// CacheRepository defines the interface for caching operations.
// This follows the hexagonal architecture pattern where the core defines interfaces
// and the data layer provides implementations.
type CacheRepository interface {
	// Set stores a value in the cache with the given key and TTL.
	// If TTL is 0, the key will not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value from the cache by key.
	// Returns nil if the key doesn't exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key from the cache.
	// Returns true if the key was deleted, false if it didn't exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists checks if a key exists in the cache.
	Exists(ctx context.Context, key string) (bool, error)

	// SetTTL updates the TTL for an existing key.
	// Returns true if the key exists and TTL was updated.
	SetTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// SetIfNotExists atomically sets a key only if it doesn't already exist.
	// Returns true if the key was set, false if it already existed.
	// This is useful for implementing distributed locks and deduplication.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// CachedArtifact is the record stored per (template, composition, payload
// hash): where an identical render already landed.
type CachedArtifact struct {
	OutputPath     string    `json:"output_path"`
	OutputFileSize int64     `json:"output_file_size"`
	RenderedAt     time.Time `json:"rendered_at"`
}

// RenderCacheConfig holds configuration for the render artifact cache.
type RenderCacheConfig struct {
	TTL time.Duration `json:"ttl"`
}

// DefaultRenderCacheConfig returns a RenderCacheConfig with sensible defaults.
func DefaultRenderCacheConfig() RenderCacheConfig {
	return RenderCacheConfig{
		TTL: 24 * time.Hour,
	}
}

// RenderCacheServiceOptions bundles dependencies for NewRenderCacheService.
type RenderCacheServiceOptions struct {
	Cache     CacheRepository
	Artifacts ArtifactStore
	Config    RenderCacheConfig
	Logger    *slog.Logger
}

// RenderCacheService deduplicates renders: jobs whose payload hashes to an
// artifact that already exists complete without touching the renderer.
// Every method degrades to a miss on cache trouble; the cache can never fail
// a render.
type RenderCacheService struct {
	cache     CacheRepository
	artifacts ArtifactStore
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRenderCacheService creates a new RenderCacheService.
func NewRenderCacheService(opts RenderCacheServiceOptions) *RenderCacheService {
	ttl := opts.Config.TTL
	if ttl <= 0 {
		ttl = DefaultRenderCacheConfig().TTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RenderCacheService{
		cache:     opts.Cache,
		artifacts: opts.Artifacts,
		ttl:       ttl,
		logger:    logger.With("component", "render_cache"),
	}
}

// Lookup returns the cached artifact for a payload hash, or nil on a miss.
// A hit whose artifact no longer exists on disk is evicted and reported as a
// miss.
func (s *RenderCacheService) Lookup(ctx context.Context, template, composition, dataHash string) (*CachedArtifact, error) {
	if dataHash == "" {
		return nil, nil
	}

	key := s.key(template, composition, dataHash)
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "cache lookup failed, treating as miss",
			"key", key, "error", err)
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var entry CachedArtifact
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.WarnContext(ctx, "evicting undecodable cache entry",
			"key", key, "error", err)
		_, _ = s.cache.Delete(ctx, key)
		return nil, nil
	}

	if s.artifacts != nil {
		if _, err := s.artifacts.Stat(ctx, entry.OutputPath); err != nil {
			s.logger.InfoContext(ctx, "cached artifact gone, evicting",
				"key", key, "output_path", entry.OutputPath)
			_, _ = s.cache.Delete(ctx, key)
			return nil, nil
		}
	}

	return &entry, nil
}

// Store records a finished render's artifact for future identical payloads.
func (s *RenderCacheService) Store(ctx context.Context, job StoreArtifactParams) error {
	if job.DataHash == "" {
		return nil
	}

	entry := CachedArtifact{
		OutputPath:     job.OutputPath,
		OutputFileSize: job.OutputFileSize,
		RenderedAt:     time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	key := s.key(job.Template, job.Composition, job.DataHash)
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "cache store failed", "key", key, "error", err)
		return nil
	}
	return nil
}

// Invalidate removes a cached artifact record.
func (s *RenderCacheService) Invalidate(ctx context.Context, template, composition, dataHash string) error {
	if dataHash == "" {
		return nil
	}
	_, err := s.cache.Delete(ctx, s.key(template, composition, dataHash))
	return err
}

// StoreArtifactParams groups parameters for Store to keep param count ≤3.
type StoreArtifactParams struct {
	Template       string
	Composition    string
	DataHash       string
	OutputPath     string
	OutputFileSize int64
}

func (s *RenderCacheService) key(template, composition, dataHash string) string {
	return fmt.Sprintf("render:cache:%s:%s:%s", template, composition, dataHash)
}
