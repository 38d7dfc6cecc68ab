package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/visidex/internal/db"
	"github.com/kailas-cloud/visidex/internal/domain"
)

// Redis is a result cache backed by the shared blob store. Useful when
// several replicas should share one cache; TTL is enforced server-side.
type Redis struct {
	store  db.KVStore
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis creates a store-backed cache. Store failures degrade to cache
// misses; they are logged, never surfaced to the request path.
func NewRedis(store db.KVStore, keyPrefix string, ttl time.Duration, logger *zap.Logger) *Redis {
	return &Redis{store: store, prefix: keyPrefix + "results:", ttl: ttl, logger: logger}
}

type redisHit struct {
	Fields    map[string]any `json:"fields"`
	Relevance float64        `json:"relevance"`
}

// Get returns the cached hits for a fingerprint.
func (r *Redis) Get(ctx context.Context, fingerprint string) ([]domain.Hit, bool) {
	data, err := r.store.Get(ctx, r.prefix+fingerprint)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			r.logger.Warn("Failed to read result cache", zap.String("fingerprint", fingerprint), zap.Error(err))
		}
		return nil, false
	}

	var raw []redisHit
	if err := json.Unmarshal(data, &raw); err != nil {
		r.logger.Warn("Failed to decode cached results", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, false
	}

	hits := make([]domain.Hit, len(raw))
	for i, h := range raw {
		hits[i] = domain.Hit{Fields: h.Fields, Relevance: h.Relevance}
	}
	return hits, true
}

// Set replaces the entry for a fingerprint.
func (r *Redis) Set(ctx context.Context, fingerprint string, hits []domain.Hit) {
	raw := make([]redisHit, len(hits))
	for i, h := range hits {
		raw[i] = redisHit{Fields: h.Fields, Relevance: h.Relevance}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		r.logger.Warn("Failed to encode results for cache", zap.String("fingerprint", fingerprint), zap.Error(err))
		return
	}

	if err := r.store.SetWithTTL(ctx, r.prefix+fingerprint, data, r.ttl); err != nil {
		r.logger.Warn("Failed to write result cache", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
}
