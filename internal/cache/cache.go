// Package cache provides the result cache keyed by query fingerprint.
//
// The cache is an injected abstraction with a defined eviction policy
// (size bound + TTL) and swappable implementations: a process-local LRU
// and a Redis-backed store. Entries are never mutated, only replaced
// wholesale; concurrent writers for the same fingerprint are expected to
// produce semantically identical entries, so last-write-wins is safe.
package cache

import (
	"context"

	"github.com/kailas-cloud/visidex/internal/domain"
)

// Cache stores normalized search results by query fingerprint.
type Cache interface {
	Get(ctx context.Context, fingerprint string) ([]domain.Hit, bool)
	Set(ctx context.Context, fingerprint string, hits []domain.Hit)
}
