package judge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/exploopio/judge/pkg/proof"
)

// proofCache holds records of proofs that verified valid, keyed by audit ID.
type proofCache struct {
	cache *bigcache.BigCache
}

func newProofCache(ttl time.Duration) (*proofCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 64
	cfg.MaxEntriesInWindow = 10000
	cfg.MaxEntrySize = 1024
	cfg.CleanWindow = ttl
	cfg.Verbose = false

	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &proofCache{cache: cache}, nil
}

func (c *proofCache) put(rec *proof.Record) {
	if rec == nil || rec.AuditID == "" {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = c.cache.Set(rec.AuditID, data)
}

// get returns the cached record, or nil on a miss.
func (c *proofCache) get(auditID string) *proof.Record {
	data, err := c.cache.Get(auditID)
	if err != nil {
		return nil
	}
	var rec proof.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		_ = c.cache.Delete(auditID)
		return nil
	}
	return &rec
}

func (c *proofCache) len() int { return c.cache.Len() }

func (c *proofCache) close() error { return c.cache.Close() }
