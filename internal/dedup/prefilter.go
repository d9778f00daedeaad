package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PrefilterCache is the recent-ids prefilter consulted before paying for
// a coordinator round trip: a bounded LRU of ids already known
// committed (locally observed from a prior commit or conflict
// response), distinct from the cache core's stampede-safe Cache[K,V] —
// this one only ever needs plain bounded membership, never
// get-or-build semantics.
type PrefilterCache struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, struct{}]
	version int64
}

// NewPrefilterCache creates a prefilter bounded to size recent ids.
func NewPrefilterCache(size int) (*PrefilterCache, error) {
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &PrefilterCache{cache: c}, nil
}

// ResetForPartition zeroes the version counter at the start of a
// partition's conflict-resolution loop. Pinned decision: this resets
// per partition-loop start, not between two parts the same batch
// produces for the same partition — see DESIGN.md.
func (p *PrefilterCache) ResetForPartition() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = 0
}

// MarkCommitted records id as committed and bumps the version.
func (p *PrefilterCache) MarkCommitted(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Add(id, struct{}{})
	p.version++
}

// Version reports the current monotonic version.
func (p *PrefilterCache) Version() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// CheckConflicts returns the subset of ids this cache already believes
// are committed.
func (p *PrefilterCache) CheckConflicts(ids []string) map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	var conflicts map[string]bool
	for _, id := range ids {
		if p.cache.Contains(id) {
			if conflicts == nil {
				conflicts = make(map[string]bool)
			}
			conflicts[id] = true
		}
	}
	return conflicts
}
