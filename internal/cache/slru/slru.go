// Package slru implements a two-queue segmented LRU eviction policy
// (probationary + protected) for use as a cache.Policy.
package slru

import (
	"container/list"

	"github.com/devrev/coldb/internal/cache"
)

type segment int

const (
	probationary segment = iota
	protectedSeg
)

type node[K comparable, V any] struct {
	key     K
	value   V
	weight  int64
	segment segment
}

// Policy is a segmented LRU: a first insert lands in the probationary
// queue; a hit promotes the entry to the MRU end of the protected queue.
// Overflow of the protected queue demotes its LRU entry back to the MRU
// end of probationary. Eviction always drains the probationary LRU end.
type Policy[K comparable, V any] struct {
	weigher      cache.Weigher[V]
	onWeightLoss func(weightLoss int64)
	sizeRatio    float64

	probation *list.List
	protected *list.List
	index     map[K]*list.Element

	maxSize  int64
	maxCount int

	probationWeight int64
	protectedWeight int64
}

// New creates an SLRU policy. sizeRatio is the fraction of the total
// weight/count budget reserved for the protected segment; it must be in
// (0, 1) — callers that pass an invalid ratio get 0.5, the same default
// CacheBase.h uses.
func New[K comparable, V any](maxSize int64, maxCount int, sizeRatio float64, weigher cache.Weigher[V], onWeightLoss func(int64)) *Policy[K, V] {
	if sizeRatio <= 0 || sizeRatio >= 1 {
		sizeRatio = 0.5
	}
	if weigher == nil {
		weigher = func(V) int64 { return 1 }
	}
	if onWeightLoss == nil {
		onWeightLoss = func(int64) {}
	}
	return &Policy[K, V]{
		weigher:      weigher,
		onWeightLoss: onWeightLoss,
		sizeRatio:    sizeRatio,
		probation:    list.New(),
		protected:    list.New(),
		index:        make(map[K]*list.Element),
		maxSize:      maxSize,
		maxCount:     maxCount,
	}
}

func (p *Policy[K, V]) protectedMaxSize() int64  { return int64(float64(p.maxSize) * p.sizeRatio) }
func (p *Policy[K, V]) protectedMaxCount() int   { return int(float64(p.maxCount) * p.sizeRatio) }

func (p *Policy[K, V]) Get(key K) (V, bool) {
	e, ok := p.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	n := e.Value.(*node[K, V])
	p.promote(e, n)
	return n.value, true
}

func (p *Policy[K, V]) GetWithKey(key K) (cache.Entry[K, V], bool) {
	e, ok := p.index[key]
	if !ok {
		return cache.Entry[K, V]{}, false
	}
	n := e.Value.(*node[K, V])
	p.promote(e, n)
	return cache.Entry[K, V]{Key: n.key, Value: n.value, Weight: n.weight}, true
}

// promote moves a hit entry to the MRU end of the protected queue,
// demoting the protected queue's own LRU entry into probationary if
// that overflows the protected budget.
func (p *Policy[K, V]) promote(e *list.Element, n *node[K, V]) {
	switch n.segment {
	case protectedSeg:
		p.protected.MoveToFront(e)
	case probationary:
		p.probation.Remove(e)
		p.probationWeight -= n.weight
		n.segment = protectedSeg
		p.index[n.key] = p.protected.PushFront(n)
		p.protectedWeight += n.weight
		p.demoteProtectedOverflow()
	}
}

func (p *Policy[K, V]) demoteProtectedOverflow() {
	protMaxSize := p.protectedMaxSize()
	protMaxCount := p.protectedMaxCount()
	for (protMaxSize > 0 && p.protectedWeight > protMaxSize) || (protMaxCount > 0 && p.protected.Len() > protMaxCount) {
		back := p.protected.Back()
		if back == nil {
			break
		}
		n := back.Value.(*node[K, V])
		p.protected.Remove(back)
		p.protectedWeight -= n.weight
		n.segment = probationary
		p.index[n.key] = p.probation.PushFront(n)
		p.probationWeight += n.weight
	}
}

func (p *Policy[K, V]) Set(key K, value V) {
	weight := p.weigher(value)
	if e, ok := p.index[key]; ok {
		n := e.Value.(*node[K, V])
		delta := weight - n.weight
		if n.segment == protectedSeg {
			p.protectedWeight += delta
		} else {
			p.probationWeight += delta
		}
		n.value = value
		n.weight = weight
		p.promote(e, n)
	} else {
		n := &node[K, V]{key: key, value: value, weight: weight, segment: probationary}
		p.index[key] = p.probation.PushFront(n)
		p.probationWeight += weight
	}
	p.removeOverflow()
}

func (p *Policy[K, V]) Remove(key K) {
	e, ok := p.index[key]
	if !ok {
		return
	}
	n := e.Value.(*node[K, V])
	if n.segment == protectedSeg {
		p.protected.Remove(e)
		p.protectedWeight -= n.weight
	} else {
		p.probation.Remove(e)
		p.probationWeight -= n.weight
	}
	delete(p.index, key)
}

func (p *Policy[K, V]) Reset() {
	p.probation.Init()
	p.protected.Init()
	p.index = make(map[K]*list.Element)
	p.probationWeight = 0
	p.protectedWeight = 0
}

func (p *Policy[K, V]) Dump() []cache.Entry[K, V] {
	out := make([]cache.Entry[K, V], 0, p.probation.Len()+p.protected.Len())
	for e := p.protected.Front(); e != nil; e = e.Next() {
		n := e.Value.(*node[K, V])
		out = append(out, cache.Entry[K, V]{Key: n.key, Value: n.value, Weight: n.weight})
	}
	for e := p.probation.Front(); e != nil; e = e.Next() {
		n := e.Value.(*node[K, V])
		out = append(out, cache.Entry[K, V]{Key: n.key, Value: n.value, Weight: n.weight})
	}
	return out
}

func (p *Policy[K, V]) Weight() int64 { return p.probationWeight + p.protectedWeight }
func (p *Policy[K, V]) Count() int    { return p.probation.Len() + p.protected.Len() }

func (p *Policy[K, V]) SetMaxSize(maxSize int64) {
	p.maxSize = maxSize
	p.demoteProtectedOverflow()
	p.removeOverflow()
}

func (p *Policy[K, V]) SetMaxCount(maxCount int) {
	p.maxCount = maxCount
	p.demoteProtectedOverflow()
	p.removeOverflow()
}

// removeOverflow drains the probationary LRU end, which is where both
// fresh entries and demoted-from-protected entries end up.
func (p *Policy[K, V]) removeOverflow() {
	var lost int64
	for (p.maxSize > 0 && p.Weight() > p.maxSize) || (p.maxCount > 0 && p.Count() > p.maxCount) {
		back := p.probation.Back()
		if back == nil {
			// Nothing left to evict from probationary; as a last
			// resort fall back to the protected LRU end so a hard
			// cap is still honored.
			back = p.protected.Back()
			if back == nil {
				break
			}
			n := back.Value.(*node[K, V])
			p.protected.Remove(back)
			p.protectedWeight -= n.weight
			delete(p.index, n.key)
			lost += n.weight
			continue
		}
		n := back.Value.(*node[K, V])
		p.probation.Remove(back)
		p.probationWeight -= n.weight
		delete(p.index, n.key)
		lost += n.weight
	}
	if lost > 0 {
		p.onWeightLoss(lost)
	}
}
