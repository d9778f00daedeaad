// Package lru implements a single-queue, weight-bounded LRU eviction
// policy for use as a cache.Policy.
package lru

import (
	"container/list"

	"github.com/devrev/coldb/internal/cache"
)

type node[K comparable, V any] struct {
	key    K
	value  V
	weight int64
}

// Policy is a classic single-list LRU: eviction removes least-recently-
// used entries until both the weight and count budgets are satisfied.
type Policy[K comparable, V any] struct {
	weigher      cache.Weigher[V]
	onWeightLoss func(weightLoss int64)

	ll         *list.List // MRU at front, LRU at back
	index      map[K]*list.Element
	maxSize    int64
	maxCount   int
	totalWeight int64
}

// New creates an LRU policy bounded by maxSize total weight (0 = unbounded)
// and maxCount entries (0 = unbounded).
func New[K comparable, V any](maxSize int64, maxCount int, weigher cache.Weigher[V], onWeightLoss func(int64)) *Policy[K, V] {
	if weigher == nil {
		weigher = func(V) int64 { return 1 }
	}
	if onWeightLoss == nil {
		onWeightLoss = func(int64) {}
	}
	return &Policy[K, V]{
		weigher:      weigher,
		onWeightLoss: onWeightLoss,
		ll:           list.New(),
		index:        make(map[K]*list.Element),
		maxSize:      maxSize,
		maxCount:     maxCount,
	}
}

func (p *Policy[K, V]) Get(key K) (V, bool) {
	e, ok := p.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	p.ll.MoveToFront(e)
	return e.Value.(*node[K, V]).value, true
}

func (p *Policy[K, V]) GetWithKey(key K) (cache.Entry[K, V], bool) {
	e, ok := p.index[key]
	if !ok {
		return cache.Entry[K, V]{}, false
	}
	p.ll.MoveToFront(e)
	n := e.Value.(*node[K, V])
	return cache.Entry[K, V]{Key: n.key, Value: n.value, Weight: n.weight}, true
}

func (p *Policy[K, V]) Set(key K, value V) {
	weight := p.weigher(value)
	if e, ok := p.index[key]; ok {
		n := e.Value.(*node[K, V])
		p.totalWeight += weight - n.weight
		n.value = value
		n.weight = weight
		p.ll.MoveToFront(e)
	} else {
		n := &node[K, V]{key: key, value: value, weight: weight}
		p.index[key] = p.ll.PushFront(n)
		p.totalWeight += weight
	}
	p.removeOverflow()
}

func (p *Policy[K, V]) Remove(key K) {
	e, ok := p.index[key]
	if !ok {
		return
	}
	n := e.Value.(*node[K, V])
	p.totalWeight -= n.weight
	p.ll.Remove(e)
	delete(p.index, key)
}

func (p *Policy[K, V]) Reset() {
	p.ll.Init()
	p.index = make(map[K]*list.Element)
	p.totalWeight = 0
}

func (p *Policy[K, V]) Dump() []cache.Entry[K, V] {
	out := make([]cache.Entry[K, V], 0, p.ll.Len())
	for e := p.ll.Front(); e != nil; e = e.Next() {
		n := e.Value.(*node[K, V])
		out = append(out, cache.Entry[K, V]{Key: n.key, Value: n.value, Weight: n.weight})
	}
	return out
}

func (p *Policy[K, V]) Weight() int64 { return p.totalWeight }
func (p *Policy[K, V]) Count() int    { return p.ll.Len() }

func (p *Policy[K, V]) SetMaxSize(maxSize int64) {
	p.maxSize = maxSize
	p.removeOverflow()
}

func (p *Policy[K, V]) SetMaxCount(maxCount int) {
	p.maxCount = maxCount
	p.removeOverflow()
}

// removeOverflow evicts from the LRU end until both budgets hold.
func (p *Policy[K, V]) removeOverflow() {
	var lost int64
	for (p.maxSize > 0 && p.totalWeight > p.maxSize) || (p.maxCount > 0 && p.ll.Len() > p.maxCount) {
		back := p.ll.Back()
		if back == nil {
			break
		}
		n := back.Value.(*node[K, V])
		p.ll.Remove(back)
		delete(p.index, n.key)
		p.totalWeight -= n.weight
		lost += n.weight
	}
	if lost > 0 {
		p.onWeightLoss(lost)
	}
}
