package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// node is one entry in the in-memory tree.
type node struct {
	data      []byte
	version   int64
	ephemeral bool
}

// MemTree is a real, fully-functional in-memory implementation of
// Client: a single strongly-consistent tree guarded by one mutex,
// supporting persistent/ephemeral/sequential nodes, watches, and
// all-or-nothing multi-op transactions. It is what a single-process
// deployment or the test suite runs against in place of a real
// coordination service; it is a reference implementation, not a mock.
//
// Parent directories are auto-vivified as persistent nodes on create,
// unlike a real hierarchical store which requires them to pre-exist —
// a deliberate simplification since this module never needs to reject
// a create for a missing parent.
type MemTree struct {
	mu       sync.Mutex
	nodes    map[string]*node
	seq      map[string]int64 // parent path -> next sequential suffix
	watchers map[string][]chan WatchEvent
	sessionAlive bool
}

// NewMemTree creates an empty tree with a live session.
func NewMemTree() *MemTree {
	return &MemTree{
		nodes:        map[string]*node{"": {}},
		seq:          make(map[string]int64),
		watchers:     make(map[string][]chan WatchEvent),
		sessionAlive: true,
	}
}

func parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return ""
	}
	return path[:i]
}

func (t *MemTree) vivify(path string) {
	p := parent(path)
	if p == "" || p == path {
		return
	}
	if _, ok := t.nodes[p]; !ok {
		t.vivify(p)
		t.nodes[p] = &node{}
	}
}

func (t *MemTree) Exists(ctx context.Context, path string) (bool, *Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return false, nil, nil
	}
	return true, &Stat{Version: n.version}, nil
}

func (t *MemTree) Get(ctx context.Context, path string) ([]byte, *Stat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return nil, nil, ErrNoNode
	}
	return n.data, &Stat{Version: n.version}, nil
}

func (t *MemTree) TryGet(ctx context.Context, path string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return nil, nil
	}
	return n.data, nil
}

func (t *MemTree) GetChildren(ctx context.Context, path string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[path]; !ok {
		return nil, ErrNoNode
	}
	prefix := path + "/"
	var out []string
	for p := range t.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") && rest != "" {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *MemTree) ExistsBatch(ctx context.Context, paths []string) ([]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]bool, len(paths))
	for i, p := range paths {
		_, ok := t.nodes[p]
		out[i] = ok
	}
	return out, nil
}

// Multi applies ops transactionally: validated and applied in order
// against the tree as mutated by earlier ops in the same call, mirroring
// real multi-op semantics. On the first failing op, every earlier
// mutation in this call is rolled back and a *MultiError is returned.
func (t *MemTree) Multi(ctx context.Context, ops []Op) ([]OpResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	type undo func()
	var undos []undo
	var pendingNotify []string
	results := make([]OpResult, len(ops))

	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}

	for i, op := range ops {
		switch op.Type {
		case OpCreatePersistent, OpCreateEphemeral:
			if _, exists := t.nodes[op.Path]; exists {
				rollback()
				return results, &MultiError{FailedIndex: i, Err: ErrNodeExists}
			}
			t.vivify(op.Path)
			t.nodes[op.Path] = &node{data: op.Data, ephemeral: op.Type == OpCreateEphemeral}
			path := op.Path
			undos = append(undos, func() { delete(t.nodes, path) })
			results[i] = OpResult{}

		case OpCreatePersistentSequential:
			t.vivify(op.Path)
			n := t.seq[op.Path]
			t.seq[op.Path] = n + 1
			full := fmt.Sprintf("%s%010d", op.Path, n)
			t.nodes[full] = &node{data: op.Data}
			undos = append(undos, func() {
				delete(t.nodes, full)
				t.seq[op.Path] = n
			})
			results[i] = OpResult{SequentialName: full}

		case OpDelete:
			existing, exists := t.nodes[op.Path]
			if !exists {
				rollback()
				return results, &MultiError{FailedIndex: i, Err: ErrNoNode}
			}
			path := op.Path
			saved := existing
			delete(t.nodes, path)
			undos = append(undos, func() { t.nodes[path] = saved })
			pendingNotify = append(pendingNotify, path)
			results[i] = OpResult{}

		case OpCheckVersion:
			n, exists := t.nodes[op.Path]
			if !exists {
				rollback()
				return results, &MultiError{FailedIndex: i, Err: ErrNoNode}
			}
			if n.version != op.Version {
				rollback()
				return results, &MultiError{FailedIndex: i, Err: ErrVersionMismatch}
			}
			results[i] = OpResult{}

		case OpSetData:
			n, exists := t.nodes[op.Path]
			if !exists {
				rollback()
				return results, &MultiError{FailedIndex: i, Err: ErrNoNode}
			}
			prevData, prevVersion := n.data, n.version
			n.data = op.Data
			n.version++
			undos = append(undos, func() { n.data, n.version = prevData, prevVersion })
			results[i] = OpResult{}

		default:
			rollback()
			return results, &MultiError{FailedIndex: i, Err: fmt.Errorf("coordinator: unknown op type %d", op.Type)}
		}
	}

	for _, path := range pendingNotify {
		t.notify(path)
	}
	return results, nil
}

func (t *MemTree) notify(path string) {
	chans := t.watchers[path]
	delete(t.watchers, path)
	for _, ch := range chans {
		ch <- WatchEvent{Path: path, Deleted: true}
		close(ch)
	}
}

// Watch fires once when path is deleted (by OpDelete or session expiry),
// or immediately if path is already absent. OpSetData does not fire it.
func (t *MemTree) Watch(ctx context.Context, path string) (<-chan WatchEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan WatchEvent, 1)
	if _, ok := t.nodes[path]; !ok {
		ch <- WatchEvent{Path: path, Deleted: true}
		close(ch)
		return ch, nil
	}
	t.watchers[path] = append(t.watchers[path], ch)
	return ch, nil
}

func (t *MemTree) SessionAlive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionAlive
}

// SetSessionAlive lets tests simulate session expiry/recovery.
func (t *MemTree) SetSessionAlive(alive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionAlive = alive
	if !alive {
		t.expireEphemeralsLocked()
	}
}

func (t *MemTree) expireEphemeralsLocked() {
	for p, n := range t.nodes {
		if n.ephemeral {
			delete(t.nodes, p)
			t.notify(p)
		}
	}
}
