package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemTreeCreateExistsGet(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()

	ok, _, err := tree.Exists(ctx, "/tables/t/blocks/b1")
	require.NoError(t, err)
	assert.False(t, ok)

	results, err := tree.Multi(ctx, []Op{
		{Type: OpCreatePersistent, Path: "/tables/t/blocks/b1", Data: []byte("part_1_1_0")},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	ok, stat, err := tree.Exists(ctx, "/tables/t/blocks/b1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), stat.Version)

	data, _, err := tree.Get(ctx, "/tables/t/blocks/b1")
	require.NoError(t, err)
	assert.Equal(t, "part_1_1_0", string(data))
}

func TestMemTreeTryGetAbsentIsNilNil(t *testing.T) {
	tree := NewMemTree()
	data, err := tree.TryGet(context.Background(), "/tables/t/blocks/missing")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestMemTreeGetAbsentIsErrNoNode(t *testing.T) {
	tree := NewMemTree()
	_, _, err := tree.Get(context.Background(), "/tables/t/blocks/missing")
	assert.ErrorIs(t, err, ErrNoNode)
}

func TestMemTreeCreateEphemeralCollision(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()

	_, err := tree.Multi(ctx, []Op{
		{Type: OpCreateEphemeral, Path: "/tables/t/replicas/r1/is_active"},
	})
	require.NoError(t, err)

	_, err = tree.Multi(ctx, []Op{
		{Type: OpCreateEphemeral, Path: "/tables/t/replicas/r1/is_active"},
	})
	var multiErr *MultiError
	require.ErrorAs(t, err, &multiErr)
	assert.Equal(t, 0, multiErr.FailedIndex)
	assert.ErrorIs(t, multiErr, ErrNodeExists)
}

func TestMemTreeSequentialNamesIncrement(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()
	prefix := "/tables/t/block_numbers/p/block-"

	var names []string
	for i := 0; i < 3; i++ {
		results, err := tree.Multi(ctx, []Op{{Type: OpCreatePersistentSequential, Path: prefix}})
		require.NoError(t, err)
		names = append(names, results[0].SequentialName)
	}
	assert.Equal(t, []string{
		prefix + "0000000000",
		prefix + "0000000001",
		prefix + "0000000002",
	}, names)
}

// TestMemTreeMultiAtomicRollback checks that when one op in a
// transaction fails, none of the earlier ops in the same transaction
// leave a visible trace — matching the commit engine's outcome table,
// which treats a collided block-id guard as if the whole transaction
// never happened.
func TestMemTreeMultiAtomicRollback(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()

	_, err := tree.Multi(ctx, []Op{{Type: OpCreatePersistent, Path: "/tables/t/blocks/b1"}})
	require.NoError(t, err)

	_, err = tree.Multi(ctx, []Op{
		{Type: OpCreatePersistentSequential, Path: "/tables/t/log/log-"},
		{Type: OpCreatePersistent, Path: "/tables/t/blocks/b1"}, // collides
	})
	var multiErr *MultiError
	require.ErrorAs(t, err, &multiErr)
	assert.Equal(t, 1, multiErr.FailedIndex)

	children, err := tree.GetChildren(ctx, "/tables/t/log")
	require.NoError(t, err)
	assert.Empty(t, children, "the sequential log entry from the rolled-back transaction must not survive")
}

func TestMemTreeCheckVersionMismatch(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()

	_, err := tree.Multi(ctx, []Op{{Type: OpCreatePersistent, Path: "/tables/t/replicas/r1/host", Data: []byte("h1")}})
	require.NoError(t, err)

	_, err = tree.Multi(ctx, []Op{{Type: OpCheckVersion, Path: "/tables/t/replicas/r1/host", Version: 5}})
	var multiErr *MultiError
	require.ErrorAs(t, err, &multiErr)
	assert.ErrorIs(t, multiErr, ErrVersionMismatch)

	_, err = tree.Multi(ctx, []Op{{Type: OpCheckVersion, Path: "/tables/t/replicas/r1/host", Version: 0}})
	assert.NoError(t, err)
}

func TestMemTreeSetDataIncrementsVersion(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()

	_, err := tree.Multi(ctx, []Op{{Type: OpCreatePersistent, Path: "/tables/t/replicas/r1/host", Data: []byte("h1")}})
	require.NoError(t, err)

	_, err = tree.Multi(ctx, []Op{{Type: OpSetData, Path: "/tables/t/replicas/r1/host", Data: []byte("h2")}})
	require.NoError(t, err)

	data, stat, err := tree.Get(ctx, "/tables/t/replicas/r1/host")
	require.NoError(t, err)
	assert.Equal(t, "h2", string(data))
	assert.Equal(t, int64(1), stat.Version)
}

func TestMemTreeWatchFiresOnDelete(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()

	_, err := tree.Multi(ctx, []Op{{Type: OpCreatePersistent, Path: "/tables/t/quorum/status", Data: []byte("p1")}})
	require.NoError(t, err)

	ch, err := tree.Watch(ctx, "/tables/t/quorum/status")
	require.NoError(t, err)

	_, err = tree.Multi(ctx, []Op{{Type: OpDelete, Path: "/tables/t/quorum/status"}})
	require.NoError(t, err)

	ev, ok := <-ch
	require.True(t, ok)
	assert.True(t, ev.Deleted)
	assert.Equal(t, "/tables/t/quorum/status", ev.Path)
}

func TestMemTreeWatchOnAlreadyAbsentPathFiresImmediately(t *testing.T) {
	tree := NewMemTree()
	ch, err := tree.Watch(context.Background(), "/tables/t/quorum/status")
	require.NoError(t, err)
	ev := <-ch
	assert.True(t, ev.Deleted)
}

func TestMemTreeSessionExpiryClearsEphemerals(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()

	_, err := tree.Multi(ctx, []Op{{Type: OpCreateEphemeral, Path: "/tables/t/replicas/r1/is_active"}})
	require.NoError(t, err)

	assert.True(t, tree.SessionAlive())
	tree.SetSessionAlive(false)
	assert.False(t, tree.SessionAlive())

	ok, _, err := tree.Exists(ctx, "/tables/t/replicas/r1/is_active")
	require.NoError(t, err)
	assert.False(t, ok, "ephemeral nodes must not survive session expiry")
}

// TestMemTreeConcurrentCreateExactlyOneWinner models the
// cross-replica race the commit engine relies on: many concurrent
// transactions racing to create the same block-id guard, where exactly
// one must win.
func TestMemTreeConcurrentCreateExactlyOneWinner(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tree.Multi(ctx, []Op{{Type: OpCreatePersistent, Path: "/tables/t/blocks/race"}})
			wins[i] = err == nil
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestMemTreeExistsBatch(t *testing.T) {
	tree := NewMemTree()
	ctx := context.Background()
	_, err := tree.Multi(ctx, []Op{{Type: OpCreatePersistent, Path: "/tables/t/replicas/r1/is_active"}})
	require.NoError(t, err)

	got, err := tree.ExistsBatch(ctx, []string{
		"/tables/t/replicas/r1/is_active",
		"/tables/t/replicas/r2/is_active",
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, got)
}
