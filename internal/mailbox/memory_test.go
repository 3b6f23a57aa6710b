package mailbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func next[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

func TestMemoryPutGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Put(ctx, "k", Document{"a": raw(`1`)}))
	doc, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `1`, string(doc["a"]))

	require.NoError(t, m.Put(ctx, "k", Document{"b": raw(`2`)}))
	doc, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.NotContains(t, doc, "a", "put overwrites the whole record")

	require.NoError(t, m.Delete(ctx, "k"))
	require.NoError(t, m.Delete(ctx, "k"), "deleting an absent record succeeds")
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	assert.ErrorIs(t, m.Merge(ctx, "k", nil, Document{"x": raw(`1`)}), ErrNotFound)

	require.NoError(t, m.Put(ctx, "k", Document{"id": raw(`"a"`)}))
	assert.ErrorIs(t, m.Merge(ctx, "k", Document{"id": raw(`"b"`)}, Document{"x": raw(`1`)}), ErrConflict)
	require.NoError(t, m.Merge(ctx, "k", Document{"id": raw(`"a"`)}, Document{"x": raw(`1`)}))

	doc, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `"a"`, string(doc["id"]))
	assert.Equal(t, `1`, string(doc["x"]))
}

func TestMemoryWatchDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	sub, err := m.Watch(ctx, "k")
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Nil(t, next(t, sub), "initial snapshot of an absent record")

	require.NoError(t, m.Put(ctx, "k", Document{"a": raw(`1`)}))
	assert.Equal(t, `1`, string(next(t, sub)["a"]))

	require.NoError(t, m.Delete(ctx, "k"))
	assert.Nil(t, next(t, sub))

	sub.Cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
	assert.NoError(t, sub.Err())
}

func TestMemoryTailReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Append(ctx, "log", []byte("1")))
	require.NoError(t, m.Append(ctx, "log", []byte("2")))

	sub, err := m.Tail(ctx, "log")
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Equal(t, "1", string(next(t, sub)))
	assert.Equal(t, "2", string(next(t, sub)))

	require.NoError(t, m.Append(ctx, "log", []byte("3")))
	assert.Equal(t, "3", string(next(t, sub)))
}

func TestMapDropsAndTransforms(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, e := range []string{"1", "skip", "2"} {
		require.NoError(t, m.Append(ctx, "log", []byte(e)))
	}

	src, err := m.Tail(ctx, "log")
	require.NoError(t, err)
	sub := Map(ctx, src, func(b []byte) (string, bool) {
		return "v" + string(b), string(b) != "skip"
	})
	defer sub.Cancel()

	assert.Equal(t, "v1", next(t, sub))
	assert.Equal(t, "v2", next(t, sub))

	sub.Cancel()
	<-sub.Done()
	<-src.Done()
}

func TestMemoryDeleteIf(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	deleted, err := m.DeleteIf(ctx, "k", Document{"id": raw(`"a"`)})
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, m.Put(ctx, "k", Document{"id": raw(`"a"`)}))
	require.NoError(t, m.Append(ctx, "k:log", []byte("x")))

	deleted, err = m.DeleteIf(ctx, "k", Document{"id": raw(`"b"`)}, "k:log")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = m.DeleteIf(ctx, "k", Document{"id": raw(`"a"`)}, "k:log")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
