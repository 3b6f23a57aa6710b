package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/call-signaling/internal/mailbox"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, Options{TTL: time.Hour, Block: -1}, zerolog.Nop()), mr
}

func TestStorePutGet(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.Get(ctx, "calls:test")
	assert.ErrorIs(t, err, mailbox.ErrNotFound)

	require.NoError(t, s.Put(ctx, "calls:test", mailbox.Document{
		"callId": json.RawMessage(`"c1"`),
		"offer":  json.RawMessage(`{"sdp":"x"}`),
	}))

	doc, err := s.Get(ctx, "calls:test")
	require.NoError(t, err)
	assert.Equal(t, `"c1"`, string(doc["callId"]))
	assert.Equal(t, `{"sdp":"x"}`, string(doc["offer"]))
	assert.Equal(t, time.Hour, mr.TTL("calls:test"))

	require.NoError(t, s.Put(ctx, "calls:test", mailbox.Document{"callId": json.RawMessage(`"c2"`)}))
	doc, err = s.Get(ctx, "calls:test")
	require.NoError(t, err)
	assert.NotContains(t, doc, "offer")
}

func TestStoreMergeChecksPrecondition(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	fields := mailbox.Document{"answer": json.RawMessage(`{"sdp":"a"}`)}

	err := s.Merge(ctx, "calls:test", nil, fields)
	assert.ErrorIs(t, err, mailbox.ErrNotFound)

	require.NoError(t, s.Put(ctx, "calls:test", mailbox.Document{"callId": json.RawMessage(`"c1"`)}))

	err = s.Merge(ctx, "calls:test", mailbox.Document{"callId": json.RawMessage(`"other"`)}, fields)
	assert.ErrorIs(t, err, mailbox.ErrConflict)

	require.NoError(t, s.Merge(ctx, "calls:test", mailbox.Document{"callId": json.RawMessage(`"c1"`)}, fields))
	doc, err := s.Get(ctx, "calls:test")
	require.NoError(t, err)
	assert.Equal(t, `"c1"`, string(doc["callId"]))
	assert.Equal(t, `{"sdp":"a"}`, string(doc["answer"]))
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Put(ctx, "calls:test", mailbox.Document{"callId": json.RawMessage(`"c1"`)}))
	require.NoError(t, s.Append(ctx, "calls:test:c1:offerCandidates", []byte(`{}`)))

	require.NoError(t, s.Delete(ctx, "calls:test", "calls:test:c1:offerCandidates"))
	require.NoError(t, s.Delete(ctx, "calls:test"))
	assert.False(t, mr.Exists("calls:test"))
	assert.False(t, mr.Exists("calls:test:c1:offerCandidates"))
}

func TestStoreWatchSeesWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sub, err := s.Watch(ctx, "calls:test")
	require.NoError(t, err)
	defer sub.Cancel()

	first := receive(t, sub)
	assert.Nil(t, first)

	require.NoError(t, s.Put(ctx, "calls:test", mailbox.Document{"callId": json.RawMessage(`"c1"`)}))
	waitFor(t, sub, func(doc mailbox.Document) bool {
		return doc != nil && string(doc["callId"]) == `"c1"`
	})

	require.NoError(t, s.Delete(ctx, "calls:test"))
	waitFor(t, sub, func(doc mailbox.Document) bool { return doc == nil })
}

func TestStoreWatchRereadsAfterReconnect(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Put(ctx, "calls:test", mailbox.Document{"callId": json.RawMessage(`"c1"`)}))
	sub, err := s.Watch(ctx, "calls:test")
	require.NoError(t, err)
	defer sub.Cancel()
	waitFor(t, sub, func(doc mailbox.Document) bool { return doc != nil })

	// The deletion happens while the change feed is down, so no
	// notification for it is ever published.
	mr.Close()
	mr.Del("calls:test")
	require.NoError(t, mr.Restart())

	waitWithin(t, sub, 10*time.Second, func(doc mailbox.Document) bool { return doc == nil })
}

// waitFor consumes snapshots until one satisfies ok. Deliveries may repeat.
func waitFor(t *testing.T, sub *mailbox.Subscription[mailbox.Document], ok func(mailbox.Document) bool) {
	t.Helper()
	waitWithin(t, sub, 3*time.Second, ok)
}

func waitWithin(t *testing.T, sub *mailbox.Subscription[mailbox.Document], d time.Duration, ok func(mailbox.Document) bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case doc, open := <-sub.C:
			require.True(t, open, "subscription closed")
			if ok(doc) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestStoreTailReadsInOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	key := "calls:test:c1:answerCandidates"

	require.NoError(t, s.Append(ctx, key, []byte("one")))
	require.NoError(t, s.Append(ctx, key, []byte("two")))

	sub, err := s.Tail(ctx, key)
	require.NoError(t, err)
	defer sub.Cancel()

	assert.Equal(t, "one", string(receive(t, sub)))
	assert.Equal(t, "two", string(receive(t, sub)))

	require.NoError(t, s.Append(ctx, key, []byte("three")))
	assert.Equal(t, "three", string(receive(t, sub)))
}

func receive[T any](t *testing.T, sub *mailbox.Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

func TestStoreDeleteIfMatchesCallID(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	expect := mailbox.Document{"callId": json.RawMessage(`"c1"`)}

	deleted, err := s.DeleteIf(ctx, "calls:test", expect)
	require.NoError(t, err)
	assert.False(t, deleted, "absent record")

	require.NoError(t, s.Put(ctx, "calls:test", mailbox.Document{"callId": json.RawMessage(`"c2"`)}))
	deleted, err = s.DeleteIf(ctx, "calls:test", expect)
	require.NoError(t, err)
	assert.False(t, deleted, "record of another call")
	assert.True(t, mr.Exists("calls:test"))

	require.NoError(t, s.Put(ctx, "calls:test", expect))
	require.NoError(t, s.Append(ctx, "calls:test:c1:offerCandidates", []byte(`{}`)))
	deleted, err = s.DeleteIf(ctx, "calls:test", expect, "calls:test:c1:offerCandidates")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, mr.Exists("calls:test"))
	assert.False(t, mr.Exists("calls:test:c1:offerCandidates"))
}
