package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/messaging"
)

// localFeed is an in-process change feed so the Redis side can be tested
// without NATS.
type localFeed struct {
	mu   sync.Mutex
	subs map[string]localSub
}

type localSub struct {
	collection string
	handler    func([]byte)
}

func newLocalFeed() *localFeed {
	return &localFeed{subs: make(map[string]localSub)}
}

func (f *localFeed) PublishChange(collection string, data []byte) error {
	f.mu.Lock()
	var hs []func([]byte)
	for _, s := range f.subs {
		if s.collection == collection {
			hs = append(hs, s.handler)
		}
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
	return nil
}

func (f *localFeed) SubscribeCollection(key, collection string, handler func([]byte)) error {
	f.mu.Lock()
	f.subs[key] = localSub{collection: collection, handler: handler}
	f.mu.Unlock()
	return nil
}

func (f *localFeed) Unsubscribe(key string) error {
	f.mu.Lock()
	delete(f.subs, key)
	f.mu.Unlock()
	return nil
}

// newTestStore connects to a local Redis and isolates the test under a random
// key prefix. Tests that call this helper require Redis on localhost:6379.
func newTestStore(t *testing.T, feed Feed) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	prefix := "test_lc_" + uuid.NewString()[:8] + ":"
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	s := New(client, feed, Config{Prefix: prefix}, zerolog.Nop())
	t.Cleanup(func() { s.Close() })
	return s
}

type recorder struct {
	mu     sync.Mutex
	events []livecoll.Event
}

func (r *recorder) handle(ev livecoll.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) at(i int) livecoll.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[i]
}

func TestWireChange_Decode(t *testing.T) {
	w := wireChange{Kind: "modified", ID: "m1", Path: "chats/a_b/messages/m1", Fields: map[string]string{
		"text": `"hello"`, "createdAt": "1700000000123", emptyMarker: "null",
	}}
	ch, ok := w.change()
	require.True(t, ok)
	assert.Equal(t, livecoll.Modified, ch.Kind)
	assert.Equal(t, "hello", ch.Doc.Fields.String("text"))
	ms, ok := ch.Doc.Fields.Int64("createdAt")
	require.True(t, ok)
	assert.EqualValues(t, 1700000000123, ms)
	assert.NotContains(t, ch.Doc.Fields, emptyMarker)

	_, ok = wireChange{Kind: "renamed", Path: "a/b"}.change()
	assert.False(t, ok)
}

func TestPairsToMap(t *testing.T) {
	m, err := pairsToMap([]interface{}{"a", "1", "b", `"x"`})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": `"x"`}, m)

	_, err = pairsToMap([]interface{}{"a"})
	assert.Error(t, err)
}

func TestAppend_ServerTimeIsMonotonic(t *testing.T) {
	s := newTestStore(t, newLocalFeed())
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "chats/a_b/messages", livecoll.Fields{"text": "x", "createdAt": livecoll.ServerTimestamp})
		require.NoError(t, err)
	}
	docs, err := s.GetOnce(ctx, "chats/a_b/messages")
	require.NoError(t, err)
	require.Len(t, docs, 5)
	livecoll.SortDocuments(docs, "createdAt", livecoll.Asc)
	for _, d := range docs {
		ms, ok := d.Fields.Int64("createdAt")
		require.True(t, ok)
		assert.Greater(t, ms, last)
		last = ms
	}
}

func TestSetMerge_KeepsFieldsAndDelete(t *testing.T) {
	s := newTestStore(t, newLocalFeed())
	ctx := context.Background()

	require.NoError(t, s.SetMerge(ctx, "users/u1", livecoll.Fields{"uid": "u1", "email": "a@x"}))
	require.NoError(t, s.SetMerge(ctx, "users/u1", livecoll.Fields{"isOnline": true, "lastSeenAt": livecoll.ServerTimestamp}))

	docs, err := s.GetOnce(ctx, "users/u1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a@x", docs[0].Fields.String("email"))
	assert.Equal(t, true, docs[0].Fields["isOnline"])
	_, ok := docs[0].Fields.Int64("lastSeenAt")
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "users/u1"))
	require.NoError(t, s.Delete(ctx, "users/u1"))
	docs, err = s.GetOnce(ctx, "users/u1")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSubscribe_BackfillThenLive(t *testing.T) {
	s := newTestStore(t, newLocalFeed())
	ctx := context.Background()
	coll := "groups/g1/messages"

	for _, txt := range []string{"1", "2", "3"} {
		_, err := s.Append(ctx, coll, livecoll.Fields{"text": txt, "createdAt": livecoll.ServerTimestamp})
		require.NoError(t, err)
	}

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, livecoll.Query{Path: coll, OrderBy: "createdAt", Limit: 2}, rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.Append(ctx, coll, livecoll.Fields{"text": "4", "createdAt": livecoll.ServerTimestamp})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	backfill := rec.at(0).Changes
	require.Len(t, backfill, 2)
	assert.Equal(t, "2", backfill[0].Doc.Fields.String("text"))
	assert.Equal(t, "3", backfill[1].Doc.Fields.String("text"))

	live := rec.at(1).Changes
	require.Len(t, live, 1)
	assert.Equal(t, livecoll.Added, live[0].Kind)
	assert.Equal(t, "4", live[0].Doc.Fields.String("text"))
}

func TestSubscribe_HeldChangesDeduplicated(t *testing.T) {
	rec := &recorder{}
	sub := &subscription{
		store: &Store{log: zerolog.Nop()},
		key:   "k",
		path:  "c",
		feed:  livecoll.NewFeed(rec.handle),
	}
	defer sub.feed.Close()

	doc := livecoll.Document{ID: "m1", Path: "c/m1", Fields: livecoll.Fields{"text": "a"}}
	sub.held = []livecoll.Change{
		{Kind: livecoll.Added, Doc: doc},
		{Kind: livecoll.Added, Doc: livecoll.Document{ID: "m2", Path: "c/m2"}},
	}
	sub.start([]livecoll.Document{doc})
	sub.feed.Wait()

	require.Equal(t, 2, rec.len())
	assert.Len(t, rec.at(0).Changes, 1)
	assert.Equal(t, "m2", rec.at(1).Changes[0].Doc.ID)
}

func TestSubscribe_OverNATS(t *testing.T) {
	cfg := messaging.DefaultNATSConfig()
	cfg.MaxReconnects = 0
	nc, err := messaging.NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer nc.Close()

	s := newTestStore(t, nc)
	ctx := context.Background()
	coll := "chats/" + uuid.NewString()[:8] + "_peer/messages"

	rec := &recorder{}
	sub, err := s.Subscribe(ctx, livecoll.Query{Path: coll, OrderBy: "createdAt"}, rec.handle)
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.Append(ctx, coll, livecoll.Fields{"text": "over the wire", "createdAt": livecoll.ServerTimestamp})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.Eventually(t, func() bool { return rec.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "over the wire", rec.at(1).Changes[0].Doc.Fields.String("text"))
}
