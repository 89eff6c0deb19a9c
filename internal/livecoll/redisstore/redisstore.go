// Package redisstore implements livecoll.Store on Redis with a NATS change
// feed. Each document is a Redis hash of JSON-encoded field values, each
// collection keeps a sorted-set index of its document ids, and every write is
// published on the collection's NATS subject so live queries in any process
// observe it.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/messaging"
)

// Feed is the change-feed side of the store. *messaging.NATSClient satisfies it.
type Feed interface {
	PublishChange(collection string, data []byte) error
	SubscribeCollection(key, collection string, handler func(data []byte)) error
	Unsubscribe(key string) error
}

var _ Feed = (*messaging.NATSClient)(nil)

// Config holds key layout settings.
type Config struct {
	Prefix string // prepended to every Redis key
}

// DefaultConfig returns the default key layout.
func DefaultConfig() Config {
	return Config{Prefix: "lc:"}
}

// Store is the Redis + NATS live collection.
type Store struct {
	rdb         *redis.Client
	feed        Feed
	cfg         Config
	writeScript *redis.Script
	log         zerolog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

var _ livecoll.Store = (*Store)(nil)

// New creates a store on an established Redis client and change feed.
func New(rdb *redis.Client, feed Feed, cfg Config, logger zerolog.Logger) *Store {
	return &Store{
		rdb:         rdb,
		feed:        feed,
		cfg:         cfg,
		writeScript: redis.NewScript(writeDocLua),
		log:         logger.With().Str("component", "redisstore").Logger(),
		subs:        make(map[string]*subscription),
	}
}

func (s *Store) docKey(docPath string) string { return s.cfg.Prefix + "doc:" + docPath }
func (s *Store) indexKey(coll string) string { return s.cfg.Prefix + "idx:" + coll }
func (s *Store) clockKey() string { return s.cfg.Prefix + "clock" }

// Subscribe implements livecoll.Store. The NATS subscription is opened before
// the backfill is read; changes arriving in between are held back and
// delivered after the backfill, minus additions the backfill already holds.
func (s *Store) Subscribe(ctx context.Context, q livecoll.Query, fn livecoll.Handler) (livecoll.Subscription, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !livecoll.IsCollectionPath(q.Path) {
		return nil, fmt.Errorf("%w: %q is not a collection", livecoll.ErrInvalidPath, q.Path)
	}

	sub := &subscription{
		store: s,
		key:   uuid.NewString(),
		path:  q.Path,
		feed:  livecoll.NewFeed(fn),
	}
	if err := s.feed.SubscribeCollection(sub.key, q.Path, sub.receive); err != nil {
		sub.feed.Close()
		return nil, fmt.Errorf("redisstore: subscribe %s: %w", q.Path, err)
	}

	docs, err := s.readCollection(ctx, q.Path)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	livecoll.SortDocuments(docs, q.OrderBy, livecoll.Asc)
	docs = livecoll.Tail(docs, q.Limit)
	if q.Direction == livecoll.Desc {
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}
	sub.start(docs)

	s.mu.Lock()
	s.subs[sub.key] = sub
	s.mu.Unlock()
	return sub, nil
}

// Append implements livecoll.Store.
func (s *Store) Append(ctx context.Context, collection string, fields livecoll.Fields) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	if !livecoll.IsCollectionPath(collection) {
		return "", fmt.Errorf("%w: %q is not a collection", livecoll.ErrInvalidPath, collection)
	}
	id := ulid.Make().String()
	if _, err := s.write(ctx, collection, id, fields); err != nil {
		return "", fmt.Errorf("redisstore: append %s: %w", collection, err)
	}
	return id, nil
}

// SetMerge implements livecoll.Store.
func (s *Store) SetMerge(ctx context.Context, docPath string, fields livecoll.Fields) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	coll, id, err := livecoll.SplitDocument(docPath)
	if err != nil {
		return err
	}
	if _, err := s.write(ctx, coll, id, fields); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", docPath, err)
	}
	return nil
}

// GetOnce implements livecoll.Store.
func (s *Store) GetOnce(ctx context.Context, path string) ([]livecoll.Document, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if livecoll.IsDocumentPath(path) {
		raw, err := s.rdb.HGetAll(ctx, s.docKey(path)).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: get %s: %w", path, err)
		}
		if len(raw) == 0 {
			return nil, nil
		}
		doc, err := decodeDoc(path, raw)
		if err != nil {
			return nil, err
		}
		return []livecoll.Document{doc}, nil
	}
	if !livecoll.IsCollectionPath(path) {
		return nil, fmt.Errorf("%w: %q", livecoll.ErrInvalidPath, path)
	}
	return s.readCollection(ctx, path)
}

// Delete implements livecoll.Store. Deleting a missing document is a no-op.
func (s *Store) Delete(ctx context.Context, docPath string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	coll, id, err := livecoll.SplitDocument(docPath)
	if err != nil {
		return err
	}

	raw, err := s.rdb.HGetAll(ctx, s.docKey(docPath)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", docPath, err)
	}
	if len(raw) == 0 {
		return nil
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.docKey(docPath))
	pipe.ZRem(ctx, s.indexKey(coll), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", docPath, err)
	}
	s.publish(coll, wireChange{Kind: livecoll.Removed.String(), ID: id, Path: docPath, Fields: raw})
	return nil
}

// Close unsubscribes every live query. The Redis client and the change feed
// belong to the caller and stay open.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[string]*subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return livecoll.ErrClosed
	}
	return nil
}

// write runs the document write script and publishes the resulting change.
func (s *Store) write(ctx context.Context, coll, id string, fields livecoll.Fields) (livecoll.Document, error) {
	docPath := coll + "/" + id
	tsFields := fields.ServerTimestampFields()

	args := make([]interface{}, 0, 2+len(tsFields)+2*len(fields))
	args = append(args, id, len(tsFields))
	for _, name := range tsFields {
		args = append(args, name)
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if livecoll.IsServerTimestamp(fields[name]) {
			continue
		}
		enc, err := livecoll.EncodeValue(fields[name])
		if err != nil {
			return livecoll.Document{}, err
		}
		args = append(args, name, enc)
	}

	keys := []string{s.clockKey(), s.docKey(docPath), s.indexKey(coll)}
	res, err := s.writeScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return livecoll.Document{}, err
	}
	if len(res) != 2 {
		return livecoll.Document{}, fmt.Errorf("unexpected script reply %v", res)
	}

	existed, _ := res[0].(int64)
	raw, err := pairsToMap(res[1])
	if err != nil {
		return livecoll.Document{}, err
	}
	doc, err := decodeDoc(docPath, raw)
	if err != nil {
		return livecoll.Document{}, err
	}

	kind := livecoll.Added
	if existed == 1 {
		kind = livecoll.Modified
	}
	s.publish(coll, wireChange{Kind: kind.String(), ID: id, Path: docPath, Fields: raw})
	return doc, nil
}

func (s *Store) publish(coll string, ch wireChange) {
	data, err := json.Marshal(ch)
	if err != nil {
		s.log.Error().Err(err).Str("path", ch.Path).Msg("marshal change")
		return
	}
	// The write already landed; a lost notification only delays peers until
	// their next subscription backfill.
	if err := s.feed.PublishChange(coll, data); err != nil {
		s.log.Warn().Err(err).Str("path", ch.Path).Msg("publish change")
	}
}

func (s *Store) readCollection(ctx context.Context, coll string) ([]livecoll.Document, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(coll), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: read %s: %w", coll, err)
	}
	if len(ids) == 0 {
		return []livecoll.Document{}, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.docKey(coll+"/"+id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: read %s: %w", coll, err)
	}

	docs := make([]livecoll.Document, 0, len(ids))
	for i, id := range ids {
		raw := cmds[i].Val()
		if len(raw) == 0 {
			continue
		}
		doc, err := decodeDoc(coll+"/"+id, raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	delete(s.subs, key)
	s.mu.Unlock()
}

// emptyMarker keeps documents written without fields present in Redis.
const emptyMarker = "_"

func decodeDoc(docPath string, raw map[string]string) (livecoll.Document, error) {
	_, id, err := livecoll.SplitDocument(docPath)
	if err != nil {
		return livecoll.Document{}, err
	}
	fields := make(livecoll.Fields, len(raw))
	for name, enc := range raw {
		if name == emptyMarker {
			continue
		}
		v, err := livecoll.DecodeValue(enc)
		if err != nil {
			return livecoll.Document{}, fmt.Errorf("redisstore: %s.%s: %w", docPath, name, err)
		}
		fields[name] = v
	}
	return livecoll.Document{ID: id, Path: docPath, Fields: fields}, nil
}

func pairsToMap(v interface{}) (map[string]string, error) {
	flat, ok := v.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected hash reply %v", v)
	}
	out := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		val, _ := flat[i+1].(string)
		out[k] = val
	}
	return out, nil
}

// writeDocLua merges fields into a document hash, resolving server timestamp
// fields to a strictly increasing millisecond clock shared by the whole store.
//
//	KEYS[1] clock key, KEYS[2] document hash, KEYS[3] collection index
//	ARGV[1] document id, ARGV[2] n timestamp fields, ARGV[3..2+n] their names,
//	then name/value pairs of JSON-encoded fields.
//
// Returns {existed (0|1), HGETALL of the merged document}.
const writeDocLua = `
local clock_key = KEYS[1]
local doc_key = KEYS[2]
local index_key = KEYS[3]
local id = ARGV[1]
local n_ts = tonumber(ARGV[2])

local existed = redis.call('EXISTS', doc_key)

if n_ts > 0 then
    local t = redis.call('TIME')
    local ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
    local last = tonumber(redis.call('GET', clock_key) or '0')
    if ms <= last then ms = last + 1 end
    local enc = string.format('%.0f', ms)
    redis.call('SET', clock_key, enc)
    for i = 1, n_ts do
        redis.call('HSET', doc_key, ARGV[2 + i], enc)
    end
end

for i = 3 + n_ts, #ARGV, 2 do
    redis.call('HSET', doc_key, ARGV[i], ARGV[i + 1])
end

if redis.call('EXISTS', doc_key) == 0 then
    redis.call('HSET', doc_key, '_', 'null')
end
redis.call('ZADD', index_key, 0, id)

return {existed, redis.call('HGETALL', doc_key)}
`
