// Package memstore is an in-process livecoll.Store. It backs the unit tests
// and the single-process "memory" store driver, and can inject faults and
// record calls so tests can assert on the exact remote traffic.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cloudchat/chat-core/internal/livecoll"
)

// Op names a store operation for call recording and fault injection.
type Op string

const (
	OpSubscribe Op = "subscribe"
	OpAppend    Op = "append"
	OpGetOnce   Op = "get_once"
	OpSetMerge  Op = "set_merge"
	OpDelete    Op = "delete"
)

// Call is one recorded store operation.
type Call struct {
	Op     Op
	Path   string
	Fields livecoll.Fields
}

// Fault decides whether an operation fails. Returning nil lets it proceed.
type Fault func(op Op, path string) error

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps every collection in memory.
type Store struct {
	mu     sync.Mutex
	docs   map[string]map[string]livecoll.Fields // collection -> id -> fields
	subs   map[string]map[*subscription]struct{} // collection -> subscribers
	now    func() time.Time
	lastMS int64
	calls  []Call
	fault  Fault
	closed bool
}

var _ livecoll.Store = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs: make(map[string]map[string]livecoll.Fields),
		subs: make(map[string]map[*subscription]struct{}),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFault installs (or clears, with nil) a fault injector.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// Calls returns the recorded operations of the given kind, oldest first.
func (s *Store) Calls(op Op) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Subscribers returns the number of open subscriptions on a collection.
func (s *Store) Subscribers(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[collection])
}

// Wait blocks until every subscription has handled all queued events.
func (s *Store) Wait() {
	s.mu.Lock()
	var feeds []*livecoll.Feed
	for _, set := range s.subs {
		for sub := range set {
			feeds = append(feeds, sub.feed)
		}
	}
	s.mu.Unlock()
	for _, f := range feeds {
		f.Wait()
	}
}

// FailSubscriptions delivers err to every subscriber of collection and
// detaches them, the way a permission loss ends a remote live query.
func (s *Store) FailSubscriptions(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[collection] {
		sub.feed.Push(livecoll.Event{Err: err})
	}
	delete(s.subs, collection)
}

// Subscribe implements livecoll.Store.
func (s *Store) Subscribe(_ context.Context, q livecoll.Query, fn livecoll.Handler) (livecoll.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpSubscribe, q.Path, nil); err != nil {
		return nil, err
	}
	if !livecoll.IsCollectionPath(q.Path) {
		return nil, fmt.Errorf("%w: %q is not a collection", livecoll.ErrInvalidPath, q.Path)
	}

	docs := s.collectionLocked(q.Path)
	livecoll.SortDocuments(docs, q.OrderBy, livecoll.Asc)
	docs = livecoll.Tail(docs, q.Limit)
	if q.Direction == livecoll.Desc {
		for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
			docs[i], docs[j] = docs[j], docs[i]
		}
	}
	backfill := make([]livecoll.Change, 0, len(docs))
	for _, d := range docs {
		backfill = append(backfill, livecoll.Change{Kind: livecoll.Added, Doc: d})
	}

	sub := &subscription{store: s, path: q.Path, feed: livecoll.NewFeed(fn)}
	if s.subs[q.Path] == nil {
		s.subs[q.Path] = make(map[*subscription]struct{})
	}
	s.subs[q.Path][sub] = struct{}{}
	sub.feed.Push(livecoll.Event{Changes: backfill})
	return sub, nil
}

// Append implements livecoll.Store.
func (s *Store) Append(_ context.Context, collection string, fields livecoll.Fields) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpAppend, collection, fields); err != nil {
		return "", err
	}
	if !livecoll.IsCollectionPath(collection) {
		return "", fmt.Errorf("%w: %q is not a collection", livecoll.ErrInvalidPath, collection)
	}

	id := ulid.Make().String()
	stored := fields.WithServerTime(s.tickLocked())
	s.putLocked(collection, id, stored)
	s.notifyLocked(collection, livecoll.Change{Kind: livecoll.Added, Doc: s.docLocked(collection, id, stored)})
	return id, nil
}

// GetOnce implements livecoll.Store.
func (s *Store) GetOnce(_ context.Context, path string) ([]livecoll.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpGetOnce, path, nil); err != nil {
		return nil, err
	}

	if livecoll.IsDocumentPath(path) {
		coll, id, _ := livecoll.SplitDocument(path)
		f, ok := s.docs[coll][id]
		if !ok {
			return nil, nil
		}
		return []livecoll.Document{s.docLocked(coll, id, f)}, nil
	}
	if !livecoll.IsCollectionPath(path) {
		return nil, fmt.Errorf("%w: %q", livecoll.ErrInvalidPath, path)
	}
	return s.collectionLocked(path), nil
}

// SetMerge implements livecoll.Store.
func (s *Store) SetMerge(_ context.Context, docPath string, fields livecoll.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpSetMerge, docPath, fields); err != nil {
		return err
	}
	coll, id, err := livecoll.SplitDocument(docPath)
	if err != nil {
		return err
	}

	resolved := fields
	if len(fields.ServerTimestampFields()) > 0 {
		resolved = fields.WithServerTime(s.tickLocked())
	}

	kind := livecoll.Modified
	merged, ok := s.docs[coll][id]
	if !ok {
		kind = livecoll.Added
		merged = livecoll.Fields{}
	}
	merged = merged.Clone()
	for k, v := range resolved {
		merged[k] = v
	}
	s.putLocked(coll, id, merged)
	s.notifyLocked(coll, livecoll.Change{Kind: kind, Doc: s.docLocked(coll, id, merged)})
	return nil
}

// Delete implements livecoll.Store. Deleting a missing document is a no-op.
func (s *Store) Delete(_ context.Context, docPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(OpDelete, docPath, nil); err != nil {
		return err
	}
	coll, id, err := livecoll.SplitDocument(docPath)
	if err != nil {
		return err
	}
	f, ok := s.docs[coll][id]
	if !ok {
		return nil
	}
	delete(s.docs[coll], id)
	s.notifyLocked(coll, livecoll.Change{Kind: livecoll.Removed, Doc: s.docLocked(coll, id, f)})
	return nil
}

// Close detaches every subscription. Later calls fail with livecoll.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, set := range s.subs {
		for sub := range set {
			sub.feed.Close()
		}
	}
	s.subs = make(map[string]map[*subscription]struct{})
	return nil
}

func (s *Store) begin(op Op, path string, fields livecoll.Fields) error {
	var recorded livecoll.Fields
	if fields != nil {
		recorded = fields.Clone()
	}
	s.calls = append(s.calls, Call{Op: op, Path: path, Fields: recorded})
	if s.closed {
		return livecoll.ErrClosed
	}
	if s.fault != nil {
		if err := s.fault(op, path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) tickLocked() int64 {
	ms := s.now().UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS + 1
	}
	s.lastMS = ms
	return ms
}

func (s *Store) putLocked(coll, id string, f livecoll.Fields) {
	if s.docs[coll] == nil {
		s.docs[coll] = make(map[string]livecoll.Fields)
	}
	s.docs[coll][id] = f
}

func (s *Store) docLocked(coll, id string, f livecoll.Fields) livecoll.Document {
	return livecoll.Document{ID: id, Path: coll + "/" + id, Fields: f.Clone()}
}

func (s *Store) collectionLocked(coll string) []livecoll.Document {
	docs := make([]livecoll.Document, 0, len(s.docs[coll]))
	for id, f := range s.docs[coll] {
		docs = append(docs, s.docLocked(coll, id, f))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func (s *Store) notifyLocked(coll string, ch livecoll.Change) {
	for sub := range s.subs[coll] {
		c := ch
		c.Doc.Fields = ch.Doc.Fields.Clone()
		sub.feed.Push(livecoll.Event{Changes: []livecoll.Change{c}})
	}
}

type subscription struct {
	store *Store
	path  string
	feed  *livecoll.Feed
	once  sync.Once
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs[sub.path], sub)
		sub.store.mu.Unlock()
		sub.feed.Close()
	})
	return nil
}
