package redisstore

import (
	"encoding/json"
	"sync"

	"github.com/cloudchat/chat-core/internal/livecoll"
)

// wireChange is the payload published on livecoll.<collection> subjects.
// Field values stay in their stored JSON encoding.
type wireChange struct {
	Kind   string            `json:"kind"` // "added", "modified", "removed"
	ID     string            `json:"id"`
	Path   string            `json:"path"`
	Fields map[string]string `json:"fields"`
}

func (w wireChange) change() (livecoll.Change, bool) {
	var kind livecoll.ChangeKind
	switch w.Kind {
	case livecoll.Added.String():
		kind = livecoll.Added
	case livecoll.Modified.String():
		kind = livecoll.Modified
	case livecoll.Removed.String():
		kind = livecoll.Removed
	default:
		return livecoll.Change{}, false
	}
	doc, err := decodeDoc(w.Path, w.Fields)
	if err != nil {
		return livecoll.Change{}, false
	}
	return livecoll.Change{Kind: kind, Doc: doc}, true
}

type subscription struct {
	store *Store
	key   string
	path  string
	feed  *livecoll.Feed

	mu      sync.Mutex
	started bool
	held    []livecoll.Change
	seen    map[string]struct{} // ids delivered in the backfill
	once    sync.Once
}

// receive is the NATS handler. Until the backfill is out, changes are held.
func (sub *subscription) receive(data []byte) {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		sub.store.log.Warn().Err(err).Str("path", sub.path).Msg("bad change payload")
		return
	}
	ch, ok := w.change()
	if !ok {
		sub.store.log.Warn().Str("path", sub.path).Str("kind", w.Kind).Msg("undecodable change")
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.started {
		sub.held = append(sub.held, ch)
		return
	}
	sub.feed.Push(livecoll.Event{Changes: []livecoll.Change{ch}})
}

// start delivers the backfill followed by any held changes.
func (sub *subscription) start(backfill []livecoll.Document) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	sub.seen = make(map[string]struct{}, len(backfill))
	changes := make([]livecoll.Change, 0, len(backfill))
	for _, d := range backfill {
		sub.seen[d.ID] = struct{}{}
		changes = append(changes, livecoll.Change{Kind: livecoll.Added, Doc: d})
	}
	sub.feed.Push(livecoll.Event{Changes: changes})

	for _, ch := range sub.held {
		if _, dup := sub.seen[ch.Doc.ID]; dup && ch.Kind == livecoll.Added {
			continue
		}
		sub.feed.Push(livecoll.Event{Changes: []livecoll.Change{ch}})
	}
	sub.held = nil
	sub.started = true
}

func (sub *subscription) Close() error {
	var err error
	sub.once.Do(func() {
		sub.store.forget(sub.key)
		err = sub.store.feed.Unsubscribe(sub.key)
		sub.feed.Close()
	})
	return err
}
