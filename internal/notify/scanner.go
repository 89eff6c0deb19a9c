package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/chat"
	"github.com/cloudchat/chat-core/internal/livecoll"
)

// ArrivalFunc receives background arrivals. Dispatcher.Dispatch fits.
type ArrivalFunc func(room chat.Room, msgs []chat.Message)

// Scanner watches every room in an identity's room index except the focused
// one, with a limit-1 synchronizer per room, so arrivals elsewhere still
// notify.
type Scanner struct {
	store     livecoll.Store
	onArrival ArrivalFunc
	log       zerolog.Logger

	mu        sync.Mutex
	gen       uint64
	ctx       context.Context
	uid       string
	indexSub  livecoll.Subscription
	indexLive bool // the index backfill has been applied
	indexed   map[chat.Room]struct{}
	joinedAt  map[chat.Room]time.Time // rooms added to the index while live
	focused   chat.Room
	watchers  map[chat.Room]*chat.Synchronizer
}

// NewScanner creates a stopped scanner.
func NewScanner(store livecoll.Store, onArrival ArrivalFunc, logger zerolog.Logger) *Scanner {
	return &Scanner{
		store:     store,
		onArrival: onArrival,
		log:       logger.With().Str("component", "scanner").Logger(),
		indexed:   make(map[chat.Room]struct{}),
		joinedAt:  make(map[chat.Room]time.Time),
		watchers:  make(map[chat.Room]*chat.Synchronizer),
	}
}

// Start subscribes to uid's room index. Watchers live until Stop, so ctx
// should outlive the session.
func (s *Scanner) Start(ctx context.Context, uid string) error {
	s.Stop()

	s.mu.Lock()
	s.gen++
	g := s.gen
	s.ctx = ctx
	s.uid = uid
	s.indexLive = false
	s.mu.Unlock()

	sub, err := s.store.Subscribe(ctx, livecoll.Query{Path: chat.IndexPath(uid)}, func(ev livecoll.Event) {
		s.onIndex(g, ev)
	})
	if err != nil {
		return fmt.Errorf("notify: scan rooms of %s: %w", uid, err)
	}

	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	s.indexSub = sub
	s.mu.Unlock()
	s.log.Info().Str("uid", uid).Msg("room scan started")
	return nil
}

// Focus excludes room from scanning. The previously focused room, if it is
// indexed, is scanned again. The zero Room clears the focus.
func (s *Scanner) Focus(room chat.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused = room
	s.reconcileLocked()
}

// Watching returns the rooms currently scanned, sorted.
func (s *Scanner) Watching() []chat.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]chat.Room, 0, len(s.watchers))
	for r := range s.watchers {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].String() < rooms[j].String() })
	return rooms
}

// Stop closes the index subscription and every watcher.
func (s *Scanner) Stop() {
	s.mu.Lock()
	s.gen++
	s.ctx = nil
	sub := s.indexSub
	s.indexSub = nil
	watchers := s.watchers
	s.watchers = make(map[chat.Room]*chat.Synchronizer)
	s.indexed = make(map[chat.Room]struct{})
	s.joinedAt = make(map[chat.Room]time.Time)
	s.indexLive = false
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close room index subscription")
		}
	}
	for _, w := range watchers {
		w.Close()
	}
}

func (s *Scanner) onIndex(g uint64, ev livecoll.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g != s.gen {
		return
	}
	if ev.Err != nil {
		s.log.Warn().Err(ev.Err).Msg("room index stream failed")
		return
	}
	live := s.indexLive
	s.indexLive = true
	for _, ch := range ev.Changes {
		entry, ok := chat.IndexEntryFromDocument(ch.Doc)
		if !ok {
			continue
		}
		switch ch.Kind {
		case livecoll.Removed:
			delete(s.indexed, entry.Room)
			delete(s.joinedAt, entry.Room)
		case livecoll.Added:
			s.indexed[entry.Room] = struct{}{}
			// A room joined now may already hold the message that caused the
			// join; its watcher reports backfill from the join time on.
			if live && !entry.AddedAt.IsZero() {
				s.joinedAt[entry.Room] = entry.AddedAt
			}
		default:
			s.indexed[entry.Room] = struct{}{}
		}
	}
	s.reconcileLocked()
}

// reconcileLocked opens watchers for indexed rooms other than the focused
// one and closes the rest.
func (s *Scanner) reconcileLocked() {
	for room, w := range s.watchers {
		if _, ok := s.indexed[room]; !ok || room == s.focused {
			w.Close()
			delete(s.watchers, room)
		}
	}
	if s.ctx == nil {
		return
	}
	for room := range s.indexed {
		if room == s.focused {
			// The focused stream shows these messages itself.
			delete(s.joinedAt, room)
			continue
		}
		if _, ok := s.watchers[room]; ok {
			continue
		}
		cfg := chat.SyncConfig{Limit: 1, ArrivalsSince: s.joinedAt[room]}
		delete(s.joinedAt, room)

		var w *chat.Synchronizer
		g := s.gen
		w = chat.NewSynchronizer(s.store, chat.Listener{
			Arrivals: s.arrived,
			Failed: func(room chat.Room, err error) {
				// Called under the watcher's delivery lock, which Close
				// takes; drop it from a separate goroutine.
				go s.dropFailed(g, room, w, err)
			},
		}, cfg, s.log)
		if err := w.Open(s.ctx, room); err != nil {
			s.log.Warn().Err(err).Str("room", room.String()).Msg("watch room")
			continue
		}
		s.watchers[room] = w
	}
}

// dropFailed forgets a watcher whose stream ended with an error, so the next
// index event opens a fresh one.
func (s *Scanner) dropFailed(g uint64, room chat.Room, w *chat.Synchronizer, err error) {
	s.mu.Lock()
	current := g == s.gen && s.watchers[room] == w
	if current {
		delete(s.watchers, room)
	}
	s.mu.Unlock()
	if !current {
		return
	}
	w.Close()
	s.log.Warn().Err(err).Str("room", room.String()).Msg("background room stream failed")
}

func (s *Scanner) arrived(room chat.Room, msgs []chat.Message) {
	if s.onArrival != nil {
		s.onArrival(room, msgs)
	}
}
