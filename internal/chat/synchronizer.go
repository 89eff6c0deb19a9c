package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/metrics"
)

// State is the lifecycle of the synchronizer's current subscription.
type State int

const (
	// StateIdle means no room is open.
	StateIdle State = iota
	// StateBackfilling means the subscription is open and its first snapshot
	// has not been applied yet.
	StateBackfilling
	// StateLive means the backfill has been applied; later additions are
	// new arrivals.
	StateLive
	// StateFailed means the subscription reported an error. The last known
	// sequence is kept; reopening the room is up to the caller.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Listener receives the synchronizer's output. Any field may be nil. Calls
// are serialized and never made for a room that is no longer open. Listener
// functions must not call Open or Close on the same synchronizer.
type Listener struct {
	// Arrivals gets messages added after the backfill, oldest first.
	Arrivals func(room Room, msgs []Message)
	// Updated gets a copy of the full sequence after every applied snapshot.
	Updated func(room Room, seq []Message)
	// Failed gets the error that ended the subscription.
	Failed func(room Room, err error)
}

// SyncConfig tunes a Synchronizer.
type SyncConfig struct {
	// Limit bounds the backfill to the newest Limit messages (0 = all).
	Limit int
	// ArrivalsSince reports backfill messages created at or after it as
	// arrivals. It is set when the room was joined after the subscriber
	// started, so messages that raced the subscription still notify. The
	// zero time disables it.
	ArrivalsSince time.Time
}

// DefaultSyncConfig returns the configuration for a focused room.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{}
}

// Synchronizer keeps the ordered, id-deduplicated message sequence of one
// room in step with its live subscription. Opening another room discards the
// previous room's state; a generation counter drops callbacks from earlier
// subscriptions.
type Synchronizer struct {
	store  livecoll.Store
	lis    Listener
	config SyncConfig
	log    zerolog.Logger

	// deliver serializes snapshot application with listener calls and with
	// generation changes, so a stale snapshot can never reach a listener
	// after Open or Close returns.
	deliver sync.Mutex

	mu    sync.Mutex
	gen   uint64
	room  Room
	state State
	sub   livecoll.Subscription
	seq   *sequence
	err   error
}

// NewSynchronizer creates an idle synchronizer.
func NewSynchronizer(store livecoll.Store, lis Listener, config SyncConfig, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		store:  store,
		lis:    lis,
		config: config,
		log:    logger.With().Str("component", "synchronizer").Logger(),
		seq:    newSequence(),
	}
}

// Open subscribes to room, replacing any previously open room. It returns
// once the subscription is established; the backfill arrives asynchronously.
func (s *Synchronizer) Open(ctx context.Context, room Room) error {
	if room.IsZero() {
		return fmt.Errorf("chat: open: empty room")
	}
	g, old := s.advance(room, StateBackfilling)
	s.release(old)

	sub, err := s.store.Subscribe(ctx, livecoll.Query{
		Path:      room.MessagesPath(),
		OrderBy:   FieldCreatedAt,
		Direction: livecoll.Asc,
		Limit:     s.config.Limit,
	}, func(ev livecoll.Event) { s.apply(g, ev) })
	if err != nil {
		s.mu.Lock()
		if s.gen == g {
			s.state = StateFailed
			s.err = err
		}
		s.mu.Unlock()
		metrics.StreamErrorsTotal.WithLabelValues(room.Kind.String()).Inc()
		return fmt.Errorf("chat: open %s: %w", room, err)
	}
	metrics.ActiveSubscriptions.Inc()

	s.mu.Lock()
	if s.gen != g {
		// Superseded while subscribing.
		s.mu.Unlock()
		s.release(sub)
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	s.log.Debug().Str("room", room.String()).Uint64("gen", g).Msg("room opened")
	return nil
}

// Close releases the current subscription and returns to Idle.
func (s *Synchronizer) Close() {
	_, old := s.advance(Room{}, StateIdle)
	s.release(old)
}

// advance starts a new generation and returns it with the subscription of
// the previous one.
func (s *Synchronizer) advance(room Room, state State) (uint64, livecoll.Subscription) {
	s.deliver.Lock()
	defer s.deliver.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gen++
	old := s.sub
	s.sub = nil
	s.room = room
	s.state = state
	s.seq = newSequence()
	s.err = nil
	return s.gen, old
}

func (s *Synchronizer) release(sub livecoll.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close subscription")
	}
	metrics.ActiveSubscriptions.Dec()
}

// AddLocal inserts an optimistic copy of a message the local user is
// sending. It stays pending until the store echoes a message carrying the
// same client key, which replaces it.
func (s *Synchronizer) AddLocal(room Room, m Message) {
	if m.ClientKey == "" {
		return
	}
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.room != room || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	m.ID = localID(m.ClientKey)
	m.Local = true
	m.CreatedAt = time.Time{}
	s.seq.upsert(m)
	seq := s.seq.snapshot()
	s.mu.Unlock()

	if s.lis.Updated != nil {
		s.lis.Updated(room, seq)
	}
}

// DropLocal removes an optimistic message whose send failed.
func (s *Synchronizer) DropLocal(room Room, clientKey string) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.room != room {
		s.mu.Unlock()
		return
	}
	removed := s.seq.remove(localID(clientKey))
	seq := s.seq.snapshot()
	s.mu.Unlock()

	if removed && s.lis.Updated != nil {
		s.lis.Updated(room, seq)
	}
}

func (s *Synchronizer) apply(g uint64, ev livecoll.Event) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if g != s.gen {
		s.mu.Unlock()
		return
	}
	room := s.room

	if ev.Err != nil {
		s.state = StateFailed
		s.err = ev.Err
		s.mu.Unlock()
		metrics.StreamErrorsTotal.WithLabelValues(room.Kind.String()).Inc()
		s.log.Warn().Err(ev.Err).Str("room", room.String()).Msg("stream error")
		if s.lis.Failed != nil {
			s.lis.Failed(room, ev.Err)
		}
		return
	}

	backfill := s.state == StateBackfilling
	var arrivals []Message
	for _, ch := range ev.Changes {
		m := MessageFromDocument(ch.Doc)
		switch ch.Kind {
		case livecoll.Added:
			known := s.seq.has(m.ID)
			s.seq.reconcile(m)
			if !known && (!backfill || s.sinceCutoff(m)) {
				arrivals = append(arrivals, m)
			}
		case livecoll.Modified:
			s.seq.reconcile(m)
		case livecoll.Removed:
			s.seq.remove(m.ID)
		}
	}
	s.seq.sort()
	if backfill {
		s.state = StateLive
	}
	seq := s.seq.snapshot()
	s.mu.Unlock()

	if backfill {
		s.log.Debug().Str("room", room.String()).Int("messages", len(seq)).Msg("backfill applied")
	}
	// The sequence is rendered before notification side effects run.
	if s.lis.Updated != nil {
		s.lis.Updated(room, seq)
	}
	if len(arrivals) > 0 {
		SortMessages(arrivals)
		metrics.ArrivalsTotal.WithLabelValues(room.Kind.String()).Add(float64(len(arrivals)))
		if s.lis.Arrivals != nil {
			s.lis.Arrivals(room, arrivals)
		}
	}
}

// Messages returns a copy of the current sequence.
func (s *Synchronizer) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.snapshot()
}

// State returns the lifecycle state of the current subscription.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the open room, or the zero Room when idle.
func (s *Synchronizer) Room() Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Err returns the stream error that moved the synchronizer to StateFailed.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Generation returns the current generation token.
func (s *Synchronizer) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// sinceCutoff reports whether a backfill message is new enough to count as an
// arrival under ArrivalsSince.
func (s *Synchronizer) sinceCutoff(m Message) bool {
	since := s.config.ArrivalsSince
	return !since.IsZero() && !m.Pending() && !m.CreatedAt.Before(since)
}

func localID(clientKey string) string { return "local:" + clientKey }
