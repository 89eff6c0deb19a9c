// Package presence keeps the acting identity's presence record fresh and
// renders other users' presence as "Online" or a last-seen label.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/metrics"
)

// Presence fields merged into users/{uid}.
const (
	FieldIsOnline   = "isOnline"
	FieldLastSeenAt = "lastSeenAt"
)

// Config holds presence tuning parameters.
type Config struct {
	Interval     time.Duration // heartbeat period (default: 30s)
	Skew         time.Duration // tolerated clock and network delay (default: 15s)
	WriteTimeout time.Duration // max time for one heartbeat write (default: 10s)
}

// DefaultConfig returns the reference heartbeat settings.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		Skew:         15 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// UserPath is the document holding uid's profile and presence.
func UserPath(uid string) string {
	return livecoll.Join("users", uid)
}

// Tracker asserts that one identity is online while it runs.
type Tracker struct {
	store  livecoll.Store
	uid    string
	config Config
	log    zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTracker creates a stopped tracker for uid.
func NewTracker(store livecoll.Store, uid string, config Config, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		uid:    uid,
		config: config,
		log:    logger.With().Str("component", "presence").Str("uid", uid).Logger(),
	}
}

// Start writes the online record immediately, then keeps refreshing it every
// Interval until Stop. The ticker runs even if the first write fails; that
// error is returned.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return nil
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	err := t.write(ctx, true)
	go t.run(ctx, stop, done)
	return err
}

func (t *Tracker) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, t.config.WriteTimeout)
			if err := t.write(wctx, true); err != nil {
				t.log.Warn().Err(err).Msg("heartbeat failed")
			}
			cancel()
		}
	}
}

// Stop cancels the heartbeat, waits for it to exit, and then writes the
// offline record. No heartbeat can land after the offline write.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}

	close(stop)
	<-done
	return t.write(ctx, false)
}

// Running reports whether the heartbeat is active.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

func (t *Tracker) write(ctx context.Context, online bool) error {
	state := "offline"
	if online {
		state = "online"
	}
	err := t.store.SetMerge(ctx, UserPath(t.uid), livecoll.Fields{
		FieldIsOnline:   online,
		FieldLastSeenAt: livecoll.ServerTimestamp,
	})
	if err != nil {
		metrics.PresenceWritesTotal.WithLabelValues(state, "error").Inc()
		return fmt.Errorf("presence: write %s: %w", state, err)
	}
	metrics.PresenceWritesTotal.WithLabelValues(state, "ok").Inc()
	t.log.Debug().Str("state", state).Msg("presence written")
	return nil
}
