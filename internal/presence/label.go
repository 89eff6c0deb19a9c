package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudchat/chat-core/internal/livecoll"
)

// DateLayout renders last-seen times older than a week.
const DateLayout = "Jan 2, 2006"

// Presence is a user's self-reported state.
type Presence struct {
	UID        string
	IsOnline   bool
	LastSeenAt time.Time
}

// FromDocument reads presence out of a users/{uid} document.
func FromDocument(doc livecoll.Document) Presence {
	p := Presence{UID: doc.ID}
	p.IsOnline, _ = doc.Fields[FieldIsOnline].(bool)
	if ms, ok := doc.Fields.Int64(FieldLastSeenAt); ok {
		p.LastSeenAt = livecoll.Millis(ms)
	}
	return p
}

// Label renders how long ago lastSeen was. Every boundary rounds down.
func Label(lastSeen, now time.Time, loc *time.Location) string {
	d := now.Sub(lastSeen)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return "Just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
	if loc == nil {
		loc = time.Local
	}
	return lastSeen.In(loc).Format(DateLayout)
}

// Fresh reports whether an online record is still backed by a recent
// heartbeat. Records older than Interval+Skew belong to sessions that died
// without writing offline.
func (c Config) Fresh(p Presence, now time.Time) bool {
	return p.IsOnline && !p.LastSeenAt.IsZero() && now.Sub(p.LastSeenAt) <= c.Interval+c.Skew
}

// Status renders p for display: "Online" for fresh online records, a
// last-seen label otherwise, or "Offline" when the user was never seen.
func (c Config) Status(p Presence, now time.Time, loc *time.Location) string {
	switch {
	case c.Fresh(p, now):
		return "Online"
	case p.LastSeenAt.IsZero():
		return "Offline"
	}
	return Label(p.LastSeenAt, now, loc)
}

// Reader loads other users' presence.
type Reader struct {
	store livecoll.Store
}

// NewReader creates a Reader.
func NewReader(store livecoll.Store) *Reader {
	return &Reader{store: store}
}

// Get returns uid's presence, or livecoll.ErrNotFound.
func (r *Reader) Get(ctx context.Context, uid string) (Presence, error) {
	docs, err := r.store.GetOnce(ctx, UserPath(uid))
	if err != nil {
		return Presence{}, fmt.Errorf("presence: get %s: %w", uid, err)
	}
	if len(docs) == 0 {
		return Presence{}, fmt.Errorf("presence: get %s: %w", uid, livecoll.ErrNotFound)
	}
	return FromDocument(docs[0]), nil
}
