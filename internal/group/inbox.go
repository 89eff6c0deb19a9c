package group

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudchat/chat-core/internal/livecoll"
)

// Notification record field names. FieldCreatedAt is shared with groups.
const (
	FieldGroupID     = "groupId"
	FieldGroupName   = "groupName"
	FieldSenderLabel = "sender"
)

// InboxPath is the collection of uid's group invitations.
func InboxPath(uid string) string {
	return livecoll.Join("users", uid, "notifications")
}

// Notification tells a user they were added to a group. Its id is the
// group id, so an invitation written twice is still one record.
type Notification struct {
	ID          string
	GroupID     string
	GroupName   string
	SenderLabel string
	CreatedAt   time.Time
}

// Title is the group name, falling back to the id.
func (n Notification) Title() string {
	if n.GroupName != "" {
		return n.GroupName
	}
	return n.GroupID
}

// NotificationFromDocument reads an inbox record.
func NotificationFromDocument(doc livecoll.Document) Notification {
	n := Notification{
		ID:          doc.ID,
		GroupID:     doc.Fields.String(FieldGroupID),
		GroupName:   doc.Fields.String(FieldGroupName),
		SenderLabel: doc.Fields.String(FieldSenderLabel),
	}
	if ms, ok := doc.Fields.Int64(FieldCreatedAt); ok {
		n.CreatedAt = livecoll.Millis(ms)
	}
	return n
}

// sortNewestFirst orders by createdAt descending; records without a
// timestamp go last.
func sortNewestFirst(ns []Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		a, b := ns[i].CreatedAt, ns[j].CreatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return ns[i].ID < ns[j].ID
	})
}

// Inbox is one user's invitation list.
type Inbox struct {
	store livecoll.Store
	uid   string
}

// NewInbox creates uid's inbox.
func NewInbox(store livecoll.Store, uid string) *Inbox {
	return &Inbox{store: store, uid: uid}
}

// List returns the invitations, newest first.
func (in *Inbox) List(ctx context.Context) ([]Notification, error) {
	docs, err := in.store.GetOnce(ctx, InboxPath(in.uid))
	if err != nil {
		return nil, fmt.Errorf("group: inbox %s: %w", in.uid, err)
	}
	out := make([]Notification, 0, len(docs))
	for _, doc := range docs {
		out = append(out, NotificationFromDocument(doc))
	}
	sortNewestFirst(out)
	return out, nil
}

// Dismiss deletes one invitation.
func (in *Inbox) Dismiss(ctx context.Context, id string) error {
	if err := in.store.Delete(ctx, livecoll.Join(InboxPath(in.uid), id)); err != nil {
		return fmt.Errorf("group: dismiss %s for %s: %w", id, in.uid, err)
	}
	return nil
}

// Watch calls fn with the full invitation list, newest first, after every
// change. A subscription error is passed with the last known list and ends
// the watch.
func (in *Inbox) Watch(ctx context.Context, fn func([]Notification, error)) (livecoll.Subscription, error) {
	var mu sync.Mutex
	current := make(map[string]Notification)

	sub, err := in.store.Subscribe(ctx, livecoll.Query{
		Path:      InboxPath(in.uid),
		OrderBy:   FieldCreatedAt,
		Direction: livecoll.Desc,
	}, func(ev livecoll.Event) {
		mu.Lock()
		for _, ch := range ev.Changes {
			if ch.Kind == livecoll.Removed {
				delete(current, ch.Doc.ID)
				continue
			}
			current[ch.Doc.ID] = NotificationFromDocument(ch.Doc)
		}
		list := make([]Notification, 0, len(current))
		for _, n := range current {
			list = append(list, n)
		}
		mu.Unlock()

		sortNewestFirst(list)
		fn(list, ev.Err)
	})
	if err != nil {
		return nil, fmt.Errorf("group: watch inbox %s: %w", in.uid, err)
	}
	return sub, nil
}
