// Package chat holds the message model, the per-room message stream
// synchronizer and the composer that sends messages into a room.
package chat

import (
	"fmt"
	"sort"
	"time"

	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/roomkey"
)

// Stored message field names.
const (
	FieldText      = "text"
	FieldSender    = "sender"
	FieldUID       = "uid"
	FieldCreatedAt = "createdAt"
	FieldImageURL  = "imageUrl"
	FieldClientKey = "clientKey"
)

// RoomKind distinguishes direct conversations from groups.
type RoomKind int

const (
	KindDirect RoomKind = iota + 1
	KindGroup
)

func (k RoomKind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	}
	return "unknown"
}

// ParseRoomKind is the inverse of RoomKind.String.
func ParseRoomKind(s string) (RoomKind, bool) {
	switch s {
	case "direct":
		return KindDirect, true
	case "group":
		return KindGroup, true
	}
	return 0, false
}

// Room identifies a conversation scope.
type Room struct {
	Kind RoomKind
	ID   string
}

// DirectRoom returns the room of a two-party conversation.
func DirectRoom(key roomkey.Key) Room {
	return Room{Kind: KindDirect, ID: key.String()}
}

// GroupRoom returns the room of a group.
func GroupRoom(groupID string) Room {
	return Room{Kind: KindGroup, ID: groupID}
}

// IsZero reports whether r is the empty room.
func (r Room) IsZero() bool { return r.ID == "" }

// MessagesPath is the collection holding the room's messages.
func (r Room) MessagesPath() string {
	if r.Kind == KindGroup {
		return livecoll.Join("groups", r.ID, "messages")
	}
	return livecoll.Join("chats", r.ID, "messages")
}

func (r Room) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// Message is one entry of a room's log. A zero CreatedAt marks a pending
// message the store has not yet timestamped.
type Message struct {
	ID          string
	Text        string
	SenderLabel string
	SenderID    string
	CreatedAt   time.Time
	ImageURL    string
	ClientKey   string
	// Local is set on optimistic copies inserted by the sender before the
	// store echoes the write back.
	Local bool
}

// Pending reports whether the message has no server timestamp yet.
func (m Message) Pending() bool { return m.CreatedAt.IsZero() }

// MessageFromDocument maps a stored document onto a Message.
func MessageFromDocument(doc livecoll.Document) Message {
	m := Message{
		ID:          doc.ID,
		Text:        doc.Fields.String(FieldText),
		SenderLabel: doc.Fields.String(FieldSender),
		SenderID:    doc.Fields.String(FieldUID),
		ImageURL:    doc.Fields.String(FieldImageURL),
		ClientKey:   doc.Fields.String(FieldClientKey),
	}
	if ms, ok := doc.Fields.Int64(FieldCreatedAt); ok {
		m.CreatedAt = livecoll.Millis(ms)
	}
	return m
}

// Fields returns the document written when m is appended. createdAt is left
// for the store to assign.
func (m Message) Fields() livecoll.Fields {
	f := livecoll.Fields{
		FieldText:      m.Text,
		FieldSender:    m.SenderLabel,
		FieldUID:       m.SenderID,
		FieldCreatedAt: livecoll.ServerTimestamp,
	}
	if m.ImageURL != "" {
		f[FieldImageURL] = m.ImageURL
	}
	if m.ClientKey != "" {
		f[FieldClientKey] = m.ClientKey
	}
	return f
}

// before orders acknowledged messages by (createdAt, id) and puts pending
// ones after them. Pending messages do not order among themselves; stable
// sorting keeps them in insertion order.
func before(a, b Message) bool {
	switch {
	case a.Pending() != b.Pending():
		return !a.Pending()
	case a.Pending():
		return false
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages orders msgs in display order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return before(msgs[i], msgs[j]) })
}
