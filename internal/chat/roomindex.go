package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudchat/chat-core/internal/livecoll"
)

// Room index field names.
const (
	FieldKind    = "kind"
	FieldRoomID  = "roomId"
	FieldPath    = "path"
	FieldAddedAt = "addedAt"
)

// IndexEntry records that an identity participates in a room. Entries live
// under users/{uid}/rooms and are what background scanning subscribes to.
type IndexEntry struct {
	Room Room
	Path string
	// AddedAt is the store time of the latest write of the entry. Every
	// AddToIndex call refreshes it.
	AddedAt time.Time
}

// IndexPath is the collection of uid's room index.
func IndexPath(uid string) string {
	return livecoll.Join("users", uid, "rooms")
}

// entryID is deterministic so repeated writes merge into one entry.
func entryID(room Room) string {
	return room.Kind.String() + "-" + room.ID
}

// IndexEntryFromDocument parses a room index document.
func IndexEntryFromDocument(doc livecoll.Document) (IndexEntry, bool) {
	kind, ok := ParseRoomKind(doc.Fields.String(FieldKind))
	id := doc.Fields.String(FieldRoomID)
	if !ok || id == "" {
		return IndexEntry{}, false
	}
	room := Room{Kind: kind, ID: id}
	entry := IndexEntry{Room: room, Path: room.MessagesPath()}
	if ms, ok := doc.Fields.Int64(FieldAddedAt); ok {
		entry.AddedAt = livecoll.Millis(ms)
	}
	return entry, true
}

// AddToIndex merges room into the room index of every uid. It attempts every
// write and returns the joined failures.
func AddToIndex(ctx context.Context, store livecoll.Store, room Room, uids ...string) error {
	var errs []error
	for _, uid := range uids {
		doc := livecoll.Join(IndexPath(uid), entryID(room))
		err := store.SetMerge(ctx, doc, livecoll.Fields{
			FieldKind:    room.Kind.String(),
			FieldRoomID:  room.ID,
			FieldPath:    room.MessagesPath(),
			FieldAddedAt: livecoll.ServerTimestamp,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("index %s for %s: %w", room, uid, err))
		}
	}
	return errors.Join(errs...)
}
